// Package transform provides time-indexed rigid transforms between named
// reference frames and the conversion of sensor poses into the pipeline's
// working frame.
//
// Frames form a tree: each child frame has exactly one parent edge, either
// static (valid at all times) or dynamic (a short history of stamped samples
// interpolated on lookup). A lookup walks both frames up to their common
// ancestor and composes the edges on the way.
package transform

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/sensor"
)

// ErrTransformUnavailable is returned when no transform history covers the
// requested time or the two frames are not connected.
var ErrTransformUnavailable = errors.New("transform unavailable")

const (
	// DefaultCacheDuration is how much dynamic history each edge retains.
	DefaultCacheDuration = 10 * time.Second
	// DefaultTolerance is how far a lookup may fall outside an edge's
	// history before it is refused rather than clamped.
	DefaultTolerance = 5 * time.Millisecond

	maxTreeDepth = 64
)

// Stamped is one sample of the transform mapping Child points into Parent.
type Stamped struct {
	Parent string
	Child  string
	Stamp  time.Time
	Pose   geom.Pose
}

type edge struct {
	parent  string
	static  bool
	pose    geom.Pose // static edges only
	history []Stamped // dynamic edges, ascending by Stamp
}

// Buffer stores the transform tree. It is safe for concurrent use: the
// delivery goroutine writes samples while the frame loop performs lookups.
type Buffer struct {
	mu        sync.RWMutex
	cache     time.Duration
	tolerance time.Duration
	edges     map[string]*edge // keyed by child frame
}

// NewBuffer creates an empty tree. A zero cache or negative tolerance selects
// the default.
func NewBuffer(cache, tolerance time.Duration) *Buffer {
	if cache <= 0 {
		cache = DefaultCacheDuration
	}
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	return &Buffer{
		cache:     cache,
		tolerance: tolerance,
		edges:     make(map[string]*edge),
	}
}

func validate(tf Stamped) (geom.Pose, error) {
	if tf.Parent == "" || tf.Child == "" {
		return geom.Pose{}, fmt.Errorf("transform needs both parent and child frame ids")
	}
	if tf.Parent == tf.Child {
		return geom.Pose{}, fmt.Errorf("frame %q cannot be its own parent", tf.Child)
	}
	q, ok := tf.Pose.Orientation.Normalize()
	if !ok {
		return geom.Pose{}, fmt.Errorf("transform %s->%s has an invalid rotation", tf.Parent, tf.Child)
	}
	p := tf.Pose
	p.Orientation = q
	return p, nil
}

// SetStaticTransform installs an edge that is valid at every time, replacing
// any previous edge for the child.
func (b *Buffer) SetStaticTransform(tf Stamped) error {
	pose, err := validate(tf)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edges[tf.Child] = &edge{parent: tf.Parent, static: true, pose: pose}
	return nil
}

// SetTransform inserts a dynamic sample. Samples may arrive out of order. A
// sample naming a different parent re-parents the child and drops its
// history. History older than the cache duration (relative to the newest
// sample) is discarded.
func (b *Buffer) SetTransform(tf Stamped) error {
	pose, err := validate(tf)
	if err != nil {
		return err
	}
	tf.Pose = pose

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.edges[tf.Child]
	if !ok || e.static || e.parent != tf.Parent {
		e = &edge{parent: tf.Parent}
		b.edges[tf.Child] = e
	}

	i := sort.Search(len(e.history), func(i int) bool { return !e.history[i].Stamp.Before(tf.Stamp) })
	switch {
	case i < len(e.history) && e.history[i].Stamp.Equal(tf.Stamp):
		e.history[i] = tf
	default:
		e.history = append(e.history, Stamped{})
		copy(e.history[i+1:], e.history[i:])
		e.history[i] = tf
	}

	cutoff := e.history[len(e.history)-1].Stamp.Add(-b.cache)
	drop := sort.Search(len(e.history), func(i int) bool { return !e.history[i].Stamp.Before(cutoff) })
	if drop > 0 {
		e.history = append(e.history[:0], e.history[drop:]...)
	}
	return nil
}

// SubmitTransform implements sensor.TransformSink.
func (b *Buffer) SubmitTransform(s sensor.TransformSample) error {
	return b.SetTransform(Stamped{Parent: s.Parent, Child: s.Child, Stamp: s.Stamp, Pose: s.Pose})
}

// at resolves the edge pose at t.
func (e *edge) at(child string, t time.Time, tolerance time.Duration) (geom.Pose, error) {
	if e.static {
		return e.pose, nil
	}
	h := e.history
	if len(h) == 0 {
		return geom.Pose{}, fmt.Errorf("%w: %s->%s has no samples", ErrTransformUnavailable, e.parent, child)
	}
	first, last := h[0], h[len(h)-1]
	if t.Before(first.Stamp) {
		if first.Stamp.Sub(t) > tolerance {
			return geom.Pose{}, fmt.Errorf("%w: %s->%s lookup %v before oldest sample",
				ErrTransformUnavailable, e.parent, child, first.Stamp.Sub(t))
		}
		return first.Pose, nil
	}
	if t.After(last.Stamp) {
		if t.Sub(last.Stamp) > tolerance {
			return geom.Pose{}, fmt.Errorf("%w: %s->%s lookup %v after newest sample",
				ErrTransformUnavailable, e.parent, child, t.Sub(last.Stamp))
		}
		return last.Pose, nil
	}
	i := sort.Search(len(h), func(i int) bool { return !h[i].Stamp.Before(t) })
	if h[i].Stamp.Equal(t) {
		return h[i].Pose, nil
	}
	a, b := h[i-1], h[i]
	frac := float64(t.Sub(a.Stamp)) / float64(b.Stamp.Sub(a.Stamp))
	return geom.Interpolate(a.Pose, b.Pose, frac), nil
}

// ancestors lists frame followed by its parents up to the root. Only the
// topology is read; no edge is evaluated.
func (b *Buffer) ancestors(frame string) ([]string, error) {
	order := []string{frame}
	seen := map[string]bool{frame: true}
	cur := frame
	for depth := 0; ; depth++ {
		if depth > maxTreeDepth {
			return nil, fmt.Errorf("%w: frame tree above %q is too deep", ErrTransformUnavailable, frame)
		}
		e, ok := b.edges[cur]
		if !ok {
			return order, nil
		}
		if seen[e.parent] {
			return nil, fmt.Errorf("%w: cycle through %q", ErrTransformUnavailable, e.parent)
		}
		seen[e.parent] = true
		order = append(order, e.parent)
		cur = e.parent
	}
}

// poseInAncestor composes the edges along path, which runs from a frame up
// to one of its ancestors, into the pose mapping path[0] points into the
// ancestor at t.
func (b *Buffer) poseInAncestor(path []string, t time.Time) (geom.Pose, error) {
	pose := geom.IdentityPose()
	for _, child := range path[:len(path)-1] {
		p, err := b.edges[child].at(child, t, b.tolerance)
		if err != nil {
			return geom.Pose{}, err
		}
		pose = p.Compose(pose)
	}
	return pose, nil
}

// Lookup returns the pose mapping points expressed in source into target at
// time t. Only the edges below the frames' common ancestor are evaluated.
func (b *Buffer) Lookup(target, source string, t time.Time) (geom.Pose, error) {
	if target == source {
		return geom.IdentityPose(), nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, ok := b.edges[source]; !ok && !b.isParent(source) {
		return geom.Pose{}, fmt.Errorf("%w: unknown frame %q", ErrTransformUnavailable, source)
	}
	if _, ok := b.edges[target]; !ok && !b.isParent(target) {
		return geom.Pose{}, fmt.Errorf("%w: unknown frame %q", ErrTransformUnavailable, target)
	}

	sourceUp, err := b.ancestors(source)
	if err != nil {
		return geom.Pose{}, err
	}
	targetUp, err := b.ancestors(target)
	if err != nil {
		return geom.Pose{}, err
	}
	depth := make(map[string]int, len(sourceUp))
	for i, f := range sourceUp {
		depth[f] = i
	}
	for j, anc := range targetUp {
		i, ok := depth[anc]
		if !ok {
			continue
		}
		srcToAnc, err := b.poseInAncestor(sourceUp[:i+1], t)
		if err != nil {
			return geom.Pose{}, err
		}
		tgtToAnc, err := b.poseInAncestor(targetUp[:j+1], t)
		if err != nil {
			return geom.Pose{}, err
		}
		return tgtToAnc.Inverse().Compose(srcToAnc), nil
	}
	return geom.Pose{}, fmt.Errorf("%w: %q and %q are not connected", ErrTransformUnavailable, target, source)
}

func (b *Buffer) isParent(frame string) bool {
	for _, e := range b.edges {
		if e.parent == frame {
			return true
		}
	}
	return false
}

// Frames lists every frame id known to the tree, sorted.
func (b *Buffer) Frames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := make(map[string]struct{}, 2*len(b.edges))
	for child, e := range b.edges {
		set[child] = struct{}{}
		set[e.parent] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
