package monitor

import (
	"image"
	"sync"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/pipeline"
)

// DefaultTrajectoryCap is how many poses the in-memory trajectory keeps.
const DefaultTrajectoryCap = 2000

// TrajectoryPoint is one published pose as shown on the debug charts.
type TrajectoryPoint struct {
	Seq          uint64           `json:"seq"`
	Stamp        time.Time        `json:"stamp"`
	X            float64          `json:"x"`
	Y            float64          `json:"y"`
	Z            float64          `json:"z"`
	Quality      pipeline.Quality `json:"quality"`
	KeyFrames    int              `json:"keyframes"`
	UsedInertial bool             `json:"used_inertial"`
	UsedPrior    bool             `json:"used_prior"`
	LatencyMs    float64          `json:"latency_ms"`
}

// TrajectoryBuffer is a publish.PreviewSink that keeps the most recent poses
// and the latest preview image for the monitor.
type TrajectoryBuffer struct {
	mu     sync.RWMutex
	points []TrajectoryPoint
	head   int
	full   bool

	preview      *image.Gray
	previewSeq   uint64
	previewStamp time.Time
}

// NewTrajectoryBuffer keeps up to capacity poses; non-positive means the
// default.
func NewTrajectoryBuffer(capacity int) *TrajectoryBuffer {
	if capacity <= 0 {
		capacity = DefaultTrajectoryCap
	}
	return &TrajectoryBuffer{points: make([]TrajectoryPoint, capacity)}
}

func (t *TrajectoryBuffer) PublishPose(p pipeline.Publication) error {
	pos := p.Result.Pose.Position
	pt := TrajectoryPoint{
		Seq:          p.Seq,
		Stamp:        p.Stamp,
		X:            pos.X,
		Y:            pos.Y,
		Z:            pos.Z,
		Quality:      p.Result.Quality,
		KeyFrames:    p.Result.KeyFrames,
		UsedInertial: p.UsedInertial,
		UsedPrior:    p.UsedPrior,
		LatencyMs:    float64(p.Latency) / float64(time.Millisecond),
	}
	t.mu.Lock()
	t.points[t.head] = pt
	t.head = (t.head + 1) % len(t.points)
	if t.head == 0 {
		t.full = true
	}
	t.mu.Unlock()
	return nil
}

func (t *TrajectoryBuffer) PublishPreview(seq uint64, stamp time.Time, img *image.Gray) error {
	if img == nil {
		return nil
	}
	t.mu.Lock()
	t.preview, t.previewSeq, t.previewStamp = img, seq, stamp
	t.mu.Unlock()
	return nil
}

// Points returns up to limit of the most recent poses, oldest first. A
// non-positive limit returns everything held.
func (t *TrajectoryBuffer) Points(limit int) []TrajectoryPoint {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.head
	if t.full {
		n = len(t.points)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]TrajectoryPoint, limit)
	start := t.head - limit
	for i := range out {
		out[i] = t.points[(start+i+len(t.points))%len(t.points)]
	}
	return out
}

// Preview returns the latest preview image and the frame it came from.
func (t *TrajectoryBuffer) Preview() (img *image.Gray, seq uint64, stamp time.Time, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.preview == nil {
		return nil, 0, time.Time{}, false
	}
	return t.preview, t.previewSeq, t.previewStamp, true
}
