package transform

import (
	"fmt"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/geom"
)

// Tree is a time-indexed transform lookup. *Buffer implements it.
type Tree interface {
	Lookup(target, source string, t time.Time) (geom.Pose, error)
}

// Transformer expresses sensor measurements in a single working frame.
type Transformer struct {
	tree    Tree
	working string
}

// NewTransformer binds a tree to the working frame id.
func NewTransformer(tree Tree, workingFrame string) *Transformer {
	return &Transformer{tree: tree, working: workingFrame}
}

// WorkingFrame returns the frame every result is expressed in.
func (t *Transformer) WorkingFrame() string { return t.working }

func (t *Transformer) lookup(source string, at time.Time) (geom.Pose, error) {
	if source == "" || source == t.working {
		return geom.IdentityPose(), nil
	}
	tf, err := t.tree.Lookup(t.working, source, at)
	if err != nil {
		return geom.Pose{}, fmt.Errorf("%s -> %s: %w", source, t.working, err)
	}
	return tf, nil
}

// ToWorkingFrame re-expresses a pose given in source as a pose in the working
// frame. An empty source is taken to already be in the working frame.
func (t *Transformer) ToWorkingFrame(source string, at time.Time, pose geom.Pose) (geom.Pose, error) {
	tf, err := t.lookup(source, at)
	if err != nil {
		return geom.Pose{}, err
	}
	return tf.Compose(pose), nil
}

// RotationToWorking re-expresses an orientation given in source.
func (t *Transformer) RotationToWorking(source string, at time.Time, q geom.Quaternion) (geom.Quaternion, error) {
	tf, err := t.lookup(source, at)
	if err != nil {
		return geom.Quaternion{}, err
	}
	return tf.Orientation.Mul(q), nil
}

// PointToWorking maps a point given in source into the working frame.
func (t *Transformer) PointToWorking(source string, at time.Time, p geom.Vec3) (geom.Vec3, error) {
	tf, err := t.lookup(source, at)
	if err != nil {
		return geom.Vec3{}, err
	}
	return tf.Apply(p), nil
}
