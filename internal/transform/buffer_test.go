package transform

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func translation(x, y, z float64) geom.Pose {
	return geom.Pose{Position: geom.Vec3{X: x, Y: y, Z: z}, Orientation: geom.Identity()}
}

func TestLookup_StaticChain(t *testing.T) {
	t.Parallel()

	b := NewBuffer(0, -1)
	require.NoError(t, b.SetStaticTransform(Stamped{Parent: "world", Child: "base", Pose: translation(1, 0, 0)}))
	require.NoError(t, b.SetStaticTransform(Stamped{Parent: "base", Child: "imu", Pose: translation(0, 2, 0)}))
	require.NoError(t, b.SetStaticTransform(Stamped{Parent: "base", Child: "camera", Pose: translation(0, 0, 3)}))

	tf, err := b.Lookup("world", "imu", at(0))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, tf.Position.X, 1e-12)
	assert.InDelta(t, 2.0, tf.Position.Y, 1e-12)

	// Sibling lookup goes through the common parent.
	tf, err = b.Lookup("camera", "imu", at(0))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, tf.Position.Y, 1e-12)
	assert.InDelta(t, -3.0, tf.Position.Z, 1e-12)

	tf, err = b.Lookup("imu", "imu", at(0))
	require.NoError(t, err)
	assert.Equal(t, geom.IdentityPose(), tf)

	assert.Equal(t, []string{"base", "camera", "imu", "world"}, b.Frames())
}

func TestLookup_InterpolatesDynamicEdge(t *testing.T) {
	t.Parallel()

	b := NewBuffer(time.Second, 0)
	require.NoError(t, b.SetTransform(Stamped{Parent: "world", Child: "body", Stamp: at(200), Pose: geom.Pose{
		Position:    geom.Vec3{X: 2},
		Orientation: geom.FromAxisAngle(geom.Vec3{Z: 1}, math.Pi/2),
	}}))
	// Out-of-order insert.
	require.NoError(t, b.SetTransform(Stamped{Parent: "world", Child: "body", Stamp: at(100), Pose: translation(0, 0, 0)}))

	tf, err := b.Lookup("world", "body", at(150))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, tf.Position.X, 1e-9)
	assert.InDelta(t, math.Pi/4, tf.Orientation.AngleTo(geom.Identity()), 1e-9)

	tf, err = b.Lookup("world", "body", at(200))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, tf.Position.X, 1e-12)
}

func TestLookup_Unavailable(t *testing.T) {
	t.Parallel()

	b := NewBuffer(time.Second, 5*time.Millisecond)
	require.NoError(t, b.SetTransform(Stamped{Parent: "world", Child: "body", Stamp: at(100), Pose: translation(0, 0, 0)}))
	require.NoError(t, b.SetTransform(Stamped{Parent: "world", Child: "body", Stamp: at(200), Pose: translation(1, 0, 0)}))
	require.NoError(t, b.SetStaticTransform(Stamped{Parent: "map", Child: "beacon", Pose: translation(0, 0, 0)}))

	tests := []struct {
		name           string
		target, source string
		when           time.Time
	}{
		{"too early", "world", "body", at(90)},
		{"too late", "world", "body", at(210)},
		{"unknown frame", "world", "lidar", at(150)},
		{"disconnected", "world", "beacon", at(150)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Lookup(tt.target, tt.source, tt.when)
			assert.True(t, errors.Is(err, ErrTransformUnavailable), "got %v", err)
		})
	}

	// Within tolerance the nearest sample is used.
	tf, err := b.Lookup("world", "body", at(204))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, tf.Position.X, 1e-12)
}

func TestLookup_IgnoresEdgesAboveCommonAncestor(t *testing.T) {
	t.Parallel()

	b := NewBuffer(time.Second, 0)
	require.NoError(t, b.SetStaticTransform(Stamped{Parent: "world", Child: "camera", Pose: translation(0, 0, 3)}))
	require.NoError(t, b.SetStaticTransform(Stamped{Parent: "world", Child: "imu", Pose: translation(0, 2, 0)}))
	require.NoError(t, b.SetTransform(Stamped{Parent: "earth", Child: "world", Stamp: at(0), Pose: translation(5, 0, 0)}))

	tf, err := b.Lookup("camera", "imu", at(100_000))
	require.NoError(t, err, "earth->world is stale but not needed")
	assert.InDelta(t, 2.0, tf.Position.Y, 1e-12)
	assert.InDelta(t, -3.0, tf.Position.Z, 1e-12)

	_, err = b.Lookup("earth", "imu", at(100_000))
	assert.ErrorIs(t, err, ErrTransformUnavailable, "a lookup that crosses the stale edge still fails")

	tf, err = b.Lookup("earth", "imu", at(0))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, tf.Position.X, 1e-12)
	assert.InDelta(t, 2.0, tf.Position.Y, 1e-12)
}

func TestSetTransform_TrimsHistoryAndReparents(t *testing.T) {
	t.Parallel()

	b := NewBuffer(100*time.Millisecond, 0)
	for ms := 0; ms <= 500; ms += 50 {
		require.NoError(t, b.SetTransform(Stamped{Parent: "world", Child: "body", Stamp: at(ms), Pose: translation(float64(ms), 0, 0)}))
	}
	_, err := b.Lookup("world", "body", at(300))
	assert.ErrorIs(t, err, ErrTransformUnavailable, "history older than the cache must be gone")
	_, err = b.Lookup("world", "body", at(450))
	assert.NoError(t, err)

	require.NoError(t, b.SetTransform(Stamped{Parent: "odom", Child: "body", Stamp: at(600), Pose: translation(0, 0, 0)}))
	_, err = b.Lookup("world", "body", at(600))
	assert.ErrorIs(t, err, ErrTransformUnavailable)
}

func TestSetTransform_Validation(t *testing.T) {
	t.Parallel()

	b := NewBuffer(0, 0)
	assert.Error(t, b.SetTransform(Stamped{Child: "a", Pose: geom.IdentityPose()}))
	assert.Error(t, b.SetTransform(Stamped{Parent: "a", Child: "a", Pose: geom.IdentityPose()}))
	assert.Error(t, b.SetStaticTransform(Stamped{Parent: "a", Child: "b"}), "zero quaternion is not a rotation")
}

func TestTransformer(t *testing.T) {
	t.Parallel()

	b := NewBuffer(0, 0)
	yaw := geom.FromAxisAngle(geom.Vec3{Z: 1}, math.Pi/2)
	require.NoError(t, b.SetStaticTransform(Stamped{Parent: "camera", Child: "imu", Pose: geom.Pose{Orientation: yaw}}))

	tr := NewTransformer(b, "camera")
	assert.Equal(t, "camera", tr.WorkingFrame())

	q, err := tr.RotationToWorking("imu", at(0), geom.Identity())
	require.NoError(t, err)
	assert.InDelta(t, 0, q.AngleTo(yaw), 1e-9)

	p, err := tr.PointToWorking("imu", at(0), geom.Vec3{X: 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p.Y, 1e-12)

	pose, err := tr.ToWorkingFrame("", at(0), translation(5, 0, 0))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, pose.Position.X, 1e-12)

	_, err = tr.ToWorkingFrame("gps", at(0), geom.IdentityPose())
	assert.ErrorIs(t, err, ErrTransformUnavailable)
}
