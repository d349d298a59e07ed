package backend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/monitoring"
	"github.com/banshee-data/tracking.frontend/internal/pipeline"
	"github.com/banshee-data/tracking.frontend/internal/sensor"
)

// SyntheticGenerator produces frames, inertial samples and pose priors for a
// camera moving on a horizontal circle while yawing to face its direction of
// travel. When Transforms is set it also broadcasts the stamped camera->IMU
// mount transform alongside every inertial sample.
type SyntheticGenerator struct {
	// Configuration
	Width         int
	Height        int
	FrameRate     float64 // frames per second
	InertialRate  float64 // samples per second
	PriorRate     float64 // priors per second; zero disables priors
	Radius        float64 // metres
	SpeedMPS      float64
	CameraFrame   string
	InertialFrame string
	PriorFrame    string
	NoiseStdDev   float64 // rad/s gyro noise
	MountOffset   geom.Vec3
	Transforms    sensor.TransformSink

	start time.Time
	seq   uint64
	rng   *rand.Rand
}

// NewSyntheticGenerator creates a generator whose trajectory starts at start.
func NewSyntheticGenerator(start time.Time, seed int64) *SyntheticGenerator {
	return &SyntheticGenerator{
		Width:         160,
		Height:        120,
		FrameRate:     30,
		InertialRate:  200,
		PriorRate:     10,
		Radius:        2,
		SpeedMPS:      0.5,
		CameraFrame:   "camera",
		InertialFrame: "imu",
		PriorFrame:    "camera",
		NoiseStdDev:   0.001,
		MountOffset:   geom.Vec3{X: 0.05, Z: -0.02},
		start:         start,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

func (g *SyntheticGenerator) yawRate() float64 { return g.SpeedMPS / g.Radius }

// PoseAt returns the true camera pose at t.
func (g *SyntheticGenerator) PoseAt(t time.Time) geom.Pose {
	angle := t.Sub(g.start).Seconds() * g.yawRate()
	return geom.Pose{
		Position:    geom.Vec3{X: g.Radius * math.Cos(angle), Y: g.Radius * math.Sin(angle)},
		Orientation: geom.FromAxisAngle(geom.Vec3{Z: 1}, angle+math.Pi/2),
	}
}

// FrameAt renders a mono8 frame whose gradient pattern scrolls with the yaw.
func (g *SyntheticGenerator) FrameAt(t time.Time) sensor.Frame {
	g.seq++
	shift := int(t.Sub(g.start).Seconds() * g.yawRate() * float64(g.Width))
	data := make([]byte, g.Width*g.Height)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			data[y*g.Width+x] = byte((x+shift)*4 ^ y*2)
		}
	}
	return sensor.Frame{
		Stamp:    t,
		Seq:      g.seq,
		FrameID:  g.CameraFrame,
		Width:    g.Width,
		Height:   g.Height,
		Encoding: sensor.EncodingMono8,
		Data:     data,
	}
}

// InertialAt returns a gyro/accel sample at t with centripetal acceleration
// and a little gyro noise.
func (g *SyntheticGenerator) InertialAt(t time.Time) sensor.InertialSample {
	w := g.yawRate()
	return sensor.InertialSample{
		Stamp:              t,
		FrameID:            g.InertialFrame,
		Orientation:        g.PoseAt(t).Orientation,
		HasOrientation:     false,
		AngularVelocity:    geom.Vec3{Z: w + g.rng.NormFloat64()*g.NoiseStdDev},
		LinearAcceleration: geom.Vec3{X: g.SpeedMPS * w, Z: 9.81},
	}
}

// PriorAt returns the true pose at t as a prior with a small covariance.
func (g *SyntheticGenerator) PriorAt(t time.Time) sensor.PosePrior {
	p := sensor.PosePrior{Stamp: t, FrameID: g.PriorFrame, Pose: g.PoseAt(t)}
	for i := 0; i < 6; i++ {
		p.Covariance[i*7] = 0.01
	}
	return p
}

// MountAt returns the IMU mount transform at t. The lever arm vibrates by a
// millimetre at 5 Hz; the rotation is fixed.
func (g *SyntheticGenerator) MountAt(t time.Time) sensor.TransformSample {
	wobble := 0.001 * math.Sin(2*math.Pi*5*t.Sub(g.start).Seconds())
	return sensor.TransformSample{
		Stamp:  t,
		Parent: g.CameraFrame,
		Child:  g.InertialFrame,
		Pose: geom.Pose{
			Position:    g.MountOffset.Add(geom.Vec3{Z: wobble}),
			Orientation: geom.Identity(),
		},
	}
}

// Run feeds sink in real time until ctx is cancelled. Inertial samples are
// delivered on their own schedule, priors on theirs, and frames on theirs, so
// the three streams interleave the way independent sensors would.
func (g *SyntheticGenerator) Run(ctx context.Context, sink sensor.Sink) error {
	logf := monitoring.For("synthetic")
	tick := time.Duration(float64(time.Second) / g.InertialRate)
	frameEvery := time.Duration(float64(time.Second) / g.FrameRate)
	var priorEvery time.Duration
	if g.PriorRate > 0 {
		priorEvery = time.Duration(float64(time.Second) / g.PriorRate)
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	var nextFrame, nextPrior time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if g.start.IsZero() {
				g.start = now
			}
			if g.Transforms != nil && g.InertialFrame != g.CameraFrame {
				if err := g.Transforms.SubmitTransform(g.MountAt(now)); err != nil {
					return fmt.Errorf("mount transform: %w", err)
				}
			}
			if stop, err := submitErr(sink.SubmitInertial(g.InertialAt(now))); stop {
				return err
			}
			if priorEvery > 0 && !now.Before(nextPrior) {
				nextPrior = now.Add(priorEvery)
				if stop, err := submitErr(sink.SubmitPrior(g.PriorAt(now))); stop {
					return err
				}
			}
			if !now.Before(nextFrame) {
				nextFrame = now.Add(frameEvery)
				err := sink.SubmitFrame(g.FrameAt(now))
				if errors.Is(err, pipeline.ErrQueueFull) {
					logf("frame %d dropped: %v", g.seq, err)
				}
				if stop, err := submitErr(err); stop {
					return err
				}
			}
		}
	}
}

// submitErr decides whether a sink error ends the run. A full queue is
// logged and skipped; a stopped pipeline ends the run cleanly.
func submitErr(err error) (stop bool, ret error) {
	switch {
	case err == nil, errors.Is(err, pipeline.ErrQueueFull):
		return false, nil
	case errors.Is(err, pipeline.ErrStopped):
		return true, nil
	}
	return true, err
}
