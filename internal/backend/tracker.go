package backend

import (
	"image"
	"math"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/pipeline"
)

// Keys understood by the tracker.
const (
	KeySpace = "Space" // force a keyframe on the next frame
	KeyReset = "r"
)

// TrackerConfig tunes the reference tracker.
type TrackerConfig struct {
	KeyFrameDistance  float64 // metres moved before a new keyframe
	KeyFrameAngle     float64 // radians turned before a new keyframe
	PointsPerKeyFrame int
	LostAfter         int // consecutive frames without any input before reporting lost
	MinContrast       uint8
}

// DefaultTrackerConfig returns the settings used in dev mode.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		KeyFrameDistance:  0.25,
		KeyFrameAngle:     15 * math.Pi / 180,
		PointsPerKeyFrame: 16,
		LostAfter:         30,
		MinContrast:       8,
	}
}

// DeadReckoningTracker follows pose priors when they are present and
// integrates gyro rates between them.
type DeadReckoningTracker struct {
	cfg    TrackerConfig
	m      *KeyFrameMap
	width  int
	height int

	pose          geom.Pose
	lastStamp     time.Time
	lastKeyFrame  *geom.Pose
	starved       int
	forceKeyFrame bool
}

// NewDeadReckoningTracker creates a tracker writing keyframes into m.
func NewDeadReckoningTracker(cfg TrackerConfig, m *KeyFrameMap, width, height int) *DeadReckoningTracker {
	return &DeadReckoningTracker{cfg: cfg, m: m, width: width, height: height, pose: geom.IdentityPose()}
}

// Pose returns the current camera pose in the world frame.
func (t *DeadReckoningTracker) Pose() geom.Pose { return t.pose }

func (t *DeadReckoningTracker) Track(obs *pipeline.SynchronizedObservation) (pipeline.TrackingResult, error) {
	stamp := obs.Frame.Stamp
	quality := pipeline.QualityGood
	msg := ""

	switch {
	case obs.Prior != nil:
		t.pose = obs.Prior.Pose
		t.starved = 0
		msg = "following prior"
	case obs.Inertial != nil:
		t.integrate(obs, stamp)
		t.starved = 0
		quality = pipeline.QualityDodgy
		msg = "inertial only"
	default:
		t.starved++
		quality = pipeline.QualityDodgy
		msg = "no inertial or prior input"
		if t.starved >= t.cfg.LostAfter {
			quality = pipeline.QualityLost
		}
	}
	t.lastStamp = stamp

	if obs.Gray != nil && contrast(obs.Gray) < t.cfg.MinContrast {
		quality = pipeline.QualityLost
		msg = "image has no texture"
	}

	if quality != pipeline.QualityLost && t.wantKeyFrame() {
		if _, ok := t.m.AddKeyFrame(stamp, t.pose, t.samplePoints(obs.Gray)); ok {
			kf := t.pose
			t.lastKeyFrame = &kf
		}
		t.forceKeyFrame = false
	}

	kfs, pts := t.m.Counts()
	return pipeline.TrackingResult{
		Stamp:     stamp,
		Pose:      t.pose,
		Quality:   quality,
		Message:   msg,
		KeyFrames: kfs,
		MapPoints: pts,
	}, nil
}

func (t *DeadReckoningTracker) integrate(obs *pipeline.SynchronizedObservation, stamp time.Time) {
	s := obs.Inertial
	if s.HasOrientation {
		if q, ok := s.Orientation.Normalize(); ok {
			t.pose.Orientation = q
			return
		}
	}
	if t.lastStamp.IsZero() {
		return
	}
	dt := stamp.Sub(t.lastStamp).Seconds()
	if dt <= 0 {
		return
	}
	w := s.AngularVelocity
	delta := geom.FromAxisAngle(w, w.Norm()*dt)
	if q, ok := t.pose.Orientation.Mul(delta).Normalize(); ok {
		t.pose.Orientation = q
	}
}

func (t *DeadReckoningTracker) wantKeyFrame() bool {
	if t.forceKeyFrame || t.lastKeyFrame == nil {
		return true
	}
	moved := t.pose.Position.Sub(t.lastKeyFrame.Position).Norm()
	turned := t.pose.Orientation.AngleTo(t.lastKeyFrame.Orientation)
	return moved >= t.cfg.KeyFrameDistance || turned >= t.cfg.KeyFrameAngle
}

// samplePoints back-projects a coarse pixel grid at unit depth, scaled by
// pixel brightness, into the world frame.
func (t *DeadReckoningTracker) samplePoints(gray *image.Gray) []geom.Vec3 {
	n := t.cfg.PointsPerKeyFrame
	if gray == nil || n <= 0 {
		return nil
	}
	side := int(math.Ceil(math.Sqrt(float64(n))))
	b := gray.Bounds()
	focal := float64(b.Dx())
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2
	out := make([]geom.Vec3, 0, n)
	for i := 0; i < n; i++ {
		u := b.Min.X + (2*(i%side)+1)*b.Dx()/(2*side)
		v := b.Min.Y + (2*(i/side)+1)*b.Dy()/(2*side)
		if v >= b.Max.Y {
			v = b.Max.Y - 1
		}
		depth := 1 + float64(gray.GrayAt(u, v).Y)/255
		ray := geom.Vec3{X: (float64(u) - cx) / focal, Y: (float64(v) - cy) / focal, Z: 1}
		out = append(out, t.pose.Apply(ray.Scale(depth)))
	}
	return out
}

func contrast(gray *image.Gray) uint8 {
	lo, hi := uint8(255), uint8(0)
	for _, p := range gray.Pix {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	if hi < lo {
		return 0
	}
	return hi - lo
}

// Reset returns the tracker to the origin and clears the map.
func (t *DeadReckoningTracker) Reset() {
	t.pose = geom.IdentityPose()
	t.lastStamp = time.Time{}
	t.lastKeyFrame = nil
	t.starved = 0
	t.forceKeyFrame = false
	t.m.Clear()
}

// KeyPress handles the keyboard vocabulary: Space forces a keyframe and r
// resets. Other keys are ignored.
func (t *DeadReckoningTracker) KeyPress(key string) {
	switch key {
	case KeySpace:
		t.forceKeyFrame = true
	case KeyReset:
		t.Reset()
	}
}
