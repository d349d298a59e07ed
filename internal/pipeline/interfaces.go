package pipeline

import (
	"fmt"
	"image"
	"math"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/sensor"
)

// Quality is the tracker's own assessment of a frame.
type Quality string

const (
	QualityGood     Quality = "good"
	QualityDodgy    Quality = "dodgy"
	QualityLost     Quality = "lost"
	QualityDegraded Quality = "degraded" // tracker failed; pose is the last known
)

// SynchronizedObservation is everything the tracker sees for one frame. The
// optional matches are already expressed in the working frame; nil means no
// sample fell inside the delay window or it could not be transformed.
type SynchronizedObservation struct {
	Frame    sensor.Frame
	Gray     *image.Gray
	Color    *image.RGBA // nil for mono frames
	Inertial *sensor.InertialSample
	Prior    *sensor.PosePrior
}

// TrackingResult is returned by the tracker once per frame. Pose maps the
// camera frame into the world frame.
type TrackingResult struct {
	Stamp     time.Time
	Pose      geom.Pose
	Quality   Quality
	Message   string
	KeyFrames int
	MapPoints int

	// Err wraps ErrTrackerDegraded when the tracker call itself failed.
	Err error
}

// Tracker estimates the camera pose for each observation. Track is called
// from the frame goroutine only; Reset and KeyPress are applied between
// frames on the same goroutine.
type Tracker interface {
	Track(obs *SynchronizedObservation) (TrackingResult, error)
	Reset()
	KeyPress(key string)
}

// KeyFrame is a map keyframe pose at capture time.
type KeyFrame struct {
	ID    uint64    `json:"id"`
	Stamp time.Time `json:"stamp"`
	Pose  geom.Pose `json:"pose"`
}

// MapPoint is a landmark in world coordinates, anchored to the keyframe that
// first observed it.
type MapPoint struct {
	ID         uint64    `json:"id"`
	Position   geom.Vec3 `json:"position"`
	KeyFrameID uint64    `json:"keyframe_id"`
}

// MapSnapshot is a deep copy of the map taken under its read lock.
type MapSnapshot struct {
	Version   uint64     `json:"version"`
	Taken     time.Time  `json:"taken"`
	KeyFrames []KeyFrame `json:"keyframes"`
	Points    []MapPoint `json:"points"`
}

// Check reports the first structural inconsistency in s: duplicate keyframe
// ids, points anchored to unknown keyframes, or non-finite coordinates.
func (s MapSnapshot) Check() error {
	ids := make(map[uint64]struct{}, len(s.KeyFrames))
	for _, kf := range s.KeyFrames {
		if _, dup := ids[kf.ID]; dup {
			return fmt.Errorf("duplicate keyframe %d", kf.ID)
		}
		ids[kf.ID] = struct{}{}
		if !finite(kf.Pose.Position) {
			return fmt.Errorf("keyframe %d has a non-finite position", kf.ID)
		}
	}
	for _, p := range s.Points {
		if _, ok := ids[p.KeyFrameID]; !ok {
			return fmt.Errorf("point %d references unknown keyframe %d", p.ID, p.KeyFrameID)
		}
		if !finite(p.Position) {
			return fmt.Errorf("point %d has a non-finite position", p.ID)
		}
	}
	return nil
}

func finite(v geom.Vec3) bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Map holds the global structure built by the back end. Snapshot must be safe
// to call concurrently with frame processing.
type Map interface {
	Snapshot() MapSnapshot
	SetMapping(enabled bool)
}

// Backend is one tracker/map pair created for a fixed image size.
type Backend interface {
	Tracker() Tracker
	Map() Map
	Close() error
}

// Factory builds the back end once the first frame reveals the image size.
type Factory interface {
	NewBackend(width, height int) (Backend, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(width, height int) (Backend, error)

func (f FactoryFunc) NewBackend(width, height int) (Backend, error) { return f(width, height) }

// FrameTransformer expresses measurements in the working frame.
// *transform.Transformer implements it.
type FrameTransformer interface {
	WorkingFrame() string
	ToWorkingFrame(source string, at time.Time, pose geom.Pose) (geom.Pose, error)
	RotationToWorking(source string, at time.Time, q geom.Quaternion) (geom.Quaternion, error)
	PointToWorking(source string, at time.Time, p geom.Vec3) (geom.Vec3, error)
}

// Publication is what the orchestrator emits after each processed frame.
type Publication struct {
	Seq     uint64
	Stamp   time.Time
	FrameID string
	Result  TrackingResult

	// Transform broadcast recorded alongside the pose.
	TransformParent string
	TransformChild  string

	UsedInertial bool
	UsedPrior    bool
	Latency      time.Duration

	Preview *image.Gray // only set when the publisher wants previews
}

// Publisher accepts publications without blocking the caller.
type Publisher interface {
	Publish(p Publication)
	WantsPreview() bool
}

// MapSource gives exporters access to whichever map is current.
type MapSource interface {
	CurrentMap() (Map, bool)
}
