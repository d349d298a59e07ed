// Package sensor defines the messages delivered to the front end by the camera,
// the inertial unit and external pose sources.
package sensor

import (
	"fmt"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/geom"
)

// Image encodings accepted on the frame path.
const (
	EncodingMono8 = "mono8"
	EncodingRGB8  = "rgb8"
	EncodingBGR8  = "bgr8"
	EncodingRGBA8 = "rgba8"
)

// Stamped is implemented by every message that can sit in a channel buffer.
type Stamped interface {
	Timestamp() time.Time
}

// Frame is one raw camera image as delivered by the frame source.
type Frame struct {
	Stamp    time.Time
	Seq      uint64
	FrameID  string // optical frame the image is expressed in
	Width    int
	Height   int
	Encoding string
	Data     []byte
}

func (f Frame) Timestamp() time.Time { return f.Stamp }

// BytesPerPixel returns the pixel stride for the frame encoding, or 0 if the
// encoding is not supported.
func BytesPerPixel(encoding string) int {
	switch encoding {
	case EncodingMono8:
		return 1
	case EncodingRGB8, EncodingBGR8:
		return 3
	case EncodingRGBA8:
		return 4
	}
	return 0
}

// MaxFrameDimension bounds each side of an accepted frame.
const MaxFrameDimension = 16384

// Validate checks that the payload length matches the declared geometry.
func (f Frame) Validate() error {
	bpp := BytesPerPixel(f.Encoding)
	if bpp == 0 {
		return fmt.Errorf("unsupported encoding %q", f.Encoding)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if f.Width > MaxFrameDimension || f.Height > MaxFrameDimension {
		return fmt.Errorf("frame size %dx%d exceeds %d", f.Width, f.Height, MaxFrameDimension)
	}
	if want := f.Width * f.Height * bpp; len(f.Data) != want {
		return fmt.Errorf("frame payload is %d bytes, want %d for %dx%d %s",
			len(f.Data), want, f.Width, f.Height, f.Encoding)
	}
	return nil
}

// InertialSample is a single IMU reading. Orientation is the attitude reported
// by the unit's own filter; HasOrientation is false for raw gyro/accel units.
type InertialSample struct {
	Stamp              time.Time
	FrameID            string
	Orientation        geom.Quaternion
	HasOrientation     bool
	AngularVelocity    geom.Vec3 // rad/s
	LinearAcceleration geom.Vec3 // m/s²
}

func (s InertialSample) Timestamp() time.Time { return s.Stamp }

// PosePrior is an externally predicted pose with a row-major 6x6 covariance
// over (x, y, z, roll, pitch, yaw).
type PosePrior struct {
	Stamp      time.Time
	FrameID    string
	Pose       geom.Pose
	Covariance [36]float64
}

func (p PosePrior) Timestamp() time.Time { return p.Stamp }

// PositionVariance returns the trace of the position block of the covariance.
func (p PosePrior) PositionVariance() float64 {
	return p.Covariance[0] + p.Covariance[7] + p.Covariance[14]
}

// Sink accepts sensor messages. The orchestrator implements it; recorders,
// replayers and serial readers wrap or feed one.
type Sink interface {
	SubmitFrame(f Frame) error
	SubmitInertial(s InertialSample) error
	SubmitPrior(p PosePrior) error
}

// TransformSample is one stamped pose of Child expressed in Parent, as
// broadcast by a mount, gimbal or odometry source.
type TransformSample struct {
	Stamp  time.Time
	Parent string
	Child  string
	Pose   geom.Pose
}

func (t TransformSample) Timestamp() time.Time { return t.Stamp }

// TransformSink accepts dynamic transform samples. *transform.Buffer
// implements it.
type TransformSink interface {
	SubmitTransform(t TransformSample) error
}
