// Package recorder writes the sensor streams and dynamic transforms to a
// chunked on-disk log and replays such logs back into a sensor.Sink.
//
// A log is a directory:
//
//	header.json            Header, written on Close
//	chunks/chunk_0000.cbor.zst
//	chunks/chunk_0001.cbor.zst
//	...
//
// Each chunk is a zstd stream holding a sequence of CBOR-encoded Records in
// arrival order.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/sensor"
)

// FormatVersion is stored in every header.
const FormatVersion = "1.0"

// ChunkSize is the number of records per chunk file.
const ChunkSize = 1000

const (
	headerFile = "header.json"
	chunksDir  = "chunks"
)

var (
	ErrClosed        = errors.New("recorder closed")
	ErrUnknownRecord = errors.New("unknown record kind")
)

// Kind identifies the stream a record came from.
type Kind uint8

const (
	KindFrame Kind = iota + 1
	KindInertial
	KindPrior
	KindTransform
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindInertial:
		return "inertial"
	case KindPrior:
		return "prior"
	case KindTransform:
		return "transform"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Header describes a finished log.
type Header struct {
	Version        string    `json:"version"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
	ClosedAt       time.Time `json:"closed_at"`
	StartNs        int64     `json:"start_ns"`
	EndNs          int64     `json:"end_ns"`
	Chunks         int       `json:"chunks"`
	FrameCount     uint64    `json:"frame_count"`
	InertialCount  uint64    `json:"inertial_count"`
	PriorCount     uint64    `json:"prior_count"`
	TransformCount uint64    `json:"transform_count,omitempty"`
}

// Records returns the total number of records in the log.
func (h Header) Records() uint64 {
	return h.FrameCount + h.InertialCount + h.PriorCount + h.TransformCount
}

// Record is the on-disk envelope. Exactly one payload is set, matching Kind.
type Record struct {
	Kind      Kind             `cbor:"1,keyasint"`
	StampNs   int64            `cbor:"2,keyasint"`
	Frame     *frameRecord     `cbor:"3,keyasint,omitempty"`
	Inertial  *inertialRecord  `cbor:"4,keyasint,omitempty"`
	Prior     *priorRecord     `cbor:"5,keyasint,omitempty"`
	Transform *transformRecord `cbor:"6,keyasint,omitempty"`
}

// Stamp returns the record timestamp.
func (r Record) Stamp() time.Time { return time.Unix(0, r.StampNs) }

type frameRecord struct {
	Seq      uint64 `cbor:"1,keyasint"`
	FrameID  string `cbor:"2,keyasint"`
	Width    int    `cbor:"3,keyasint"`
	Height   int    `cbor:"4,keyasint"`
	Encoding string `cbor:"5,keyasint"`
	Data     []byte `cbor:"6,keyasint"`
}

type inertialRecord struct {
	FrameID        string     `cbor:"1,keyasint"`
	Orientation    [4]float64 `cbor:"2,keyasint"`
	HasOrientation bool       `cbor:"3,keyasint"`
	Gyro           [3]float64 `cbor:"4,keyasint"`
	Accel          [3]float64 `cbor:"5,keyasint"`
}

type priorRecord struct {
	FrameID     string      `cbor:"1,keyasint"`
	Position    [3]float64  `cbor:"2,keyasint"`
	Orientation [4]float64  `cbor:"3,keyasint"`
	Covariance  [36]float64 `cbor:"4,keyasint"`
}

type transformRecord struct {
	Parent      string     `cbor:"1,keyasint"`
	Child       string     `cbor:"2,keyasint"`
	Translation [3]float64 `cbor:"3,keyasint"`
	Rotation    [4]float64 `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("recorder: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels: 8,
	}.DecMode()
	if err != nil {
		panic("recorder: CBOR decoder initialization failed: " + err.Error())
	}
}

func vec(v geom.Vec3) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

func unvec(a [3]float64) geom.Vec3 { return geom.Vec3{X: a[0], Y: a[1], Z: a[2]} }

func quat(q geom.Quaternion) [4]float64 { return [4]float64{q.W, q.X, q.Y, q.Z} }

func unquat(a [4]float64) geom.Quaternion {
	return geom.Quaternion{W: a[0], X: a[1], Y: a[2], Z: a[3]}
}

// FrameRecord wraps a camera frame.
func FrameRecord(f sensor.Frame) Record {
	return Record{
		Kind:    KindFrame,
		StampNs: f.Stamp.UnixNano(),
		Frame: &frameRecord{
			Seq:      f.Seq,
			FrameID:  f.FrameID,
			Width:    f.Width,
			Height:   f.Height,
			Encoding: f.Encoding,
			Data:     f.Data,
		},
	}
}

// InertialRecord wraps an inertial sample.
func InertialRecord(s sensor.InertialSample) Record {
	return Record{
		Kind:    KindInertial,
		StampNs: s.Stamp.UnixNano(),
		Inertial: &inertialRecord{
			FrameID:        s.FrameID,
			Orientation:    quat(s.Orientation),
			HasOrientation: s.HasOrientation,
			Gyro:           vec(s.AngularVelocity),
			Accel:          vec(s.LinearAcceleration),
		},
	}
}

// PriorRecord wraps a pose prior.
func PriorRecord(p sensor.PosePrior) Record {
	return Record{
		Kind:    KindPrior,
		StampNs: p.Stamp.UnixNano(),
		Prior: &priorRecord{
			FrameID:     p.FrameID,
			Position:    vec(p.Pose.Position),
			Orientation: quat(p.Pose.Orientation),
			Covariance:  p.Covariance,
		},
	}
}

// TransformRecord wraps a dynamic transform sample.
func TransformRecord(t sensor.TransformSample) Record {
	return Record{
		Kind:    KindTransform,
		StampNs: t.Stamp.UnixNano(),
		Transform: &transformRecord{
			Parent:      t.Parent,
			Child:       t.Child,
			Translation: vec(t.Pose.Position),
			Rotation:    quat(t.Pose.Orientation),
		},
	}
}

// AsFrame returns the frame payload.
func (r Record) AsFrame() (sensor.Frame, bool) {
	if r.Kind != KindFrame || r.Frame == nil {
		return sensor.Frame{}, false
	}
	return sensor.Frame{
		Stamp:    r.Stamp(),
		Seq:      r.Frame.Seq,
		FrameID:  r.Frame.FrameID,
		Width:    r.Frame.Width,
		Height:   r.Frame.Height,
		Encoding: r.Frame.Encoding,
		Data:     r.Frame.Data,
	}, true
}

// AsInertial returns the inertial payload.
func (r Record) AsInertial() (sensor.InertialSample, bool) {
	if r.Kind != KindInertial || r.Inertial == nil {
		return sensor.InertialSample{}, false
	}
	return sensor.InertialSample{
		Stamp:              r.Stamp(),
		FrameID:            r.Inertial.FrameID,
		Orientation:        unquat(r.Inertial.Orientation),
		HasOrientation:     r.Inertial.HasOrientation,
		AngularVelocity:    unvec(r.Inertial.Gyro),
		LinearAcceleration: unvec(r.Inertial.Accel),
	}, true
}

// AsPrior returns the prior payload.
func (r Record) AsPrior() (sensor.PosePrior, bool) {
	if r.Kind != KindPrior || r.Prior == nil {
		return sensor.PosePrior{}, false
	}
	return sensor.PosePrior{
		Stamp:   r.Stamp(),
		FrameID: r.Prior.FrameID,
		Pose: geom.Pose{
			Position:    unvec(r.Prior.Position),
			Orientation: unquat(r.Prior.Orientation),
		},
		Covariance: r.Prior.Covariance,
	}, true
}

// AsTransform returns the transform payload.
func (r Record) AsTransform() (sensor.TransformSample, bool) {
	if r.Kind != KindTransform || r.Transform == nil {
		return sensor.TransformSample{}, false
	}
	return sensor.TransformSample{
		Stamp:  r.Stamp(),
		Parent: r.Transform.Parent,
		Child:  r.Transform.Child,
		Pose: geom.Pose{
			Position:    unvec(r.Transform.Translation),
			Orientation: unquat(r.Transform.Rotation),
		},
	}, true
}

func (r Record) validate() error {
	ok := false
	switch r.Kind {
	case KindFrame:
		ok = r.Frame != nil
	case KindInertial:
		ok = r.Inertial != nil
	case KindPrior:
		ok = r.Prior != nil
	case KindTransform:
		ok = r.Transform != nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownRecord, r.Kind)
	}
	if !ok {
		return fmt.Errorf("%s record has no payload", r.Kind)
	}
	return nil
}

func serializeRecord(r Record) ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(r)
}

func deserializeRecord(data []byte) (Record, error) {
	var r Record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if err := r.validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

func chunkPath(dir string, n int) string {
	return filepath.Join(dir, chunksDir, fmt.Sprintf("chunk_%04d.cbor.zst", n))
}

func readHeader(dir string) (Header, error) {
	data, err := os.ReadFile(filepath.Join(dir, headerFile))
	if err != nil {
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("parse header: %w", err)
	}
	if h.Version == "" {
		return Header{}, fmt.Errorf("header in %s has no version", dir)
	}
	return h, nil
}

func writeHeader(dir string, h Header) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, headerFile), data, 0o644)
}
