package serialmux

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/monitoring"
	"github.com/banshee-data/tracking.frontend/internal/pipeline"
	"github.com/banshee-data/tracking.frontend/internal/sensor"
)

const (
	LineInertial = "inertial"
	LineConfig   = "config"
	LineUnknown  = "unknown"
)

const csvPrefix = "$IMU,"

var ErrMalformedLine = errors.New("malformed IMU line")

// ClassifyLine returns the kind of a device line. Two inertial encodings are
// accepted:
//
//	$IMU,<stamp_ns>,gx,gy,gz,ax,ay,az[,qw,qx,qy,qz]
//	{"imu":{"t_ns":..., "gyro":[x,y,z], "accel":[x,y,z], "quat":[w,x,y,z]}}
//
// Any other JSON object is a configuration report.
func ClassifyLine(line string) string {
	switch {
	case strings.HasPrefix(line, csvPrefix):
		return LineInertial
	case strings.HasPrefix(line, `{"imu"`):
		return LineInertial
	case strings.HasPrefix(line, "{"):
		return LineConfig
	}
	return LineUnknown
}

type jsonIMU struct {
	IMU *struct {
		StampNs int64      `json:"t_ns"`
		Gyro    [3]float64 `json:"gyro"`
		Accel   [3]float64 `json:"accel"`
		Quat    []float64  `json:"quat"`
	} `json:"imu"`
}

// ParseIMULine decodes an inertial line. A zero device stamp means the device
// has no clock and the host receive time is used.
func ParseIMULine(line string, received time.Time) (sensor.InertialSample, error) {
	var s sensor.InertialSample
	var stampNs int64
	var quat []float64

	switch {
	case strings.HasPrefix(line, csvPrefix):
		fields := strings.Split(strings.TrimPrefix(line, csvPrefix), ",")
		if len(fields) != 7 && len(fields) != 11 {
			return s, fmt.Errorf("%w: %d fields", ErrMalformedLine, len(fields))
		}
		var err error
		stampNs, err = strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
		if err != nil {
			return s, fmt.Errorf("%w: stamp: %v", ErrMalformedLine, err)
		}
		vals := make([]float64, len(fields)-1)
		for i, f := range fields[1:] {
			vals[i], err = strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return s, fmt.Errorf("%w: field %d: %v", ErrMalformedLine, i+2, err)
			}
		}
		s.AngularVelocity = geom.Vec3{X: vals[0], Y: vals[1], Z: vals[2]}
		s.LinearAcceleration = geom.Vec3{X: vals[3], Y: vals[4], Z: vals[5]}
		if len(vals) == 10 {
			quat = vals[6:]
		}

	case strings.HasPrefix(line, "{"):
		var msg jsonIMU
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return s, fmt.Errorf("%w: %v", ErrMalformedLine, err)
		}
		if msg.IMU == nil {
			return s, fmt.Errorf("%w: no imu object", ErrMalformedLine)
		}
		stampNs = msg.IMU.StampNs
		g, a := msg.IMU.Gyro, msg.IMU.Accel
		s.AngularVelocity = geom.Vec3{X: g[0], Y: g[1], Z: g[2]}
		s.LinearAcceleration = geom.Vec3{X: a[0], Y: a[1], Z: a[2]}
		switch len(msg.IMU.Quat) {
		case 0:
		case 4:
			quat = msg.IMU.Quat
		default:
			return s, fmt.Errorf("%w: quat has %d components", ErrMalformedLine, len(msg.IMU.Quat))
		}

	default:
		return s, fmt.Errorf("%w: not an inertial line", ErrMalformedLine)
	}

	if quat != nil {
		q, ok := geom.Quaternion{W: quat[0], X: quat[1], Y: quat[2], Z: quat[3]}.Normalize()
		if !ok {
			return s, fmt.Errorf("%w: zero orientation", ErrMalformedLine)
		}
		s.Orientation, s.HasOrientation = q, true
	} else {
		s.Orientation = geom.Identity()
	}

	if stampNs > 0 {
		s.Stamp = time.Unix(0, stampNs)
	} else {
		s.Stamp = received
	}
	return s, nil
}

// IngestStats counts what the ingest has seen.
type IngestStats struct {
	Lines     uint64         `json:"lines"`
	Samples   uint64         `json:"samples"`
	Dropped   uint64         `json:"dropped"`
	Malformed uint64         `json:"malformed"`
	Unknown   uint64         `json:"unknown"`
	LastStamp time.Time      `json:"last_stamp"`
	Config    map[string]any `json:"config,omitempty"`
}

// IMUIngest turns device lines into inertial samples for a sink.
type IMUIngest struct {
	sink    sensor.Sink
	frameID string
	// HostTime stamps every sample with the receive time even when the
	// device reports its own.
	HostTime bool

	logf func(format string, v ...interface{})

	mu    sync.Mutex
	stats IngestStats
}

// NewIMUIngest submits samples tagged with frameID to sink.
func NewIMUIngest(sink sensor.Sink, frameID string) *IMUIngest {
	return &IMUIngest{
		sink:    sink,
		frameID: frameID,
		logf:    monitoring.For("imu"),
		stats:   IngestStats{Config: map[string]any{}},
	}
}

// HandleLine is a LineHandler.
func (in *IMUIngest) HandleLine(line string, received time.Time) {
	if err := in.Handle(line, received); err != nil {
		in.logf("%v: %q", err, line)
	}
}

// Handle processes one line. Malformed lines and sink rejections other than a
// full queue are returned; a full queue is counted as a drop.
func (in *IMUIngest) Handle(line string, received time.Time) error {
	in.mu.Lock()
	in.stats.Lines++
	in.mu.Unlock()

	switch ClassifyLine(line) {
	case LineInertial:
		s, err := ParseIMULine(line, received)
		if err != nil {
			in.count(func(st *IngestStats) { st.Malformed++ })
			return err
		}
		if in.HostTime {
			s.Stamp = received
		}
		s.FrameID = in.frameID
		err = in.sink.SubmitInertial(s)
		switch {
		case err == nil:
			in.count(func(st *IngestStats) {
				st.Samples++
				st.LastStamp = s.Stamp
			})
		case errors.Is(err, pipeline.ErrQueueFull):
			in.count(func(st *IngestStats) { st.Dropped++ })
		default:
			return fmt.Errorf("submit inertial: %w", err)
		}

	case LineConfig:
		var values map[string]any
		if err := json.Unmarshal([]byte(line), &values); err != nil {
			in.count(func(st *IngestStats) { st.Malformed++ })
			return fmt.Errorf("%w: config: %v", ErrMalformedLine, err)
		}
		in.count(func(st *IngestStats) {
			for k, v := range values {
				st.Config[k] = v
			}
		})
		in.logf("config: %s", line)

	default:
		in.count(func(st *IngestStats) { st.Unknown++ })
	}
	return nil
}

func (in *IMUIngest) count(f func(*IngestStats)) {
	in.mu.Lock()
	f(&in.stats)
	in.mu.Unlock()
}

// Stats returns a copy of the counters and the latest device configuration.
func (in *IMUIngest) Stats() IngestStats {
	in.mu.Lock()
	defer in.mu.Unlock()
	st := in.stats
	st.Config = make(map[string]any, len(in.stats.Config))
	for k, v := range in.stats.Config {
		st.Config[k] = v
	}
	return st
}
