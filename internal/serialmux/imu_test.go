package serialmux

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/monitoring"
	"github.com/banshee-data/tracking.frontend/internal/pipeline"
	"github.com/banshee-data/tracking.frontend/internal/sensor"
)

func init() {
	monitoring.SetLogger(nil)
}

type inertialSink struct {
	got []sensor.InertialSample
	err error
}

func (s *inertialSink) SubmitFrame(sensor.Frame) error { return nil }

func (s *inertialSink) SubmitPrior(sensor.PosePrior) error { return nil }

func (s *inertialSink) SubmitInertial(v sensor.InertialSample) error {
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, v)
	return nil
}

func TestClassifyLine(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"$IMU,1,0,0,0,0,0,0": LineInertial,
		`{"imu":{"t_ns":1}}`: LineInertial,
		`{"rate_hz":200}`:    LineConfig,
		"BOOT v1.2":          LineUnknown,
		"":                   LineUnknown,
	}
	for line, want := range tests {
		assert.Equal(t, want, ClassifyLine(line), line)
	}
}

func TestParseIMULine(t *testing.T) {
	t.Parallel()
	received := time.Unix(1700000000, 0)
	half := math.Sqrt(0.5)

	tests := []struct {
		name    string
		line    string
		want    sensor.InertialSample
		wantErr bool
	}{
		{
			name: "csv without orientation",
			line: "$IMU,1700000000123000000,0.1,0.2,0.3,0,0,9.81",
			want: sensor.InertialSample{
				Stamp:              time.Unix(0, 1700000000123000000),
				Orientation:        geom.Identity(),
				AngularVelocity:    geom.Vec3{X: 0.1, Y: 0.2, Z: 0.3},
				LinearAcceleration: geom.Vec3{Z: 9.81},
			},
		},
		{
			name: "csv with orientation and no device clock",
			line: "$IMU,0, 0,0,1, 0,0,9.81, 2,0,0,0",
			want: sensor.InertialSample{
				Stamp:              received,
				Orientation:        geom.Identity(),
				HasOrientation:     true,
				AngularVelocity:    geom.Vec3{Z: 1},
				LinearAcceleration: geom.Vec3{Z: 9.81},
			},
		},
		{
			name: "json",
			line: `{"imu":{"t_ns":5,"gyro":[0,0,0.5],"accel":[1,0,0],"quat":[1,0,0,1]}}`,
			want: sensor.InertialSample{
				Stamp:              time.Unix(0, 5),
				Orientation:        geom.Quaternion{W: half, Z: half},
				HasOrientation:     true,
				AngularVelocity:    geom.Vec3{Z: 0.5},
				LinearAcceleration: geom.Vec3{X: 1},
			},
		},
		{name: "csv short", line: "$IMU,1,2,3", wantErr: true},
		{name: "csv bad number", line: "$IMU,1,a,0,0,0,0,0", wantErr: true},
		{name: "csv bad stamp", line: "$IMU,x,0,0,0,0,0,0", wantErr: true},
		{name: "zero quaternion", line: "$IMU,1,0,0,0,0,0,0,0,0,0,0", wantErr: true},
		{name: "json without imu", line: `{"rate":1}`, wantErr: true},
		{name: "json bad quat", line: `{"imu":{"quat":[1,0]}}`, wantErr: true},
		{name: "garbage", line: "hello", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseIMULine(tt.line, received)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedLine)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Stamp.Equal(got.Stamp), "stamp %v, want %v", got.Stamp, tt.want.Stamp)
			assert.Equal(t, tt.want.HasOrientation, got.HasOrientation)
			assert.InDelta(t, tt.want.Orientation.W, got.Orientation.W, 1e-12)
			assert.InDelta(t, tt.want.Orientation.Z, got.Orientation.Z, 1e-12)
			assert.Equal(t, tt.want.AngularVelocity, got.AngularVelocity)
			assert.Equal(t, tt.want.LinearAcceleration, got.LinearAcceleration)
		})
	}
}

func TestIMUIngest(t *testing.T) {
	t.Parallel()
	sink := &inertialSink{}
	in := NewIMUIngest(sink, "imu_link")
	received := time.Unix(1700000000, 0)

	require.NoError(t, in.Handle("$IMU,1000,0,0,0.2,0,0,9.8", received))
	require.NoError(t, in.Handle(`{"rate_hz":200,"fw":"1.4"}`, received))
	require.NoError(t, in.Handle("BOOT", received))
	assert.ErrorIs(t, in.Handle("$IMU,1", received), ErrMalformedLine)

	require.Len(t, sink.got, 1)
	assert.Equal(t, "imu_link", sink.got[0].FrameID)
	assert.True(t, sink.got[0].Stamp.Equal(time.Unix(0, 1000)))

	st := in.Stats()
	assert.Equal(t, uint64(4), st.Lines)
	assert.Equal(t, uint64(1), st.Samples)
	assert.Equal(t, uint64(1), st.Malformed)
	assert.Equal(t, uint64(1), st.Unknown)
	assert.Equal(t, 200.0, st.Config["rate_hz"])
	assert.Equal(t, "1.4", st.Config["fw"])
}

func TestIMUIngestHostTime(t *testing.T) {
	t.Parallel()
	sink := &inertialSink{}
	in := NewIMUIngest(sink, "imu")
	in.HostTime = true
	received := time.Unix(1700000000, 0)

	in.HandleLine("$IMU,1000,0,0,0,0,0,9.8", received)
	require.Len(t, sink.got, 1)
	assert.True(t, sink.got[0].Stamp.Equal(received))
}

func TestIMUIngestSinkErrors(t *testing.T) {
	t.Parallel()
	sink := &inertialSink{err: pipeline.ErrQueueFull}
	in := NewIMUIngest(sink, "imu")
	require.NoError(t, in.Handle("$IMU,1,0,0,0,0,0,0", time.Now()))
	assert.Equal(t, uint64(1), in.Stats().Dropped)

	sink.err = errors.New("boom")
	assert.ErrorContains(t, in.Handle("$IMU,1,0,0,0,0,0,0", time.Now()), "boom")
}
