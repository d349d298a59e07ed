package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Frame size policies applied when a frame's dimensions differ from the
// dimensions the pipeline was initialised with.
const (
	FrameSizeReject  = "reject"
	FrameSizeRescale = "rescale"
)

// FrontendConfig is the runtime configuration of the front end. Every field is
// optional; the Get* accessors supply defaults for anything left unset, so a
// partial file (or none) is valid.
type FrontendConfig struct {
	// Synchronisation
	MaxDelay          *string `json:"max_delay,omitempty" toml:"max_delay"` // duration string like "10ms"
	InertialBufferCap *int    `json:"inertial_buffer_cap,omitempty" toml:"inertial_buffer_cap"`
	PriorBufferCap    *int    `json:"prior_buffer_cap,omitempty" toml:"prior_buffer_cap"`

	// Delivery queues
	FrameQueueDepth   *int `json:"frame_queue_depth,omitempty" toml:"frame_queue_depth"`
	AuxQueueDepth     *int `json:"aux_queue_depth,omitempty" toml:"aux_queue_depth"`
	PublishQueueDepth *int `json:"publish_queue_depth,omitempty" toml:"publish_queue_depth"`

	// Reference frames
	WorkingFrame       *string                 `json:"working_frame,omitempty" toml:"working_frame"`
	TransformCache     *string                 `json:"transform_cache,omitempty" toml:"transform_cache"`
	TransformTolerance *string                 `json:"transform_tolerance,omitempty" toml:"transform_tolerance"`
	StaticTransforms   []StaticTransformConfig `json:"static_transforms,omitempty" toml:"static_transforms"`

	// Frame handling and publication
	FrameSizePolicy *string `json:"frame_size_policy,omitempty" toml:"frame_size_policy"`
	PreviewWidth    *int    `json:"preview_width,omitempty" toml:"preview_width"`
	PublishPreview  *bool   `json:"publish_preview,omitempty" toml:"publish_preview"`

	// Services
	GRPCListen *string `json:"grpc_listen,omitempty" toml:"grpc_listen"`
	HTTPListen *string `json:"http_listen,omitempty" toml:"http_listen"`
	DBPath     *string `json:"db_path,omitempty" toml:"db_path"`
	RecordDir  *string `json:"record_dir,omitempty" toml:"record_dir"`

	// Inertial serial ingest
	IMUSerialPort *string `json:"imu_serial_port,omitempty" toml:"imu_serial_port"`
	IMUBaudRate   *int    `json:"imu_baud_rate,omitempty" toml:"imu_baud_rate"`
}

// StaticTransformConfig describes a fixed extrinsic between two frames.
// Rotation is a quaternion in w, x, y, z order.
type StaticTransformConfig struct {
	Parent      string     `json:"parent" toml:"parent"`
	Child       string     `json:"child" toml:"child"`
	Translation [3]float64 `json:"translation" toml:"translation"`
	Rotation    [4]float64 `json:"rotation" toml:"rotation"`
}

// LoadFrontendConfig reads a .json or .toml file. The file must be under 1MB.
func LoadFrontendConfig(path string) (*FrontendConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &FrontendConfig{}
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *v)
	}
	return nil
}

func positive(name string, v *int) error {
	if v != nil && *v <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, *v)
	}
	return nil
}

// Validate checks that every set field holds a usable value.
func (c *FrontendConfig) Validate() error {
	for name, v := range map[string]*string{
		"max_delay":           c.MaxDelay,
		"transform_cache":     c.TransformCache,
		"transform_tolerance": c.TransformTolerance,
	} {
		if err := validDuration(name, v); err != nil {
			return err
		}
	}
	for name, v := range map[string]*int{
		"inertial_buffer_cap": c.InertialBufferCap,
		"prior_buffer_cap":    c.PriorBufferCap,
		"frame_queue_depth":   c.FrameQueueDepth,
		"aux_queue_depth":     c.AuxQueueDepth,
		"publish_queue_depth": c.PublishQueueDepth,
		"imu_baud_rate":       c.IMUBaudRate,
	} {
		if err := positive(name, v); err != nil {
			return err
		}
	}

	if c.FrameSizePolicy != nil {
		switch *c.FrameSizePolicy {
		case FrameSizeReject, FrameSizeRescale:
		default:
			return fmt.Errorf("frame_size_policy must be %q or %q, got %q", FrameSizeReject, FrameSizeRescale, *c.FrameSizePolicy)
		}
	}
	if c.PreviewWidth != nil && *c.PreviewWidth < 0 {
		return fmt.Errorf("preview_width must be non-negative, got %d", *c.PreviewWidth)
	}
	if c.WorkingFrame != nil && strings.TrimSpace(*c.WorkingFrame) == "" {
		return fmt.Errorf("working_frame must not be blank")
	}

	for i, st := range c.StaticTransforms {
		if st.Parent == "" || st.Child == "" {
			return fmt.Errorf("static_transforms[%d]: parent and child are required", i)
		}
		if st.Parent == st.Child {
			return fmt.Errorf("static_transforms[%d]: parent and child must differ", i)
		}
		r := st.Rotation
		if r[0] == 0 && r[1] == 0 && r[2] == 0 && r[3] == 0 {
			return fmt.Errorf("static_transforms[%d]: rotation must be a non-zero quaternion", i)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// GetMaxDelay returns the matching delay window (default 10ms).
func (c *FrontendConfig) GetMaxDelay() time.Duration {
	return durationOr(c.MaxDelay, 10*time.Millisecond)
}

// GetInertialBufferCap returns the inertial buffer capacity (default 200,
// one second of a 200Hz unit).
func (c *FrontendConfig) GetInertialBufferCap() int { return intOr(c.InertialBufferCap, 200) }

// GetPriorBufferCap returns the pose-prior buffer capacity (default 50).
func (c *FrontendConfig) GetPriorBufferCap() int { return intOr(c.PriorBufferCap, 50) }

// GetFrameQueueDepth returns the frame delivery queue depth (default 2).
func (c *FrontendConfig) GetFrameQueueDepth() int { return intOr(c.FrameQueueDepth, 2) }

// GetAuxQueueDepth returns the per-source depth of the inertial, prior and
// command queues (default 256).
func (c *FrontendConfig) GetAuxQueueDepth() int { return intOr(c.AuxQueueDepth, 256) }

// GetPublishQueueDepth returns the publish queue depth (default 100).
func (c *FrontendConfig) GetPublishQueueDepth() int { return intOr(c.PublishQueueDepth, 100) }

// GetWorkingFrame returns the working reference frame id (default "camera").
func (c *FrontendConfig) GetWorkingFrame() string { return stringOr(c.WorkingFrame, "camera") }

// GetTransformCache returns how much transform history is kept (default 10s).
func (c *FrontendConfig) GetTransformCache() time.Duration {
	return durationOr(c.TransformCache, 10*time.Second)
}

// GetTransformTolerance returns the allowed lookup extrapolation (default 5ms).
func (c *FrontendConfig) GetTransformTolerance() time.Duration {
	return durationOr(c.TransformTolerance, 5*time.Millisecond)
}

// GetFrameSizePolicy returns "reject" (default) or "rescale".
func (c *FrontendConfig) GetFrameSizePolicy() string {
	return stringOr(c.FrameSizePolicy, FrameSizeReject)
}

// GetPreviewWidth returns the preview image width in pixels (default 320).
func (c *FrontendConfig) GetPreviewWidth() int { return intOr(c.PreviewWidth, 320) }

// GetPublishPreview reports whether preview images are produced (default true).
func (c *FrontendConfig) GetPublishPreview() bool {
	if c.PublishPreview == nil {
		return true
	}
	return *c.PublishPreview
}

// GetGRPCListen returns the export service address (default "localhost:50061").
func (c *FrontendConfig) GetGRPCListen() string { return stringOr(c.GRPCListen, "localhost:50061") }

// GetHTTPListen returns the monitor address (default ":8090").
func (c *FrontendConfig) GetHTTPListen() string { return stringOr(c.HTTPListen, ":8090") }

// GetDBPath returns the trajectory database path (default "trajectory.db").
func (c *FrontendConfig) GetDBPath() string { return stringOr(c.DBPath, "trajectory.db") }

// GetRecordDir returns the recorder output directory; empty disables recording.
func (c *FrontendConfig) GetRecordDir() string { return stringOr(c.RecordDir, "") }

// GetIMUSerialPort returns the IMU serial device; empty disables serial ingest.
func (c *FrontendConfig) GetIMUSerialPort() string { return stringOr(c.IMUSerialPort, "") }

// GetIMUBaudRate returns the IMU serial baud rate (default 115200).
func (c *FrontendConfig) GetIMUBaudRate() int { return intOr(c.IMUBaudRate, 115200) }
