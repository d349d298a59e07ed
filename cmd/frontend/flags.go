package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/config"
	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/monitor"
	"github.com/banshee-data/tracking.frontend/internal/transform"
)

type cliFlags struct {
	configPath *string
	verbose    *bool
	traceLog   *string

	// Overrides for config file values; only applied when given.
	listen    *string
	grpc      *string
	dbPath    *string
	recordDir *string
	imuPort   *string
	imuBaud   *int
	maxDelay  *time.Duration
	sizePol   *string

	imuFrame    *string
	imuHostTime *bool

	dev  *bool
	seed *int64

	replayDir       *string
	replayRate      *float64
	replayRetry     *time.Duration
	exitAfterReplay *bool

	console       *bool
	notes         *string
	trajectoryCap *int

	server *string
	send   *string

	showVersion *bool
}

func registerFlags(fs *flag.FlagSet) *cliFlags {
	return &cliFlags{
		configPath: fs.String("config", "", "Path to a .json or .toml configuration file"),
		verbose:    fs.Bool("v", false, "Log diagnostics to stderr"),
		traceLog:   fs.String("trace-log", "", "Append per-frame trace logging to this file"),

		listen:    fs.String("listen", "", "HTTP monitor listen address (overrides http_listen)"),
		grpc:      fs.String("grpc-listen", "", "gRPC export listen address (overrides grpc_listen)"),
		dbPath:    fs.String("db", "", "Trajectory database path (overrides db_path)"),
		recordDir: fs.String("record-dir", "", "Record sensor input under this directory (overrides record_dir)"),
		imuPort:   fs.String("imu-port", "", "IMU serial port (overrides imu_serial_port)"),
		imuBaud:   fs.Int("imu-baud", 0, "IMU serial baud rate (overrides imu_baud_rate)"),
		maxDelay:  fs.Duration("max-delay", 0, "Matching window (overrides max_delay)"),
		sizePol:   fs.String("frame-size-policy", "", "reject or rescale (overrides frame_size_policy)"),

		imuFrame:    fs.String("imu-frame", "imu", "Frame id stamped on inertial samples"),
		imuHostTime: fs.Bool("imu-host-time", false, "Stamp inertial samples on arrival instead of the device clock"),

		dev:  fs.Bool("dev", false, "Feed the pipeline from the synthetic generator"),
		seed: fs.Int64("seed", 1, "Synthetic generator noise seed"),

		replayDir:       fs.String("replay", "", "Replay a recorded session directory"),
		replayRate:      fs.Float64("replay-rate", 1, "Replay speed multiplier; 0 replays as fast as possible"),
		replayRetry:     fs.Duration("replay-retry", 0, "Retry interval when the pipeline queue is full; 0 drops"),
		exitAfterReplay: fs.Bool("exit-after-replay", false, "Stop once the replay completes"),

		console:       fs.Bool("console", false, "Read commands from stdin"),
		notes:         fs.String("notes", "", "Notes stored with the trajectory session"),
		trajectoryCap: fs.Int("trajectory-cap", monitor.DefaultTrajectoryCap, "Poses kept for the monitor charts"),

		server: fs.String("server", "", "Talk to a running front end at this URL instead of starting one"),
		send:   fs.String("send", "", "With -server, apply this command"),

		showVersion: fs.Bool("version", false, "Print the version and exit"),
	}
}

// apply copies explicitly set override flags into cfg.
func (f *cliFlags) apply(fs *flag.FlagSet, cfg *config.FrontendConfig) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "listen":
			cfg.HTTPListen = f.listen
		case "grpc-listen":
			cfg.GRPCListen = f.grpc
		case "db":
			cfg.DBPath = f.dbPath
		case "record-dir":
			cfg.RecordDir = f.recordDir
		case "imu-port":
			cfg.IMUSerialPort = f.imuPort
		case "imu-baud":
			cfg.IMUBaudRate = f.imuBaud
		case "max-delay":
			d := f.maxDelay.String()
			cfg.MaxDelay = &d
		case "frame-size-policy":
			cfg.FrameSizePolicy = f.sizePol
		}
	})
}

// staticTransforms converts the configured extrinsics.
func staticTransforms(cfg *config.FrontendConfig) ([]transform.Stamped, error) {
	out := make([]transform.Stamped, 0, len(cfg.StaticTransforms))
	for i, st := range cfg.StaticTransforms {
		q, ok := geom.Quaternion{W: st.Rotation[0], X: st.Rotation[1], Y: st.Rotation[2], Z: st.Rotation[3]}.Normalize()
		if !ok {
			return nil, fmt.Errorf("static_transforms[%d]: rotation must be a non-zero quaternion", i)
		}
		out = append(out, transform.Stamped{
			Parent: st.Parent,
			Child:  st.Child,
			Pose: geom.Pose{
				Position:    geom.Vec3{X: st.Translation[0], Y: st.Translation[1], Z: st.Translation[2]},
				Orientation: q,
			},
		})
	}
	return out, nil
}

func hasFrame(tfs []transform.Stamped, frame string) bool {
	for _, tf := range tfs {
		if tf.Parent == frame || tf.Child == frame {
			return true
		}
	}
	return false
}
