// Command frontend runs the tracking front end: it synchronises camera
// frames, inertial samples and pose priors, drives the tracking back end and
// publishes poses over gRPC, HTTP and the trajectory database.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/tracking.frontend/internal/backend"
	"github.com/banshee-data/tracking.frontend/internal/command"
	"github.com/banshee-data/tracking.frontend/internal/config"
	"github.com/banshee-data/tracking.frontend/internal/monitor"
	"github.com/banshee-data/tracking.frontend/internal/pipeline"
	"github.com/banshee-data/tracking.frontend/internal/publish"
	"github.com/banshee-data/tracking.frontend/internal/recorder"
	"github.com/banshee-data/tracking.frontend/internal/sensor"
	"github.com/banshee-data/tracking.frontend/internal/serialmux"
	"github.com/banshee-data/tracking.frontend/internal/storage/sqlite"
	"github.com/banshee-data/tracking.frontend/internal/transform"
	"github.com/banshee-data/tracking.frontend/internal/version"
)

func main() {
	f := registerFlags(flag.CommandLine)
	flag.Parse()

	if *f.showVersion {
		fmt.Println("frontend", version.String())
		return
	}
	if *f.server != "" {
		if err := runClient(f); err != nil {
			log.Fatal(err)
		}
		return
	}

	cfg := &config.FrontendConfig{}
	if *f.configPath != "" {
		var err error
		cfg, err = config.LoadFrontendConfig(*f.configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	f.apply(flag.CommandLine, cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	closeLogs, err := setupLogging(*f.verbose, *f.traceLog)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer closeLogs()

	log.Printf("tracking front end %s", version.String())
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, cfg); err != nil {
		log.Fatalf("frontend: %v", err)
	}
	log.Print("graceful shutdown complete")
}

// setupLogging routes ops to stderr, diag to stderr when verbose and trace
// to path when set.
func setupLogging(verbose bool, tracePath string) (func(), error) {
	var diag, trace io.Writer
	if verbose {
		diag = os.Stderr
	}
	closer := func() {}
	if tracePath != "" {
		tf, err := os.OpenFile(tracePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace log: %w", err)
		}
		trace = tf
		closer = func() { tf.Close() }
	}
	pipeline.SetLogWriters(os.Stderr, diag, trace)
	publish.SetLogWriters(os.Stderr, diag, trace)
	return closer, nil
}

func run(parent context.Context, f *cliFlags, cfg *config.FrontendConfig) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	tf := transform.NewBuffer(cfg.GetTransformCache(), cfg.GetTransformTolerance())
	statics, err := staticTransforms(cfg)
	if err != nil {
		return err
	}
	// Without a configured extrinsic the synthetic generator broadcasts the
	// IMU mount itself.
	syntheticMount := *f.dev && !hasFrame(statics, *f.imuFrame)
	for _, st := range statics {
		if err := tf.SetStaticTransform(st); err != nil {
			return fmt.Errorf("static transform %s->%s: %w", st.Parent, st.Child, err)
		}
	}

	gw := publish.NewGateway(publish.Config{
		QueueDepth:     cfg.GetPublishQueueDepth(),
		PublishPreview: cfg.GetPublishPreview(),
	})
	orch := pipeline.NewOrchestrator(
		pipeline.OptionsFromConfig(cfg),
		backend.NewFactory(backend.DefaultTrackerConfig()),
		transform.NewTransformer(tf, cfg.GetWorkingFrame()),
		gw,
	)
	gw.SetMapSource(orch)

	bus := command.NewBus(orch)
	orch.SetCommandHandler(bus)

	source := sourceName(f)
	store, err := sqlite.Open(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("open trajectory database: %w", err)
	}
	defer store.Close()
	sessionID, err := store.StartSession(time.Now(), cfg.GetWorkingFrame(), source, *f.notes)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	log.Printf("trajectory session %s in %s", sessionID, cfg.GetDBPath())
	bus.SetJournal(store)
	gw.AddSink(store)

	traj := monitor.NewTrajectoryBuffer(*f.trajectoryCap)
	gw.AddSink(traj)

	if err := gw.Start(); err != nil {
		return err
	}
	defer gw.Stop()

	exports := publish.NewExportServer(gw, bus)
	if err := exports.Start(cfg.GetGRPCListen()); err != nil {
		return fmt.Errorf("export service: %w", err)
	}
	defer exports.Stop()

	var sink sensor.Sink = orch
	var transforms sensor.TransformSink = tf
	if dir := cfg.GetRecordDir(); dir != "" {
		rec, err := recorder.NewRecorder(recorder.SessionDir(dir, time.Now()), source, orch)
		if err != nil {
			return fmt.Errorf("start recorder: %w", err)
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Printf("failed to close recording: %v", err)
			}
			log.Printf("recorded %d frames to %s", rec.FrameCount(), rec.Path())
		}()
		rec.SetTransformSink(tf)
		sink = rec
		transforms = rec
	}

	web := monitor.WebServerConfig{
		Address:    cfg.GetHTTPListen(),
		Pipeline:   orch,
		Gateway:    gw,
		Commands:   bus,
		Priors:     sink,
		Transforms: transforms,
		Trajectory: traj,
		Store:      store,
		PriorFrame: cfg.GetWorkingFrame(),
	}

	g, gctx := errgroup.WithContext(ctx)

	if port := cfg.GetIMUSerialPort(); port != "" {
		imu, err := serialmux.NewRealSerialMux(port, serialmux.PortOptions{BaudRate: cfg.GetIMUBaudRate()})
		if err != nil {
			return err
		}
		defer imu.Close()
		ingest := serialmux.NewIMUIngest(sink, *f.imuFrame)
		ingest.HostTime = *f.imuHostTime
		imu.SetLineHandler(ingest.HandleLine)
		web.Serial = imu
		web.IMU = ingest.Stats
		g.Go(func() error {
			if err := imu.Monitor(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("imu serial: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		// Run ends on quit/exit as well as on cancellation.
		defer cancel()
		return orch.Run(gctx)
	})

	g.Go(func() error {
		return monitor.NewWebServer(web).Start(gctx)
	})

	switch {
	case *f.replayDir != "":
		rp, err := recorder.NewReplayer(*f.replayDir)
		if err != nil {
			return err
		}
		defer rp.Close()
		g.Go(func() error {
			st, err := rp.Replay(gctx, sink, recorder.ReplayOptions{
				Rate:       *f.replayRate,
				Retry:      *f.replayRetry,
				Restamp:    true,
				Transforms: transforms,
			})
			log.Printf("replay finished: %d frames, %d inertial, %d priors, %d transforms, %d dropped",
				st.Frames, st.Inertial, st.Priors, st.Transforms, st.Dropped)
			if err == nil && *f.exitAfterReplay {
				orch.Stop()
			}
			return err
		})
	case *f.dev:
		gen := backend.NewSyntheticGenerator(time.Time{}, *f.seed)
		gen.InertialFrame = *f.imuFrame
		gen.CameraFrame = cfg.GetWorkingFrame()
		gen.PriorFrame = cfg.GetWorkingFrame()
		if syntheticMount {
			gen.Transforms = transforms
		}
		g.Go(func() error { return gen.Run(gctx, sink) })
	}

	if *f.console {
		go readConsole(gctx, os.Stdin, bus)
	}

	err = g.Wait()
	st := orch.Stats()
	log.Printf("processed %d/%d frames (%d dropped, %d rejected), latency %.1fms",
		st.FramesProcessed, st.FramesReceived, st.FramesDropped, st.FramesRejected, st.LatencyMeanMs)
	return err
}

// readConsole applies one command per line of r until EOF or ctx ends. It
// cannot interrupt a blocked read, so it is not part of the run group.
func readConsole(ctx context.Context, r io.Reader, bus *command.Bus) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := bus.Apply(text); err != nil {
			fmt.Fprintf(os.Stderr, "%v\ncommands: %s\n", err, strings.Join(command.Vocabulary(), ", "))
		}
	}
}

func sourceName(f *cliFlags) string {
	switch {
	case *f.replayDir != "":
		return "replay:" + *f.replayDir
	case *f.dev:
		return "synthetic"
	}
	return "live"
}

// runClient talks to a running front end instead of starting one.
func runClient(f *cliFlags) error {
	c := monitor.NewClient(*f.server, nil)
	if *f.send != "" {
		if err := c.SendCommand(*f.send); err != nil {
			return err
		}
		fmt.Printf("applied %q\n", *f.send)
	}
	st, err := c.Status()
	if err != nil {
		return err
	}
	fmt.Printf("state %s, up %s: %d frames processed, %d dropped, latency %.1fms\n",
		st.Pipeline.State, st.Uptime, st.Pipeline.FramesProcessed, st.Pipeline.FramesDropped, st.Pipeline.LatencyMeanMs)
	return nil
}
