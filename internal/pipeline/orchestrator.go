package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/config"
	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/sensor"
	"github.com/banshee-data/tracking.frontend/internal/syncbuf"
	"github.com/banshee-data/tracking.frontend/internal/timeutil"
)

var (
	// ErrInitialization is returned, permanently, once the first frame could
	// not be used to build the working buffers or the back end.
	ErrInitialization = errors.New("pipeline initialisation failed")
	// ErrTrackerDegraded marks a result produced because the tracker failed.
	ErrTrackerDegraded = errors.New("tracker degraded")
	// ErrFrameSizeMismatch is returned under the reject policy when a frame's
	// size differs from the initialised size.
	ErrFrameSizeMismatch = errors.New("frame size mismatch")
	// ErrStopped is returned by submissions after Stop.
	ErrStopped = errors.New("pipeline stopped")
	// ErrQueueFull is returned when a delivery queue cannot take a message;
	// the message is dropped and counted.
	ErrQueueFull = errors.New("delivery queue full")
)

const maxPendingCommands = 64

// Options configures an Orchestrator.
type Options struct {
	MaxDelay     time.Duration
	InertialCap  int
	PriorCap     int
	FrameQueue   int
	AuxQueue     int
	SizePolicy   string // config.FrameSizeReject or config.FrameSizeRescale
	WorldFrame   string
	PreviewWidth int
	Clock        timeutil.Clock
}

// DefaultOptions returns the options implied by an empty FrontendConfig.
func DefaultOptions() Options {
	return OptionsFromConfig(&config.FrontendConfig{})
}

// OptionsFromConfig maps a loaded configuration onto orchestrator options.
func OptionsFromConfig(c *config.FrontendConfig) Options {
	return Options{
		MaxDelay:     c.GetMaxDelay(),
		InertialCap:  c.GetInertialBufferCap(),
		PriorCap:     c.GetPriorBufferCap(),
		FrameQueue:   c.GetFrameQueueDepth(),
		AuxQueue:     c.GetAuxQueueDepth(),
		SizePolicy:   c.GetFrameSizePolicy(),
		WorldFrame:   "world",
		PreviewWidth: c.GetPreviewWidth(),
		Clock:        timeutil.RealClock{},
	}
}

// CommandHandler applies a text command. *command.Bus implements it.
type CommandHandler interface {
	Apply(text string) error
}

type pendingCommand func(b Backend)

// Orchestrator drives the per-frame synchronise, transform, track and publish
// cycle. Frames are consumed on one goroutine; inertial samples, pose priors
// and commands on another.
type Orchestrator struct {
	opts        Options
	factory     Factory
	transformer FrameTransformer
	publisher   Publisher
	commands    CommandHandler

	inertial *syncbuf.Buffer[sensor.InertialSample]
	priors   *syncbuf.Buffer[sensor.PosePrior]

	frameCh    chan sensor.Frame
	inertialCh chan sensor.InertialSample
	priorCh    chan sensor.PosePrior
	commandCh  chan string

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	state      atomic.Value // State
	backendPtr atomic.Pointer[backendHolder]

	// Owned by the frame goroutine.
	frameMu  sync.Mutex
	width    int
	height   int
	gray     *image.Gray
	color    *image.RGBA
	initErr  error
	lastPose geom.Pose // last pose the tracker produced

	pendingMu sync.Mutex
	pending   []pendingCommand

	framesReceived    atomic.Uint64
	framesProcessed   atomic.Uint64
	framesDropped     atomic.Uint64
	framesRejected    atomic.Uint64
	sizeMismatches    atomic.Uint64
	inertialDropped   atomic.Uint64
	priorsDropped     atomic.Uint64
	commandsDropped   atomic.Uint64
	commandErrors     atomic.Uint64
	inertialMatched   atomic.Uint64
	priorsMatched     atomic.Uint64
	transformFailures atomic.Uint64
	trackerFailures   atomic.Uint64
	latency           latencyRing
}

type backendHolder struct{ b Backend }

// NewOrchestrator wires an orchestrator. publisher may be nil, in which case
// results are computed and discarded.
func NewOrchestrator(opts Options, factory Factory, transformer FrameTransformer, publisher Publisher) *Orchestrator {
	def := DefaultOptions()
	if opts.MaxDelay < 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.FrameQueue <= 0 {
		opts.FrameQueue = def.FrameQueue
	}
	if opts.AuxQueue <= 0 {
		opts.AuxQueue = def.AuxQueue
	}
	if opts.SizePolicy == "" {
		opts.SizePolicy = def.SizePolicy
	}
	if opts.WorldFrame == "" {
		opts.WorldFrame = def.WorldFrame
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	o := &Orchestrator{
		lastPose:    geom.IdentityPose(),
		opts:        opts,
		factory:     factory,
		transformer: transformer,
		publisher:   publisher,
		inertial:    syncbuf.New[sensor.InertialSample]("inertial", opts.InertialCap),
		priors:      syncbuf.New[sensor.PosePrior]("prior", opts.PriorCap),
		frameCh:     make(chan sensor.Frame, opts.FrameQueue),
		inertialCh:  make(chan sensor.InertialSample, opts.AuxQueue),
		priorCh:     make(chan sensor.PosePrior, opts.AuxQueue),
		commandCh:   make(chan string, opts.AuxQueue),
		stopCh:      make(chan struct{}),
	}
	o.state.Store(StateUninitialized)
	return o
}

// SetCommandHandler installs the handler for text commands submitted with
// SubmitCommand.
func (o *Orchestrator) SetCommandHandler(h CommandHandler) {
	o.commands = h
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	return o.state.Load().(State)
}

// CurrentMap returns the back end's map once the first frame has initialised it.
func (o *Orchestrator) CurrentMap() (Map, bool) {
	h := o.backendPtr.Load()
	if h == nil {
		return nil, false
	}
	return h.b.Map(), true
}

// SubmitFrame queues a frame for the frame goroutine. It never blocks.
func (o *Orchestrator) SubmitFrame(f sensor.Frame) error {
	if o.stopped.Load() {
		return ErrStopped
	}
	select {
	case o.frameCh <- f:
		return nil
	default:
		o.framesDropped.Add(1)
		tracef("frame queue full, dropped seq=%d", f.Seq)
		return ErrQueueFull
	}
}

// SubmitInertial queues an inertial sample. It never blocks.
func (o *Orchestrator) SubmitInertial(s sensor.InertialSample) error {
	if o.stopped.Load() {
		return ErrStopped
	}
	select {
	case o.inertialCh <- s:
		return nil
	default:
		o.inertialDropped.Add(1)
		return ErrQueueFull
	}
}

// SubmitPrior queues a pose prior. It never blocks.
func (o *Orchestrator) SubmitPrior(p sensor.PosePrior) error {
	if o.stopped.Load() {
		return ErrStopped
	}
	select {
	case o.priorCh <- p:
		return nil
	default:
		o.priorsDropped.Add(1)
		return ErrQueueFull
	}
}

// SubmitCommand queues a text command for the command handler.
func (o *Orchestrator) SubmitCommand(text string) error {
	if o.stopped.Load() {
		return ErrStopped
	}
	select {
	case o.commandCh <- text:
		return nil
	default:
		o.commandsDropped.Add(1)
		return ErrQueueFull
	}
}

// AddInertial buffers a sample directly, bypassing the delivery queue.
func (o *Orchestrator) AddInertial(s sensor.InertialSample) {
	if o.inertial.Push(s) {
		tracef("inertial buffer full, evicted oldest")
	}
}

// AddPrior buffers a pose prior directly, bypassing the delivery queue.
func (o *Orchestrator) AddPrior(p sensor.PosePrior) {
	if o.priors.Push(p) {
		tracef("prior buffer full, evicted oldest")
	}
}

// Stop requests a cooperative shutdown. The frame in progress completes.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.stopped.Store(true)
		close(o.stopCh)
		diagf("stop requested")
	})
}

// Run processes submissions until ctx is cancelled or Stop is called. It
// returns an error wrapping ErrInitialization if the first frame could not
// initialise the pipeline, and nil on a cooperative shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.auxLoop(ctx)
	}()

	err := o.frameLoop(ctx)
	o.Stop()
	wg.Wait()

	if h := o.backendPtr.Load(); h != nil {
		if cerr := h.b.Close(); cerr != nil {
			opsf("closing back end: %v", cerr)
		}
	}
	if o.State() != StateFailed {
		o.state.Store(StateStopped)
	}
	return err
}

func (o *Orchestrator) frameLoop(ctx context.Context) error {
	for {
		if o.stopped.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-o.stopCh:
			return nil
		case f := <-o.frameCh:
			if _, err := o.ProcessFrame(f); errors.Is(err, ErrInitialization) {
				return err
			}
		}
	}
}

func (o *Orchestrator) auxLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case s := <-o.inertialCh:
			o.AddInertial(s)
		case p := <-o.priorCh:
			o.AddPrior(p)
		case text := <-o.commandCh:
			o.applyCommand(text)
		}
	}
}

func (o *Orchestrator) applyCommand(text string) {
	if o.commands == nil {
		o.commandErrors.Add(1)
		diagf("command %q ignored: no handler", text)
		return
	}
	if err := o.commands.Apply(text); err != nil {
		o.commandErrors.Add(1)
		diagf("command %q: %v", text, err)
	}
}

// Reset queues a tracker reset for the next frame.
func (o *Orchestrator) Reset() {
	o.enqueue(func(b Backend) { b.Tracker().Reset() })
}

// KeyPress queues a key press for the tracker.
func (o *Orchestrator) KeyPress(key string) {
	o.enqueue(func(b Backend) { b.Tracker().KeyPress(key) })
}

// SetMapping queues a map mode change.
func (o *Orchestrator) SetMapping(enabled bool) {
	o.enqueue(func(b Backend) { b.Map().SetMapping(enabled) })
}

func (o *Orchestrator) enqueue(c pendingCommand) {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	if len(o.pending) >= maxPendingCommands {
		o.commandsDropped.Add(1)
		opsf("pending command queue full, dropping command")
		return
	}
	o.pending = append(o.pending, c)
}

func (o *Orchestrator) drainCommands(b Backend) {
	o.pendingMu.Lock()
	cmds := o.pending
	o.pending = nil
	o.pendingMu.Unlock()
	for _, c := range cmds {
		c(b)
	}
}

// ProcessFrame runs one frame through the pipeline synchronously. Run calls it
// for every queued frame; tests and replay may call it directly.
func (o *Orchestrator) ProcessFrame(f sensor.Frame) (Publication, error) {
	o.frameMu.Lock()
	defer o.frameMu.Unlock()

	start := o.opts.Clock.Now()
	o.framesReceived.Add(1)

	if o.initErr != nil {
		return Publication{}, o.initErr
	}
	if err := f.Validate(); err != nil {
		o.framesRejected.Add(1)
		diagf("rejecting frame seq=%d: %v", f.Seq, err)
		return Publication{}, fmt.Errorf("frame seq=%d: %w", f.Seq, err)
	}

	// Ingest
	if o.gray == nil {
		if err := o.initialise(f); err != nil {
			o.initErr = err
			o.state.Store(StateFailed)
			opsf("%v", err)
			return Publication{}, err
		}
	}
	if err := o.ingest(f); err != nil {
		return Publication{}, err
	}
	backend := o.backendPtr.Load().b

	// Synchronize and transform
	obs := &SynchronizedObservation{Frame: f, Gray: o.gray}
	if isColor(f.Encoding) {
		obs.Color = o.color
	}
	obs.Inertial = o.matchInertial(f.Stamp)
	obs.Prior = o.matchPrior(f.Stamp)

	// Drive
	o.drainCommands(backend)
	result, err := backend.Tracker().Track(obs)
	if err != nil {
		o.trackerFailures.Add(1)
		diagf("tracker failed on seq=%d: %v", f.Seq, err)
		result = TrackingResult{
			Stamp:   f.Stamp,
			Pose:    o.lastPose,
			Quality: QualityDegraded,
			Message: err.Error(),
			Err:     fmt.Errorf("%w: %v", ErrTrackerDegraded, err),
		}
	}
	if result.Stamp.IsZero() {
		result.Stamp = f.Stamp
	}
	if result.Pose.Orientation == (geom.Quaternion{}) {
		result.Pose.Orientation = geom.Identity()
	}
	if err == nil {
		o.lastPose = result.Pose
	}
	o.state.Store(StateReady)

	// Publish
	pub := Publication{
		Seq:             f.Seq,
		Stamp:           f.Stamp,
		FrameID:         f.FrameID,
		Result:          result,
		TransformParent: o.opts.WorldFrame,
		TransformChild:  o.workingFrame(f),
		UsedInertial:    obs.Inertial != nil,
		UsedPrior:       obs.Prior != nil,
	}
	if o.publisher != nil && o.publisher.WantsPreview() {
		pub.Preview = Preview(o.gray, o.opts.PreviewWidth)
	}
	pub.Latency = o.opts.Clock.Since(start)
	if o.publisher != nil {
		o.publisher.Publish(pub)
	}

	// Retire: the buffers were pruned by Match; obs is dropped here.
	o.framesProcessed.Add(1)
	o.latency.add(pub.Latency)
	tracef("frame seq=%d quality=%s inertial=%t prior=%t latency=%s",
		f.Seq, result.Quality, pub.UsedInertial, pub.UsedPrior, pub.Latency)
	return pub, nil
}

func (o *Orchestrator) workingFrame(f sensor.Frame) string {
	if o.transformer != nil {
		return o.transformer.WorkingFrame()
	}
	return f.FrameID
}

func (o *Orchestrator) initialise(f sensor.Frame) error {
	if o.factory == nil {
		return fmt.Errorf("%w: no back end factory", ErrInitialization)
	}
	b, err := o.factory.NewBackend(f.Width, f.Height)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	if b == nil {
		return fmt.Errorf("%w: factory returned no back end", ErrInitialization)
	}
	r := image.Rect(0, 0, f.Width, f.Height)
	o.width, o.height = f.Width, f.Height
	o.gray = image.NewGray(r)
	o.color = image.NewRGBA(r)
	o.backendPtr.Store(&backendHolder{b: b})
	diagf("initialised at %dx%d (%s)", f.Width, f.Height, f.Encoding)
	return nil
}

func (o *Orchestrator) ingest(f sensor.Frame) error {
	var rgba *image.RGBA
	if isColor(f.Encoding) {
		rgba = o.color
	}
	if f.Width == o.width && f.Height == o.height {
		return decodeFrame(f, o.gray, rgba)
	}
	o.sizeMismatches.Add(1)
	if o.opts.SizePolicy == config.FrameSizeRescale {
		tracef("rescaling seq=%d from %dx%d to %dx%d", f.Seq, f.Width, f.Height, o.width, o.height)
		return rescaleFrame(f, o.gray, rgba)
	}
	o.framesRejected.Add(1)
	diagf("rejecting seq=%d: %dx%d, initialised at %dx%d", f.Seq, f.Width, f.Height, o.width, o.height)
	return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrFrameSizeMismatch, f.Width, f.Height, o.width, o.height)
}

func (o *Orchestrator) matchInertial(at time.Time) *sensor.InertialSample {
	s, err := o.inertial.Match(at, o.opts.MaxDelay)
	if err != nil {
		return nil
	}
	o.inertialMatched.Add(1)
	if o.transformer == nil {
		return &s
	}
	ext, err := o.transformer.ToWorkingFrame(s.FrameID, s.Stamp, geom.IdentityPose())
	if err != nil {
		o.transformFailures.Add(1)
		diagf("dropping inertial match at %s: %v", s.Stamp.Format(time.RFC3339Nano), err)
		return nil
	}
	r := ext.Orientation
	out := s
	out.FrameID = o.transformer.WorkingFrame()
	if s.HasOrientation {
		out.Orientation = r.Mul(s.Orientation)
	}
	out.AngularVelocity = r.Rotate(s.AngularVelocity)
	out.LinearAcceleration = r.Rotate(s.LinearAcceleration)
	return &out
}

func (o *Orchestrator) matchPrior(at time.Time) *sensor.PosePrior {
	p, err := o.priors.Match(at, o.opts.MaxDelay)
	if err != nil {
		return nil
	}
	o.priorsMatched.Add(1)
	if o.transformer == nil {
		return &p
	}
	pose, err := o.transformer.ToWorkingFrame(p.FrameID, p.Stamp, p.Pose)
	if err != nil {
		o.transformFailures.Add(1)
		diagf("dropping prior match at %s: %v", p.Stamp.Format(time.RFC3339Nano), err)
		return nil
	}
	out := p
	out.FrameID = o.transformer.WorkingFrame()
	out.Pose = pose
	return &out
}

// Stats returns a snapshot of the orchestrator counters.
func (o *Orchestrator) Stats() Stats {
	mean, std := o.latency.meanStdDev()
	return Stats{
		State:             o.State(),
		FramesReceived:    o.framesReceived.Load(),
		FramesProcessed:   o.framesProcessed.Load(),
		FramesDropped:     o.framesDropped.Load(),
		FramesRejected:    o.framesRejected.Load(),
		SizeMismatches:    o.sizeMismatches.Load(),
		InertialDropped:   o.inertialDropped.Load(),
		PriorsDropped:     o.priorsDropped.Load(),
		CommandsDropped:   o.commandsDropped.Load(),
		CommandErrors:     o.commandErrors.Load(),
		InertialMatched:   o.inertialMatched.Load(),
		PriorsMatched:     o.priorsMatched.Load(),
		TransformFailures: o.transformFailures.Load(),
		TrackerFailures:   o.trackerFailures.Load(),
		LatencyMeanMs:     mean,
		LatencyStdDevMs:   std,
		Inertial:          o.inertial.Stats(),
		Priors:            o.priors.Stats(),
	}
}
