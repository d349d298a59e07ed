// Package publish fans tracking results out to sinks and streaming clients
// and answers map export requests.
package publish

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tracking.frontend/internal/pipeline"
)

// ErrExportInconsistent is returned when a map snapshot fails its structural
// check. No partial data accompanies it.
var ErrExportInconsistent = errors.New("export snapshot inconsistent")

// Sink receives every publication on the gateway's delivery goroutine.
type Sink interface {
	PublishPose(p pipeline.Publication) error
}

// PreviewSink is a Sink that also wants preview images. The gateway asks the
// orchestrator for previews only while at least one is attached.
type PreviewSink interface {
	Sink
	PublishPreview(seq uint64, stamp time.Time, img *image.Gray) error
}

// Config holds gateway settings.
type Config struct {
	QueueDepth      int  // publications buffered before dropping (default 100)
	SubscriberDepth int  // per-subscriber buffer (default 10)
	PublishPreview  bool // allow preview images at all
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{QueueDepth: 100, SubscriberDepth: 10, PublishPreview: true}
}

type subscriber struct {
	id string
	ch chan pipeline.Publication
}

// Gateway decouples the frame goroutine from downstream consumers: Publish
// enqueues and returns, and a single delivery goroutine fans out.
type Gateway struct {
	cfg Config

	queue chan pipeline.Publication

	mu           sync.RWMutex
	sinks        map[string]Sink
	previewSinks int
	subscribers  map[string]*subscriber

	maps atomic.Pointer[mapSourceHolder]

	published  atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	subDropped atomic.Uint64
	sinkErrors atomic.Uint64
	exports    atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type mapSourceHolder struct{ src pipeline.MapSource }

// Stats contains gateway counters.
type Stats struct {
	Published         uint64 `json:"published"`
	Delivered         uint64 `json:"delivered"`
	Dropped           uint64 `json:"dropped"`
	SubscriberDropped uint64 `json:"subscriber_dropped"`
	SinkErrors        uint64 `json:"sink_errors"`
	Exports           uint64 `json:"exports"`
	Sinks             int    `json:"sinks"`
	Subscribers       int    `json:"subscribers"`
	QueueDepth        int    `json:"queue_depth"`
}

// NewGateway creates a stopped gateway.
func NewGateway(cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.SubscriberDepth <= 0 {
		cfg.SubscriberDepth = def.SubscriberDepth
	}
	return &Gateway{
		cfg:         cfg,
		queue:       make(chan pipeline.Publication, cfg.QueueDepth),
		sinks:       make(map[string]Sink),
		subscribers: make(map[string]*subscriber),
		stopCh:      make(chan struct{}),
	}
}

// SetMapSource sets where exports read the map from.
func (g *Gateway) SetMapSource(src pipeline.MapSource) {
	g.maps.Store(&mapSourceHolder{src: src})
}

// AddSink attaches a sink and returns its id for RemoveSink.
func (g *Gateway) AddSink(s Sink) string {
	id := uuid.NewString()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sinks[id] = s
	if _, ok := s.(PreviewSink); ok {
		g.previewSinks++
	}
	diagf("sink %s attached (%T)", id, s)
	return id
}

// RemoveSink detaches a sink.
func (g *Gateway) RemoveSink(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sinks[id]
	if !ok {
		return
	}
	if _, isPreview := s.(PreviewSink); isPreview {
		g.previewSinks--
	}
	delete(g.sinks, id)
}

// WantsPreview reports whether any attached sink consumes preview images.
func (g *Gateway) WantsPreview() bool {
	if !g.cfg.PublishPreview {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.previewSinks > 0
}

// Subscribe registers a streaming client. The returned cancel function must
// be called when the client goes away.
func (g *Gateway) Subscribe() (id string, ch <-chan pipeline.Publication, cancel func()) {
	sub := &subscriber{id: uuid.NewString(), ch: make(chan pipeline.Publication, g.cfg.SubscriberDepth)}
	g.mu.Lock()
	g.subscribers[sub.id] = sub
	n := len(g.subscribers)
	g.mu.Unlock()
	diagf("subscriber %s connected (total: %d)", sub.id, n)

	var once sync.Once
	return sub.id, sub.ch, func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.subscribers, sub.id)
			n := len(g.subscribers)
			g.mu.Unlock()
			diagf("subscriber %s disconnected (remaining: %d)", sub.id, n)
		})
	}
}

// Start launches the delivery goroutine.
func (g *Gateway) Start() error {
	if !g.running.CompareAndSwap(false, true) {
		return fmt.Errorf("gateway already running")
	}
	g.wg.Add(1)
	go g.deliveryLoop()
	return nil
}

// Stop halts delivery. Queued publications that were not yet delivered are
// discarded.
func (g *Gateway) Stop() {
	if !g.running.CompareAndSwap(true, false) {
		return
	}
	close(g.stopCh)
	g.wg.Wait()
}

// Publish enqueues p and returns immediately. When the queue is full p is
// dropped and counted.
func (g *Gateway) Publish(p pipeline.Publication) {
	select {
	case g.queue <- p:
		g.published.Add(1)
	default:
		dropped := g.dropped.Add(1)
		opsf("DROPPED publication seq=%d (total dropped: %d), queue full", p.Seq, dropped)
	}
}

func (g *Gateway) deliveryLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopCh:
			return
		case p := <-g.queue:
			g.deliver(p)
		}
	}
}

func (g *Gateway) deliver(p pipeline.Publication) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, s := range g.sinks {
		if err := s.PublishPose(p); err != nil {
			g.sinkErrors.Add(1)
			opsf("sink %s: pose seq=%d: %v", id, p.Seq, err)
		}
		if ps, ok := s.(PreviewSink); ok && p.Preview != nil {
			if err := ps.PublishPreview(p.Seq, p.Stamp, p.Preview); err != nil {
				g.sinkErrors.Add(1)
				opsf("sink %s: preview seq=%d: %v", id, p.Seq, err)
			}
		}
	}
	for _, sub := range g.subscribers {
		select {
		case sub.ch <- p:
		default:
			g.subDropped.Add(1)
		}
	}
	g.delivered.Add(1)
	tracef("delivered seq=%d to %d sinks, %d subscribers", p.Seq, len(g.sinks), len(g.subscribers))
}

// Stats returns current gateway counters.
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	sinks, subs := len(g.sinks), len(g.subscribers)
	g.mu.RUnlock()
	return Stats{
		Published:         g.published.Load(),
		Delivered:         g.delivered.Load(),
		Dropped:           g.dropped.Load(),
		SubscriberDropped: g.subDropped.Load(),
		SinkErrors:        g.sinkErrors.Load(),
		Exports:           g.exports.Load(),
		Sinks:             sinks,
		Subscribers:       subs,
		QueueDepth:        len(g.queue),
	}
}

// PointCloud is the exported set of map points.
type PointCloud struct {
	Version uint64              `json:"version"`
	Taken   time.Time           `json:"taken"`
	Points  []pipeline.MapPoint `json:"points"`
}

// KeyFrameSet is the exported set of keyframes.
type KeyFrameSet struct {
	Version   uint64              `json:"version"`
	Taken     time.Time           `json:"taken"`
	KeyFrames []pipeline.KeyFrame `json:"keyframes"`
}

func (g *Gateway) snapshot(ctx context.Context) (pipeline.MapSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.MapSnapshot{}, err
	}
	h := g.maps.Load()
	if h == nil {
		return pipeline.MapSnapshot{}, nil
	}
	m, ok := h.src.CurrentMap()
	if !ok {
		return pipeline.MapSnapshot{}, nil
	}
	snap := m.Snapshot()
	if err := snap.Check(); err != nil {
		opsf("export refused: %v", err)
		return pipeline.MapSnapshot{}, fmt.Errorf("%w: %v", ErrExportInconsistent, err)
	}
	if err := ctx.Err(); err != nil {
		return pipeline.MapSnapshot{}, err
	}
	g.exports.Add(1)
	return snap, nil
}

// ExportPointCloud returns every map point from one consistent snapshot. An
// uninitialised pipeline exports an empty cloud.
func (g *Gateway) ExportPointCloud(ctx context.Context) (PointCloud, error) {
	snap, err := g.snapshot(ctx)
	if err != nil {
		return PointCloud{}, err
	}
	diagf("exported %d points (map version %d)", len(snap.Points), snap.Version)
	return PointCloud{Version: snap.Version, Taken: snap.Taken, Points: snap.Points}, nil
}

// ExportKeyFrames returns every keyframe from one consistent snapshot.
func (g *Gateway) ExportKeyFrames(ctx context.Context) (KeyFrameSet, error) {
	snap, err := g.snapshot(ctx)
	if err != nil {
		return KeyFrameSet{}, err
	}
	diagf("exported %d keyframes (map version %d)", len(snap.KeyFrames), snap.Version)
	return KeyFrameSet{Version: snap.Version, Taken: snap.Taken, KeyFrames: snap.KeyFrames}, nil
}
