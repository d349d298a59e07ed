package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/sensor"
)

type fakeTracker struct {
	mu       sync.Mutex
	observed []SynchronizedObservation
	resets   int
	keys     []string
	fail     error
	pose     geom.Pose // returned on success; zero means identity
}

func (t *fakeTracker) Track(obs *SynchronizedObservation) (TrackingResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observed = append(t.observed, *obs)
	if t.fail != nil {
		return TrackingResult{}, t.fail
	}
	if t.pose != (geom.Pose{}) {
		return TrackingResult{Pose: t.pose, Quality: QualityGood}, nil
	}
	return TrackingResult{Pose: geom.IdentityPose(), Quality: QualityGood}, nil
}

func (t *fakeTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resets++
}

func (t *fakeTracker) KeyPress(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys = append(t.keys, key)
}

func (t *fakeTracker) last() SynchronizedObservation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observed[len(t.observed)-1]
}

type fakeMap struct {
	mu      sync.Mutex
	mapping bool
}

func (m *fakeMap) Snapshot() MapSnapshot { return MapSnapshot{} }

func (m *fakeMap) SetMapping(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapping = enabled
}

type fakeBackend struct {
	tracker *fakeTracker
	m       *fakeMap
	closed  bool
}

func (b *fakeBackend) Tracker() Tracker { return b.tracker }
func (b *fakeBackend) Map() Map         { return b.m }
func (b *fakeBackend) Close() error     { b.closed = true; return nil }

type fakeFactory struct {
	mu      sync.Mutex
	calls   int
	sizes   [][2]int
	backend *fakeBackend
	err     error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{backend: &fakeBackend{tracker: &fakeTracker{}, m: &fakeMap{mapping: true}}}
}

func (f *fakeFactory) NewBackend(width, height int) (Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sizes = append(f.sizes, [2]int{width, height})
	if f.err != nil {
		return nil, f.err
	}
	return f.backend, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	pubs    []Publication
	preview bool
	ch      chan Publication
}

func (p *fakePublisher) Publish(pub Publication) {
	p.mu.Lock()
	p.pubs = append(p.pubs, pub)
	p.mu.Unlock()
	if p.ch != nil {
		select {
		case p.ch <- pub:
		default:
		}
	}
}

func (p *fakePublisher) WantsPreview() bool { return p.preview }

var errTrackerBoom = errors.New("boom")

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return epoch.Add(time.Duration(ms) * time.Millisecond) }

func monoFrame(seq uint64, ms, w, h int) sensor.Frame {
	data := make([]byte, w*h)
	for i := range data {
		data[i] = byte(i)
	}
	return sensor.Frame{
		Stamp:    at(ms),
		Seq:      seq,
		FrameID:  "camera",
		Width:    w,
		Height:   h,
		Encoding: sensor.EncodingMono8,
		Data:     data,
	}
}
