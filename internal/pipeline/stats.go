package pipeline

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tracking.frontend/internal/syncbuf"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateFailed        State = "failed" // initialisation failed; sticky
	StateStopped       State = "stopped"
)

// Stats is a snapshot of orchestrator counters.
type Stats struct {
	State State `json:"state"`

	FramesReceived  uint64 `json:"frames_received"`
	FramesProcessed uint64 `json:"frames_processed"`
	FramesDropped   uint64 `json:"frames_dropped"`
	FramesRejected  uint64 `json:"frames_rejected"`
	SizeMismatches  uint64 `json:"size_mismatches"`

	InertialDropped uint64 `json:"inertial_dropped"`
	PriorsDropped   uint64 `json:"priors_dropped"`
	CommandsDropped uint64 `json:"commands_dropped"`
	CommandErrors   uint64 `json:"command_errors"`

	InertialMatched   uint64 `json:"inertial_matched"`
	PriorsMatched     uint64 `json:"priors_matched"`
	TransformFailures uint64 `json:"transform_failures"`
	TrackerFailures   uint64 `json:"tracker_failures"`

	LatencyMeanMs   float64 `json:"latency_mean_ms"`
	LatencyStdDevMs float64 `json:"latency_stddev_ms"`

	Inertial syncbuf.Stats `json:"inertial_buffer"`
	Priors   syncbuf.Stats `json:"prior_buffer"`
}

const latencyWindow = 256

// latencyRing keeps the most recent per-frame processing latencies.
type latencyRing struct {
	mu      sync.Mutex
	samples []float64 // milliseconds
	next    int
}

func (r *latencyRing) add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms := float64(d) / float64(time.Millisecond)
	if len(r.samples) < latencyWindow {
		r.samples = append(r.samples, ms)
		return
	}
	r.samples[r.next] = ms
	r.next = (r.next + 1) % latencyWindow
}

func (r *latencyRing) meanStdDev() (mean, std float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch len(r.samples) {
	case 0:
		return 0, 0
	case 1:
		return r.samples[0], 0
	}
	return stat.MeanStdDev(r.samples, nil)
}
