package backend

import (
	"fmt"

	"github.com/banshee-data/tracking.frontend/internal/pipeline"
)

// Backend pairs a DeadReckoningTracker with its KeyFrameMap.
type Backend struct {
	tracker *DeadReckoningTracker
	m       *KeyFrameMap
}

func (b *Backend) Tracker() pipeline.Tracker { return b.tracker }
func (b *Backend) Map() pipeline.Map         { return b.m }
func (b *Backend) Close() error              { return nil }

// KeyFrameMap exposes the concrete map for callers that need Counts.
func (b *Backend) KeyFrameMap() *KeyFrameMap { return b.m }

// NewFactory returns a pipeline.Factory producing reference back ends.
func NewFactory(cfg TrackerConfig) pipeline.Factory {
	return pipeline.FactoryFunc(func(width, height int) (pipeline.Backend, error) {
		if width <= 0 || height <= 0 {
			return nil, fmt.Errorf("invalid image size %dx%d", width, height)
		}
		m := NewKeyFrameMap()
		return &Backend{tracker: NewDeadReckoningTracker(cfg, m, width, height), m: m}, nil
	})
}
