package backend

import (
	"sync"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/geom"
	"github.com/banshee-data/tracking.frontend/internal/pipeline"
)

// KeyFrameMap is an in-memory map of keyframes and the points they anchor.
// Writers take the exclusive lock for each whole update; Snapshot copies
// under the shared lock, so readers never observe a half-applied update.
type KeyFrameMap struct {
	mu        sync.RWMutex
	keyFrames []pipeline.KeyFrame
	points    []pipeline.MapPoint
	nextKF    uint64
	nextPoint uint64
	version   uint64
	mapping   bool
	now       func() time.Time
}

// NewKeyFrameMap returns an empty map with mapping enabled.
func NewKeyFrameMap() *KeyFrameMap {
	return &KeyFrameMap{mapping: true, now: time.Now}
}

// AddKeyFrame inserts a keyframe and its points atomically. Point KeyFrameIDs
// are overwritten with the new keyframe's id. It returns the keyframe id, or
// false when mapping is disabled.
func (m *KeyFrameMap) AddKeyFrame(stamp time.Time, pose geom.Pose, points []geom.Vec3) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mapping {
		return 0, false
	}
	m.nextKF++
	id := m.nextKF
	m.keyFrames = append(m.keyFrames, pipeline.KeyFrame{ID: id, Stamp: stamp, Pose: pose})
	for _, p := range points {
		m.nextPoint++
		m.points = append(m.points, pipeline.MapPoint{ID: m.nextPoint, Position: p, KeyFrameID: id})
	}
	m.version++
	return id, true
}

// Clear removes every keyframe and point.
func (m *KeyFrameMap) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyFrames = nil
	m.points = nil
	m.version++
}

// Counts returns the number of keyframes and points.
func (m *KeyFrameMap) Counts() (keyFrames, points int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyFrames), len(m.points)
}

// Snapshot returns a deep copy of the map.
func (m *KeyFrameMap) Snapshot() pipeline.MapSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := pipeline.MapSnapshot{
		Version:   m.version,
		Taken:     m.now(),
		KeyFrames: make([]pipeline.KeyFrame, len(m.keyFrames)),
		Points:    make([]pipeline.MapPoint, len(m.points)),
	}
	copy(snap.KeyFrames, m.keyFrames)
	copy(snap.Points, m.points)
	return snap
}

// SetMapping enables or disables keyframe insertion.
func (m *KeyFrameMap) SetMapping(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapping = enabled
}

// Mapping reports whether keyframe insertion is enabled.
func (m *KeyFrameMap) Mapping() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mapping
}
