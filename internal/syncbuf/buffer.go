package syncbuf

import (
	"sync"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/sensor"
)

// Buffer is a bounded, arrival-ordered holding area for one sensor channel.
// When a Push would exceed the capacity the oldest arrival is evicted.
type Buffer[T sensor.Stamped] struct {
	mu       sync.Mutex
	name     string
	capacity int
	entries  []T

	pushed  uint64
	evicted uint64
	pruned  uint64
	matches uint64
	misses  uint64
}

// Stats is a point-in-time view of a buffer's counters.
type Stats struct {
	Name     string `json:"name"`
	Len      int    `json:"len"`
	Capacity int    `json:"capacity"`
	Pushed   uint64 `json:"pushed"`
	Evicted  uint64 `json:"evicted"`
	Pruned   uint64 `json:"pruned"`
	Matches  uint64 `json:"matches"`
	Misses   uint64 `json:"misses"`
}

// New creates a buffer holding at most capacity entries. A non-positive
// capacity is treated as 1.
func New[T sensor.Stamped](name string, capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		name:     name,
		capacity: capacity,
		entries:  make([]T, 0, capacity),
	}
}

// Push appends v in arrival order. It reports whether an older entry had to
// be evicted to stay within capacity.
func (b *Buffer[T]) Push(v T) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pushed++
	if len(b.entries) >= b.capacity {
		n := len(b.entries) - b.capacity + 1
		copy(b.entries, b.entries[n:])
		clear(b.entries[len(b.entries)-n:])
		b.entries = b.entries[:len(b.entries)-n]
		b.evicted += uint64(n)
		evicted = true
	}
	b.entries = append(b.entries, v)
	return evicted
}

// RemoveOlderThan drops every entry stamped strictly before t and returns how
// many were removed. Calling it again with the same t removes nothing.
func (b *Buffer[T]) RemoveOlderThan(t time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(func(ts time.Time) bool { return ts.Before(t) })
}

// RemoveUpTo drops every entry stamped at or before t.
func (b *Buffer[T]) RemoveUpTo(t time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(func(ts time.Time) bool { return !ts.After(t) })
}

func (b *Buffer[T]) removeLocked(drop func(time.Time) bool) int {
	kept := b.entries[:0]
	for _, e := range b.entries {
		if !drop(e.Timestamp()) {
			kept = append(kept, e)
		}
	}
	removed := len(b.entries) - len(kept)
	clear(b.entries[len(kept):])
	b.entries = kept
	b.pruned += uint64(removed)
	return removed
}

// Match finds the entry closest to target within maxDelay and prunes entries
// that can no longer match a later frame: on success everything stamped at or
// before the matched entry, otherwise everything older than target-maxDelay.
// Frames are assumed to arrive in timestamp order.
func (b *Buffer[T]) Match(target time.Time, maxDelay time.Duration) (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	best, _, ok := FindClosest(b.entries, target, maxDelay)
	if !ok {
		b.misses++
		cutoff := target.Add(-maxDelay)
		b.removeLocked(func(ts time.Time) bool { return ts.Before(cutoff) })
		var zero T
		return zero, ErrNoMatch
	}
	b.matches++
	matched := best.Timestamp()
	b.removeLocked(func(ts time.Time) bool { return !ts.After(matched) })
	return best, nil
}

// Len returns the number of buffered entries.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear drops every entry without counting them as pruned.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.entries)
	b.entries = b.entries[:0]
}

// Stats returns the buffer counters.
func (b *Buffer[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:     b.name,
		Len:      len(b.entries),
		Capacity: b.capacity,
		Pushed:   b.pushed,
		Evicted:  b.evicted,
		Pruned:   b.pruned,
		Matches:  b.matches,
		Misses:   b.misses,
	}
}
