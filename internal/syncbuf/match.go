package syncbuf

import (
	"errors"
	"time"

	"github.com/banshee-data/tracking.frontend/internal/sensor"
)

// DefaultMaxDelay is the widest gap tolerated between a frame and the sample
// paired with it.
const DefaultMaxDelay = 10 * time.Millisecond

// ErrNoMatch reports that no buffered entry lies within the delay window.
var ErrNoMatch = errors.New("no sample within delay window")

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// FindClosest returns the entry whose timestamp is nearest to target, with its
// index. Entries are scanned in arrival order and only a strictly smaller gap
// replaces the current best, so of two equidistant entries the one that
// arrived first wins. ok is false when entries is empty or the smallest gap
// exceeds maxDelay.
func FindClosest[T sensor.Stamped](entries []T, target time.Time, maxDelay time.Duration) (best T, index int, ok bool) {
	index = -1
	var bestGap time.Duration
	for i, e := range entries {
		gap := absDuration(e.Timestamp().Sub(target))
		if index < 0 || gap < bestGap {
			best, index, bestGap = e, i, gap
		}
	}
	if index < 0 || bestGap > maxDelay {
		var zero T
		return zero, -1, false
	}
	return best, index, true
}
