package syncbuf

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sample is a minimal Stamped entry; id records arrival order.
type sample struct {
	At time.Time
	ID int
}

func (s sample) Timestamp() time.Time { return s.At }

var epoch = time.Unix(1_700_000_000, 0)

func ms(n int) time.Time { return epoch.Add(time.Duration(n) * time.Millisecond) }

func samplesAt(msStamps ...int) []sample {
	out := make([]sample, len(msStamps))
	for i, m := range msStamps {
		out[i] = sample{At: ms(m), ID: i}
	}
	return out
}

func TestFindClosest_Scenarios(t *testing.T) {
	t.Parallel()

	t.Run("picks 108 over 90 for frame at 100", func(t *testing.T) {
		t.Parallel()
		got, idx, ok := FindClosest(samplesAt(90, 108), ms(100), DefaultMaxDelay)
		require.True(t, ok)
		assert.Equal(t, ms(108), got.At)
		assert.Equal(t, 1, idx)
	})

	t.Run("80 only is outside window", func(t *testing.T) {
		t.Parallel()
		_, idx, ok := FindClosest(samplesAt(80), ms(100), DefaultMaxDelay)
		assert.False(t, ok)
		assert.Equal(t, -1, idx)
	})

	t.Run("gap equal to max delay is accepted", func(t *testing.T) {
		t.Parallel()
		got, _, ok := FindClosest(samplesAt(90), ms(100), DefaultMaxDelay)
		require.True(t, ok)
		assert.Equal(t, ms(90), got.At)
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		_, _, ok := FindClosest([]sample(nil), ms(100), DefaultMaxDelay)
		assert.False(t, ok)
	})
}

func TestFindClosest_TieBreakPrefersEarlierArrival(t *testing.T) {
	t.Parallel()

	for run := 0; run < 20; run++ {
		got, _, ok := FindClosest(samplesAt(105, 95), ms(100), DefaultMaxDelay)
		require.True(t, ok)
		assert.Equal(t, 0, got.ID, "first arrival must win the tie")

		got, _, ok = FindClosest(samplesAt(95, 105), ms(100), DefaultMaxDelay)
		require.True(t, ok)
		assert.Equal(t, 0, got.ID)
	}
}

// bruteForceGap returns the minimum |Δt| for entries, or -1 if none.
func bruteForceGap(entries []sample, target time.Time) time.Duration {
	best := time.Duration(-1)
	for _, e := range entries {
		g := absDuration(e.At.Sub(target))
		if best < 0 || g < best {
			best = g
		}
	}
	return best
}

func TestFindClosest_ArrivalOrderIndependent(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 500; trial++ {
		n := rng.Intn(12)
		entries := make([]sample, n)
		for i := range entries {
			entries[i] = sample{At: ms(70 + rng.Intn(60)), ID: i}
		}
		target := ms(100)
		want := bruteForceGap(entries, target)

		rng.Shuffle(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })
		got, _, ok := FindClosest(entries, target, DefaultMaxDelay)

		if want < 0 || want > DefaultMaxDelay {
			assert.False(t, ok, "trial %d", trial)
			continue
		}
		require.True(t, ok, "trial %d", trial)
		assert.Equal(t, want, absDuration(got.At.Sub(target)), "trial %d", trial)
	}
}

func TestBuffer_CapacityBound(t *testing.T) {
	t.Parallel()

	b := New[sample]("imu", 5)
	for i := 0; i < 50; i++ {
		evicted := b.Push(sample{At: ms(i), ID: i})
		assert.LessOrEqual(t, b.Len(), 5)
		assert.Equal(t, i >= 5, evicted)
	}
	st := b.Stats()
	assert.Equal(t, uint64(50), st.Pushed)
	assert.Equal(t, uint64(45), st.Evicted)

	// Oldest arrivals were evicted: only 45..49 remain.
	got, err := b.Match(ms(44), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 45, got.ID)
}

func TestBuffer_ZeroCapacityHoldsOne(t *testing.T) {
	t.Parallel()

	b := New[sample]("prior", 0)
	b.Push(sample{At: ms(1)})
	b.Push(sample{At: ms(2)})
	assert.Equal(t, 1, b.Len())
}

func TestBuffer_RemoveOlderThanIdempotent(t *testing.T) {
	t.Parallel()

	b := New[sample]("imu", 10)
	for _, s := range samplesAt(50, 10, 30, 20, 40) {
		b.Push(s)
	}

	first := b.RemoveOlderThan(ms(30))
	afterFirst := snapshot(b)
	second := b.RemoveOlderThan(ms(30))
	afterSecond := snapshot(b)

	assert.Equal(t, 2, first)
	assert.Equal(t, 0, second)
	if diff := cmp.Diff(afterFirst, afterSecond); diff != "" {
		t.Errorf("buffer changed on second prune (-first +second):\n%s", diff)
	}
	// Arrival order of survivors is preserved.
	assert.Equal(t, []time.Time{ms(50), ms(30), ms(40)}, afterSecond)
}

func TestBuffer_RemoveUpToIsInclusive(t *testing.T) {
	t.Parallel()

	b := New[sample]("imu", 10)
	for _, s := range samplesAt(10, 20, 30) {
		b.Push(s)
	}
	assert.Equal(t, 2, b.RemoveUpTo(ms(20)))
	assert.Equal(t, []time.Time{ms(30)}, snapshot(b))
}

func TestBuffer_MatchPrunes(t *testing.T) {
	t.Parallel()

	t.Run("match drops entries at or before the match", func(t *testing.T) {
		t.Parallel()
		b := New[sample]("imu", 10)
		for _, s := range samplesAt(90, 108, 95, 120) {
			b.Push(s)
		}
		got, err := b.Match(ms(100), DefaultMaxDelay)
		require.NoError(t, err)
		assert.Equal(t, ms(95), got.At)
		assert.Equal(t, []time.Time{ms(108), ms(120)}, snapshot(b))
	})

	t.Run("miss drops only entries older than the window", func(t *testing.T) {
		t.Parallel()
		b := New[sample]("imu", 10)
		for _, s := range samplesAt(50, 80, 150) {
			b.Push(s)
		}
		_, err := b.Match(ms(100), DefaultMaxDelay)
		assert.True(t, errors.Is(err, ErrNoMatch))
		assert.Equal(t, []time.Time{ms(150)}, snapshot(b))
		assert.Equal(t, uint64(1), b.Stats().Misses)
	})

	t.Run("successive frames never rematch a consumed sample", func(t *testing.T) {
		t.Parallel()
		b := New[sample]("imu", 10)
		for _, s := range samplesAt(100, 133) {
			b.Push(s)
		}
		first, err := b.Match(ms(100), DefaultMaxDelay)
		require.NoError(t, err)
		assert.Equal(t, ms(100), first.At)

		_, err = b.Match(ms(105), DefaultMaxDelay)
		assert.ErrorIs(t, err, ErrNoMatch)
	})
}

func TestBuffer_ConcurrentPushAndMatch(t *testing.T) {
	t.Parallel()

	b := New[sample]("imu", 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			b.Push(sample{At: ms(i), ID: i})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i += 7 {
			_, _ = b.Match(ms(i), DefaultMaxDelay)
			assert.LessOrEqual(t, b.Len(), 64)
		}
	}()
	wg.Wait()
	assert.LessOrEqual(t, b.Len(), 64)
}

func TestBuffer_Clear(t *testing.T) {
	t.Parallel()

	b := New[sample]("imu", 4)
	b.Push(sample{At: ms(1)})
	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, uint64(0), b.Stats().Pruned)
}

func snapshot(b *Buffer[sample]) []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]time.Time, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.At
	}
	return out
}
