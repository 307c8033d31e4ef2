package databuffer

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainwire/boardkit/internal/errcode"
)

func sample(channels int, v float64) []float64 {
	s := make([]float64, channels)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestNewRejectsInvalidCapacity(t *testing.T) {
	t.Parallel()

	for _, capacity := range []int{0, -1, MaxCapacity + 1} {
		_, err := New(4, capacity)
		require.Error(t, err)
		assert.Equal(t, errcode.InvalidBufferSize, errcode.Of(err), "capacity %d", capacity)
	}

	rb, err := New(4, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rb.Capacity())
	assert.Equal(t, 4, rb.NumChannels())

	_, err = New(0, 10)
	assert.Equal(t, errcode.InvalidArguments, errcode.Of(err))
}

func TestWrapKeepsMostRecent(t *testing.T) {
	t.Parallel()

	const capacity = 5
	rb, err := New(2, capacity)
	require.NoError(t, err)

	for i := range 12 {
		rb.Push(sample(2, float64(i)))
	}

	require.Equal(t, capacity, rb.Available())
	assert.Equal(t, uint64(12), rb.Total())

	latest := rb.PeekLatest(capacity)
	require.Len(t, latest, capacity)
	for i, s := range latest {
		assert.InDelta(t, float64(7+i), s[0], 0)
	}

	drained := rb.Drain(100)
	require.Len(t, drained, capacity)
	for i, s := range drained {
		assert.InDelta(t, float64(7+i), s[1], 0)
	}
	assert.Equal(t, 0, rb.Available())
	assert.Empty(t, rb.Drain(10))
}

func TestCapacityHundredPushHundredFifty(t *testing.T) {
	t.Parallel()

	rb, err := New(3, 100)
	require.NoError(t, err)
	for i := range 150 {
		rb.Push(sample(3, float64(i)))
	}

	assert.Equal(t, 100, rb.Available())
	all := rb.Drain(150)
	require.Len(t, all, 100)
	assert.InDelta(t, 50, all[0][0], 0)
	assert.InDelta(t, 149, all[99][0], 0)
	assert.Equal(t, 0, rb.Available())
}

func TestPeekDoesNotRemoveAndDrainIsPartial(t *testing.T) {
	t.Parallel()

	rb, err := New(1, 10)
	require.NoError(t, err)
	for i := range 4 {
		rb.Push([]float64{float64(i)})
	}

	peek := rb.PeekLatest(2)
	require.Len(t, peek, 2)
	assert.InDelta(t, 2, peek[0][0], 0)
	assert.InDelta(t, 3, peek[1][0], 0)
	assert.Equal(t, 4, rb.Available())

	first := rb.Drain(3)
	require.Len(t, first, 3)
	assert.InDelta(t, 0, first[0][0], 0)
	assert.Equal(t, 1, rb.Available())

	assert.Empty(t, rb.PeekLatest(0))
	assert.Empty(t, rb.PeekLatest(-3))
}

func TestReturnedSamplesAreCopies(t *testing.T) {
	t.Parallel()

	rb, err := New(2, 2)
	require.NoError(t, err)
	in := []float64{1, 2}
	rb.Push(in)
	in[0] = 99

	out := rb.PeekLatest(1)
	out[0][1] = 42
	again := rb.PeekLatest(1)

	assert.Equal(t, []float64{1, 2}, again[0])
}

func TestShortAndLongSamples(t *testing.T) {
	t.Parallel()

	rb, err := New(3, 4)
	require.NoError(t, err)
	rb.Push([]float64{7, 7, 7})
	rb.Push([]float64{1})
	rb.Push([]float64{1, 2, 3, 4, 5})

	got := rb.Drain(3)
	assert.Equal(t, []float64{1, 0, 0}, got[1])
	assert.Equal(t, []float64{1, 2, 3}, got[2])
}

// TestNoPartialWrites pushes uniform samples while readers check that every
// returned sample has one value in all channels.
func TestNoPartialWrites(t *testing.T) {
	t.Parallel()

	const channels = 32
	rb, err := New(channels, 64)
	require.NoError(t, err)

	var (
		stop    atomic.Bool
		torn    atomic.Int64
		readers sync.WaitGroup
	)

	check := func(samples [][]float64) {
		for _, s := range samples {
			for _, v := range s[1:] {
				if v != s[0] {
					torn.Add(1)
					return
				}
			}
		}
	}

	for range 4 {
		readers.Go(func() {
			for !stop.Load() {
				check(rb.PeekLatest(16))
				check(rb.Drain(8))
			}
		})
	}

	for i := range 20000 {
		rb.Push(sample(channels, float64(i)))
	}
	stop.Store(true)
	readers.Wait()

	assert.Zero(t, torn.Load())
}

func TestReset(t *testing.T) {
	t.Parallel()

	rb, err := New(1, 3)
	require.NoError(t, err)
	rb.Push([]float64{1})
	rb.Reset()

	assert.Equal(t, 0, rb.Available())
	assert.Equal(t, uint64(0), rb.Total())
	assert.InDelta(t, 0, rb.FillRatio(), 0)
}
