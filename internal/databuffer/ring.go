// Package databuffer holds decoded samples between the acquisition goroutine
// and client reads.
package databuffer

import (
	"sync"

	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
)

// MaxCapacity is the largest accepted buffer: one day of data at 250 Hz.
const MaxCapacity = 86400 * 250

// RingBuffer is a fixed-capacity store of samples. When full, Push
// overwrites the oldest sample. It is safe for one writer and any number of
// readers; every reader observes whole samples only.
type RingBuffer struct {
	mu          sync.Mutex
	data        []float64 // capacity * numChannels, sample-major
	numChannels int
	capacity    int
	head        int    // slot of the next write
	count       int    // samples currently stored
	total       uint64 // samples ever pushed
}

// New allocates a ring buffer of capacity samples with numChannels values each.
func New(numChannels, capacity int) (*RingBuffer, error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, errors.New(errcode.InvalidBufferSize).
			Component("databuffer").
			Category(errors.CategoryBuffer).
			Context("capacity", capacity).
			Context("max_capacity", MaxCapacity).
			Build()
	}
	if numChannels <= 0 {
		return nil, errors.New(errcode.InvalidArguments).
			Component("databuffer").
			Category(errors.CategoryValidation).
			Context("num_channels", numChannels).
			Build()
	}

	return &RingBuffer{
		data:        make([]float64, capacity*numChannels),
		numChannels: numChannels,
		capacity:    capacity,
	}, nil
}

// Push stores a copy of sample, overwriting the oldest sample when full.
// Values beyond NumChannels are ignored and missing values are zero.
func (rb *RingBuffer) Push(sample []float64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	slot := rb.data[rb.head*rb.numChannels : (rb.head+1)*rb.numChannels]
	n := copy(slot, sample)
	clear(slot[n:])

	rb.head = (rb.head + 1) % rb.capacity
	if rb.count < rb.capacity {
		rb.count++
	}
	rb.total++
}

// PeekLatest returns copies of the most recent min(n, Available()) samples in
// chronological order without removing them.
func (rb *RingBuffer) PeekLatest(n int) [][]float64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n = min(max(n, 0), rb.count)
	start := (rb.head - n + rb.capacity) % rb.capacity
	return rb.copyOut(start, n)
}

// Drain removes and returns up to n of the oldest samples, oldest first.
// An empty buffer yields an empty result.
func (rb *RingBuffer) Drain(n int) [][]float64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n = min(max(n, 0), rb.count)
	start := (rb.head - rb.count + rb.capacity) % rb.capacity
	out := rb.copyOut(start, n)
	rb.count -= n
	return out
}

// copyOut copies n samples starting at slot start into one backing array.
func (rb *RingBuffer) copyOut(start, n int) [][]float64 {
	out := make([][]float64, n)
	if n == 0 {
		return out
	}
	flat := make([]float64, n*rb.numChannels)
	for i := range n {
		slot := (start + i) % rb.capacity
		row := flat[i*rb.numChannels : (i+1)*rb.numChannels : (i+1)*rb.numChannels]
		copy(row, rb.data[slot*rb.numChannels:(slot+1)*rb.numChannels])
		out[i] = row
	}
	return out
}

// Available returns the number of stored samples.
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Total returns the number of samples pushed since creation or Reset.
func (rb *RingBuffer) Total() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.total
}

// FillRatio returns Available()/Capacity().
func (rb *RingBuffer) FillRatio() float64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return float64(rb.count) / float64(rb.capacity)
}

// Capacity returns the maximum number of stored samples.
func (rb *RingBuffer) Capacity() int { return rb.capacity }

// NumChannels returns the number of values per sample.
func (rb *RingBuffer) NumChannels() int { return rb.numChannels }

// Reset discards all samples.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head, rb.count, rb.total = 0, 0, 0
}
