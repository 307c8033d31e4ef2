package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCopyChannelMajorKeepsRowStride(t *testing.T) {
	const dataCount = 4
	dst := make([]float64, 3*dataCount)
	for i := range dst {
		dst[i] = -1
	}

	// Two samples drained where the caller asked for four.
	data := [][]float64{{1, 2}, {3, 4}, {5, 6}}
	copyChannelMajor(dst, data, dataCount)

	assert.Equal(t, []float64{
		1, 2, -1, -1,
		3, 4, -1, -1,
		5, 6, -1, -1,
	}, dst)
}

func TestCopyChannelMajorFullRows(t *testing.T) {
	dst := make([]float64, 4)
	copyChannelMajor(dst, [][]float64{{1, 2}, {3, 4}}, 2)
	assert.Equal(t, []float64{1, 2, 3, 4}, dst)
}

func TestCopyChannelMajorShortBuffer(t *testing.T) {
	dst := make([]float64, 3)
	copyChannelMajor(dst, [][]float64{{1, 2}, {3, 4}}, 2)
	assert.Equal(t, []float64{1, 2, 3}, dst)
}
