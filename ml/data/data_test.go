// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// indexBatch is a batch of consecutive integers, used to check splitting.
type indexBatch []int

func (b indexBatch) Size() int                { return len(b) }
func (b indexBatch) Slice(from, to int) Batch { return b[from:to] }

func makeIndexBatch(n int) indexBatch {
	b := make(indexBatch, n)
	for ii := range b {
		b[ii] = ii
	}
	return b
}

func TestSplit(t *testing.T) {
	for _, tc := range []struct{ size, n int }{
		{10, 2}, {11, 2}, {10, 3}, {2, 3}, {0, 4}, {1, 1}, {7, 7}, {100, 8},
	} {
		parts := Split(makeIndexBatch(tc.size), tc.n)
		require.Len(t, parts, tc.n)
		var joined []int
		minSize, maxSize := tc.size, 0
		for _, part := range parts {
			joined = append(joined, part.(indexBatch)...)
			minSize = min(minSize, part.Size())
			maxSize = max(maxSize, part.Size())
		}
		// Order preserving, nothing dropped or duplicated.
		if tc.size == 0 {
			assert.Empty(t, joined)
		} else {
			assert.Equal(t, []int(makeIndexBatch(tc.size)), joined, "size=%d, n=%d", tc.size, tc.n)
		}
		assert.LessOrEqual(t, maxSize-minSize, 1, "size=%d, n=%d", tc.size, tc.n)

		for ii, size := range SplitSizes(tc.size, tc.n) {
			assert.Equal(t, size, parts[ii].Size())
		}
	}

	// Batch smaller than number of devices: trailing sub-batches are empty.
	parts := Split(makeIndexBatch(2), 3)
	assert.Equal(t, []int{1, 1, 0}, []int{parts[0].Size(), parts[1].Size(), parts[2].Size()})

	assert.Panics(t, func() { Split(makeIndexBatch(2), 0) })
}

// unevenBatch splits itself in a custom way.
type unevenBatch struct{ indexBatch }

func (b unevenBatch) Split(n int) []Batch {
	return []Batch{b.indexBatch[:6], b.indexBatch[6:]}
}

func TestSplitWithSplitter(t *testing.T) {
	parts := Split(unevenBatch{makeIndexBatch(10)}, 2)
	assert.Equal(t, 6, parts[0].Size())
	assert.Equal(t, 4, parts[1].Size())
	assert.Panics(t, func() { Split(unevenBatch{makeIndexBatch(10)}, 3) })
}

func TestSyntheticAndInMemory(t *testing.T) {
	examples := Synthetic([]float64{1, -2}, 0.5, 10, 0, 42)
	require.Equal(t, 10, examples.Size())
	assert.Equal(t, 2, examples.NumFeatures())
	for ii, x := range examples.Inputs {
		want := x[0] - 2*x[1] + 0.5
		assert.InDelta(t, want, examples.Labels[ii], 1e-5)
	}

	ds := NewInMemory("test", examples, 4)
	var sizes []int
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, batch.Size())
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)

	ds.Reset()
	batch, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, examples.Labels[:4], batch.(*Examples).Labels)

	// Infinite and shuffled datasets never end.
	ds = NewInMemory("loop", examples, 3).Shuffle(1).Infinite()
	for range 10 {
		batch, err = ds.Yield()
		require.NoError(t, err)
		assert.Greater(t, batch.Size(), 0)
	}

	sub := examples.Slice(2, 5).(*Examples)
	assert.Equal(t, examples.Labels[2:5], sub.Labels)
	assert.Equal(t, 0, (&Examples{}).NumFeatures())
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	found, err := FileExists(dir)
	require.NoError(t, err)
	assert.True(t, found)
	found, err = FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "/abs/dir", ReplaceTildeInDir("/abs/dir"))
}
