// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"github.com/gomlx/exceptions"
)

// Batch is an ordered collection of training examples. Its contents are opaque to the training
// machinery: only the model knows how to interpret them.
type Batch interface {
	// Size is the number of examples in the batch.
	Size() int

	// Slice returns the examples [from, to) as a new Batch. It may share storage with the original.
	Slice(from, to int) Batch
}

// Splitter is implemented by batches that know how to split themselves across devices.
// Implementations must honor the same contract as Split.
type Splitter interface {
	Split(n int) []Batch
}

// Split divides batch into exactly n sub-batches, one per device.
//
// Sub-batches are disjoint, order preserving slices of the original batch, and their sizes differ by
// at most one: the first batch.Size() % n sub-batches get one extra example. If the batch has fewer
// than n examples, the trailing sub-batches are empty.
//
// If batch implements Splitter, its own Split is used instead.
func Split(batch Batch, n int) []Batch {
	if n < 1 {
		exceptions.Panicf("data.Split(batch, n=%d): n must be >= 1", n)
	}
	if splitter, ok := batch.(Splitter); ok {
		parts := splitter.Split(n)
		if len(parts) != n {
			exceptions.Panicf("%T.Split(%d) returned %d sub-batches", batch, n, len(parts))
		}
		return parts
	}
	parts := make([]Batch, n)
	size := batch.Size()
	base, extra := size/n, size%n
	pos := 0
	for ii := range parts {
		partSize := base
		if ii < extra {
			partSize++
		}
		parts[ii] = batch.Slice(pos, pos+partSize)
		pos += partSize
	}
	return parts
}

// SplitSizes returns the sizes of the sub-batches returned by Split for a batch of the given size,
// for batches that don't implement Splitter.
func SplitSizes(size, n int) []int {
	if n < 1 {
		exceptions.Panicf("data.SplitSizes(size=%d, n=%d): n must be >= 1", size, n)
	}
	sizes := make([]int, n)
	for ii := range sizes {
		sizes[ii] = size / n
		if ii < size%n {
			sizes[ii]++
		}
	}
	return sizes
}
