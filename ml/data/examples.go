// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/stat"
)

// Examples is an in-memory Batch of dense feature vectors and scalar labels.
type Examples struct {
	Inputs [][]float32
	Labels []float32
}

var _ Batch = (*Examples)(nil)

// Size implements Batch.
func (e *Examples) Size() int { return len(e.Labels) }

// Slice implements Batch. The returned Examples share storage with e.
func (e *Examples) Slice(from, to int) Batch {
	if from < 0 || to < from || to > e.Size() {
		exceptions.Panicf("Examples.Slice(%d, %d) out of range for batch of size %d", from, to, e.Size())
	}
	return &Examples{Inputs: e.Inputs[from:to], Labels: e.Labels[from:to]}
}

// NumFeatures returns the dimension of the input vectors, or 0 if the batch is empty.
func (e *Examples) NumFeatures() int {
	if len(e.Inputs) == 0 {
		return 0
	}
	return len(e.Inputs[0])
}

// Moments returns the per-feature mean and (unbiased) standard deviation of the inputs.
func (e *Examples) Moments() (mean, stddev []float32) {
	numFeatures := e.NumFeatures()
	mean = make([]float32, numFeatures)
	stddev = make([]float32, numFeatures)
	column := make([]float64, e.Size())
	for jj := range numFeatures {
		for ii, input := range e.Inputs {
			column[ii] = float64(input[jj])
		}
		m, std := stat.MeanStdDev(column, nil)
		mean[jj] = float32(m)
		if len(column) > 1 {
			stddev[jj] = float32(std)
		}
	}
	return
}

// Synthetic generates n examples following labels = inputs·weights + bias + noise, with inputs
// uniformly distributed in [-1, 1).
func Synthetic[T constraints.Float](weights []T, bias T, n int, noise float64, seed int64) *Examples {
	rng := rand.New(rand.NewSource(seed))
	examples := &Examples{
		Inputs: make([][]float32, n),
		Labels: make([]float32, n),
	}
	for ii := range n {
		x := make([]float32, len(weights))
		y := float64(bias)
		for jj, w := range weights {
			x[jj] = float32(2*rng.Float64() - 1)
			y += float64(x[jj]) * float64(w)
		}
		if noise > 0 {
			y += rng.NormFloat64() * noise
		}
		examples.Inputs[ii] = x
		examples.Labels[ii] = float32(y)
	}
	return examples
}

// Dataset yields batches for training. Yield returns io.EOF at the end of an epoch.
type Dataset interface {
	Name() string
	Yield() (Batch, error)
	Reset()
}

// InMemory is a Dataset that yields fixed size batches from Examples held in memory.
type InMemory struct {
	name      string
	examples  *Examples
	batchSize int
	loop      bool
	order     []int
	rng       *rand.Rand
	pos       int
}

var _ Dataset = (*InMemory)(nil)

// NewInMemory creates a dataset over examples yielding batches of batchSize examples.
// The last batch of an epoch may be smaller.
func NewInMemory(name string, examples *Examples, batchSize int) *InMemory {
	if batchSize < 1 {
		exceptions.Panicf("data.NewInMemory(%q): batchSize must be >= 1, got %d", name, batchSize)
	}
	ds := &InMemory{
		name:      name,
		examples:  examples,
		batchSize: batchSize,
		order:     make([]int, examples.Size()),
	}
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	return ds
}

// Shuffle configures the dataset to shuffle the examples at every Reset, using the given seed.
// It returns the dataset itself, so calls can be cascaded.
func (ds *InMemory) Shuffle(seed int64) *InMemory {
	ds.rng = rand.New(rand.NewSource(seed))
	ds.shuffle()
	return ds
}

// Infinite configures the dataset to loop over the examples indefinitely, never returning io.EOF.
func (ds *InMemory) Infinite() *InMemory {
	ds.loop = true
	return ds
}

func (ds *InMemory) shuffle() {
	if ds.rng == nil {
		return
	}
	ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
}

// Name implements Dataset.
func (ds *InMemory) Name() string { return ds.name }

// String implements fmt.Stringer.
func (ds *InMemory) String() string {
	return fmt.Sprintf("InMemory(%q, %d examples, batch=%d)", ds.name, ds.examples.Size(), ds.batchSize)
}

// Reset implements Dataset.
func (ds *InMemory) Reset() {
	ds.pos = 0
	ds.shuffle()
}

// Yield implements Dataset.
func (ds *InMemory) Yield() (Batch, error) {
	if ds.pos >= len(ds.order) {
		if !ds.loop || len(ds.order) == 0 {
			return nil, io.EOF
		}
		ds.Reset()
	}
	end := min(ds.pos+ds.batchSize, len(ds.order))
	batch := &Examples{
		Inputs: make([][]float32, 0, end-ds.pos),
		Labels: make([]float32, 0, end-ds.pos),
	}
	for _, idx := range ds.order[ds.pos:end] {
		batch.Inputs = append(batch.Inputs, ds.examples.Inputs[idx])
		batch.Labels = append(batch.Labels, ds.examples.Labels[idx])
	}
	ds.pos = end
	return batch, nil
}
