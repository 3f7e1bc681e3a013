// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"github.com/pkg/errors"
)

// MapFn transforms a batch, e.g. normalizing its features. It may return a batch of a different
// type or size.
type MapFn func(batch Batch) (Batch, error)

// mapDataset implements a Dataset that maps a function to a wrapped dataset.
type mapDataset struct {
	ds    Dataset
	mapFn MapFn
}

// Map returns a Dataset with the result of applying (mapping) the batches yielded by the provided
// dataset by fn.
func Map(dataset Dataset, fn MapFn) Dataset {
	return &mapDataset{
		ds:    dataset,
		mapFn: fn,
	}
}

// Reset implements Dataset.
func (mapDS *mapDataset) Reset() {
	mapDS.ds.Reset()
}

// Name implements Dataset.
func (mapDS *mapDataset) Name() string {
	return mapDS.ds.Name() + " [Map]"
}

// Yield implements Dataset.
func (mapDS *mapDataset) Yield() (Batch, error) {
	batch, err := mapDS.ds.Yield()
	if err != nil {
		return nil, err
	}
	batch, err = mapDS.mapFn(batch)
	if err != nil {
		return nil, errors.WithMessagef(err, "while executing MapFn provided for data.Map(%q)", mapDS.ds.Name())
	}
	return batch, nil
}

// Standardize returns a MapFn that rescales the features of Examples batches to zero mean and
// unit variance, given per-feature means and standard deviations (see Examples.Moments).
// Features with zero standard deviation are only centered.
func Standardize(mean, stddev []float32) MapFn {
	return func(batch Batch) (Batch, error) {
		ex, ok := batch.(*Examples)
		if !ok {
			return nil, errors.Errorf("Standardize only handles *Examples batches, got %T", batch)
		}
		if ex.Size() > 0 && ex.NumFeatures() != len(mean) {
			return nil, errors.Errorf("Standardize configured for %d features, got batch with %d features",
				len(mean), ex.NumFeatures())
		}
		out := &Examples{Inputs: make([][]float32, len(ex.Inputs)), Labels: ex.Labels}
		for ii, input := range ex.Inputs {
			row := make([]float32, len(input))
			for jj, value := range input {
				row[jj] = value - mean[jj]
				if stddev[jj] > 0 {
					row[jj] /= stddev[jj]
				}
			}
			out.Inputs[ii] = row
		}
		return out, nil
	}
}
