// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

// NewConstantDataset returns a dataset that yields always the same batch.
//
// This is useful to benchmark a training setup, or to check that a model can overfit a single batch.
//
// It loops indefinitely.
func NewConstantDataset(batch Batch) Dataset {
	return &constDataset{batch: batch}
}

// constDataset is a dataset that yields always the same batch.
type constDataset struct {
	batch Batch
}

var _ Dataset = &constDataset{}

func (ds *constDataset) Name() string {
	return "constDataset"
}

func (ds *constDataset) Reset() {}

func (ds *constDataset) Yield() (Batch, error) {
	return ds.batch, nil
}
