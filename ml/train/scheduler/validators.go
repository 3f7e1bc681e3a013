// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/ml/model"
	"github.com/pkg/errors"
)

// CostValidator evaluates the mean cost of the graph over a fixed set of batches, weighted by
// the batches sizes.
type CostValidator struct {
	name    string
	batches []data.Batch
}

// NewCostValidator creates a validator named name over the given batches.
func NewCostValidator(name string, batches ...data.Batch) *CostValidator {
	return &CostValidator{name: name, batches: batches}
}

// Name implements Validator.
func (v *CostValidator) Name() string { return v.name }

// Validate implements Validator. Only the forward pass is run, the graph's parameters are not changed.
func (v *CostValidator) Validate(g model.Graph) (float64, error) {
	var sum float64
	var count int
	for ii, batch := range v.batches {
		if batch.Size() == 0 {
			continue
		}
		if err := g.Build(batch); err != nil {
			return 0, errors.WithMessagef(err, "building validation batch #%d", ii)
		}
		if err := g.Forward(); err != nil {
			return 0, errors.WithMessagef(err, "forward of validation batch #%d", ii)
		}
		sum += float64(g.Cost()) * float64(batch.Size())
		count += batch.Size()
	}
	if count == 0 {
		return 0, errors.Errorf("validator %q has no examples", v.name)
	}
	return sum / float64(count), nil
}
