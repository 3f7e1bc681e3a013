// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/ml/model"
	"github.com/gomlx/syncdp/types/buffers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sizedBatch int

func (b sizedBatch) Size() int                     { return int(b) }
func (b sizedBatch) Slice(from, to int) data.Batch { return sizedBatch(to - from) }

type lrObserver struct{ values []float64 }

func (o *lrObserver) SetLearningRate(lr float64) { o.values = append(o.values, lr) }

// fakeGraph's cost is the size of the batch it was built with.
type fakeGraph struct {
	built data.Batch
	cost  float32
}

var _ model.Graph = (*fakeGraph)(nil)

func (g *fakeGraph) Device() buffers.DeviceID { return 0 }
func (g *fakeGraph) Build(batch data.Batch) error {
	if batch.Size() > 100 {
		return errors.New("batch too large")
	}
	g.built = batch
	return nil
}
func (g *fakeGraph) Forward() error    { g.cost = float32(g.built.Size()); return nil }
func (g *fakeGraph) Cost() float32     { return g.cost }
func (g *fakeGraph) Backward() error   { return nil }
func (g *fakeGraph) Params() []float32 { return nil }
func (g *fakeGraph) Grads() []float32  { return nil }

type sequenceValidator struct {
	values []float64
	next   int
}

func (v *sequenceValidator) Name() string { return "sequence" }
func (v *sequenceValidator) Validate(model.Graph) (float64, error) {
	value := v.values[v.next]
	v.next++
	return value, nil
}

func TestProgressAndFrequencies(t *testing.T) {
	s := New(Config{SaveFreq: 3, ValidFreq: 2, DispFreq: 2})
	assert.False(t, s.Saving())
	assert.False(t, s.Validating())

	var saves, validations []int
	for range 6 {
		s.Update(1.5, sizedBatch(10))
		if s.Saving() {
			saves = append(saves, s.NumberOfBatches())
		}
		if s.Validating() {
			validations = append(validations, s.NumberOfBatches())
		}
	}
	assert.Equal(t, []int{3, 6}, saves)
	assert.Empty(t, validations, "no validators registered")

	s.AddValidator(&sequenceValidator{values: []float64{1}})
	s.Update(1.5, sizedBatch(10))
	s.Update(2.5, sizedBatch(5))
	assert.True(t, s.Validating())

	s.IncreaseEpoch()
	st := s.State()
	assert.Equal(t, 8, st.Batches)
	assert.Equal(t, 75, st.Samples)
	assert.Equal(t, 1, st.Epochs)
	assert.Equal(t, float32(2.5), st.LastCost)
	assert.Equal(t, 0, st.CostCount, "reset at display")
}

func TestLearningRate(t *testing.T) {
	s := New(Config{LearningRate: 1, LRWarmup: 4, LRDecayInvSqrt: 4})
	obs := &lrObserver{}
	s.RegisterObserver(obs)
	for range 15 {
		s.Update(1, sizedBatch(1))
	}
	require.Len(t, obs.values, 16)
	assert.InDelta(t, 0.25, obs.values[0], 1e-9)
	assert.InDelta(t, 0.5, obs.values[1], 1e-9)
	assert.InDelta(t, 0.75, obs.values[2], 1e-9)
	assert.InDelta(t, 1.0, obs.values[3], 1e-9)
	// Decay only starts once more than 4 batches are completed.
	assert.InDelta(t, 1.0, obs.values[4], 1e-9)
	assert.InDelta(t, math.Sqrt(4.0/5.0), obs.values[5], 1e-9)
	assert.InDelta(t, math.Sqrt(4.0/15.0), obs.values[15], 1e-9)
	for ii := 5; ii < len(obs.values); ii++ {
		assert.Less(t, obs.values[ii], obs.values[ii-1], "learning rate must keep decaying at %d", ii)
	}

	// Without a configured learning rate, observers are left alone.
	s = New(Config{})
	obs = &lrObserver{}
	s.RegisterObserver(obs)
	s.Update(1, sizedBatch(1))
	assert.Empty(t, obs.values)
}

func TestValidateAndEarlyStopping(t *testing.T) {
	s := New(Config{ValidFreq: 1, EarlyStopping: 2, AfterBatches: 100})
	s.AddValidator(&sequenceValidator{values: []float64{5, 3, 4, 3.5, 2}})
	g := &fakeGraph{}

	require.NoError(t, s.Validate(g))
	require.NoError(t, s.Validate(g))
	assert.Equal(t, 0, s.Stalled())
	require.NoError(t, s.Validate(g))
	assert.Equal(t, 1, s.Stalled())
	assert.True(t, s.KeepGoing())
	require.NoError(t, s.Validate(g))
	assert.Equal(t, 2, s.Stalled())
	assert.False(t, s.KeepGoing())
	require.NoError(t, s.Validate(g))
	assert.Equal(t, 0, s.Stalled())
	assert.True(t, s.KeepGoing())

	vs := s.State().Validators["sequence"]
	assert.Equal(t, 2.0, vs.Best)
	assert.Equal(t, 5, vs.Count)
	assert.Equal(t, []string{"sequence"}, s.ValidatorNames())

	s = New(Config{AfterBatches: 2})
	s.Update(1, sizedBatch(1))
	assert.True(t, s.KeepGoing())
	s.Update(1, sizedBatch(1))
	assert.False(t, s.KeepGoing())
}

func TestCostValidator(t *testing.T) {
	g := &fakeGraph{}
	v := NewCostValidator("valid", sizedBatch(10), sizedBatch(0), sizedBatch(30))
	value, err := v.Validate(g)
	require.NoError(t, err)
	// Weighted: (10*10 + 30*30) / 40.
	assert.InDelta(t, 25.0, value, 1e-9)

	_, err = NewCostValidator("empty").Validate(g)
	require.Error(t, err)
	_, err = NewCostValidator("large", sizedBatch(200)).Validate(g)
	require.Error(t, err)

	s := New(Config{})
	s.AddValidator(NewCostValidator("large", sizedBatch(200)))
	require.ErrorContains(t, s.Validate(g), "large")
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	s := New(Config{LearningRate: 0.1})
	// Missing state is not an error.
	require.NoError(t, s.Load(path))
	assert.Equal(t, 0, s.NumberOfBatches())

	s.AddValidator(&sequenceValidator{values: []float64{7}})
	require.NoError(t, s.Validate(&fakeGraph{}))
	for range 5 {
		s.Update(2, sizedBatch(3))
	}
	s.IncreaseEpoch()
	require.NoError(t, s.Save(path))

	loaded := New(Config{LearningRate: 0.1})
	obs := &lrObserver{}
	loaded.RegisterObserver(obs)
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, s.State(), loaded.State())
	assert.Len(t, obs.values, 2, "notified at registration and at load")

	require.NoError(t, os.WriteFile(path+ProgressSuffix, []byte("{not json"), 0600))
	require.Error(t, loaded.Load(path))
}
