// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/syncdp/ml/data"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingTrainer returns as cost the number of examples seen so far.
type countingTrainer struct {
	steps, examples int
	costAt          map[int]float32
	errAt           int
}

func (c *countingTrainer) Update(_ context.Context, batch data.Batch) (float32, error) {
	c.steps++
	c.examples += batch.Size()
	if c.errAt > 0 && c.steps == c.errAt {
		return 0, errors.New("device lost")
	}
	if cost, found := c.costAt[c.steps]; found {
		return cost, nil
	}
	return float32(c.examples), nil
}

func newDataset(n, batchSize int) *data.InMemory {
	ex := &data.Examples{}
	for ii := range n {
		ex.Inputs = append(ex.Inputs, []float32{float32(ii)})
		ex.Labels = append(ex.Labels, float32(ii))
	}
	return data.NewInMemory("test", ex, batchSize)
}

func TestRunSteps(t *testing.T) {
	trainer := &countingTrainer{}
	loop := NewLoop(trainer)
	var order []string
	var seenCosts []float32
	loop.OnStart("start", 0, func(l *Loop, ds data.Dataset) error {
		order = append(order, "start:"+ds.Name())
		return nil
	})
	loop.OnStep("second", 10, func(l *Loop, cost float32) error {
		order = append(order, "second")
		return nil
	})
	loop.OnStep("first", -1, func(l *Loop, cost float32) error {
		order = append(order, "first")
		seenCosts = append(seenCosts, cost)
		return nil
	})
	loop.OnEnd("end", 0, func(l *Loop, cost float32) error {
		order = append(order, "end")
		return nil
	})

	ds := newDataset(10, 4).Infinite()
	cost, err := loop.RunSteps(context.Background(), ds, 2)
	require.NoError(t, err)
	assert.Equal(t, float32(8), cost)
	assert.Equal(t, []string{"start:test", "first", "second", "first", "second", "end"}, order)
	assert.Equal(t, []float32{4, 8}, seenCosts)
	assert.Equal(t, 2, loop.LoopStep)
	assert.Len(t, loop.TrainStepDurations, 2)

	// Picks up from where it stopped.
	_, err = loop.RunSteps(context.Background(), ds, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, loop.StartStep)
	assert.Equal(t, 5, loop.EndStep)
	assert.Equal(t, 5, loop.LoopStep)
	assert.Equal(t, float32(8+2+4+4), loop.LastCost) // 10 examples, then 2 more batches of 4.

	// Zero steps is a no-op.
	_, err = loop.RunSteps(context.Background(), ds, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, trainer.steps)
}

func TestRunStepsErrors(t *testing.T) {
	ctx := context.Background()

	// Finite dataset exhausted.
	loop := NewLoop(&countingTrainer{})
	_, err := loop.RunSteps(ctx, newDataset(4, 2), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reached Dataset end after 2 steps")

	// NaN and Inf costs abort.
	loop = NewLoop(&countingTrainer{costAt: map[int]float32{2: float32(math.NaN())}})
	_, err = loop.RunSteps(ctx, newDataset(4, 1).Infinite(), 5)
	require.ErrorContains(t, err, "NaN")
	assert.Equal(t, 1, loop.LoopStep)
	loop = NewLoop(&countingTrainer{costAt: map[int]float32{1: float32(math.Inf(1))}})
	_, err = loop.RunSteps(ctx, newDataset(4, 1).Infinite(), 5)
	require.ErrorContains(t, err, "infinity")

	// Trainer errors propagate.
	loop = NewLoop(&countingTrainer{errAt: 3})
	_, err = loop.RunSteps(ctx, newDataset(4, 1).Infinite(), 5)
	require.ErrorContains(t, err, "device lost")

	// Hook errors name the hook.
	loop = NewLoop(&countingTrainer{})
	loop.OnStep("broken", 0, func(*Loop, float32) error { return errors.New("boom") })
	_, err = loop.RunSteps(ctx, newDataset(4, 1).Infinite(), 5)
	require.ErrorContains(t, err, `OnStep(hook "broken")`)

	loop = NewLoop(&countingTrainer{})
	loop.OnStart("nope", 0, func(*Loop, data.Dataset) error { return errors.New("boom") })
	_, err = loop.RunSteps(ctx, newDataset(4, 1).Infinite(), 5)
	require.ErrorContains(t, err, `OnStart(hook "nope")`)
}

func TestErrStop(t *testing.T) {
	trainer := &countingTrainer{}
	loop := NewLoop(trainer)
	StopWhen(loop, "three", 0, func() bool { return trainer.steps >= 3 })
	endCalled := false
	loop.OnEnd("end", 0, func(l *Loop, cost float32) error {
		endCalled = true
		return nil
	})
	cost, err := loop.RunSteps(context.Background(), newDataset(10, 1).Infinite(), 100)
	require.NoError(t, err)
	assert.True(t, endCalled)
	assert.Equal(t, 3, trainer.steps)
	assert.Equal(t, 3, loop.LoopStep)
	assert.Equal(t, float32(3), cost)

	// Same for RunEpochs.
	trainer = &countingTrainer{}
	loop = NewLoop(trainer)
	StopWhen(loop, "five", 0, func() bool { return trainer.steps >= 5 })
	_, err = loop.RunEpochs(context.Background(), newDataset(4, 1), 10)
	require.NoError(t, err)
	assert.Equal(t, 5, trainer.steps)
}

func TestRunEpochs(t *testing.T) {
	trainer := &countingTrainer{}
	loop := NewLoop(trainer)
	var epochs []int
	var endSteps []int
	loop.OnEpoch("epochs", 0, func(l *Loop) error {
		epochs = append(epochs, l.Epoch)
		endSteps = append(endSteps, l.EndStep)
		return nil
	})
	_, err := loop.RunEpochs(context.Background(), newDataset(10, 4), 3)
	require.NoError(t, err)
	assert.Equal(t, 9, trainer.steps)
	assert.Equal(t, 30, trainer.examples)
	assert.Equal(t, []int{0, 1, 2}, epochs)
	assert.Equal(t, []int{9, 9, 9}, endSteps)
	assert.Equal(t, 9, loop.LoopStep)
}

func TestCallbacks(t *testing.T) {
	ctx := context.Background()
	ds := newDataset(10, 1).Infinite()

	trainer := &countingTrainer{}
	loop := NewLoop(trainer)
	var every []int
	EveryNSteps(loop, 3, "every3", 0, func(l *Loop, cost float32) error {
		every = append(every, l.LoopStep)
		return nil
	})
	var nTimes []int
	NTimesDuringLoop(loop, 4, "n4", 0, func(l *Loop, cost float32) error {
		nTimes = append(nTimes, l.LoopStep)
		return nil
	})
	var exp []int
	ExponentialCallback(loop, 2, 2, true, "exp", 0, func(l *Loop, cost float32) error {
		exp = append(exp, l.LoopStep)
		return nil
	})
	_, err := loop.RunSteps(ctx, ds, 20)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 8, 11, 14, 17}, every)
	// Every 20/4=5 steps, starting at the first one, and always at the last step.
	assert.Equal(t, []int{0, 4, 9, 14, 19}, nTimes)
	// Steps 2, 2+4=6, 6+8=14, then once more at the end (LoopStep == EndStep).
	assert.Equal(t, []int{2, 6, 14, 20}, exp)

	require.Panics(t, func() { ExponentialCallback(loop, 0, 2, false, "bad", 0, nil) })
	require.Panics(t, func() { ExponentialCallback(loop, 2, 1, false, "bad", 0, nil) })
	require.Panics(t, func() { EveryNSteps(loop, 0, "bad", 0, nil) })

	// PeriodicCallback: a zero period fires on every step after the first, plus the end.
	loop = NewLoop(&countingTrainer{})
	calls := 0
	PeriodicCallback(loop, 0, true, "periodic", 0, func(l *Loop, cost float32) error {
		calls++
		return nil
	})
	_, err = loop.RunSteps(ctx, ds, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}
