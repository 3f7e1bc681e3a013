// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	assert.Equal(t, []string{"adam", "adamax", "adamw", "sgd"}, Names())
	for _, name := range Names() {
		opt, err := ByName(Config{Name: name})
		require.NoError(t, err, name)
		require.NotNil(t, opt, name)
	}
	opt, err := ByName(Config{})
	require.NoError(t, err)
	assert.Equal(t, AdamDefaultLearningRate, opt.LearningRate())

	_, err = ByName(Config{Name: "rmsprop"})
	require.ErrorContains(t, err, "rmsprop")
	assert.Panics(t, func() { MustByName(Config{Name: "rmsprop"}) })
}

func TestSGD(t *testing.T) {
	opt := MustByName(Config{Name: "sgd", LearningRate: 0.5})
	params := []float32{1, 2, 3}
	opt.Update(params, []float32{1, -2, 0})
	assert.Equal(t, []float32{0.5, 3, 3}, params)

	opt.SetLearningRate(0.25)
	assert.Equal(t, 0.25, opt.LearningRate())
	opt.Update(params, []float32{2, 0, 0})
	assert.Equal(t, []float32{0, 3, 3}, params)

	// Mismatched lengths are a programming error.
	assert.Panics(t, func() { opt.Update(params, []float32{1}) })
}

func TestSGDMomentum(t *testing.T) {
	opt := StochasticGradientDescent().LearningRate(1).Momentum(0.5).Done()
	params := []float32{0}
	opt.Update(params, []float32{1}) // v=1
	assert.InDelta(t, -1, params[0], 1e-6)
	opt.Update(params, []float32{1}) // v=1.5
	assert.InDelta(t, -2.5, params[0], 1e-6)

	// State is bound to the length of the first buffer.
	assert.Panics(t, func() { opt.Update([]float32{0, 0}, []float32{1, 1}) })
}

func TestClipStepByValue(t *testing.T) {
	opt := MustByName(Config{Name: "sgd", LearningRate: 1, ClipStepByValue: 0.1})
	params := []float32{0, 0}
	opt.Update(params, []float32{5, -0.05})
	assert.InDeltaSlice(t, []float32{-0.1, 0.05}, params, 1e-6)
}

func TestAdam(t *testing.T) {
	// The first Adam step is approximately learningRate * sign(grad), regardless of the gradient's scale.
	opt := MustByName(Config{Name: "adam", LearningRate: 0.01})
	params := []float32{1, 1, 1}
	opt.Update(params, []float32{100, -0.001, 0})
	assert.InDeltaSlice(t, []float32{0.99, 1.01, 1}, params, 1e-4)

	// Moving in the right direction for a simple quadratic: cost = (p-3)^2.
	params = []float32{0}
	opt = Adam().LearningRate(0.1).Done()
	for range 500 {
		opt.Update(params, []float32{2 * (params[0] - 3)})
	}
	assert.InDelta(t, 3, params[0], 0.2)
}

func TestAdamWAndAdamax(t *testing.T) {
	adamw := MustByName(Config{Name: "adamw", LearningRate: 0.01})
	params := []float32{10}
	adamw.Update(params, []float32{0})
	// Zero gradient: only the weight decay moves the parameter.
	assert.InDelta(t, 10-0.01*10*AdamWDefaultWeightDecay, params[0], 1e-5)

	adamax := MustByName(Config{Name: "adamax", LearningRate: 0.01})
	params = []float32{1}
	adamax.Update(params, []float32{4})
	// moment1=0.4, debiased=4, moment2=max(0, 4)=4: step=lr*4/4.
	assert.InDelta(t, 0.99, params[0], 1e-5)
}
