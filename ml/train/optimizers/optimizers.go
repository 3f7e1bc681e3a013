// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements a collection of ML optimizers that update flat float32 parameter
// buffers in place, given the gradients accumulated for them. They all implement optimizers.Interface.
//
// Optimizers keep their state (e.g.: moments) sized to the buffer they are first used with, so one
// optimizer instance should be used for one buffer (or one shard of the parameters) only.
package optimizers

import (
	"math"
	"sort"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Update applies one training step to params, given the gradients grads of the same length.
	Update(params, grads []float32)

	// SetLearningRate changes the learning rate used by the following updates.
	SetLearningRate(lr float64)

	// LearningRate currently in use.
	LearningRate() float64
}

// Config of an optimizer, usually read from a YAML configuration file.
//
// Zero values for the hyperparameters mean the optimizer's default.
type Config struct {
	// Name of the optimizer, see KnownOptimizers.
	Name string `yaml:"name"`

	LearningRate float64 `yaml:"learning_rate"`

	// Momentum used by "sgd".
	Momentum float64 `yaml:"momentum"`

	// Beta1, Beta2 and Epsilon used by the Adam family.
	Beta1   float64 `yaml:"beta1"`
	Beta2   float64 `yaml:"beta2"`
	Epsilon float64 `yaml:"epsilon"`

	// WeightDecay used by "adamw".
	WeightDecay float64 `yaml:"weight_decay"`

	// ClipStepByValue clips each value of the step applied, after it is scaled by the learning rate.
	// 0 means no clipping.
	ClipStepByValue float64 `yaml:"clip_step_by_value"`
}

const (
	// SgdDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
	SgdDefaultLearningRate = 0.1

	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// AdamWDefaultWeightDecay is used by "adamw" if no weight decay is set.
	AdamWDefaultWeightDecay = 0.004
)

var (
	// KnownOptimizers is a map of known optimizers by name to their constructors.
	KnownOptimizers = map[string]func(cfg Config) Interface{
		"sgd": func(cfg Config) Interface {
			return StochasticGradientDescent().LearningRate(cfg.LearningRate).Momentum(cfg.Momentum).
				ClipStepByValue(cfg.ClipStepByValue).Done()
		},
		"adam": func(cfg Config) Interface { return Adam().FromConfig(cfg).Done() },
		"adamax": func(cfg Config) Interface {
			return Adam().FromConfig(cfg).Adamax().Done()
		},
		"adamw": func(cfg Config) Interface {
			if cfg.WeightDecay == 0 {
				cfg.WeightDecay = AdamWDefaultWeightDecay
			}
			return Adam().FromConfig(cfg).Done()
		},
	}

	// DefaultOptimizer is used when Config.Name is empty.
	DefaultOptimizer = "adam"
)

// Names returns the sorted names of the KnownOptimizers.
func Names() []string {
	names := make([]string, 0, len(KnownOptimizers))
	for name := range KnownOptimizers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByName creates the optimizer named in cfg, configured with cfg's hyperparameters.
// It returns an error if the name is not one of the KnownOptimizers.
func ByName(cfg Config) (Interface, error) {
	name := cfg.Name
	if name == "" {
		name = DefaultOptimizer
	}
	optBuilder, found := KnownOptimizers[name]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q, valid values are %q", name, Names())
	}
	return optBuilder(cfg), nil
}

// MustByName is like ByName, but panics in case of error.
func MustByName(cfg Config) Interface {
	opt, err := ByName(cfg)
	if err != nil {
		Panicf("%v", err)
	}
	return opt
}

// checkLengths panics if params and grads don't match or if they don't match the optimizer's state.
func checkLengths(optName string, params, grads []float32, stateLen int) {
	if len(params) != len(grads) {
		Panicf("%s: params (%d) and grads (%d) must have the same length", optName, len(params), len(grads))
	}
	if stateLen >= 0 && stateLen != len(params) {
		Panicf("%s: optimizer state was created for %d parameters, got %d", optName, stateLen, len(params))
	}
}

// clipStep applies the ClipStepByValue hyperparameter if it is not 0.0.
func clipStep(step, clip float64) float64 {
	if clip <= 0 {
		return step
	}
	return math.Max(-clip, math.Min(clip, step))
}

// SGDConfig holds the configuration for a StochasticGradientDescent optimizer. Once configured, call Done.
type SGDConfig struct {
	learningRate float64
	momentum     float64
	clip         float64
}

// StochasticGradientDescent creates the configuration of an optimizer that performs SGD, optionally with
// (classical) momentum: `v = momentum*v + grad; param -= learningRate * v`.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{learningRate: SgdDefaultLearningRate}
}

// LearningRate sets the initial learning rate. Values <= 0 keep the default SgdDefaultLearningRate.
func (c *SGDConfig) LearningRate(value float64) *SGDConfig {
	if value > 0 {
		c.learningRate = value
	}
	return c
}

// Momentum sets the momentum. Default is 0, plain SGD.
func (c *SGDConfig) Momentum(momentum float64) *SGDConfig {
	c.momentum = momentum
	return c
}

// ClipStepByValue clips each value of the update step. 0 disables it.
func (c *SGDConfig) ClipStepByValue(clip float64) *SGDConfig {
	c.clip = clip
	return c
}

// Done creates the optimizer.
func (c *SGDConfig) Done() Interface {
	return &sgd{config: *c, learningRate: c.learningRate}
}

type sgd struct {
	config       SGDConfig
	learningRate float64
	velocity     []float32
}

// Update implements optimizers.Interface.
func (o *sgd) Update(params, grads []float32) {
	stateLen := -1
	if o.velocity != nil {
		stateLen = len(o.velocity)
	}
	checkLengths("sgd", params, grads, stateLen)
	if o.config.momentum != 0 && o.velocity == nil {
		o.velocity = make([]float32, len(params))
	}
	for ii, grad := range grads {
		direction := float64(grad)
		if o.velocity != nil {
			direction += o.config.momentum * float64(o.velocity[ii])
			o.velocity[ii] = float32(direction)
		}
		params[ii] -= float32(clipStep(o.learningRate*direction, o.config.clip))
	}
}

// SetLearningRate implements optimizers.Interface.
func (o *sgd) SetLearningRate(lr float64) { o.learningRate = lr }

// LearningRate implements optimizers.Interface.
func (o *sgd) LearningRate() float64 { return o.learningRate }
