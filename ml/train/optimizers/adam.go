// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
)

// Adam optimization is a stochastic gradient descent method that is based on adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured call Done, and it
// will return an optimizers.Interface.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam based optimizers.Interface.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
	clip         float64
}

// FromConfig sets the hyperparameters given in cfg. Zero values are ignored.
func (c *AdamConfig) FromConfig(cfg Config) *AdamConfig {
	if cfg.LearningRate > 0 {
		c.learningRate = cfg.LearningRate
	}
	if cfg.Beta1 > 0 {
		c.beta1 = cfg.Beta1
	}
	if cfg.Beta2 > 0 {
		c.beta2 = cfg.Beta2
	}
	if cfg.Epsilon > 0 {
		c.epsilon = cfg.Epsilon
	}
	if cfg.WeightDecay > 0 {
		c.weightDecay = cfg.WeightDecay
	}
	c.clip = cfg.ClipStepByValue
	return c
}

// LearningRate sets the base learning rate. Default is AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configure Adam to use a L-infinity (== max, which gives the name) for
// the second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done will finish the configuration and construct an optimizers.Interface that implements Adam to specification.
func (c *AdamConfig) Done() Interface {
	return &adam{config: *c, learningRate: c.learningRate}
}

// adam implements the Adam algorithm as an optimizers.Interface.
type adam struct {
	config           AdamConfig
	learningRate     float64
	step             int
	moment1, moment2 []float32
}

// Update implements optimizers.Interface.
// If adamax is set, moment2 stores the L-infinity (the max) of the gradient.
func (o *adam) Update(params, grads []float32) {
	stateLen := -1
	if o.moment1 != nil {
		stateLen = len(o.moment1)
	}
	checkLengths("adam", params, grads, stateLen)
	if o.moment1 == nil {
		o.moment1 = make([]float32, len(params))
		o.moment2 = make([]float32, len(params))
	}
	o.step++
	cfg := &o.config
	debiasTermBeta1 := 1 / (1 - math.Pow(cfg.beta1, float64(o.step)))
	debiasTermBeta2 := 1 / (1 - math.Pow(cfg.beta2, float64(o.step)))
	for ii, g := range grads {
		grad := float64(g)
		moment1 := cfg.beta1*float64(o.moment1[ii]) + (1-cfg.beta1)*grad
		o.moment1[ii] = float32(moment1)

		var denominator, moment2 float64
		if cfg.adamax {
			moment2 = math.Max(cfg.beta2*float64(o.moment2[ii]), math.Abs(grad))
			denominator = moment2 + cfg.epsilon
		} else {
			moment2 = cfg.beta2*float64(o.moment2[ii]) + (1-cfg.beta2)*grad*grad
			denominator = math.Sqrt(moment2*debiasTermBeta2) + cfg.epsilon
		}
		o.moment2[ii] = float32(moment2)

		value := float64(params[ii])
		stepDirection := moment1 * debiasTermBeta1 / denominator
		if cfg.weightDecay > 0 {
			stepDirection += value * cfg.weightDecay
		}
		params[ii] = float32(value - clipStep(o.learningRate*stepDirection, cfg.clip))
	}
}

// SetLearningRate implements optimizers.Interface.
func (o *adam) SetLearningRate(lr float64) { o.learningRate = lr }

// LearningRate implements optimizers.Interface.
func (o *adam) LearningRate() float64 { return o.learningRate }
