// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package syncgroup

import (
	"github.com/gomlx/syncdp/ml/train/optimizers"
	"github.com/pkg/errors"
)

// ErrConfig is wrapped by all configuration errors returned by Config.Validate.
var ErrConfig = errors.New("invalid configuration")

// DefaultMovingDecay is the default decay of the moving average of the parameters.
const DefaultMovingDecay = 0.9999

// Config of a Group, usually read from a YAML file.
type Config struct {
	// Devices to train on, one model replica per device. The first one holds the primary replica.
	Devices []int `yaml:"devices"`

	// MovingAverage enables keeping an exponential moving average (the "shadow") of the parameters,
	// which is used for validation and saving.
	MovingAverage bool `yaml:"moving_average"`

	// MovingDecay is the decay of the moving average. A value of exactly 1 freezes the shadow.
	MovingDecay float64 `yaml:"moving_decay"`

	// NoReload disables loading a previous checkpoint from ModelPath.
	NoReload bool `yaml:"no_reload"`

	// ModelPath where the model is loaded from and saved to. If empty, the model is never saved or loaded.
	ModelPath string `yaml:"model"`

	// Overwrite disables saving of iteration tagged snapshots of the model besides ModelPath.
	Overwrite bool `yaml:"overwrite"`

	// WorkspaceMB is the memory in megabytes given to each replica's graph, and the limit
	// for each shard's storage.
	WorkspaceMB int `yaml:"workspace"`

	// Optimizer used for every shard.
	Optimizer optimizers.Config `yaml:"optimizer"`
}

// DefaultConfig returns a configuration that trains on device 0 only.
func DefaultConfig() Config {
	return Config{
		Devices:     []int{0},
		MovingDecay: DefaultMovingDecay,
		WorkspaceMB: 512,
		Optimizer:   optimizers.Config{Name: optimizers.DefaultOptimizer},
	}
}

// Validate the configuration. All errors wrap ErrConfig.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return errors.Wrap(ErrConfig, "no devices configured")
	}
	seen := make(map[int]bool, len(c.Devices))
	for ii, device := range c.Devices {
		if device < 0 {
			return errors.Wrapf(ErrConfig, "device #%d has invalid id %d", ii, device)
		}
		if seen[device] {
			return errors.Wrapf(ErrConfig, "device %d is listed more than once", device)
		}
		seen[device] = true
	}
	if c.MovingAverage && (c.MovingDecay <= 0 || c.MovingDecay > 1) {
		return errors.Wrapf(ErrConfig, "moving_decay must be in (0, 1], got %g", c.MovingDecay)
	}
	if c.WorkspaceMB <= 0 {
		return errors.Wrapf(ErrConfig, "workspace must be positive, got %d MB", c.WorkspaceMB)
	}
	if _, err := optimizers.ByName(c.Optimizer); err != nil {
		return errors.Wrap(ErrConfig, err.Error())
	}
	return nil
}
