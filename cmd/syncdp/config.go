// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"os"

	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/ml/train/scheduler"
	"github.com/gomlx/syncdp/ml/train/syncgroup"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// runConfig is the configuration of a training run, as read from the yaml file given with --config.
type runConfig struct {
	Group     syncgroup.Config `yaml:"group"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Data      dataConfig       `yaml:"data"`

	// Steps to train for, if Epochs is 0. The scheduler's after_batches can stop it earlier.
	Steps  int `yaml:"steps"`
	Epochs int `yaml:"epochs"`

	// StatusAddr, if set, is the address where the status API is served.
	StatusAddr string `yaml:"status_addr"`

	// LogEvery logs the training metrics every that many steps when the progress bar is disabled.
	// If 0 they are logged at exponentially growing intervals.
	LogEvery int `yaml:"log_every"`
}

// dataConfig describes the synthetic regression dataset.
type dataConfig struct {
	Features   int     `yaml:"features"`
	Examples   int     `yaml:"examples"`
	Validation int     `yaml:"validation"`
	BatchSize  int     `yaml:"batch_size"`
	Noise      float64 `yaml:"noise"`
	Seed       int64   `yaml:"seed"`

	// Standardize the features with the mean and standard deviation of the training examples.
	Standardize bool `yaml:"standardize"`
}

func defaultRunConfig() runConfig {
	schedCfg := scheduler.DefaultConfig()
	schedCfg.ValidFreq = 100
	return runConfig{
		Group:     syncgroup.DefaultConfig(),
		Scheduler: schedCfg,
		Data: dataConfig{
			Features:   16,
			Examples:   10_000,
			Validation: 1_000,
			BatchSize:  64,
			Noise:      0.01,
			Seed:       42,
		},
		Steps: 1_000,
	}
}

// loadConfig reads the yaml file into cfg: only the fields present in the file are changed.
// Unknown fields are reported as errors.
func loadConfig(path string, cfg *runConfig) error {
	contents, err := os.ReadFile(data.ReplaceTildeInDir(path))
	if err != nil {
		return errors.Wrapf(err, "failed to read configuration %q", path)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err = decoder.Decode(cfg); err != nil {
		return errors.Wrapf(err, "failed to parse configuration %q", path)
	}
	return nil
}

// validate the run configuration, including the group configuration.
func (c *runConfig) validate() error {
	if err := c.Group.Validate(); err != nil {
		return err
	}
	switch {
	case c.Data.Features < 1:
		return errors.Errorf("data.features must be >= 1, got %d", c.Data.Features)
	case c.Data.Examples < 1:
		return errors.Errorf("data.examples must be >= 1, got %d", c.Data.Examples)
	case c.Data.BatchSize < 1:
		return errors.Errorf("data.batch_size must be >= 1, got %d", c.Data.BatchSize)
	case c.Data.Validation < 0:
		return errors.Errorf("data.validation must be >= 0, got %d", c.Data.Validation)
	case c.Steps < 0 || c.Epochs < 0:
		return errors.Errorf("steps (%d) and epochs (%d) must be >= 0", c.Steps, c.Epochs)
	case c.LogEvery < 0:
		return errors.Errorf("log_every must be >= 0, got %d", c.LogEvery)
	}
	return nil
}
