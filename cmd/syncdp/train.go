// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gomlx/syncdp/internal/statusapi"
	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/ml/train"
	"github.com/gomlx/syncdp/ml/train/commandline"
	"github.com/gomlx/syncdp/ml/train/metrics"
	"github.com/gomlx/syncdp/ml/train/scheduler"
	"github.com/gomlx/syncdp/ml/train/syncgroup"
	"github.com/gomlx/syncdp/models/linear"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

func trainCmd() *cli.Command {
	var (
		configPath, settings, devices string
		modelPath, statusAddr         string
		steps, epochs                 int
		noProgress                    bool
	)
	return &cli.Command{
		Name:  "train",
		Usage: "Train a linear regression model on synthetic data, over simulated devices",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "yaml file with the run configuration; flags override its values",
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name: "set",
				Usage: `override configuration values, a list of "path=value" separated by ";", ` +
					`e.g. "group.moving_average=true;scheduler.save_freq=500"`,
				Destination: &settings,
			},
			&cli.StringFlag{
				Name:        "devices",
				Aliases:     []string{"d"},
				Usage:       `comma separated list of device ids, e.g. "0,1,2,3"`,
				Destination: &devices,
			},
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path where to save (and reload from) the model checkpoint",
				Destination: &modelPath,
			},
			&cli.IntFlag{
				Name:        "steps",
				Usage:       "number of training steps, if --epochs is not set",
				Destination: &steps,
			},
			&cli.IntFlag{
				Name:        "epochs",
				Usage:       "number of epochs to train for",
				Destination: &epochs,
			},
			&cli.StringFlag{
				Name:        "status-addr",
				Usage:       "address to serve the training status API, e.g. 127.0.0.1:8080",
				Destination: &statusAddr,
			},
			&cli.BoolFlag{
				Name:        "no-progress",
				Usage:       "disable the progress bar",
				Destination: &noProgress,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := defaultRunConfig()
			if configPath != "" {
				if err := loadConfig(configPath, &cfg); err != nil {
					return err
				}
			}
			if err := commandline.ParseSettings(&cfg, settings); err != nil {
				return err
			}
			if cmd.IsSet("devices") {
				if err := commandline.ParseSettings(&cfg, "group.devices="+strings.TrimSpace(devices)); err != nil {
					return errors.WithMessage(err, "invalid --devices")
				}
			}
			if cmd.IsSet("model") {
				cfg.Group.ModelPath = modelPath
			}
			if cmd.IsSet("steps") {
				cfg.Steps = steps
			}
			if cmd.IsSet("epochs") {
				cfg.Epochs = epochs
			}
			if cmd.IsSet("status-addr") {
				cfg.StatusAddr = statusAddr
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			klog.V(1).Infof("Configuration:\n%s", commandline.SprintSettings(cfg))

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTraining(ctx, cfg, !noProgress, os.Stdout)
		},
	}
}

// runTraining trains the linear model with the given configuration, and reports the validation
// results to out.
func runTraining(ctx context.Context, cfg runConfig, progress bool, out io.Writer) error {
	m := linear.New(cfg.Data.Features).WithSeed(cfg.Data.Seed)
	group, err := syncgroup.New(cfg.Group, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := group.Close(); err != nil {
			klog.Errorf("Failed to close %s: %+v", group, err)
		}
	}()

	weights, bias := groundTruth(cfg.Data.Features, cfg.Data.Seed)
	trainExamples := data.Synthetic(weights, bias, cfg.Data.Examples, cfg.Data.Noise, cfg.Data.Seed)
	preprocess := func(b data.Batch) (data.Batch, error) { return b, nil }
	if cfg.Data.Standardize {
		preprocess = data.Standardize(trainExamples.Moments())
	}
	sched := scheduler.New(cfg.Scheduler)
	if cfg.Data.Validation > 0 {
		validExamples, err := preprocess(
			data.Synthetic(weights, bias, cfg.Data.Validation, cfg.Data.Noise, cfg.Data.Seed+1))
		if err != nil {
			return err
		}
		sched.AddValidator(scheduler.NewCostValidator("valid", validExamples))
	}
	group.SetScheduler(sched)
	if err = group.Load(); err != nil {
		return err
	}
	if stats, err := group.CollectStats(); err == nil {
		klog.Infof("Model %s: %s", m, stats)
		if cfg.Data.BatchSize > stats.MaxBatch() {
			return errors.Errorf("data.batch_size=%d is larger than the maximum batch %d that fits the "+
				"workspace of %d devices, increase group.workspace", cfg.Data.BatchSize, stats.MaxBatch(), stats.NumDevices)
		}
	} else {
		return err
	}

	loop := train.NewLoop(group)
	metrics.Track(loop, -1, metrics.DefaultCostMetrics()...)
	train.StopWhen(loop, "scheduler", 0, func() bool { return !sched.KeepGoing() })
	loop.OnEpoch("scheduler", 0, func(*train.Loop) error {
		sched.IncreaseEpoch()
		return nil
	})
	if progress {
		commandline.AttachProgressBar(loop)
	} else {
		commandline.AttachMetricsLog(loop, cfg.LogEvery)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.StatusAddr != "" {
		server := statusapi.New(group)
		server.Attach(loop)
		go func() {
			if err := server.Serve(ctx, cfg.StatusAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				klog.Errorf("Status API stopped: %+v", err)
			}
		}()
	}

	inMemory := data.NewInMemory("synthetic", trainExamples, cfg.Data.BatchSize).Shuffle(cfg.Data.Seed)
	if cfg.Epochs == 0 {
		inMemory.Infinite()
	}
	ds := data.Parallel(data.Map(inMemory, preprocess))
	defer ds.Cancel()
	if cfg.Epochs > 0 {
		_, err = loop.RunEpochs(ctx, ds, cfg.Epochs)
	} else {
		_, err = loop.RunSteps(ctx, ds, cfg.Steps)
	}
	interrupted := errors.Is(err, context.Canceled)
	if err != nil && !interrupted {
		return err
	}
	if interrupted {
		klog.Warningf("Training interrupted after %d steps", loop.LoopStep)
	}

	if cfg.Group.ModelPath != "" && group.Initialized() {
		// The training context may be cancelled already: the final save must still happen.
		if err = group.Save(context.Background(), true); err != nil {
			return err
		}
	}
	return commandline.ReportValidators(out, sched)
}

// groundTruth returns the weights and bias used to generate the synthetic dataset.
func groundTruth(features int, seed int64) (weights []float32, bias float32) {
	rng := rand.New(rand.NewSource(seed))
	weights = make([]float32, features)
	for ii := range weights {
		weights[ii] = float32(rng.Float64()*2 - 1)
	}
	bias = float32(rng.Float64()*2 - 1)
	return
}
