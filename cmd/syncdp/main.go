// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// syncdp trains models with synchronous data-parallelism over simulated devices, and inspects
// the checkpoints it saves.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	var verbosity int
	app := &cli.Command{
		Name:  "syncdp",
		Usage: "Synchronous data-parallel training on simulated devices",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "v",
				Usage:       "log verbosity level (klog)",
				Destination: &verbosity,
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if err := flag.Set("v", strconv.Itoa(verbosity)); err != nil {
				return ctx, err
			}
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			trainCmd(),
			inspectCmd(),
		},
	}

	err := app.Run(context.Background(), os.Args)
	klog.Flush()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
