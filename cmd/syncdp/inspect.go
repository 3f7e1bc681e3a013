// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/syncdp/ml/context/checkpoints"
	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/ml/train/scheduler"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

func inspectCmd() *cli.Command {
	var showVars, showSnapshots, showProgress bool
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Display a summary of a checkpoint saved by train",
		ArgsUsage: "<checkpoint path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "vars", Usage: "list the saved variables", Destination: &showVars},
			&cli.BoolFlag{Name: "snapshots", Usage: "list the snapshots saved alongside the checkpoint", Destination: &showSnapshots},
			&cli.BoolFlag{Name: "progress", Usage: "show the training progress saved with the checkpoint", Destination: &showProgress},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.Errorf("inspect takes exactly one checkpoint path, got %d arguments", cmd.Args().Len())
			}
			path := cmd.Args().First()
			if !must.M1(checkpoints.Exists(path)) {
				return errors.Errorf("no checkpoint found in %q", path)
			}
			return report(os.Stdout, path, showVars, showSnapshots, showProgress)
		},
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row < 0 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				// Even row style.
				s = oddRowStyle
			default:
				// Odd row style
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// report writes the requested tables about the checkpoint in path to w.
func report(w io.Writer, path string, showVars, showSnapshots, showProgress bool) error {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return err
	}

	// Summary table.
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("checkpoint", ckpt.Path)
	table.Row("run id", ckpt.RunID)
	table.Row("created", ckpt.Created.Format(time.RFC3339))
	table.Row("iteration", humanize.Comma(int64(ckpt.Iteration)))
	table.Row("final", strconv.FormatBool(ckpt.Final))
	table.Row("format", ckpt.Format.String())
	table.Row("# variables", humanize.Comma(int64(len(ckpt.Variables))))
	table.Row("# parameters", humanize.Comma(int64(ckpt.NumParams())))
	var storedBytes int
	for _, sv := range ckpt.Variables {
		storedBytes += sv.Length
	}
	table.Row("# bytes", humanize.Bytes(uint64(storedBytes)))
	if info, err := os.Stat(ckpt.Path); err == nil {
		table.Row("file size", humanize.Bytes(uint64(info.Size())))
	}
	_, _ = fmt.Fprintln(w, table.Render())

	if showVars {
		_, _ = fmt.Fprintln(w, titleStyle.Render("Variables"))
		table := newPlainTable(true).Headers("Name", "Dimensions", "DType", "Size", "Bytes")
		for _, sv := range ckpt.Variables {
			v, _ := ckpt.Variable(sv.ParameterName)
			dims := make([]string, 0, len(sv.Dimensions))
			for _, dim := range sv.Dimensions {
				dims = append(dims, strconv.Itoa(dim))
			}
			table.Row(sv.ParameterName, "("+strings.Join(dims, ", ")+")", sv.DType.String(),
				humanize.Comma(int64(v.Size())), humanize.Bytes(uint64(sv.Length)))
		}
		_, _ = fmt.Fprintln(w, table.Render())
	}

	if showSnapshots {
		snapshots, err := checkpoints.ListSnapshots(path)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, titleStyle.Render("Snapshots"))
		table := newPlainTable(true).Headers("Iteration", "Path", "Created")
		for _, snapshotPath := range snapshots {
			snapshot, err := checkpoints.Load(snapshotPath)
			if err != nil {
				return errors.WithMessagef(err, "snapshot %q", snapshotPath)
			}
			table.Row(humanize.Comma(int64(snapshot.Iteration)), snapshotPath, snapshot.Created.Format(time.RFC3339))
		}
		_, _ = fmt.Fprintln(w, table.Render())
	}

	if showProgress {
		sched := scheduler.New(scheduler.DefaultConfig())
		found, err := data.FileExists(data.ReplaceTildeInDir(path) + scheduler.ProgressSuffix)
		if err != nil {
			return err
		}
		if !found {
			_, _ = fmt.Fprintln(w, "(no training progress saved)")
			return nil
		}
		if err = sched.Load(path); err != nil {
			return err
		}
		state := sched.State()
		_, _ = fmt.Fprintln(w, titleStyle.Render("Progress"))
		table := newPlainTable(false)
		table.Row("epochs", humanize.Comma(int64(state.Epochs)))
		table.Row("batches", humanize.Comma(int64(state.Batches)))
		table.Row("samples", humanize.Comma(int64(state.Samples)))
		table.Row("last cost", strconv.FormatFloat(float64(state.LastCost), 'g', 6, 32))
		table.Row("learning rate", strconv.FormatFloat(state.LearningRate, 'g', 6, 64))
		for _, name := range slices.Sorted(maps.Keys(state.Validators)) {
			vs := state.Validators[name]
			if vs.Count == 0 {
				continue
			}
			table.Row("best "+name, fmt.Sprintf("%.6g (stalled %d)", vs.Best, vs.Stalled))
		}
		_, _ = fmt.Fprintln(w, table.Render())
	}
	return nil
}
