// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/syncdp/ml/train/scheduler"
	"github.com/pkg/errors"
)

// ReportValidators writes to w a table with the training progress and the state of each validator
// registered in the scheduler.
func ReportValidators(w io.Writer, sched *scheduler.Scheduler) error {
	state := sched.State()
	_, err := fmt.Fprintf(w, "Progress: epoch %d, %s batches, %s samples\n",
		state.Epochs+1, humanize.Comma(int64(state.Batches)), humanize.Comma(int64(state.Samples)))
	if err != nil {
		return errors.Wrap(err, "failed to write report")
	}
	names := sched.ValidatorNames()
	if len(names) == 0 {
		_, err = fmt.Fprintln(w, "(no validators registered)")
		return errors.Wrap(err, "failed to write report")
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		Headers("Validator", "Last", "Best", "Stalled", "Count").
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return normalStyle
			}
			return rightAlignedStyle
		})
	for _, name := range names {
		vs := state.Validators[name]
		last, best := "-", "-"
		if vs.Count > 0 {
			last = strconv.FormatFloat(vs.Last, 'g', 6, 64)
			best = strconv.FormatFloat(vs.Best, 'g', 6, 64)
		}
		table.Row(name, last, best, strconv.Itoa(vs.Stalled), strconv.Itoa(vs.Count))
	}
	_, err = fmt.Fprintln(w, table.String())
	return errors.Wrap(err, "failed to write report")
}
