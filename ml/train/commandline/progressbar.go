// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/ml/train"
	"github.com/gomlx/syncdp/ml/train/metrics"
	"github.com/gomlx/syncdp/types/xsync"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
	totalAmount      int
	out              io.Writer

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	updates       chan progressBarUpdate
	updatesDone   *xsync.Latch
}

func (pBar *progressBar) onStart(loop *train.Loop, ds data.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	var stepsMsg string
	if loop.EndStep < 0 {
		pBar.numSteps = 1000 // Guess for now.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
		stepsMsg = fmt.Sprintf(" (%d steps)", pBar.numSteps)
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("Training %s%s: ", ds.Name(), stepsMsg)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.isFirstOutput = true
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.updatesDone = xsync.NewLatch()
	go pBar.drawUpdates(loop)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, cost float32) error {
	// Check whether it is finished.
	if pBar.bar.IsFinished() {
		return nil
	}

	// Check whether there is something to update.
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}

	// Create and enqueue an update to be asynchronously printed.
	tracked := metrics.Tracked(loop)
	update := progressBarUpdate{
		amount: amount,
		rows:   make([][2]string, 0, len(tracked)+2),
	}
	update.rows = append(update.rows,
		[2]string{"Global Step", fmt.Sprintf("%d / %d", loop.LoopStep, loop.EndStep)},
		[2]string{"Batch Cost", fmt.Sprintf("%.4g", cost)})
	for _, metricObj := range tracked {
		update.rows = append(update.rows, [2]string{metricObj.Name(), metricObj.PrettyPrint(metricObj.Value())})
	}
	pBar.updates <- update

	// Add amount run since last time.
	pBar.totalAmount += amount
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

// drawUpdates asynchronously: this is handy if the training is faster than the terminal, in particular
// if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) drawUpdates(loop *train.Loop) {
	defer pBar.updatesDone.Trigger()
	var numRowsPrinted int
	for update := range pBar.updates {
		// Exhaust the updates in buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Clear the previous lines that will be overwritten.
		if !pBar.isFirstOutput && pBar.termenv != nil {
			pBar.termenv.ClearLines(numRowsPrinted + 1 + 2)
		}
		pBar.isFirstOutput = false

		// Print update.
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		pBar.statsTable.Data(lgtable.NewStringData())
		_, _ = fmt.Fprintln(pBar.out)
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		numRowsPrinted = len(update.rows)
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ float32) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updatesDone.Wait()
		pBar.updates = nil
	}
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

const ProgressBarName = "syncdp.ml.train.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
var maxUpdateFrequency = time.Millisecond * 200

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run it will display a progress bar with progression, the step cost and
// the metrics registered with metrics.Track.
//
// The associated data will be attached to the train.Loop, so nothing is returned.
func AttachProgressBar(loop *train.Loop) {
	attachProgressBar(loop, os.Stdout)
}

func attachProgressBar(loop *train.Loop, out io.Writer) *progressBar {
	pBar := &progressBar{out: out}
	if out == os.Stdout {
		pBar.termenv = termenv.NewOutput(os.Stdout)
	}
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Run at least 1000 during loop or at least every 3 seconds.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, 3*time.Second, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
	return pBar
}
