// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/syncdp/ml/train"
	"github.com/gomlx/syncdp/ml/train/metrics"
	"k8s.io/klog/v2"
)

// MetricsLogName is the name of the hooks registered by AttachMetricsLog.
const MetricsLogName = "commandline.MetricsLog"

// metricsLogFirstStep is the first step logged when logging at exponentially growing intervals.
const metricsLogFirstStep = 100

// AttachMetricsLog logs the tracked metrics with klog during training, for runs without a
// progress bar.
//
// If every > 0 the metrics are logged every that many steps, otherwise at exponentially growing
// intervals: steps 100, 300, 700, ... The end of the loop is always logged.
func AttachMetricsLog(loop *train.Loop, every int) {
	logFn := func(loop *train.Loop, cost float32) error {
		klog.Info(FormatMetrics(loop, cost))
		return nil
	}
	// Runs after metrics.Track, registered with negative priorities, has updated the metrics.
	const priority = train.Priority(10)
	if every > 0 {
		train.EveryNSteps(loop, every, MetricsLogName, priority, logFn)
		loop.OnEnd(MetricsLogName, priority, logFn)
		return
	}
	train.ExponentialCallback(loop, metricsLogFirstStep, 2, true, MetricsLogName, priority, logFn)
}

// FormatMetrics returns a one-line summary of the loop progress, the last batch cost and the
// tracked metrics, e.g.: "step 1,200/10,000: batch cost 0.0123, ~cost 0.0150, med 0.0140".
func FormatMetrics(loop *train.Loop, cost float32) string {
	var sb strings.Builder
	sb.WriteString("step ")
	sb.WriteString(humanize.Comma(int64(loop.LoopStep)))
	if loop.EndStep > 0 {
		sb.WriteString("/")
		sb.WriteString(humanize.Comma(int64(loop.EndStep)))
	}
	fmt.Fprintf(&sb, ": batch cost %.4g", cost)
	for _, m := range metrics.Tracked(loop) {
		fmt.Fprintf(&sb, ", %s %s", m.ShortName(), m.PrettyPrint(m.Value()))
	}
	return sb.String()
}
