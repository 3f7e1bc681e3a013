// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds host-side metrics over the per-step training cost, and a hook to track
// them during a train.Loop.
package metrics

import (
	"fmt"
	"math"

	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/ml/train"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or semantics. Eg.:
	// "Moving-Average-Cost" and "Batch-Cost" would both have the same "cost" metric type.
	MetricType() string

	// Update the metric with a new value, and return the current metric value.
	Update(value float64) float64

	// Value returns the current metric value, without updating it.
	Value() float64

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value float64) string

	// Reset metrics internal counters, when starting a new evaluation.
	Reset()
}

const (
	CostMetricType = "cost"
)

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value float64) string

// baseMetric implements a stateless metric: its value is the last one given.
type baseMetric struct {
	name, shortName, metricType string
	pPrintFn                    PrettyPrintFn // if nil will display default.
	last                        float64
}

func (m *baseMetric) Name() string {
	return m.name
}

func (m *baseMetric) ShortName() string {
	return m.shortName
}

func (m *baseMetric) MetricType() string {
	return m.metricType
}

func (m *baseMetric) Update(value float64) float64 {
	m.last = value
	return value
}

func (m *baseMetric) Value() float64 {
	return m.last
}

func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn == nil {
		return fmt.Sprintf("%.3f", value)
	}
	return m.pPrintFn(value)
}

func (m *baseMetric) Reset() {
	m.last = 0
}

// NewBaseMetric creates a stateless metric, that reports the last value only.
// pPrintFn can be left as nil, and a default will be used.
func NewBaseMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn) Interface {
	return &baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn}
}

// meanMetric implements a metric that keeps the mean of all values seen since the last Reset.
type meanMetric struct {
	baseMetric
	total float64
	count int
}

// NewMeanMetric creates a metric that keeps the mean of the values.
// pPrintFn can be left as nil, and a default will be used.
func NewMeanMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn) Interface {
	return &meanMetric{baseMetric: baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn}}
}

func (m *meanMetric) Update(value float64) float64 {
	m.total += value
	m.count++
	return m.Value()
}

func (m *meanMetric) Value() float64 {
	if m.count == 0 {
		return 0
	}
	return m.total / float64(m.count)
}

func (m *meanMetric) Reset() {
	m.total, m.count = 0, 0
}

// movingAverageMetric behaves just like a meanMetric, but each new value has weight of at least
// newExampleWeight, and the stored mean has weight at most (1-newExampleWeight).
type movingAverageMetric struct {
	baseMetric
	newExampleWeight float64
	mean             float64
	count            int
}

// NewExponentialMovingAverageMetric creates a metric that takes new values with the given weight
// (newExampleWeight), and decays the rest to 1-newExampleWeight.
//
// A typical value of newExampleWeight is 0.01, the smaller the value, the slower the moving average moves.
// pPrintFn can be left as nil, and a default will be used.
//
// This doesn't have a set prior, it will start being a normal average until there are enough terms, and it becomes
// an exponential moving average.
func NewExponentialMovingAverageMetric(name, shortName, metricType string, pPrintFn PrettyPrintFn, newExampleWeight float64) Interface {
	return &movingAverageMetric{
		baseMetric:       baseMetric{name: name, shortName: shortName, metricType: metricType, pPrintFn: pPrintFn},
		newExampleWeight: newExampleWeight,
	}
}

func (m *movingAverageMetric) Update(value float64) float64 {
	m.count++
	weight := math.Max(m.newExampleWeight, 1/float64(m.count))
	m.mean = m.mean*(1-weight) + value*weight
	return m.mean
}

func (m *movingAverageMetric) Value() float64 {
	return m.mean
}

func (m *movingAverageMetric) Reset() {
	m.mean, m.count = 0, 0
}

// SharedDataKey is the key in train.Loop.SharedData where Track publishes the list of tracked metrics.
const SharedDataKey = "metrics"

// Track registers an OnStep hook in the loop that updates every given metric with the step cost.
// The metrics are reset at the start of each run, and published in loop.SharedData[SharedDataKey]
// as a []Interface, for UIs to display.
func Track(loop *train.Loop, priority train.Priority, ms ...Interface) {
	loop.SharedData[SharedDataKey] = ms
	loop.OnStart("metrics.Track", priority, func(_ *train.Loop, _ data.Dataset) error {
		for _, m := range ms {
			m.Reset()
		}
		return nil
	})
	loop.OnStep("metrics.Track", priority, func(_ *train.Loop, cost float32) error {
		for _, m := range ms {
			m.Update(float64(cost))
		}
		return nil
	})
}

// Tracked returns the metrics registered with Track in the loop, or nil.
func Tracked(loop *train.Loop) []Interface {
	ms, _ := loop.SharedData[SharedDataKey].([]Interface)
	return ms
}

// DefaultCostMetrics returns the metrics used by default to follow training: the moving average
// of the cost and its streaming median.
func DefaultCostMetrics() []Interface {
	return []Interface{
		NewExponentialMovingAverageMetric("Moving Average Cost", "~cost", CostMetricType, nil, 0.01),
		NewStreamingMedian("Median Cost", "med", CostMetricType, nil),
	}
}
