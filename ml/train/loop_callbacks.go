// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"math"
	"time"

	"github.com/gomlx/exceptions"
)

// stepTrigger selects the steps at which a callback fires. fires is called once per finished step.
type stepTrigger interface {
	fires(loop *Loop) bool
}

// attachTrigger registers fn as an OnStep hook filtered by trigger, and optionally also as an OnEnd hook.
func attachTrigger(loop *Loop, name string, priority Priority, trigger stepTrigger, callOnEnd bool, fn OnStepFn) {
	loop.OnStep(name, priority, func(loop *Loop, cost float32) error {
		if !trigger.fires(loop) {
			return nil
		}
		return fn(loop, cost)
	})
	if callOnEnd {
		loop.OnEnd(name, priority, OnEndFn(fn))
	}
}

// spreadTrigger fires about n times, evenly spaced over the known number of steps.
type spreadTrigger struct {
	n, fired int
}

// unknownEndFirstCall is the number of steps of the first call when the end of the loop is not known.
// Further calls happen at doubling intervals.
const unknownEndFirstCall = 128

func (s *spreadTrigger) fires(loop *Loop) bool {
	done := loop.LoopStep - loop.StartStep + 1
	switch {
	case loop.EndStep < 0:
		if done < unknownEndFirstCall<<s.fired {
			return false
		}
	case loop.LoopStep < loop.EndStep-1:
		interval := float64(loop.EndStep-loop.StartStep) / float64(s.n)
		if interval > 1 && float64(s.fired) > float64(done)/interval {
			return false
		}
	}
	s.fired++
	return true
}

// NTimesDuringLoop calls fn about n times during the loop, evenly spaced, and always at its last step.
//
// With Loop.RunEpochs the number of steps is only known after the first epoch, so the spacing is
// approximate and fn may be called more than n times. If the end is not known at all, fn is called
// after 128 steps and then at doubling intervals.
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	attachTrigger(loop, fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name), priority,
		&spreadTrigger{n: n}, false, fn)
}

// countTrigger fires on every n-th step it sees.
type countTrigger struct {
	n, seen int
}

func (c *countTrigger) fires(*Loop) bool {
	c.seen++
	return c.seen%c.n == 0
}

// EveryNSteps calls fn once every n steps. The last step is not included, unless it falls on a
// multiple of n.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n < 1 {
		exceptions.Panicf("EveryNSteps(%d) for %q: n must be > 0", n, name)
	}
	attachTrigger(loop, fmt.Sprintf("EveryNSteps(%d): %s", n, name), priority, &countTrigger{n: n}, false, fn)
}

// clockTrigger fires once period elapsed since it last fired. The clock starts at the first step.
type clockTrigger struct {
	period time.Duration
	last   time.Time
}

func (c *clockTrigger) fires(*Loop) bool {
	now := time.Now()
	if c.last.IsZero() {
		c.last = now
		return false
	}
	if now.Sub(c.last) < c.period {
		return false
	}
	c.last = now
	return true
}

// PeriodicCallback calls fn at most once per period of wall time. The clock starts at the first
// step, so the first call happens no earlier than the second step.
//
// If callOnEnd is set, fn is also called at the end of the loop.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	attachTrigger(loop, fmt.Sprintf("PeriodicCallback(%s): %s", period, name), priority,
		&clockTrigger{period: period}, callOnEnd, fn)
}

// geometricTrigger fires at steps spaced by a geometrically growing interval.
type geometricTrigger struct {
	first    int
	factor   float64
	next     int
	interval int
	started  bool
}

func (g *geometricTrigger) advance() {
	g.next += g.interval
	g.interval = int(math.Round(float64(g.interval) * g.factor))
}

func (g *geometricTrigger) fires(loop *Loop) bool {
	if !g.started {
		// Resumed loops skip the calls that would have happened before StartStep.
		g.started = true
		g.interval = g.first
		for g.next <= loop.StartStep {
			g.advance()
		}
	}
	if loop.LoopStep < g.next {
		return false
	}
	g.advance()
	return true
}

// ExponentialCallback calls fn at steps spaced by a growing interval: the first call is at step
// startStep, and each interval is exponentialFactor times the previous one.
//
// Example: calls at steps 100, 220 (100+100*1.2), 364 (220+100*1.2²), ...
//
//	ExponentialCallback(loop, 100, 1.2, false, "eval", 100, evalFn)
//
// If callOnEnd is set, fn is also called at the end of the loop.
func ExponentialCallback(loop *Loop, startStep int, exponentialFactor float64, callOnEnd bool,
	name string, priority Priority, fn OnStepFn) {
	if startStep <= 0 || exponentialFactor <= 1 {
		exceptions.Panicf("ExponentialCallback(startStep=%d, exponentialFactor=%g) for %q: startStep must be > 0 "+
			"and exponentialFactor must be > 1", startStep, exponentialFactor, name)
	}
	attachTrigger(loop, fmt.Sprintf("ExponentialCallback(%d, %g): %s", startStep, exponentialFactor, name), priority,
		&geometricTrigger{first: startStep, factor: exponentialFactor}, callOnEnd, fn)
}

// StopWhen ends the loop, by returning ErrStop, after the first step at which done returns true.
func StopWhen(loop *Loop, name string, priority Priority, done func() bool) {
	loop.OnStep("StopWhen: "+name, priority, func(*Loop, float32) error {
		if done() {
			return ErrStop
		}
		return nil
	})
}
