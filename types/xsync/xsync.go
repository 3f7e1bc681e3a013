// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import (
	"context"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Phase is a fork/join group of tasks: tasks are started with Phase.Go, and Phase.Wait is a barrier
// that only returns once every task started has finished.
//
// A task returning an error (or panicking with an error, see exceptions.Panicf) doesn't stop the
// other tasks: they all run to completion, and Wait returns the first error.
type Phase struct {
	name  string
	group *errgroup.Group
	ctx   context.Context
	start time.Time
}

// NewPhase creates a Phase that runs at most limit tasks concurrently. If limit <= 0 there is no limit.
//
// The context given to the tasks is cancelled when the first task fails, tasks may or may not check it.
func NewPhase(ctx context.Context, name string, limit int) *Phase {
	group, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}
	return &Phase{name: name, group: group, ctx: groupCtx, start: time.Now()}
}

// Go starts task in a new goroutine, blocking if the limit of concurrent tasks was reached.
func (p *Phase) Go(task func(ctx context.Context) error) {
	p.group.Go(func() (err error) {
		panicErr := exceptions.TryCatch[error](func() { err = task(p.ctx) })
		if panicErr != nil {
			err = errors.WithMessagef(panicErr, "panic in phase %q", p.name)
		}
		return
	})
}

// Wait for all tasks to finish, and return the first error, if any.
func (p *Phase) Wait() error {
	err := p.group.Wait()
	if klog.V(2).Enabled() {
		klog.Infof("phase %q finished in %s", p.name, time.Since(p.start))
	}
	return err
}

// RunPhase runs task(ctx, i) for i in [0, n), with at most limit concurrent tasks, and waits for all of them to finish.
func RunPhase(ctx context.Context, name string, n, limit int, task func(ctx context.Context, i int) error) error {
	phase := NewPhase(ctx, name, limit)
	for ii := range n {
		phase.Go(func(ctx context.Context) error { return task(ctx, ii) })
	}
	return phase.Wait()
}

// Latch implements a "latch" synchronization mechanism.
//
// A Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger latch.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()

	if l.Test() {
		// Already triggered.
		return
	}
	close(l.wait)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel that one can use on a `select` to check when
// the latch triggers.
// The returned channel is closed when the latch is triggered.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}
