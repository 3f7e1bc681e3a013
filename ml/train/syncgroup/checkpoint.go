// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package syncgroup

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// event triggered by the scheduler after a training step.
type event int

const (
	eventSave event = iota
	eventValidate
)

// String implements fmt.Stringer.
func (e event) String() string {
	switch e {
	case eventSave:
		return "save"
	case eventValidate:
		return "validate"
	default:
		return "unknown"
	}
}

// postStepEvents returns the events to handle after the last update, in order.
func (g *Group) postStepEvents() []event {
	var events []event
	if g.scheduler.Saving() && g.config.ModelPath != "" {
		events = append(events, eventSave)
	}
	if g.scheduler.Validating() {
		events = append(events, eventValidate)
	}
	return events
}

func (g *Group) dispatch(ctx context.Context, e event) error {
	klog.V(1).Infof("%s: handling %s event", g, e)
	switch e {
	case eventSave:
		return g.Save(ctx, false)
	case eventValidate:
		return g.Validate(ctx)
	}
	return errors.Errorf("%s: unknown event %d", g, int(e))
}

// Load the model from Config.ModelPath into every replica, and the scheduler state, if there is a
// checkpoint saved there. It's a no-op if Config.NoReload is set or if there is no checkpoint.
//
// If called before the first Update, the values are used when the graphs are built.
func (g *Group) Load() error {
	if g.closed {
		return ErrClosed
	}
	path := g.config.ModelPath
	if g.config.NoReload || path == "" {
		return nil
	}
	found, err := g.model.Exists(path)
	if err != nil {
		return errors.WithMessagef(err, "%s: checking for checkpoint %q", g, path)
	}
	if !found {
		klog.Infof("%s: no checkpoint found in %q, starting from scratch", g, path)
		return nil
	}
	if g.scheduler != nil {
		if err := g.scheduler.Load(path); err != nil {
			return errors.WithMessagef(err, "%s: loading scheduler state", g)
		}
	}
	for _, r := range g.replicas {
		if err := g.model.Load(r.graph, path); err != nil {
			return errors.WithMessagef(err, "%s: loading %q into replica #%d", g, path, r.index)
		}
	}
	if g.Initialized() {
		g.resyncShards()
	}
	klog.Infof("%s: loaded model from %q", g, path)
	return nil
}

// Save the model in the primary replica to Config.ModelPath, followed by the scheduler state.
// With moving average enabled, the averaged parameters are saved.
//
// Unless Config.Overwrite is set or final is true, a snapshot tagged with the number of batches is
// also saved.
func (g *Group) Save(ctx context.Context, final bool) error {
	if g.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := g.config.ModelPath
	if path == "" {
		return errors.Errorf("%s: no model path configured", g)
	}
	if !g.Initialized() {
		return errors.Errorf("%s: nothing to save before the first update", g)
	}
	primary := g.replicas[0]
	if g.config.MovingAverage {
		g.fetchParams(primary, true)
		defer g.fetchParams(primary, false)
	}

	iteration := g.numberOfBatches()
	if !g.config.Overwrite && !final {
		snapshot := g.model.SnapshotPath(path, iteration)
		if err := g.model.Save(primary.graph, snapshot, iteration, false); err != nil {
			return errors.WithMessagef(err, "%s: saving snapshot %q", g, snapshot)
		}
	}
	if err := g.model.Save(primary.graph, path, iteration, final); err != nil {
		return errors.WithMessagef(err, "%s: saving %q", g, path)
	}
	if g.scheduler != nil {
		if err := g.scheduler.Save(path); err != nil {
			return errors.WithMessagef(err, "%s: saving scheduler state", g)
		}
	}
	klog.Infof("%s: saved model to %q (final=%v)", g, path, final)
	return nil
}

// Validate the primary replica with the scheduler validators. With moving average enabled, the
// averaged parameters are validated. The replica gets its live parameters back afterwards.
func (g *Group) Validate(ctx context.Context) error {
	if g.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.scheduler == nil || !g.Initialized() {
		return nil
	}
	primary := g.replicas[0]
	if g.config.MovingAverage {
		g.fetchParams(primary, true)
		defer g.fetchParams(primary, false)
	}
	return errors.WithMessagef(g.scheduler.Validate(primary.graph), "%s: validating", g)
}

func (g *Group) numberOfBatches() int {
	if g.scheduler != nil {
		return g.scheduler.NumberOfBatches()
	}
	return g.steps
}
