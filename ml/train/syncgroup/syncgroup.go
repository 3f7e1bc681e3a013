// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package syncgroup implements synchronous data-parallel training over a set of devices.
//
// A Group holds one replica of the model graph per device. Each training step:
//
//  1. The batch is split in one sub-batch per replica, and all replicas compute their cost and
//     gradients concurrently (compute phase).
//  2. The flat parameter vector is partitioned in one contiguous shard per device. For each shard,
//     concurrently, the gradients of all replicas are summed, the shard's optimizer updates the
//     shard's parameters, the optional moving average (shadow) of the parameters is updated, and
//     the new parameters are copied back into every replica (update phase).
//
// Each phase is a barrier: the next phase only starts when all tasks of the previous one finished.
// After a step all replicas hold bit-identical parameters.
//
// A Group is driven by a single goroutine: Update, Save, Load and Close must not be called concurrently.
package syncgroup

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/ml/model"
	"github.com/gomlx/syncdp/ml/train/optimizers"
	"github.com/gomlx/syncdp/ml/train/scheduler"
	"github.com/gomlx/syncdp/types/buffers"
	"github.com/gomlx/syncdp/types/xsync"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// ErrClosed is returned by the operations of a Group after it was closed.
var ErrClosed = errors.New("syncgroup: group is closed")

// Group of model replicas trained synchronously.
type Group struct {
	config    Config
	model     model.Model
	scheduler *scheduler.Scheduler

	replicas   []*replica
	optimizers []optimizers.Interface

	initOnce sync.Once
	initErr  error
	shards   []*shard

	// steps is the number of updates, used for the moving average if there is no scheduler.
	steps int

	closed bool
}

// replica of the model on one device.
type replica struct {
	index         int
	device        buffers.DeviceID
	graph         model.Graph
	params, grads *buffers.Buffer
}

// Option for New.
type Option func(g *Group)

// WithOptimizer sets the factory of the optimizers used for each shard, instead of the one configured
// in Config.Optimizer. Each shard must get its own optimizer instance.
func WithOptimizer(factory func(shard int) optimizers.Interface) Option {
	return func(g *Group) {
		for ii := range g.optimizers {
			g.optimizers[ii] = factory(ii)
		}
	}
}

// New creates a Group with one graph of m per configured device. Graphs are only built, and
// shards allocated, on the first Update.
func New(config Config, m model.Model, options ...Option) (*Group, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	numDevices := len(config.Devices)
	g := &Group{
		config:     config,
		model:      m,
		replicas:   make([]*replica, 0, numDevices),
		optimizers: make([]optimizers.Interface, numDevices),
	}
	for ii := range g.optimizers {
		g.optimizers[ii] = optimizers.MustByName(config.Optimizer)
	}
	for _, option := range options {
		option(g)
	}
	for ii, deviceNum := range config.Devices {
		device := buffers.DeviceID(deviceNum)
		graph, err := m.NewGraph(device, config.WorkspaceMB)
		if err != nil {
			_ = g.Close()
			return nil, errors.WithMessagef(err, "creating graph for replica #%d on device %d", ii, device)
		}
		g.replicas = append(g.replicas, &replica{index: ii, device: device, graph: graph})
	}
	klog.V(1).Infof("%s created", g)
	return g, nil
}

// String implements fmt.Stringer.
func (g *Group) String() string {
	return fmt.Sprintf("syncgroup.Group(devices=%v)", g.config.Devices)
}

// Config returns the group's configuration.
func (g *Group) Config() Config { return g.config }

// SetScheduler sets the scheduler that tracks progress and decides when to save and validate.
// The shard optimizers are registered as observers of the learning rate.
func (g *Group) SetScheduler(s *scheduler.Scheduler) {
	g.scheduler = s
	for _, opt := range g.optimizers {
		s.RegisterObserver(opt)
	}
}

// Scheduler returns the scheduler set with SetScheduler, or nil.
func (g *Group) Scheduler() *scheduler.Scheduler { return g.scheduler }

// NumDevices the group trains on.
func (g *Group) NumDevices() int { return len(g.replicas) }

// Devices of the replicas, in order.
func (g *Group) Devices() []buffers.DeviceID {
	devices := make([]buffers.DeviceID, len(g.replicas))
	for ii, r := range g.replicas {
		devices[ii] = r.device
	}
	return devices
}

// Primary returns the graph of the first replica, the one used for validation and saving.
func (g *Group) Primary() model.Graph { return g.replicas[0].graph }

// Graph returns the graph of the replica ii.
func (g *Group) Graph(ii int) model.Graph { return g.replicas[ii].graph }

// Initialized returns whether the shards were allocated, which happens in the first Update.
func (g *Group) Initialized() bool { return g.shards != nil }

// NumParams returns the size of the flat parameter vector, or 0 if not initialized yet.
func (g *Group) NumParams() int {
	if !g.Initialized() {
		return 0
	}
	return g.replicas[0].params.Len()
}

// CollectStats of the model running on the group's devices.
func (g *Group) CollectStats() (*model.Stats, error) {
	return g.model.CollectStats(g.Primary(), g.NumDevices())
}

// Update runs one training step on batch, and returns the average cost of the replicas
// that had a non-empty sub-batch.
//
// An empty batch is skipped with a warning, and (0, nil) is returned.
func (g *Group) Update(ctx context.Context, batch data.Batch) (float32, error) {
	if g.closed {
		return 0, ErrClosed
	}
	if batch.Size() == 0 {
		klog.Warningf("%s: skipping empty batch", g)
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	numReplicas := len(g.replicas)
	subBatches := data.Split(batch, numReplicas)
	if err := g.ensureInitialized(ctx, subBatches); err != nil {
		return 0, err
	}

	active := make([]bool, numReplicas)
	for ii, b := range subBatches {
		active[ii] = b.Size() > 0
	}

	// Compute phase: forward and backward of every replica with data.
	costs := make([]float32, numReplicas)
	err := xsync.RunPhase(ctx, "compute", numReplicas, numReplicas, func(_ context.Context, ii int) error {
		if !active[ii] {
			return nil
		}
		r := g.replicas[ii]
		if err := r.graph.Build(subBatches[ii]); err != nil {
			return errors.WithMessagef(err, "replica #%d: build", ii)
		}
		if err := r.graph.Forward(); err != nil {
			return errors.WithMessagef(err, "replica #%d: forward", ii)
		}
		if err := r.graph.Backward(); err != nil {
			return errors.WithMessagef(err, "replica #%d: backward", ii)
		}
		if !sameStorage(r.graph.Params(), r.params.Data()) || !sameStorage(r.graph.Grads(), r.grads.Data()) {
			return errors.Errorf("replica #%d: graph moved its parameters or gradients storage, "+
				"it must stay fixed after the first Build", ii)
		}
		costs[ii] = r.graph.Cost()
		return nil
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "%s: compute phase", g)
	}

	// Update phase: reduce, optimize and broadcast each shard.
	decay := g.movingDecay()
	err = xsync.RunPhase(ctx, "update", len(g.shards), len(g.shards), func(_ context.Context, k int) error {
		g.updateShard(g.shards[k], active, decay)
		return nil
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "%s: update phase", g)
	}
	g.steps++

	activeCosts := make([]float64, 0, numReplicas)
	for ii, cost := range costs {
		if active[ii] {
			activeCosts = append(activeCosts, float64(cost))
		}
	}
	cost := float32(floats.Sum(activeCosts) / float64(len(activeCosts)))
	if klog.V(1).Enabled() {
		klog.Infof("%s: step %d, cost %g over %d replicas", g, g.steps, cost, len(activeCosts))
	}

	if g.scheduler != nil {
		g.scheduler.Update(cost, batch)
		for _, e := range g.postStepEvents() {
			if err := g.dispatch(ctx, e); err != nil {
				return cost, err
			}
		}
	}
	return cost, nil
}

// Close releases the graphs that implement io.Closer and the shards storage. Afterwards the
// other operations return ErrClosed. Closing twice is a no-op.
func (g *Group) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	var firstErr error
	for _, r := range g.replicas {
		if closer, ok := r.graph.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = errors.Wrapf(err, "closing graph of replica #%d", r.index)
			}
		}
	}
	for _, s := range g.shards {
		s.arena.Release()
	}
	g.shards = nil
	return firstErr
}

// sameStorage returns whether a and b are the same slice of the same storage.
func sameStorage(a, b []float32) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}
