// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package syncgroup

import (
	"context"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/ml/train/optimizers"
	"github.com/gomlx/syncdp/types/buffers"
	"github.com/gomlx/syncdp/types/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Range of a shard in the flat parameter vector.
type Range struct {
	Pos, Size int
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Pos, r.Pos+r.Size)
}

// ShardRanges partitions a vector of numParams elements in numShards contiguous ranges of
// ceil(numParams/numShards) elements, except the last non-empty one which takes what is left.
// Trailing ranges are empty if numShards doesn't divide numParams evenly enough.
func ShardRanges(numParams, numShards int) []Range {
	ranges := make([]Range, numShards)
	shardSize := (numParams + numShards - 1) / numShards
	pos := 0
	for k := range ranges {
		size := min(shardSize, numParams-pos)
		ranges[k] = Range{Pos: pos, Size: size}
		pos += size
	}
	return ranges
}

// shard of the parameters, owned by one device.
type shard struct {
	index  int
	device buffers.DeviceID
	Range

	arena *buffers.Arena

	// params is the authoritative copy of the shard's parameters, grads the accumulated
	// gradients, scratch is where each replica's gradients are copied to before accumulation,
	// and shadow (optional) is the moving average of params.
	params, grads, scratch, shadow *buffers.Buffer

	optimizer optimizers.Interface
}

// ensureInitialized builds every replica's graph (with the first sub-batch) and allocates the shards.
// It only happens once, and a failure is returned by every following call.
func (g *Group) ensureInitialized(ctx context.Context, subBatches []data.Batch) error {
	g.initOnce.Do(func() {
		g.initErr = g.initialize(ctx, subBatches[0])
		if g.initErr != nil {
			g.initErr = errors.WithMessagef(g.initErr, "%s: failed to initialize", g)
		}
	})
	return g.initErr
}

func (g *Group) initialize(ctx context.Context, batch data.Batch) error {
	// Build and run forward once, so the parameters are allocated (or loaded).
	err := xsync.RunPhase(ctx, "initialize", len(g.replicas), len(g.replicas), func(_ context.Context, ii int) error {
		r := g.replicas[ii]
		if err := r.graph.Build(batch); err != nil {
			return errors.WithMessagef(err, "replica #%d: build", ii)
		}
		return errors.WithMessagef(r.graph.Forward(), "replica #%d: forward", ii)
	})
	if err != nil {
		return err
	}

	numParams := len(g.replicas[0].graph.Params())
	if numParams == 0 {
		return errors.New("model has no parameters")
	}
	for _, r := range g.replicas {
		params, grads := r.graph.Params(), r.graph.Grads()
		if len(params) != numParams || len(grads) != numParams {
			return errors.Errorf("replica #%d has %d parameters and %d gradients, primary replica has %d parameters",
				r.index, len(params), len(grads), numParams)
		}
		owner := buffers.Replica(r.index)
		r.params = buffers.Wrap(owner, r.device, params)
		r.grads = buffers.Wrap(owner, r.device, grads)
	}

	ranges := ShardRanges(numParams, len(g.replicas))
	shards := make([]*shard, len(ranges))
	primary := g.replicas[0]
	for k, rng := range ranges {
		s, err := g.newShard(k, rng)
		if err != nil {
			for _, allocated := range shards[:k] {
				allocated.arena.Release()
			}
			return err
		}
		s.params.CopyFrom(primary.params.Sub(buffers.Shard(k), s.Pos, s.Size))
		if s.shadow != nil {
			s.shadow.CopyFrom(s.params)
		}
		shards[k] = s
	}
	g.shards = shards

	for _, r := range g.replicas[1:] {
		r.params.CopyFrom(primary.params)
	}
	klog.Infof("%s: %d parameters in %d shards of up to %d parameters (%s per shard)", g, numParams, len(shards),
		ranges[0].Size, humanize.Bytes(uint64(ranges[0].Size*g.buffersPerShard()*4)))
	return nil
}

// buffersPerShard is the number of buffers the size of the shard each shard allocates.
func (g *Group) buffersPerShard() int {
	if g.config.MovingAverage {
		return 4
	}
	return 3
}

// newShard allocates the storage of shard k on the device of the replica k.
func (g *Group) newShard(k int, rng Range) (*shard, error) {
	device := g.replicas[k].device
	s := &shard{
		index:     k,
		device:    device,
		Range:     rng,
		arena:     buffers.NewArena(device, uint64(g.config.WorkspaceMB)<<20),
		optimizer: g.optimizers[k],
	}
	if err := s.arena.ReserveExact(rng.Size * g.buffersPerShard()); err != nil {
		return nil, errors.WithMessagef(err, "shard #%d", k)
	}
	owner := buffers.Shard(k)
	var err error
	if s.params, err = s.arena.Allocate(owner, rng.Size); err != nil {
		return nil, err
	}
	if s.grads, err = s.arena.Allocate(owner, rng.Size); err != nil {
		return nil, err
	}
	if s.scratch, err = s.arena.Allocate(owner, rng.Size); err != nil {
		return nil, err
	}
	if g.config.MovingAverage {
		if s.shadow, err = s.arena.Allocate(owner, rng.Size); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// updateShard accumulates the gradients of the active replicas, applies the optimizer, updates the
// moving average and broadcasts the new parameters to all replicas.
func (g *Group) updateShard(s *shard, active []bool, decay float64) {
	if s.Size == 0 {
		return
	}
	owner := buffers.Shard(s.index)
	s.grads.Zero()
	for ii, r := range g.replicas {
		if !active[ii] {
			continue
		}
		s.scratch.CopyFrom(r.grads.Sub(owner, s.Pos, s.Size))
		s.grads.Add(s.scratch)
	}
	s.optimizer.Update(s.params.Data(), s.grads.Data())
	if s.shadow != nil {
		updateMovingAverage(s.shadow, s.params, decay)
	}
	for _, r := range g.replicas {
		r.params.Sub(owner, s.Pos, s.Size).CopyFrom(s.params)
	}
}

// movingDecay returns the decay for the current update, based on the number of batches processed before it.
func (g *Group) movingDecay() float64 {
	batches := g.steps
	if g.scheduler != nil {
		batches = g.scheduler.NumberOfBatches()
	}
	return MovingDecay(g.config.MovingDecay, batches)
}

// MovingDecay returns the decay used for the moving average after the given number of batches:
// the configured decay, limited during warm-up to (batches+1)/(batches+10). A configured decay of 1
// is returned as is, and freezes the moving average.
func MovingDecay(configured float64, batches int) float64 {
	if configured >= 1 {
		return 1
	}
	return math.Min(configured, float64(batches+1)/float64(batches+10))
}

// updateMovingAverage sets shadow = decay*shadow + (1-decay)*params.
func updateMovingAverage(shadow, params *buffers.Buffer, decay float64) {
	if decay >= 1 {
		return
	}
	shadow.Scale(float32(decay))
	shadow.AddScaled(float32(1-decay), params)
}

// fetchParams copies the shards parameters (or their moving average, if useShadow) into the replica r.
func (g *Group) fetchParams(r *replica, useShadow bool) {
	for _, s := range g.shards {
		src := s.params
		if useShadow && s.shadow != nil {
			src = s.shadow
		}
		if s.Size > 0 {
			r.params.Sub(r.params.Owner(), s.Pos, s.Size).CopyFrom(src)
		}
	}
}

// resyncShards copies the primary replica's parameters into the shards (resetting the moving average)
// and into all other replicas. Used after loading a checkpoint into initialized replicas.
func (g *Group) resyncShards() {
	primary := g.replicas[0]
	for _, s := range g.shards {
		if s.Size == 0 {
			continue
		}
		s.params.CopyFrom(primary.params.Sub(primary.params.Owner(), s.Pos, s.Size))
		if s.shadow != nil {
			s.shadow.CopyFrom(s.params)
		}
	}
	for _, r := range g.replicas[1:] {
		r.params.CopyFrom(primary.params)
	}
}
