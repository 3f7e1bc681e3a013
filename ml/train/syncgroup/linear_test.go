// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package syncgroup

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gomlx/syncdp/ml/context/checkpoints"
	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/ml/train/optimizers"
	"github.com/gomlx/syncdp/ml/train/scheduler"
	"github.com/gomlx/syncdp/models/linear"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearRegression(t *testing.T) {
	ctx := context.Background()
	weights := []float32{0.5, -1, 2}
	const bias = 0.25
	ds := data.NewInMemory("train", data.Synthetic(weights, bias, 1024, 0.01, 42), 64).Shuffle(1).Infinite()

	path := filepath.Join(t.TempDir(), "linear.ckpt")
	cfg := testConfig(4)
	cfg.ModelPath = path
	cfg.MovingAverage = true
	cfg.MovingDecay = 0.99
	cfg.Optimizer = optimizers.Config{Name: "adam", LearningRate: 0.05}
	m := linear.New(len(weights)).WithSeed(7)
	g := newTestGroup(t, cfg, m)
	sched := scheduler.New(scheduler.Config{SaveFreq: 100, ValidFreq: 50, DispFreq: 100})
	sched.AddValidator(scheduler.NewCostValidator("valid", data.Synthetic(weights, bias, 128, 0, 43)))
	g.SetScheduler(sched)
	require.NoError(t, g.Load())

	var firstCost, lastCost float32
	for step := range 300 {
		batch, err := ds.Yield()
		require.NoError(t, err)
		cost, err := g.Update(ctx, batch)
		require.NoError(t, err)
		if step == 0 {
			firstCost = cost
		}
		lastCost = cost
	}
	assert.Less(t, lastCost, firstCost/10)
	assert.Less(t, lastCost, float32(0.01))
	requireReplicasInSync(t, g)
	assert.Equal(t, 300, sched.NumberOfBatches())
	assert.Less(t, sched.State().Validators["valid"].Best, 0.01)

	// Saved: the main checkpoint and snapshots every 100 batches.
	require.NoError(t, g.Save(ctx, true))
	snapshots, err := checkpoints.ListSnapshots(path)
	require.NoError(t, err)
	require.Len(t, snapshots, 3)
	for ii, snapshotPath := range snapshots {
		snapshot, err := checkpoints.Load(snapshotPath)
		require.NoError(t, err)
		assert.Equal(t, 100*(ii+1), snapshot.Iteration, "iteration of snapshot %q", snapshotPath)
		assert.False(t, snapshot.Final)
	}
	ckpt, err := checkpoints.Load(path)
	require.NoError(t, err)
	assert.True(t, ckpt.Final)
	assert.Equal(t, 300, ckpt.Iteration)
	learned, found := ckpt.Variable(linear.WeightsName)
	require.True(t, found)
	assert.InDeltaSlice(t, weights, learned.Values, 0.05)

	// A new group resumes from the checkpoint and the scheduler state.
	cfg.Devices = []int{0, 1}
	resumed := newTestGroup(t, cfg, m)
	resumedSched := scheduler.New(scheduler.Config{})
	resumed.SetScheduler(resumedSched)
	require.NoError(t, resumed.Load())
	assert.Equal(t, 300, resumedSched.NumberOfBatches())
	batch, err := ds.Yield()
	require.NoError(t, err)
	cost, err := resumed.Update(ctx, batch)
	require.NoError(t, err)
	assert.Less(t, cost, float32(0.05))
}
