// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linear

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/syncdp/ml/context/checkpoints"
	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/types/buffers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type otherBatch struct{}

func (otherBatch) Size() int                     { return 1 }
func (otherBatch) Slice(from, to int) data.Batch { return otherBatch{} }

func newTestGraph(t *testing.T, m *Model, device buffers.DeviceID) *Graph {
	g, err := m.NewGraph(device, 1)
	require.NoError(t, err)
	return g.(*Graph)
}

func TestForwardBackward(t *testing.T) {
	m := New(2).WithSeed(3)
	g := newTestGraph(t, m, 0)
	assert.Nil(t, g.Params())

	batch := &data.Examples{
		Inputs: [][]float32{{1, 2}, {-1, 0.5}, {0, 3}},
		Labels: []float32{1, 0, -2},
	}
	require.NoError(t, g.Build(batch))
	require.Len(t, g.Params(), 3)
	copy(g.Params(), []float32{0.5, -1, 0.25})
	require.NoError(t, g.Forward())

	// residuals: 0.5-2+0.25-1 = -2.25; -0.5-0.5+0.25-0 = -0.75; -3+0.25+2 = -0.75
	assert.InDelta(t, (2.25*2.25+0.75*0.75+0.75*0.75)/3, g.Cost(), 1e-5)
	require.NoError(t, g.Backward())
	wantGrads := []float32{
		2.0 / 3 * (-2.25*1 + -0.75*-1 + -0.75*0),
		2.0 / 3 * (-2.25*2 + -0.75*0.5 + -0.75*3),
		2.0 / 3 * (-2.25 - 0.75 - 0.75),
	}
	assert.InDeltaSlice(t, wantGrads, g.Grads(), 1e-5)

	// Finite differences check on the bias.
	const eps = 1e-2
	cost0 := g.Cost()
	g.Params()[2] += eps
	require.NoError(t, g.Build(batch))
	require.NoError(t, g.Forward())
	assert.InDelta(t, wantGrads[2], (g.Cost()-cost0)/eps, 2e-2)
}

func TestInitialization(t *testing.T) {
	m := New(4).WithSeed(7)
	batch := data.Synthetic([]float32{1, 2, 3, 4}, 0, 8, 0, 1)
	g0, g1 := newTestGraph(t, m, 0), newTestGraph(t, m, 1)
	require.NoError(t, g0.Build(batch))
	require.NoError(t, g1.Build(batch))
	assert.NotEqual(t, g0.Params(), g1.Params(), "graphs on different devices should start from different values")
	for _, v := range g0.Params() {
		assert.LessOrEqual(t, v, float32(InitRange))
		assert.GreaterOrEqual(t, v, float32(-InitRange))
	}

	// Same device and seed gives the same values.
	g0b := newTestGraph(t, m, 0)
	require.NoError(t, g0b.Build(batch))
	assert.Equal(t, g0.Params(), g0b.Params())
}

func TestErrors(t *testing.T) {
	m := New(2)
	_, err := m.NewGraph(0, 0)
	require.Error(t, err)
	_, err = New(0).NewGraph(0, 1)
	require.Error(t, err)

	g := newTestGraph(t, m, 0)
	require.Error(t, g.Forward())
	require.Error(t, g.Build(otherBatch{}))
	require.Error(t, g.Build(&data.Examples{Inputs: [][]float32{{1, 2, 3}}, Labels: []float32{1}}))

	tooLarge := data.Synthetic([]float32{1, 2}, 0, g.MaxBatch()+1, 0, 1)
	err = g.Build(tooLarge)
	require.ErrorIs(t, err, buffers.ErrOutOfMemory)

	require.NoError(t, g.Build(&data.Examples{}))
	require.Error(t, g.Backward())
	require.NoError(t, g.Forward())
	assert.Equal(t, float32(0), g.Cost())

	// Graphs from another model are rejected.
	_, err = New(2).CollectStats(g, 1)
	require.Error(t, err)
	require.Error(t, m.Save(newTestGraph(t, m, 1), filepath.Join(t.TempDir(), "m"), 0, false))
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	m := New(3).WithSeed(1)
	batch := data.Synthetic([]float32{1, 2, 3}, 0, 4, 0, 1)

	found, err := m.Exists(path)
	require.NoError(t, err)
	assert.False(t, found)

	g := newTestGraph(t, m, 0)
	require.NoError(t, g.Build(batch))
	copy(g.Params(), []float32{1, 2, 3, 4})
	require.NoError(t, m.Save(g, path, 5, true))
	found, err = m.Exists(path)
	require.NoError(t, err)
	assert.True(t, found)
	ckpt, err := checkpoints.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, ckpt.Iteration)
	assert.True(t, ckpt.Final)

	// Loading before the graph is built stages the values.
	staged := newTestGraph(t, m, 1)
	require.NoError(t, m.Load(staged, path))
	assert.Nil(t, staged.Params())
	require.NoError(t, staged.Build(batch))
	assert.Equal(t, []float32{1, 2, 3, 4}, staged.Params())

	// Loading into a built graph overwrites its values.
	built := newTestGraph(t, m, 2)
	require.NoError(t, built.Build(batch))
	require.NoError(t, m.Load(built, path))
	assert.Equal(t, []float32{1, 2, 3, 4}, built.Params())

	// Mismatched number of features.
	m2 := New(2)
	require.Error(t, m2.Load(newTestGraph(t, m2, 0), path))

	// Half precision keeps exactly representable values.
	half := New(3).HalfPrecision()
	hg := newTestGraph(t, half, 0)
	require.NoError(t, hg.Build(batch))
	copy(hg.Params(), []float32{0.5, -1, 2, 0.25})
	halfPath := filepath.Join(t.TempDir(), "half.ckpt")
	require.NoError(t, half.Save(hg, halfPath, 0, false))
	hg2 := newTestGraph(t, half, 1)
	require.NoError(t, half.Load(hg2, halfPath))
	require.NoError(t, hg2.Build(batch))
	assert.Equal(t, []float32{0.5, -1, 2, 0.25}, hg2.Params())

	assert.Equal(t, filepath.Join(filepath.Dir(path), "model.iter12.ckpt"), m.SnapshotPath(path, 12))
}

func TestCollectStats(t *testing.T) {
	m := New(10)
	g := newTestGraph(t, m, 0)
	stats, err := m.CollectStats(g, 4)
	require.NoError(t, err)
	assert.Equal(t, 11, stats.NumParams)
	assert.Equal(t, (1<<20)/4-22, stats.MaxBatchPerDevice)
	assert.Equal(t, 4*stats.MaxBatchPerDevice, stats.MaxBatch())
	require.NoError(t, g.Close())
	assert.Nil(t, g.Params())
}

func TestWorkspaceReservation(t *testing.T) {
	m := New(2).WithSeed(1)
	g := newTestGraph(t, m, 3)
	assert.Equal(t, 0, g.arena.Capacity()+g.scratch.Capacity(), "nothing reserved before the first Build")

	require.NoError(t, g.Build(data.Synthetic([]float32{1, 2}, 0, 4, 0, 1)))
	assert.Equal(t, 2*m.NumParams(), g.arena.Capacity())
	assert.Equal(t, 4, g.scratch.Capacity())
	for _, b := range []*buffers.Buffer{g.params, g.grads, g.residuals} {
		assert.Equal(t, buffers.Graph(3), b.Owner())
		assert.Equal(t, buffers.DeviceID(3), b.Device())
	}
	require.NoError(t, g.Forward())
	require.NoError(t, g.Backward())

	// Larger batches grow the scratch space, smaller ones reuse it.
	require.NoError(t, g.Build(data.Synthetic([]float32{1, 2}, 0, 16, 0, 2)))
	assert.Equal(t, 16, g.scratch.Capacity())
	require.NoError(t, g.Forward())
	require.NoError(t, g.Build(data.Synthetic([]float32{1, 2}, 0, 3, 0, 3)))
	assert.Equal(t, 16, g.scratch.Capacity())
	require.NoError(t, g.Forward())
	assert.Equal(t, 2*m.NumParams(), g.arena.Capacity())

	require.NoError(t, g.Close())
	assert.Equal(t, 0, g.arena.Capacity()+g.scratch.Capacity())
}
