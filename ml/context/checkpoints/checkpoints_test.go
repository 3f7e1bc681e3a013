// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVars() []Variable {
	return []Variable{
		{Name: "weights", Dimensions: []int{2, 3}, Values: []float32{1, -2, 3.5, 0, 0.25, -7}},
		{Name: "bias", Dimensions: []int{1}, Values: []float32{0.125}},
	}
}

func TestSaveLoad(t *testing.T) {
	for _, format := range []BinFormat{BinGZIP, BinUncompressed} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sub", "model.ckpt")
			found, err := Exists(path)
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, Build(path).WithCompression(format).Iteration(7).Final(true).Save(testVars()...))
			found, err = Exists(path)
			require.NoError(t, err)
			assert.True(t, found)

			ckpt, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, 7, ckpt.Iteration)
			assert.True(t, ckpt.Final)
			assert.Equal(t, format, ckpt.Format)
			assert.NotEmpty(t, ckpt.RunID)
			assert.Equal(t, 7, ckpt.NumParams())
			for _, want := range testVars() {
				got, found := ckpt.Variable(want.Name)
				require.Truef(t, found, "variable %q not loaded", want.Name)
				assert.Equal(t, want.Dimensions, got.Dimensions)
				assert.Equal(t, want.Values, got.Values)
			}
			_, found = ckpt.Variable("nope")
			assert.False(t, found)
		})
	}
}

func TestHalfPrecision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, Build(path).HalfPrecision().Save(testVars()...))
	ckpt, err := Load(path)
	require.NoError(t, err)
	for _, sv := range ckpt.Variables {
		assert.Equal(t, dtypes.Float16, sv.DType)
	}
	weights, found := ckpt.Variable("weights")
	require.True(t, found)
	// All test values are exactly representable in float16.
	assert.Equal(t, testVars()[0].Values, weights.Values)
}

func TestSaveErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	err := Build(path).Save(Variable{Name: "bad", Dimensions: []int{3}, Values: []float32{1}})
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.ckpt"))
	require.Error(t, err)

	// Corrupt the data file: metadata points beyond its end.
	require.NoError(t, Build(path).WithCompression(BinUncompressed).Save(testVars()...))
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0600))
	_, err = Load(path)
	require.Error(t, err)
}

func TestSnapshots(t *testing.T) {
	assert.Equal(t, "model.iter1000.ckpt", SnapshotPath("model.ckpt", 1000))
	assert.Equal(t, "/a/b/model.iter5", SnapshotPath("/a/b/model", 5))

	dir := t.TempDir()
	path := filepath.Join(dir, "model.ckpt")
	list, err := ListSnapshots(path)
	require.NoError(t, err)
	assert.Empty(t, list)

	for _, iteration := range []int{20, 3, 100} {
		require.NoError(t, Build(SnapshotPath(path, iteration)).Iteration(iteration).Save(testVars()...))
	}
	require.NoError(t, Build(path).Save(testVars()...))
	list, err = ListSnapshots(path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "model.iter3.ckpt"),
		filepath.Join(dir, "model.iter20.ckpt"),
		filepath.Join(dir, "model.iter100.ckpt"),
	}, list)

	ckpt, err := Load(list[1])
	require.NoError(t, err)
	assert.Equal(t, 20, ckpt.Iteration)
}
