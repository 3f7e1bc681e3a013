// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the interfaces between the data-parallel training machinery and a model
// implementation.
//
// A Model is a factory of per-device Graph objects, plus the serialization of their parameters.
// Each Graph keeps all its trainable parameters in one flat float32 buffer, and the gradients in
// another buffer of the same length, so the trainer can shard, reduce and broadcast them without
// knowing the model's structure.
package model

import (
	"fmt"

	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/types/buffers"
)

// Graph is one device's computation graph of the model.
//
// A Graph is only used by one goroutine at a time.
type Graph interface {
	// Device where the graph lives.
	Device() buffers.DeviceID

	// Build prepares the graph to compute the cost of batch. Parameters are allocated (and initialized,
	// or loaded if Model.Load was called) the first time Build is called.
	Build(batch data.Batch) error

	// Forward computes the cost of the last built batch.
	Forward() error

	// Cost returns the scalar cost computed by the last Forward.
	Cost() float32

	// Backward computes the gradient of the cost with respect to Params() into Grads().
	Backward() error

	// Params returns the flat parameter buffer. It is nil before the first Build, and its storage
	// doesn't change afterwards.
	Params() []float32

	// Grads returns the flat gradient buffer, with the same length as Params.
	Grads() []float32
}

// Model creates graphs and (de-)serializes their parameters.
type Model interface {
	// NewGraph creates a graph for device, with workspaceMB megabytes reserved for its storage.
	NewGraph(device buffers.DeviceID, workspaceMB int) (Graph, error)

	// Load parameters saved in path into g. If g was not built yet, the values are used
	// when the parameters are first created.
	Load(g Graph, path string) error

	// Save the parameters of g to path, tagged with the training iteration (number of batches) they
	// correspond to. final is set for the last save of a training run.
	Save(g Graph, path string, iteration int, final bool) error

	// Exists returns whether there is a saved model in path.
	Exists(path string) (bool, error)

	// SnapshotPath returns the path of the snapshot of the model saved in path at the given
	// iteration. It's usually a sibling of path tagged with the iteration number.
	SnapshotPath(path string, iteration int) string

	// CollectStats about the model running on numDevices devices, based on g.
	CollectStats(g Graph, numDevices int) (*Stats, error)
}

// Stats about a model's memory use.
type Stats struct {
	// NumParams is the total number of trainable parameters.
	NumParams int

	// MaxBatchPerDevice is the largest batch that fits in one device's workspace.
	MaxBatchPerDevice int

	// NumDevices the stats were collected for.
	NumDevices int
}

// MaxBatch returns the largest batch that can be split across all devices.
func (s *Stats) MaxBatch() int {
	return s.MaxBatchPerDevice * s.NumDevices
}

// String implements fmt.Stringer.
func (s *Stats) String() string {
	return fmt.Sprintf("Stats{params=%d, max batch=%d (%d per device x %d devices)}",
		s.NumParams, s.MaxBatch(), s.MaxBatchPerDevice, s.NumDevices)
}
