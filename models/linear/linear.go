// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package linear implements a linear regression model.Model, trained with mean squared error.
//
// The parameters are stored flat as [w_0, ..., w_{d-1}, b], and the cost of a batch of n examples is
// (1/n) * Σ (w·x + b - y)².
//
// Each graph keeps its parameters and gradients in an exactly sized buffers.Arena, and the per-example
// residuals in a scratch arena holding what is left of the workspace given to NewGraph. The
// workspace bounds the largest batch a graph can take, but only what the batches use is reserved.
package linear

import (
	"fmt"
	"math/rand"

	"github.com/gomlx/syncdp/ml/context/checkpoints"
	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/ml/model"
	"github.com/gomlx/syncdp/types/buffers"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas/blas32"
	"k8s.io/klog/v2"
)

const (
	// WeightsName is the name of the weights variable in checkpoints.
	WeightsName = "weights"

	// BiasName is the name of the bias variable in checkpoints.
	BiasName = "bias"

	// InitRange is the range [-InitRange, InitRange] of the random initial weights.
	InitRange = 0.1
)

// Model is a linear regression model.Model.
type Model struct {
	numFeatures   int
	seed          int64
	halfPrecision bool
	format        checkpoints.BinFormat
}

// Assert Model implements model.Model.
var _ model.Model = (*Model)(nil)

// New creates a linear model for examples with numFeatures features.
func New(numFeatures int) *Model {
	return &Model{numFeatures: numFeatures, format: checkpoints.BinGZIP}
}

// WithSeed sets the seed used to initialize the weights. Each device's graph uses seed+device,
// so graphs start from different values unless they are loaded or synchronized.
func (m *Model) WithSeed(seed int64) *Model {
	m.seed = seed
	return m
}

// HalfPrecision configures saving of parameters in float16.
func (m *Model) HalfPrecision() *Model {
	m.halfPrecision = true
	return m
}

// WithCompression sets the binary format of the saved checkpoints.
func (m *Model) WithCompression(bf checkpoints.BinFormat) *Model {
	m.format = bf
	return m
}

// NumFeatures the model takes.
func (m *Model) NumFeatures() int { return m.numFeatures }

// NumParams returns the number of trainable parameters.
func (m *Model) NumParams() int { return m.numFeatures + 1 }

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("linear.Model(features=%d)", m.numFeatures)
}

// NewGraph implements model.Model.
func (m *Model) NewGraph(device buffers.DeviceID, workspaceMB int) (model.Graph, error) {
	if m.numFeatures < 1 {
		return nil, errors.Errorf("%s: invalid number of features", m)
	}
	if workspaceMB <= 0 {
		return nil, errors.Errorf("%s: workspace must be positive, got %d MB", m, workspaceMB)
	}
	limit := uint64(workspaceMB) << 20
	paramsBytes := uint64(2*m.NumParams()) * 4
	if paramsBytes >= limit {
		return nil, errors.Wrapf(buffers.ErrOutOfMemory, "%s: workspace of %d MB can't hold %d parameters",
			m, workspaceMB, m.NumParams())
	}
	g := &Graph{
		model:    m,
		device:   device,
		arena:    buffers.NewArena(device, paramsBytes),
		scratch:  buffers.NewArena(device, limit-paramsBytes),
		maxBatch: int((limit - paramsBytes) / 4),
	}
	if g.maxBatch < 1 {
		return nil, errors.Wrapf(buffers.ErrOutOfMemory, "%s: workspace of %d MB can't hold %d parameters",
			m, workspaceMB, m.NumParams())
	}
	return g, nil
}

func (m *Model) graph(g model.Graph) (*Graph, error) {
	lg, ok := g.(*Graph)
	if !ok || lg.model != m {
		return nil, errors.Errorf("%s: graph %T was not created by this model", m, g)
	}
	return lg, nil
}

// Load implements model.Model. If the graph was not built yet, the values are used when its parameters
// are created.
func (m *Model) Load(g model.Graph, path string) error {
	lg, err := m.graph(g)
	if err != nil {
		return err
	}
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return err
	}
	weights, foundW := ckpt.Variable(WeightsName)
	bias, foundB := ckpt.Variable(BiasName)
	if !foundW || !foundB {
		return errors.Errorf("%s: checkpoint %q is missing variables %q or %q", m, path, WeightsName, BiasName)
	}
	if len(weights.Values) != m.numFeatures || len(bias.Values) != 1 {
		return errors.Errorf("%s: checkpoint %q has %d weights and %d bias values, wanted %d and 1",
			m, path, len(weights.Values), len(bias.Values), m.numFeatures)
	}
	values := make([]float32, 0, m.NumParams())
	values = append(values, weights.Values...)
	values = append(values, bias.Values...)
	if lg.params == nil {
		lg.pending = values
	} else {
		copy(lg.params.Data(), values)
	}
	klog.V(1).Infof("%s: loaded %q into graph on device %d", m, path, lg.device)
	return nil
}

// Save implements model.Model.
func (m *Model) Save(g model.Graph, path string, iteration int, final bool) error {
	lg, err := m.graph(g)
	if err != nil {
		return err
	}
	if lg.params == nil {
		return errors.Errorf("%s: can't save graph on device %d before it is built", m, lg.device)
	}
	params := lg.params.Data()
	cfg := checkpoints.Build(path).WithCompression(m.format).Iteration(iteration).Final(final)
	if m.halfPrecision {
		cfg = cfg.HalfPrecision()
	}
	return cfg.Save(
		checkpoints.Variable{Name: WeightsName, Dimensions: []int{m.numFeatures}, Values: params[:m.numFeatures]},
		checkpoints.Variable{Name: BiasName, Dimensions: []int{1}, Values: params[m.numFeatures:]})
}

// Exists implements model.Model.
func (m *Model) Exists(path string) (bool, error) {
	return checkpoints.Exists(path)
}

// SnapshotPath implements model.Model.
func (m *Model) SnapshotPath(path string, iteration int) string {
	return checkpoints.SnapshotPath(path, iteration)
}

// CollectStats implements model.Model.
func (m *Model) CollectStats(g model.Graph, numDevices int) (*model.Stats, error) {
	lg, err := m.graph(g)
	if err != nil {
		return nil, err
	}
	return &model.Stats{
		NumParams:         m.NumParams(),
		MaxBatchPerDevice: lg.maxBatch,
		NumDevices:        numDevices,
	}, nil
}

// Graph of a linear model on one device. It implements model.Graph.
//
// Parameters and gradients are reserved exactly once. The residuals scratch grows with the largest
// batch seen so far, up to what is left of the workspace.
type Graph struct {
	model          *Model
	device         buffers.DeviceID
	arena, scratch *buffers.Arena
	maxBatch       int

	params, grads, residuals *buffers.Buffer
	pending                  []float32

	batch    *data.Examples
	cost     float32
	computed bool
}

// Device implements model.Graph.
func (g *Graph) Device() buffers.DeviceID { return g.device }

// MaxBatch returns the largest batch the graph can take.
func (g *Graph) MaxBatch() int { return g.maxBatch }

// Build implements model.Graph.
func (g *Graph) Build(batch data.Batch) error {
	examples, ok := batch.(*data.Examples)
	if !ok {
		return errors.Errorf("%s: batch type %T not supported, want *data.Examples", g.model, batch)
	}
	if examples.Size() > g.maxBatch {
		return errors.Wrapf(buffers.ErrOutOfMemory, "%s: batch of %d examples exceeds the maximum of %d on device %d",
			g.model, examples.Size(), g.maxBatch, g.device)
	}
	if examples.Size() > 0 && examples.NumFeatures() != g.model.numFeatures {
		return errors.Errorf("%s: batch has %d features", g.model, examples.NumFeatures())
	}
	if g.params == nil {
		if err := g.allocate(); err != nil {
			return err
		}
	}
	if err := g.ensureResiduals(examples.Size()); err != nil {
		return err
	}
	g.batch = examples
	g.computed = false
	return nil
}

// allocate parameters and gradients, and initialize the parameters.
func (g *Graph) allocate() error {
	numParams := g.model.NumParams()
	if err := g.arena.ReserveExact(2 * numParams); err != nil {
		return err
	}
	owner := buffers.Graph(g.device)
	var err error
	if g.params, err = g.arena.Allocate(owner, numParams); err != nil {
		return err
	}
	if g.grads, err = g.arena.Allocate(owner, numParams); err != nil {
		return err
	}
	if g.pending != nil {
		copy(g.params.Data(), g.pending)
		g.pending = nil
		return nil
	}
	rng := rand.New(rand.NewSource(g.model.seed + int64(g.device)))
	for ii := range g.params.Data() {
		g.params.Data()[ii] = float32((2*rng.Float64() - 1) * InitRange)
	}
	return nil
}

// ensureResiduals makes room for the residuals of a batch of n examples.
func (g *Graph) ensureResiduals(n int) error {
	if n == 0 || (g.residuals != nil && g.residuals.Len() >= n) {
		return nil
	}
	if err := g.scratch.ReserveExact(n); err != nil {
		return err
	}
	var err error
	g.residuals, err = g.scratch.Allocate(buffers.Graph(g.device), n)
	return err
}

func vector(values []float32) blas32.Vector {
	return blas32.Vector{N: len(values), Inc: 1, Data: values}
}

// Forward implements model.Graph.
func (g *Graph) Forward() error {
	if g.batch == nil {
		return errors.Errorf("%s: Forward called before Build", g.model)
	}
	n := g.batch.Size()
	g.cost = 0
	g.computed = true
	if n == 0 {
		return nil
	}
	numFeatures := g.model.numFeatures
	params := g.params.Data()
	weights, bias := vector(params[:numFeatures]), params[numFeatures]
	residuals := g.residuals.Data()[:n]
	var sum float64
	for ii, x := range g.batch.Inputs {
		r := blas32.Dot(weights, vector(x)) + bias - g.batch.Labels[ii]
		residuals[ii] = r
		sum += float64(r) * float64(r)
	}
	g.cost = float32(sum / float64(n))
	return nil
}

// Cost implements model.Graph.
func (g *Graph) Cost() float32 { return g.cost }

// Backward implements model.Graph.
func (g *Graph) Backward() error {
	if !g.computed {
		return errors.Errorf("%s: Backward called before Forward", g.model)
	}
	g.grads.Zero()
	n := g.batch.Size()
	if n == 0 {
		return nil
	}
	numFeatures := g.model.numFeatures
	grads := g.grads.Data()
	gradWeights := vector(grads[:numFeatures])
	scale := 2 / float32(n)
	for ii, x := range g.batch.Inputs {
		r := scale * g.residuals.Data()[ii]
		blas32.Axpy(r, vector(x), gradWeights)
		grads[numFeatures] += r
	}
	return nil
}

// Params implements model.Graph.
func (g *Graph) Params() []float32 {
	if g.params == nil {
		return nil
	}
	return g.params.Data()
}

// Grads implements model.Graph.
func (g *Graph) Grads() []float32 {
	if g.grads == nil {
		return nil
	}
	return g.grads.Data()
}

// Close releases the graph's workspace.
func (g *Graph) Close() error {
	g.arena.Release()
	g.scratch.Release()
	g.params, g.grads, g.residuals = nil, nil, nil
	g.batch = nil
	return nil
}
