// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scheduler keeps track of the training progress and decides when to display, save and
// validate, and which learning rate to use.
//
// Optimizers interested in the learning rate register themselves as Observer, and are notified
// after every batch.
package scheduler

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/ml/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ProgressSuffix is appended to the model path to form the path of the file with the scheduler state.
const ProgressSuffix = ".progress.json"

// Config of the Scheduler. Frequencies are given in number of batches, and 0 disables the event.
type Config struct {
	SaveFreq  int `yaml:"save_freq"`
	ValidFreq int `yaml:"valid_freq"`
	DispFreq  int `yaml:"disp_freq"`

	// LearningRate is the base learning rate. If 0 observers are never notified, and optimizers
	// keep their own learning rate.
	LearningRate float64 `yaml:"learning_rate"`

	// LRWarmup linearly increases the learning rate during the first LRWarmup batches: batch b
	// (1-based) uses LearningRate*b/LRWarmup.
	LRWarmup int `yaml:"lr_warmup"`

	// LRDecayInvSqrt decays the learning rate with the inverse square root of the number of
	// completed batches n, once n > LRDecayInvSqrt: LearningRate*sqrt(LRDecayInvSqrt/n).
	LRDecayInvSqrt int `yaml:"lr_decay_inv_sqrt"`

	// EarlyStopping stops training after the first validator stalls that many consecutive times.
	EarlyStopping int `yaml:"early_stopping"`

	// AfterBatches stops training after that many batches.
	AfterBatches int `yaml:"after_batches"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		SaveFreq:      10000,
		ValidFreq:     10000,
		DispFreq:      1000,
		EarlyStopping: 10,
	}
}

// Observer is notified of learning rate changes.
type Observer interface {
	SetLearningRate(lr float64)
}

// Validator evaluates a model graph. Lower values are better.
type Validator interface {
	Name() string
	Validate(g model.Graph) (float64, error)
}

// ValidatorState keeps the history of a validator. Best is only meaningful if Count > 0.
type ValidatorState struct {
	Last    float64
	Best    float64
	Stalled int
	Count   int
}

// State of the training progress. It's what is saved and loaded.
type State struct {
	Batches int
	Samples int
	Epochs  int

	LastCost     float32
	LearningRate float64

	// Cost accumulated since the last display.
	CostSum   float64
	CostCount int

	Validators map[string]*ValidatorState
}

// clone returns a deep copy of the state.
func (s *State) clone() State {
	c := *s
	c.Validators = make(map[string]*ValidatorState, len(s.Validators))
	for name, vs := range s.Validators {
		vsCopy := *vs
		c.Validators[name] = &vsCopy
	}
	return c
}

// Scheduler tracks training progress. It is safe for concurrent use.
type Scheduler struct {
	config Config

	mu         sync.RWMutex
	state      State
	observers  []Observer
	validators []Validator
}

// New creates a Scheduler with the given configuration.
func New(config Config) *Scheduler {
	s := &Scheduler{
		config: config,
		state:  State{Validators: make(map[string]*ValidatorState)},
	}
	s.state.LearningRate = s.learningRateFor(0)
	return s
}

// String implements fmt.Stringer.
func (s *Scheduler) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("Scheduler(epoch=%d, batches=%d, samples=%d)", s.state.Epochs, s.state.Batches, s.state.Samples)
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config { return s.config }

// learningRateFor the next batch, after the given number of completed batches.
func (s *Scheduler) learningRateFor(batches int) float64 {
	lr := s.config.LearningRate
	if s.config.LRWarmup > 0 && batches < s.config.LRWarmup {
		lr *= float64(batches+1) / float64(s.config.LRWarmup)
	}
	if s.config.LRDecayInvSqrt > 0 && batches > s.config.LRDecayInvSqrt {
		lr *= math.Sqrt(float64(s.config.LRDecayInvSqrt) / float64(batches))
	}
	return lr
}

// RegisterObserver adds an observer of the learning rate. If the scheduler has a learning rate
// configured, the observer is immediately notified of its current value.
func (s *Scheduler) RegisterObserver(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	lr := s.state.LearningRate
	s.mu.Unlock()
	if s.config.LearningRate > 0 {
		o.SetLearningRate(lr)
	}
}

// AddValidator to be run when validating.
func (s *Scheduler) AddValidator(v Validator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators = append(s.validators, v)
	if _, found := s.state.Validators[v.Name()]; !found {
		s.state.Validators[v.Name()] = &ValidatorState{}
	}
}

// Update the progress with the cost of a new batch, and notify the observers of the learning rate
// to use for the next one.
func (s *Scheduler) Update(cost float32, batch data.Batch) {
	s.mu.Lock()
	st := &s.state
	st.Batches++
	st.Samples += batch.Size()
	st.LastCost = cost
	st.CostSum += float64(cost)
	st.CostCount++
	st.LearningRate = s.learningRateFor(st.Batches)
	lr := st.LearningRate
	observers := s.observers
	if s.config.DispFreq > 0 && st.Batches%s.config.DispFreq == 0 {
		klog.Infof("Ep. %d : Up. %d : Sen. %d : Cost %.8f : LR %.6g",
			st.Epochs+1, st.Batches, st.Samples, st.CostSum/float64(st.CostCount), lr)
		st.CostSum, st.CostCount = 0, 0
	}
	s.mu.Unlock()

	if s.config.LearningRate > 0 {
		for _, o := range observers {
			o.SetLearningRate(lr)
		}
	}
}

// IncreaseEpoch marks the end of a pass over the training data.
func (s *Scheduler) IncreaseEpoch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Epochs++
	klog.V(1).Infof("Starting epoch %d", s.state.Epochs+1)
}

// NumberOfBatches processed so far.
func (s *Scheduler) NumberOfBatches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Batches
}

// Saving returns whether the model should be saved after the last update.
func (s *Scheduler) Saving() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.SaveFreq > 0 && s.state.Batches > 0 && s.state.Batches%s.config.SaveFreq == 0
}

// Validating returns whether the model should be validated after the last update.
func (s *Scheduler) Validating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.validators) > 0 && s.config.ValidFreq > 0 && s.state.Batches > 0 &&
		s.state.Batches%s.config.ValidFreq == 0
}

// Validate runs all validators on g, and updates their best values and stall counters.
func (s *Scheduler) Validate(g model.Graph) error {
	s.mu.RLock()
	validators := s.validators
	s.mu.RUnlock()

	for _, v := range validators {
		value, err := v.Validate(g)
		if err != nil {
			return errors.WithMessagef(err, "validator %q", v.Name())
		}
		s.mu.Lock()
		vs := s.state.Validators[v.Name()]
		vs.Last = value
		if vs.Count == 0 || value < vs.Best {
			vs.Best = value
			vs.Stalled = 0
		} else {
			vs.Stalled++
		}
		vs.Count++
		klog.Infof("Ep. %d : Up. %d : %s : %.8f : stalled %d times", s.state.Epochs+1, s.state.Batches,
			v.Name(), value, vs.Stalled)
		s.mu.Unlock()
	}
	return nil
}

// Stalled returns the number of consecutive validations without improvement of the first validator.
func (s *Scheduler) Stalled() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.validators) == 0 {
		return 0
	}
	return s.state.Validators[s.validators[0].Name()].Stalled
}

// KeepGoing returns false if training should stop, either because of early stopping or because the
// configured number of batches was reached.
func (s *Scheduler) KeepGoing() bool {
	if s.config.EarlyStopping > 0 && s.Stalled() >= s.config.EarlyStopping {
		return false
	}
	return s.config.AfterBatches <= 0 || s.NumberOfBatches() < s.config.AfterBatches
}

// State returns a copy of the current state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// ValidatorNames in sorted order.
func (s *Scheduler) ValidatorNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.state.Validators))
	for name := range s.state.Validators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save the state to the progress file associated with modelPath.
func (s *Scheduler) Save(modelPath string) error {
	fileName := data.ReplaceTildeInDir(modelPath) + ProgressSuffix
	s.mu.RLock()
	contents, err := json.MarshalIndent(&s.state, "", "\t")
	s.mu.RUnlock()
	if err != nil {
		return errors.Wrapf(err, "failed to encode scheduler state")
	}
	tmpFileName := fileName + ".tmp"
	if err = os.MkdirAll(filepath.Dir(fileName), 0770); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", fileName)
	}
	if err = os.WriteFile(tmpFileName, contents, 0660); err != nil {
		return errors.Wrapf(err, "failed to write scheduler state to %q", tmpFileName)
	}
	if err = os.Rename(tmpFileName, fileName); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmpFileName, fileName)
	}
	return nil
}

// Load the state from the progress file associated with modelPath. A missing file is not an error,
// and leaves the state unchanged.
func (s *Scheduler) Load(modelPath string) error {
	fileName := data.ReplaceTildeInDir(modelPath) + ProgressSuffix
	contents, err := os.ReadFile(fileName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			klog.V(1).Infof("No scheduler state in %q, starting from scratch", fileName)
			return nil
		}
		return errors.Wrapf(err, "failed to read scheduler state from %q", fileName)
	}
	var state State
	if err = json.Unmarshal(contents, &state); err != nil {
		return errors.Wrapf(err, "failed to decode scheduler state from %q", fileName)
	}
	if state.Validators == nil {
		state.Validators = make(map[string]*ValidatorState)
	}

	s.mu.Lock()
	for name, vs := range s.state.Validators {
		if _, found := state.Validators[name]; !found {
			state.Validators[name] = vs
		}
	}
	s.state = state
	lr := state.LearningRate
	observers := s.observers
	klog.Infof("Loaded scheduler state from %q: epoch %d, %d batches", fileName, state.Epochs+1, state.Batches)
	s.mu.Unlock()

	if s.config.LearningRate > 0 {
		for _, o := range observers {
			o.SetLearningRate(lr)
		}
	}
	return nil
}
