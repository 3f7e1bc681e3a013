// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package statusapi serves a read-only HTTP view of a running training: progress counters,
// last cost, devices and validator states.
package statusapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/ml/train"
	"github.com/gomlx/syncdp/ml/train/scheduler"
	"github.com/gomlx/syncdp/ml/train/syncgroup"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"k8s.io/klog/v2"
)

// Status is the JSON document served by GET /v1/status.
type Status struct {
	RunID       string    `json:"run_id"`
	Dataset     string    `json:"dataset,omitempty"`
	Started     time.Time `json:"started"`
	Elapsed     string    `json:"elapsed"`
	Devices     []int     `json:"devices"`
	NumParams   int       `json:"num_params"`
	Initialized bool      `json:"initialized"`
	Running     bool      `json:"running"`

	LoopStep int     `json:"loop_step"`
	EndStep  int     `json:"end_step"`
	Epoch    int     `json:"epoch"`
	LastCost float32 `json:"last_cost"`

	// Scheduler progress, only present if the group has a scheduler.
	Batches      int                                  `json:"batches,omitempty"`
	Samples      int                                  `json:"samples,omitempty"`
	Epochs       int                                  `json:"epochs,omitempty"`
	LearningRate float64                              `json:"learning_rate,omitempty"`
	Validators   map[string]*scheduler.ValidatorState `json:"validators,omitempty"`
}

// Server keeps a snapshot of the training progress, updated by hooks in the train.Loop, and
// serves it over HTTP.
type Server struct {
	runID   string
	group   *syncgroup.Group
	devices []int
	clock   func() time.Time

	mu       sync.RWMutex
	progress Status
}

// New creates a status server for the given group.
func New(group *syncgroup.Group) *Server {
	s := &Server{
		runID: uuid.NewString(),
		group: group,
		clock: time.Now,
	}
	for _, d := range group.Devices() {
		s.devices = append(s.devices, int(d))
	}
	return s
}

// RunID identifies this training run.
func (s *Server) RunID() string { return s.runID }

// Attach registers hooks in loop to keep the status snapshot current. Hooks run at the lowest
// priority, after any other hook.
func (s *Server) Attach(loop *train.Loop) {
	const name = "statusapi"
	const priority = train.Priority(1 << 20)
	loop.OnStart(name, priority, func(loop *train.Loop, ds data.Dataset) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.progress.Dataset = ds.Name()
		s.progress.Started = s.clock()
		s.progress.Running = true
		s.progress.EndStep = loop.EndStep
		return nil
	})
	loop.OnStep(name, priority, func(loop *train.Loop, cost float32) error {
		numParams := s.group.NumParams()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.progress.LoopStep = loop.LoopStep + 1
		s.progress.EndStep = loop.EndStep
		s.progress.Epoch = loop.Epoch
		s.progress.LastCost = cost
		s.progress.NumParams = numParams
		s.progress.Initialized = s.group.Initialized()
		return nil
	})
	loop.OnEnd(name, priority, func(loop *train.Loop, cost float32) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.progress.Running = false
		return nil
	})
}

// Status returns the current status.
func (s *Server) Status() Status {
	s.mu.RLock()
	st := s.progress
	s.mu.RUnlock()
	st.RunID = s.runID
	st.Devices = s.devices
	if !st.Started.IsZero() {
		st.Elapsed = s.clock().Sub(st.Started).Round(time.Millisecond).String()
	}
	if sched := s.group.Scheduler(); sched != nil {
		schedState := sched.State()
		st.Batches = schedState.Batches
		st.Samples = schedState.Samples
		st.Epochs = schedState.Epochs
		st.LearningRate = schedState.LearningRate
		st.Validators = schedState.Validators
	}
	return st
}

// Register the routes in e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/status", s.handleStatus)
	e.GET("/v1/validators/:name", s.handleValidator)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.Status())
}

func (s *Server) handleValidator(c *echo.Context) error {
	name := c.Param("name")
	st := s.Status()
	vs, found := st.Validators[name]
	if !found {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown validator " + name})
	}
	return c.JSON(http.StatusOK, vs)
}

// Serve the status API on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	e := echo.New()
	e.Use(middleware.Recover())
	s.Register(e)
	klog.Infof("Serving training status on http://%s/v1/status", addr)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	return sc.Start(ctx, e)
}
