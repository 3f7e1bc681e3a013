// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gomlx/syncdp/ml/data"
	"github.com/gomlx/syncdp/ml/train"
	"github.com/gomlx/syncdp/ml/train/scheduler"
	"github.com/gomlx/syncdp/ml/train/syncgroup"
	"github.com/gomlx/syncdp/models/linear"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, e *echo.Echo, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	cfg := syncgroup.DefaultConfig()
	cfg.Devices = []int{0, 1}
	cfg.WorkspaceMB = 1
	group, err := syncgroup.New(cfg, linear.New(2))
	require.NoError(t, err)
	defer func() { _ = group.Close() }()

	examples := data.Synthetic([]float32{1, -1}, 0.5, 64, 0, 7)
	schedCfg := scheduler.DefaultConfig()
	schedCfg.ValidFreq = 2
	sched := scheduler.New(schedCfg)
	sched.AddValidator(scheduler.NewCostValidator("dev", examples))
	group.SetScheduler(sched)

	server := New(group)
	e := echo.New()
	server.Register(e)

	rec := get(t, e, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	// Before training.
	rec = get(t, e, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, server.RunID(), st.RunID)
	assert.Equal(t, []int{0, 1}, st.Devices)
	assert.False(t, st.Initialized)
	assert.False(t, st.Running)

	loop := train.NewLoop(group)
	server.Attach(loop)
	ds := data.NewInMemory("synthetic", examples, 8).Infinite()
	_, err = loop.RunSteps(context.Background(), ds, 4)
	require.NoError(t, err)

	rec = get(t, e, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	st = Status{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "synthetic", st.Dataset)
	assert.True(t, st.Initialized)
	assert.False(t, st.Running)
	assert.Equal(t, 3, st.NumParams)
	assert.Equal(t, 4, st.LoopStep)
	assert.Equal(t, 4, st.Batches)
	assert.Equal(t, 32, st.Samples)
	assert.NotEmpty(t, st.Elapsed)
	require.Contains(t, st.Validators, "dev")
	assert.Equal(t, 2, st.Validators["dev"].Count)

	rec = get(t, e, "/v1/validators/dev")
	require.Equal(t, http.StatusOK, rec.Code)
	var vs scheduler.ValidatorState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vs))
	assert.Equal(t, 2, vs.Count)

	rec = get(t, e, "/v1/validators/test")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
