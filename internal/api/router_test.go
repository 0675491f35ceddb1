// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/qgov/internal/autoremove"
	"github.com/s0up4200/qgov/internal/governor"
)

func TestStatusEndpointWithNoServices(t *testing.T) {
	r := NewRouter(&Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Governor.TorrentsControlled)
	assert.False(t, resp.AutoRemove.Running)
}

func TestStatsEndpointWithEmptyServices(t *testing.T) {
	deps := &Dependencies{
		Governor:   governor.New(nil, nil, nil),
		AutoRemove: autoremove.New(nil, nil, nil),
	}
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(0), resp.SiteSuccess)
	assert.Equal(t, 0, resp.TorrentsControlled)
	assert.False(t, resp.Running)
}

func TestRecordsEndpointWithNoAutoRemove(t *testing.T) {
	r := NewRouter(&Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/api/records", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestRecordsEndpointClampsLimit(t *testing.T) {
	deps := &Dependencies{AutoRemove: autoremove.New(nil, nil, nil)}
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/records?limit=999999", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAllStatesEndpointWithNoGovernor(t *testing.T) {
	r := NewRouter(&Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/api/states", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestStateEndpointUnknownHashIs404(t *testing.T) {
	deps := &Dependencies{Governor: governor.New(nil, nil, nil)}
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/states/deadbeef", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
