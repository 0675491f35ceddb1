// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsServerAddrAndAuthParsing(t *testing.T) {
	manager := NewManager(nil, nil)

	tests := []struct {
		name             string
		host             string
		port             int
		basicAuthUsers   string
		expectedAddr     string
		expectedAuthSize int
	}{
		{"default config", "127.0.0.1", 9090, "", "127.0.0.1:9090", 0},
		{"single user", "0.0.0.0", 8080, "user:password", "0.0.0.0:8080", 1},
		{"multiple users", "localhost", 9191, "user1:pass1,user2:pass2", "localhost:9191", 2},
		{"invalid entry skipped", "localhost", 9090, "user1:pass1,invalidentry,user2:pass2", "localhost:9090", 2},
		{"whitespace tolerated", "localhost", 9090, " user1:pass1 , user2:pass2 ", "localhost:9090", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewMetricsServer(manager, tt.host, tt.port, tt.basicAuthUsers)

			require.NotNil(t, server)
			assert.Equal(t, tt.expectedAddr, server.server.Addr)
			assert.Len(t, server.basicAuthUsers, tt.expectedAuthSize)
		})
	}
}

func TestMetricsServerEndpoint(t *testing.T) {
	manager := NewManager(nil, nil)
	server := NewMetricsServer(manager, "localhost", 9090, "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_")
}

func TestMetricsServerBasicAuth(t *testing.T) {
	manager := NewManager(nil, nil)
	server := NewMetricsServer(manager, "localhost", 9090, "admin:secret")

	t.Run("missing credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		server.server.Handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.SetBasicAuth("admin", "wrong")
		rec := httptest.NewRecorder()
		server.server.Handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("correct credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.SetBasicAuth("admin", "secret")
		rec := httptest.NewRecorder()
		server.server.Handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestMetricsServerNonMetricsEndpoint(t *testing.T) {
	manager := NewManager(nil, nil)
	server := NewMetricsServer(manager, "localhost", 9090, "")

	req := httptest.NewRequest(http.MethodGet, "/other", nil)
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsServerShutdown(t *testing.T) {
	manager := NewManager(nil, nil)
	server := NewMetricsServer(manager, "localhost", 0, "")

	go func() {
		_ = server.ListenAndServe()
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))
}
