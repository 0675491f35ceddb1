// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Server serves the Prometheus /metrics endpoint, optionally behind HTTP
// basic auth. Grounded on the teacher's metrics server test expectations
// (server_test.go: NewMetricsServer(manager, host, port, basicAuthUsers),
// comma-separated "user:pass" entries, whitespace-tolerant, invalid
// entries skipped) — the teacher's own server.go source wasn't in the
// retrieval pack, only its tests, so this is a reconstruction from that
// documented behavior.
type Server struct {
	manager        *Manager
	server         *http.Server
	basicAuthUsers map[string]string
}

// NewMetricsServer builds a Server bound to host:port. basicAuthUsers is a
// comma-separated "user:pass" list; empty disables auth. Malformed entries
// (missing colon) are skipped with a warning rather than rejected outright.
func NewMetricsServer(manager *Manager, host string, port int, basicAuthUsers string) *Server {
	users := parseBasicAuthUsers(basicAuthUsers)

	s := &Server{
		manager:        manager,
		basicAuthUsers: users,
	}

	mux := http.NewServeMux()
	handler := promhttp.HandlerFor(manager.GetRegistry(), promhttp.HandlerOpts{})
	if len(users) > 0 {
		handler = s.requireBasicAuth(handler)
	}
	mux.Handle("/metrics", handler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: mux,
	}

	return s
}

func parseBasicAuthUsers(raw string) map[string]string {
	users := make(map[string]string)
	if raw == "" {
		return users
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		user, pass, ok := strings.Cut(entry, ":")
		if !ok || user == "" {
			log.Warn().Str("entry", entry).Msg("metrics: skipping malformed basic auth entry")
			continue
		}
		users[strings.TrimSpace(user)] = strings.TrimSpace(pass)
	}
	return users
}

func (s *Server) requireBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !s.checkCredentials(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkCredentials(user, pass string) bool {
	want, ok := s.basicAuthUsers[user]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
}

// ListenAndServe starts serving, blocking until Shutdown/Stop or a fatal error.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("metrics: serving /metrics")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Stop is a best-effort immediate shutdown with a bounded internal timeout.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}
