// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api exposes the read-only status/inspection surface named in
// spec §6: get_status, get_records, get_stats, get_state, get_all_states.
// There is no write surface — control (start/stop/manual_check/set_config)
// happens through the config store and process lifecycle, not HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/s0up4200/qgov/internal/autoremove"
	"github.com/s0up4200/qgov/internal/domain"
	"github.com/s0up4200/qgov/internal/governor"
)

// Dependencies holds the services the router reads from. Grounded on the
// teacher's api.Dependencies/NewRouter shape in internal/api/router.go,
// narrowed to this domain's two control loops (no DB handle, no auth
// service, no client pool exposed directly — those live behind the
// services already).
type Dependencies struct {
	Governor   *governor.Service
	AutoRemove *autoremove.Service
}

const (
	defaultRecordsLimit = 50
	maxRecordsLimit     = domain.RemoveRecordCap
)

// NewRouter builds the status/inspection chi router.
func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", handleStatus(deps))
		r.Get("/stats", handleStats(deps))
		r.Get("/records", handleRecords(deps))
		r.Get("/states", handleAllStates(deps))
		r.Get("/states/{hash}", handleState(deps))
	})

	return r
}

// statusResponse mirrors get_status(): the governor's tracked-torrent count
// and the auto-remove loop's running flag, removal total and last run/error.
type statusResponse struct {
	Governor struct {
		TorrentsControlled int `json:"torrents_controlled"`
	} `json:"governor"`
	AutoRemove struct {
		Running       bool   `json:"running"`
		TotalRemoved  int64  `json:"total_removed"`
		LastRunAt     string `json:"last_run_at,omitempty"`
		LastError     string `json:"last_error,omitempty"`
	} `json:"auto_remove"`
}

func handleStatus(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resp statusResponse

		if deps.Governor != nil {
			resp.Governor.TorrentsControlled = deps.Governor.Len()
		}
		if deps.AutoRemove != nil {
			stats := deps.AutoRemove.Stats()
			resp.AutoRemove.Running = deps.AutoRemove.Running()
			resp.AutoRemove.TotalRemoved = stats.TotalRemoved
			if !stats.LastRunAt.IsZero() {
				resp.AutoRemove.LastRunAt = stats.LastRunAt.Format(timeFormat)
			}
			resp.AutoRemove.LastError = stats.LastError
		}

		respondJSON(w, http.StatusOK, resp)
	}
}

// statsResponse mirrors get_stats()'s counter set exactly (spec §6).
type statsResponse struct {
	SiteSuccess        int64 `json:"site_success"`
	QBAPISuccess       int64 `json:"qb_api_success"`
	FallbackCount      int64 `json:"fallback_count"`
	TorrentsControlled int   `json:"torrents_controlled"`
	StatesCount        int   `json:"states_count"`
	Running            bool  `json:"running"`
}

func handleStats(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resp statsResponse

		if deps.Governor != nil {
			counters := deps.Governor.OracleCounters()
			resp.SiteSuccess = counters.SiteSuccess
			resp.QBAPISuccess = counters.QBAPISuccess
			resp.FallbackCount = counters.Fallback
			resp.TorrentsControlled = deps.Governor.Len()
			resp.StatesCount = resp.TorrentsControlled
		}
		if deps.AutoRemove != nil {
			resp.Running = deps.AutoRemove.Running()
		}

		respondJSON(w, http.StatusOK, resp)
	}
}

func handleRecords(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.AutoRemove == nil {
			respondJSON(w, http.StatusOK, []domain.RemoveRecord{})
			return
		}

		limit := defaultRecordsLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		if limit > maxRecordsLimit {
			limit = maxRecordsLimit
		}

		respondJSON(w, http.StatusOK, deps.AutoRemove.Records(limit))
	}
}

// stateView is the rich per-torrent snapshot named in spec §6's
// get_state/get_all_states: phase, cycle, source, predicted upload,
// target distance. "progress %" is the live torrent sample's field, not
// part of the persisted control state this endpoint reads from, so it is
// omitted here — see DESIGN.md's Open Questions entry for this tradeoff.
type stateView struct {
	Hash            string         `json:"hash"`
	Name            string         `json:"name"`
	Tracker         string         `json:"tracker"`
	InstanceID      int            `json:"instance_id"`
	Phase           domain.Phase   `json:"phase"`
	CycleIndex      int64          `json:"cycle_index"`
	Source          string         `json:"reannounce_source"`
	TargetSpeed     float64        `json:"target_speed_bytes_per_sec"`
	PredictedUpload float64        `json:"predicted_upload_bytes_per_sec"`
	TargetDistance  float64        `json:"target_distance_bytes_per_sec"`
	LastLimit       int64          `json:"last_limit_bytes_per_sec"`
	LastLimitReason string         `json:"last_limit_reason"`
}

func toStateView(s domain.TorrentLimitState) stateView {
	return stateView{
		Hash:            s.Hash,
		Name:            s.Name,
		Tracker:         s.Tracker,
		InstanceID:      s.InstanceID,
		Phase:           s.PID.Phase,
		CycleIndex:      s.CycleIndex,
		Source:          string(s.ReannounceSource),
		TargetSpeed:     s.TargetSpeed,
		PredictedUpload: s.Kalman.Speed,
		TargetDistance:  s.TargetSpeed - s.Kalman.Speed,
		LastLimit:       s.LastLimit,
		LastLimitReason: s.LastLimitReason,
	}
}

func handleAllStates(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Governor == nil {
			respondJSON(w, http.StatusOK, []stateView{})
			return
		}
		states := deps.Governor.Snapshot()
		views := make([]stateView, 0, len(states))
		for _, s := range states {
			views = append(views, toStateView(s))
		}
		respondJSON(w, http.StatusOK, views)
	}
}

func handleState(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hash := chi.URLParam(r, "hash")
		if hash == "" || deps.Governor == nil {
			respondError(w, http.StatusNotFound, "unknown torrent hash")
			return
		}
		state, ok := deps.Governor.GetState(hash)
		if !ok {
			respondError(w, http.StatusNotFound, "unknown torrent hash")
			return
		}
		respondJSON(w, http.StatusOK, toStateView(state))
	}
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// errorResponse is the uniform error body, grounded on
// internal/api/handlers/helpers.go's ErrorResponse/RespondJSON/RespondError.
type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("api: failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
