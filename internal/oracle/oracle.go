// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package oracle reconciles a torrent's "seconds to next announce" from
// three sources of differing reliability: a per-site scraper, the client's
// own RPC, and a time-based estimate derived from the last known
// reannounce_time, falling back to the last cached value.
package oracle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/s0up4200/qgov/internal/domain"
	"github.com/s0up4200/qgov/internal/qbtdriver"
	"github.com/s0up4200/qgov/internal/scraper"
)

// Result is one probe outcome.
type Result struct {
	TimeLeft float64
	Source   domain.ReannounceSource
	// TID is set when the site scraper resolved and should be cached on
	// the caller's TorrentLimitState.
	TID string
	// ReannounceTime is set only when Source == domain.SourceQBAPI (spec
	// §4.3 point 2); the site-scraper path deliberately leaves it unset.
	ReannounceTime time.Time
	ReannounceSet  bool
}

// Counters tracks per-source success counts for observability.
type Counters struct {
	SiteSuccess  int64
	QBAPISuccess int64
	Fallback     int64
}

// Oracle probes the three sources in priority order.
type Oracle struct {
	scraper scraper.Scraper
	driver  qbtdriver.Driver

	counters Counters
}

// New builds an Oracle. scraper may be nil if no site helper is configured.
func New(s scraper.Scraper, d qbtdriver.Driver) *Oracle {
	return &Oracle{scraper: s, driver: d}
}

// Probe returns (seconds_to_next_announce, source), consulting state for
// the torrent's cached tid, reannounce_time, and cached_time_left.
func (o *Oracle) Probe(ctx context.Context, instanceID int, state *domain.TorrentLimitState, now time.Time) Result {
	if r, ok := o.probeSite(ctx, state); ok {
		atomic.AddInt64(&o.counters.SiteSuccess, 1)
		return r
	}

	if r, ok := o.probeQBAPI(ctx, instanceID, state, now); ok {
		atomic.AddInt64(&o.counters.QBAPISuccess, 1)
		return r
	}

	if r, ok := o.probeEstimated(state, now); ok {
		atomic.AddInt64(&o.counters.Fallback, 1)
		return r
	}

	atomic.AddInt64(&o.counters.Fallback, 1)
	return Result{TimeLeft: state.CachedTimeLeft, Source: domain.SourceCached}
}

func (o *Oracle) probeSite(ctx context.Context, state *domain.TorrentLimitState) (Result, bool) {
	if o.scraper == nil {
		return Result{}, false
	}

	helper, ok := o.scraper.GetHelperByTracker(state.Tracker)
	if !ok || !helper.Enabled() {
		return Result{}, false
	}

	tid := state.TID
	if tid == "" {
		resolved, _, found := helper.SearchTIDByHash(ctx, state.Hash)
		if !found {
			return Result{}, false
		}
		tid = resolved
	}

	seconds, ok := helper.GetReannounceTime(ctx, tid)
	if !ok || seconds <= 0 {
		return Result{}, false
	}

	// Per spec, only the qb_api path below updates reannounce_time; the
	// site-scraper path is read-only with respect to that field.
	return Result{TimeLeft: seconds, Source: domain.SourceSite, TID: tid}, true
}

func (o *Oracle) probeQBAPI(ctx context.Context, instanceID int, state *domain.TorrentLimitState, now time.Time) (Result, bool) {
	props, err := o.driver.TorrentProperties(ctx, instanceID, state.Hash)
	if err != nil {
		log.Debug().Err(err).Str("hash", state.Hash).Msg("oracle: qb_api properties lookup failed")
		return Result{}, false
	}

	seconds := float64(props.ReannounceSeconds)
	if seconds <= 0 || seconds >= 86400 {
		return Result{}, false
	}

	return Result{
		TimeLeft:       seconds,
		Source:         domain.SourceQBAPI,
		ReannounceTime: now.Add(time.Duration(seconds) * time.Second),
		ReannounceSet:  true,
	}, true
}

func (o *Oracle) probeEstimated(state *domain.TorrentLimitState, now time.Time) (Result, bool) {
	if state.ReannounceTime.IsZero() {
		return Result{}, false
	}

	left := state.ReannounceTime.Sub(now).Seconds()
	if left < 0 {
		left = 0
	}
	return Result{TimeLeft: left, Source: domain.SourceEstimated}, true
}

// Snapshot returns a copy of the per-source success counters.
func (o *Oracle) Snapshot() Counters {
	return Counters{
		SiteSuccess:  atomic.LoadInt64(&o.counters.SiteSuccess),
		QBAPISuccess: atomic.LoadInt64(&o.counters.QBAPISuccess),
		Fallback:     atomic.LoadInt64(&o.counters.Fallback),
	}
}
