// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package governor runs the precision upload-rate control loop: one tick
// every 5 seconds that refreshes rule configuration, enumerates seeding
// torrents across every enabled client instance, and applies the
// phase-switched PID/Kalman rate computation to each.
package governor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/s0up4200/qgov/internal/domain"
	"github.com/s0up4200/qgov/internal/oracle"
	"github.com/s0up4200/qgov/internal/qbtdriver"
	"github.com/s0up4200/qgov/internal/ratecalc"
	"github.com/s0up4200/qgov/internal/scraper"
	"github.com/s0up4200/qgov/internal/store"
)

// TickInterval is the governor's fixed cadence (spec §4.4).
const TickInterval = 5 * time.Second

// Service is the precision governor's long-running worker. Grounded on
// reannounce.Service's Start/loop/scanInstances shape, generalized from a
// single reannounce concern to the full rate-governance tick.
type Service struct {
	store   store.Store
	driver  qbtdriver.Driver
	oracle  *oracle.Oracle
	states  *StateTable
	stopped chan struct{}

	rules       []domain.SiteRule
	sites       []domain.PTSite
	rulesBySite map[int64]domain.SiteRule
	defaultRule *domain.SiteRule
}

// New builds a Service. scr may be nil if no site scraper is configured.
func New(st store.Store, driver qbtdriver.Driver, scr scraper.Scraper) *Service {
	return &Service{
		store:   st,
		driver:  driver,
		oracle:  oracle.New(scr, driver),
		states:  NewStateTable(),
		stopped: make(chan struct{}),
	}
}

// Start restores persisted state and runs the tick loop until ctx is
// canceled, then persists final state. Blocks; call in a goroutine.
func (s *Service) Start(ctx context.Context) {
	s.restore(ctx)
	s.tick(ctx)
	s.loop(ctx)
}

func (s *Service) restore(ctx context.Context) {
	states, err := s.store.GetAllTorrentLimitStates(ctx)
	if err != nil {
		log.Error().Err(err).Msg("governor: failed to load persisted state")
		return
	}
	n := s.states.Restore(states, time.Now())
	log.Info().Int("restored", n).Int("total", len(states)).Msg("governor: state restored")
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	lastSnapshot := time.Now()

	for {
		select {
		case <-ctx.Done():
			s.snapshot(context.Background())
			close(s.stopped)
			return
		case now := <-ticker.C:
			s.tick(ctx)
			if now.Sub(lastSnapshot) >= domain.SnapshotInterval {
				s.snapshot(ctx)
				lastSnapshot = now
			}
		}
	}
}

// Stopped is closed once the loop has persisted final state and returned.
func (s *Service) Stopped() <-chan struct{} {
	return s.stopped
}

func (s *Service) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("governor: tick panicked, continuing")
		}
	}()

	s.refreshRules(ctx)

	instances, err := s.store.GetQBInstances(ctx)
	if err != nil {
		log.Error().Err(err).Msg("governor: failed to list instances")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	var liveMu sync.Mutex
	live := make(map[string]bool)
	for _, inst := range instances {
		if !inst.Enabled {
			continue
		}
		inst := inst
		g.Go(func() error {
			s.scanInstance(gctx, inst, live, &liveMu)
			return nil
		})
	}
	_ = g.Wait()

	removed := s.states.Prune(live)
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("governor: pruned stale state entries")
	}
}

func (s *Service) refreshRules(ctx context.Context) {
	rules, err := s.store.GetSpeedRules(ctx)
	if err != nil {
		log.Error().Err(err).Msg("governor: failed to load speed rules")
		return
	}
	sites, err := s.store.GetPTSites(ctx)
	if err != nil {
		log.Error().Err(err).Msg("governor: failed to load PT sites")
		return
	}

	s.rules = rules
	s.sites = sites
	s.buildRuleIndex()
}

// buildRuleIndex rebuilds rulesBySite/defaultRule from the currently
// loaded s.rules. Split out from refreshRules so tests can seed rules
// directly without a store round-trip.
func (s *Service) buildRuleIndex() {
	bySite := make(map[int64]domain.SiteRule, len(s.rules))
	var def *domain.SiteRule
	for _, r := range s.rules {
		if !r.Enabled {
			continue
		}
		if r.IsDefault() {
			cp := r
			def = &cp
			continue
		}
		bySite[*r.SiteID] = r
	}

	s.rulesBySite = bySite
	s.defaultRule = def
}

func (s *Service) scanInstance(ctx context.Context, inst store.Instance, live map[string]bool, liveMu *sync.Mutex) {
	if !s.driver.IsConnected(inst.ID) {
		return
	}

	torrents, err := s.driver.GetTorrents(ctx, inst.ID)
	if err != nil {
		log.Error().Err(err).Int("instance", inst.ID).Msg("governor: failed to enumerate torrents")
		return
	}

	now := time.Now()
	for _, sample := range torrents {
		if !sample.IsSeeding() {
			continue
		}

		rule, site, ok := s.matchRule(sample.Tracker)
		if !ok {
			continue
		}

		liveMu.Lock()
		live[sample.Hash] = true
		liveMu.Unlock()
		s.processTorrent(ctx, inst, sample, rule, site, now)
	}
}

// matchRule finds the first site whose tracker_keyword or URL host is a
// case-insensitive substring of the torrent's tracker, falling back to the
// null-site default rule if none match (spec §4.4 point 3.b).
func (s *Service) matchRule(tracker string) (domain.SiteRule, *domain.PTSite, bool) {
	lower := strings.ToLower(tracker)

	for _, site := range s.sites {
		if site.TrackerKeyword != "" && strings.Contains(lower, strings.ToLower(site.TrackerKeyword)) {
			if r, ok := s.rulesBySite[site.SiteID]; ok {
				site := site
				return r, &site, true
			}
		}
		if site.URL != "" {
			if host := hostOf(site.URL); host != "" && strings.Contains(lower, strings.ToLower(host)) {
				if r, ok := s.rulesBySite[site.SiteID]; ok {
					site := site
					return r, &site, true
				}
			}
		}
	}

	if s.defaultRule != nil {
		return *s.defaultRule, nil, true
	}
	return domain.SiteRule{}, nil, false
}

func (s *Service) processTorrent(ctx context.Context, inst store.Instance, sample domain.TorrentSample, rule domain.SiteRule, site *domain.PTSite, now time.Time) {
	seed := domain.TorrentLimitState{
		Hash:       sample.Hash,
		Name:       sample.Name,
		Tracker:    sample.Tracker,
		InstanceID: inst.ID,
		LastLimit:  domain.Uncapped,
		CycleStart: now,
	}
	if site != nil {
		seed.SiteID = &site.SiteID
	}

	state, pidc, kf := s.states.GetOrCreate(sample.Hash, seed)
	state.TargetSpeed = rule.TargetSpeedBytes() * rule.SafetyMargin

	// Invariant: cycle_uploaded_start <= uploaded; a reported decrease
	// (restart, hash reuse, or a client-side reset) starts a fresh cycle.
	if state.CycleSynced && sample.Uploaded < state.CycleUploadedStart {
		state.CycleStart = now
		state.CycleUploadedStart = sample.Uploaded
		state.CycleIndex++
		pidc.Reset()
	}

	decision := ratecalc.Compute(ctx, state, sample, pidc, kf, s.oracle, inst.ID, now)

	if decision.Limit != state.LastLimit {
		if err := s.driver.SetUploadLimit(ctx, inst.ID, sample.Hash, decision.Limit); err != nil {
			log.Error().Err(err).Str("hash", sample.Hash).Msg("governor: set_upload_limit failed")
			return
		}
	}
	state.LastLimit = decision.Limit
	state.LastLimitReason = decision.Reason
}

func hostOf(rawURL string) string {
	i := strings.Index(rawURL, "://")
	if i >= 0 {
		rawURL = rawURL[i+3:]
	}
	if slash := strings.IndexByte(rawURL, '/'); slash >= 0 {
		rawURL = rawURL[:slash]
	}
	return rawURL
}

// GetState returns one torrent's control state for inspection (spec §6
// get_state(hash)).
func (s *Service) GetState(hash string) (domain.TorrentLimitState, bool) {
	return s.states.Get(hash)
}

// Snapshot returns every tracked torrent's control state.
func (s *Service) Snapshot() []domain.TorrentLimitState {
	return s.states.Snapshot()
}

// Len reports the number of torrents currently tracked by the governor,
// for metrics (spec §6 get_stats torrents_controlled/states_count).
func (s *Service) Len() int {
	return s.states.Len()
}

// OracleCounters reports the reannounce-time oracle's per-source success
// counts, for metrics (spec §6 get_stats site_success/qb_api_success/
// fallback_count).
func (s *Service) OracleCounters() oracle.Counters {
	return s.oracle.Snapshot()
}

func (s *Service) snapshot(ctx context.Context) {
	for _, st := range s.states.Snapshot() {
		if err := s.store.SaveTorrentLimitState(ctx, st); err != nil {
			log.Error().Err(err).Str("hash", st.Hash).Msg("governor: failed to persist state")
		}
	}
}
