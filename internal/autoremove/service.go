// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package autoremove

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/s0up4200/qgov/internal/domain"
	"github.com/s0up4200/qgov/internal/notify"
	"github.com/s0up4200/qgov/internal/qbtdriver"
	"github.com/s0up4200/qgov/internal/store"
)

const (
	// DefaultInterval and its bounds (spec §4.6).
	DefaultInterval = 60 * time.Second
	MinInterval     = 30 * time.Second
	MaxInterval     = 3600 * time.Second

	// DefaultSleep and its bounds between successive deletions.
	DefaultSleep = 5 * time.Second
	MinSleep     = 1 * time.Second
	MaxSleep     = 60 * time.Second

	reannounceSettleDelay = 2 * time.Second
)

// Stats are the running totals exposed by get_stats (spec §6).
type Stats struct {
	TotalRemoved int64
	LastRunAt    time.Time
	LastError    string
}

// Service is the auto-remove loop's long-running worker: a second,
// independent engine from the governor, touching only the remove-record
// ring and issuing deletes. Grounded on reannounce.Service's tick+stop
// shape, generalized to a configurable, store-driven interval.
type Service struct {
	st       store.Store
	driver   qbtdriver.Driver
	notifier notify.Notifier

	mu      sync.RWMutex
	records []domain.RemoveRecord
	stats   Stats
	running bool

	stop    chan struct{}
	stopped chan struct{}
}

// New builds a Service. notifier may be nil for best-effort no-op delivery.
func New(st store.Store, driver qbtdriver.Driver, notifier notify.Notifier) *Service {
	return &Service{
		st:       st,
		driver:   driver,
		notifier: notifier,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs the configured-cadence loop until Stop is called or ctx is
// canceled. Blocks; call in a goroutine.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.stopped)
	}()

	s.runOnce(ctx)

	for {
		interval := s.configuredInterval(ctx)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx)
		}
	}
}

// Stop signals the loop to exit; a pass in progress stops before its next
// torrent. Safe to call more than once.
func (s *Service) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// Stopped is closed once Start has returned.
func (s *Service) Stopped() <-chan struct{} {
	return s.stopped
}

// ManualCheck runs one synchronous pass outside the loop's own cadence
// (spec §4.6 manual trigger) and reports success/message.
func (s *Service) ManualCheck(ctx context.Context) (bool, string) {
	removed, err := s.runOnce(ctx)
	if err != nil {
		return false, err.Error()
	}
	return true, "removed " + strconv.Itoa(removed) + " torrent(s)"
}

func (s *Service) configuredInterval(ctx context.Context) time.Duration {
	raw, err := s.st.GetConfig(ctx, "auto_remove_interval", "")
	if err != nil || raw == "" {
		return DefaultInterval
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultInterval
	}
	d := time.Duration(n) * time.Second
	return clampDuration(d, MinInterval, MaxInterval)
}

func (s *Service) configuredSleep(ctx context.Context) time.Duration {
	raw, err := s.st.GetConfig(ctx, "auto_remove_sleep", "")
	if err != nil || raw == "" {
		return DefaultSleep
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultSleep
	}
	d := time.Duration(n) * time.Second
	return clampDuration(d, MinSleep, MaxSleep)
}

func (s *Service) configuredBool(ctx context.Context, key string, def bool) bool {
	raw, err := s.st.GetConfig(ctx, key, "")
	if err != nil || raw == "" {
		return def
	}
	return raw != "false"
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// runOnce evaluates every enabled instance's torrents against every
// enabled rule and deletes the first match per torrent, returning the
// count removed this pass.
func (s *Service) runOnce(ctx context.Context) (int, error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("autoremove: pass panicked, continuing")
		}
	}()

	s.mu.Lock()
	s.stats.LastRunAt = time.Now()
	s.mu.Unlock()

	enabled := s.configuredBool(ctx, "auto_remove_enabled", true)
	if !enabled {
		return 0, nil
	}

	rules, err := s.st.GetEnabledRemoveRules(ctx)
	if err != nil {
		log.Error().Err(err).Msg("autoremove: failed to load rules")
		s.setLastError(err.Error())
		return 0, err
	}
	if len(rules) == 0 {
		return 0, nil
	}

	instances, err := s.st.GetQBInstances(ctx)
	if err != nil {
		log.Error().Err(err).Msg("autoremove: failed to list instances")
		s.setLastError(err.Error())
		return 0, err
	}

	reannounceFirst := s.configuredBool(ctx, "auto_remove_reannounce", true)
	deleteFiles := s.configuredBool(ctx, "auto_remove_delete_files", true)
	sleep := s.configuredSleep(ctx)
	now := time.Now().Unix()

	removed := 0
	for _, inst := range instances {
		if !inst.Enabled || !s.driver.IsConnected(inst.ID) {
			continue
		}

		freeSpace, err := s.driver.GetFreeSpace(ctx, inst.ID)
		if err != nil {
			log.Warn().Err(err).Int("instance", inst.ID).Msg("autoremove: failed to read free space")
			continue
		}

		torrents, err := s.driver.GetTorrents(ctx, inst.ID)
		if err != nil {
			log.Warn().Err(err).Int("instance", inst.ID).Msg("autoremove: failed to enumerate torrents")
			continue
		}

		for _, t := range torrents {
			select {
			case <-ctx.Done():
				return removed, nil
			case <-s.stop:
				return removed, nil
			default:
			}

			snap := snapshot{TorrentSample: t, FreeSpace: freeSpace}
			rule, ok := FirstMatch(rules, snap, now)
			if !ok {
				continue
			}

			if s.removeTorrent(ctx, inst, t, rule, freeSpace, reannounceFirst, deleteFiles) {
				removed++
				s.mu.Lock()
				s.stats.TotalRemoved++
				s.mu.Unlock()

				select {
				case <-ctx.Done():
					return removed, nil
				case <-s.stop:
					return removed, nil
				case <-time.After(sleep):
				}
			}
		}
	}

	return removed, nil
}

func (s *Service) removeTorrent(ctx context.Context, inst store.Instance, t domain.TorrentSample, rule domain.RemoveRule, freeSpace int64, reannounceFirst, deleteFiles bool) bool {
	if reannounceFirst {
		if err := s.driver.Reannounce(ctx, inst.ID, t.Hash); err != nil {
			log.Debug().Err(err).Str("hash", t.Hash).Msg("autoremove: pre-delete reannounce failed, continuing")
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(reannounceSettleDelay):
		}
	}

	ok, msg := s.driver.DeleteTorrent(ctx, inst.ID, t.Hash, deleteFiles)
	if !ok {
		log.Error().Str("hash", t.Hash).Str("message", msg).Msg("autoremove: delete failed")
		s.setLastError(msg)
		return false
	}

	rec := domain.RemoveRecord{
		Timestamp:           time.Now(),
		InstanceID:          inst.ID,
		InstanceName:        inst.Name,
		TorrentHash:         t.Hash,
		TorrentName:         t.Name,
		MatchedRule:         rule.Name,
		Reason:              rule.Description,
		Size:                t.Size,
		Uploaded:            t.Uploaded,
		Ratio:               t.Ratio,
		FreeSpaceAtDeletion: freeSpace,
	}
	s.appendRecord(rec)

	if err := s.st.AppendRemoveRecord(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("autoremove: failed to persist remove record")
	}
	if err := s.st.AddLog(ctx, "info", "removed "+t.Name+" (rule: "+rule.Name+")"); err != nil {
		log.Warn().Err(err).Msg("autoremove: failed to write log entry")
	}
	if s.notifier != nil {
		s.notifier.Notify("Torrent removed", t.Name+" matched rule \""+rule.Name+"\"")
	}

	return true
}

// appendRecord keeps the ring bounded to domain.RemoveRecordCap, dropping
// the oldest entry first (spec §8 property 7).
func (s *Service) appendRecord(rec domain.RemoveRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if len(s.records) > domain.RemoveRecordCap {
		s.records = s.records[len(s.records)-domain.RemoveRecordCap:]
	}
}

func (s *Service) setLastError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.LastError = msg
}

// Records returns up to limit of the most recent remove records, newest
// first (spec §6 get_records(limit)).
func (s *Service) Records(limit int) []domain.RemoveRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.RemoveRecord, n)
	for i := 0; i < n; i++ {
		out[i] = s.records[len(s.records)-1-i]
	}
	return out
}

// Stats returns the current running totals (spec §6 get_stats).
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Running reports whether the loop is currently active.
func (s *Service) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// TotalRemoved reports the cumulative number of torrents removed, for
// metrics (spec §6 get_stats).
func (s *Service) TotalRemoved() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.TotalRemoved
}
