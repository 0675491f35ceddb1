// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package governor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/qgov/internal/domain"
	"github.com/s0up4200/qgov/internal/qbtdriver"
	"github.com/s0up4200/qgov/internal/store"
)

type fakeStore struct {
	rules     []domain.SiteRule
	sites     []domain.PTSite
	instances []store.Instance
	states    []domain.TorrentLimitState
	saved     []domain.TorrentLimitState
}

func (f *fakeStore) GetConfig(ctx context.Context, key, def string) (string, error) { return def, nil }
func (f *fakeStore) SetConfig(ctx context.Context, key, value string) error         { return nil }
func (f *fakeStore) AddLog(ctx context.Context, level, message string) error        { return nil }

func (f *fakeStore) GetSpeedRules(ctx context.Context) ([]domain.SiteRule, error) { return f.rules, nil }
func (f *fakeStore) GetPTSites(ctx context.Context) ([]domain.PTSite, error)      { return f.sites, nil }
func (f *fakeStore) GetQBInstances(ctx context.Context) ([]store.Instance, error) {
	return f.instances, nil
}
func (f *fakeStore) GetEnabledRemoveRules(ctx context.Context) ([]domain.RemoveRule, error) {
	return nil, nil
}

func (f *fakeStore) GetAllTorrentLimitStates(ctx context.Context) ([]domain.TorrentLimitState, error) {
	return f.states, nil
}
func (f *fakeStore) SaveTorrentLimitState(ctx context.Context, state domain.TorrentLimitState) error {
	f.saved = append(f.saved, state)
	return nil
}
func (f *fakeStore) AppendRemoveRecord(ctx context.Context, rec domain.RemoveRecord) error { return nil }
func (f *fakeStore) GetRemoveRecords(ctx context.Context, limit int) ([]domain.RemoveRecord, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

type fakeDriver struct {
	torrents     []domain.TorrentSample
	setLimitCall int32
	reannounce   int64
}

func (f *fakeDriver) GetTorrents(ctx context.Context, instanceID int) ([]domain.TorrentSample, error) {
	return f.torrents, nil
}
func (f *fakeDriver) GetFreeSpace(ctx context.Context, instanceID int) (int64, error) { return 0, nil }
func (f *fakeDriver) IsConnected(instanceID int) bool                                { return true }

func (f *fakeDriver) SetUploadLimit(ctx context.Context, instanceID int, hash string, bytesPerSec int64) error {
	atomic.AddInt32(&f.setLimitCall, 1)
	return nil
}
func (f *fakeDriver) Reannounce(ctx context.Context, instanceID int, hash string) error { return nil }
func (f *fakeDriver) DeleteTorrent(ctx context.Context, instanceID int, hash string, deleteFiles bool) (bool, string) {
	return true, ""
}
func (f *fakeDriver) TorrentProperties(ctx context.Context, instanceID int, hash string) (qbtdriver.Properties, error) {
	return qbtdriver.Properties{ReannounceSeconds: f.reannounce}, nil
}

func TestMatchRuleFallsBackToDefault(t *testing.T) {
	s := New(&fakeStore{}, &fakeDriver{}, nil)
	s.rules = []domain.SiteRule{{SiteID: nil, TargetSpeedKiB: 1000, Enabled: true}}
	s.buildRuleIndex()

	rule, site, ok := s.matchRule("https://unrelated.example/announce")
	require.True(t, ok)
	assert.Nil(t, site)
	assert.Equal(t, int64(1000), rule.TargetSpeedKiB)
}

func TestMatchRulePrefersSiteOverDefault(t *testing.T) {
	siteID := int64(7)
	s := New(&fakeStore{}, &fakeDriver{}, nil)
	s.sites = []domain.PTSite{{SiteID: siteID, TrackerKeyword: "mysite"}}
	s.rules = []domain.SiteRule{
		{SiteID: nil, TargetSpeedKiB: 100, Enabled: true},
		{SiteID: &siteID, TargetSpeedKiB: 5000, Enabled: true},
	}
	s.buildRuleIndex()

	rule, site, ok := s.matchRule("https://tracker.mysite.example/announce")
	require.True(t, ok)
	require.NotNil(t, site)
	assert.Equal(t, int64(5000), rule.TargetSpeedKiB)
}

func TestProcessTorrentIssuesRPCOnlyWhenLimitChanges(t *testing.T) {
	driver := &fakeDriver{reannounce: 150}
	s := New(&fakeStore{}, driver, nil)
	sample := domain.TorrentSample{Hash: "abc", Tracker: "site", UpSpeed: 100_000, Uploaded: 1000}
	rule := domain.SiteRule{TargetSpeedKiB: 1000, SafetyMargin: 1.0, Enabled: true}

	now := time.Now()
	// First tick establishes cycle_synced; its decision may differ from
	// steady-state since the phase classification uses the pre-tick flag.
	s.processTorrent(context.Background(), store.Instance{ID: 1}, sample, rule, nil, now)

	// Second and third ticks observe an unchanged sample at the same
	// instant: their computed limit must be identical, so the third tick
	// must not issue another RPC.
	s.processTorrent(context.Background(), store.Instance{ID: 1}, sample, rule, nil, now)
	afterSecond := atomic.LoadInt32(&driver.setLimitCall)
	s.processTorrent(context.Background(), store.Instance{ID: 1}, sample, rule, nil, now)
	afterThird := atomic.LoadInt32(&driver.setLimitCall)

	assert.Equal(t, afterSecond, afterThird)

	state, ok := s.GetState("abc")
	require.True(t, ok)
	assert.True(t, state.CycleSynced)
}

func TestRestoreDiscardsStaleSnapshots(t *testing.T) {
	now := time.Now()
	st := &fakeStore{
		states: []domain.TorrentLimitState{
			{Hash: "fresh", LastLogTime: now.Add(-10 * time.Second)},
			{Hash: "stale", LastLogTime: now.Add(-2 * domain.RestoreMaxAge)},
		},
	}
	s := New(st, &fakeDriver{}, nil)
	s.restore(context.Background())

	_, freshOK := s.GetState("fresh")
	_, staleOK := s.GetState("stale")
	assert.True(t, freshOK)
	assert.False(t, staleOK)
}

func TestProcessTorrentUploadedDecreaseResetsCycle(t *testing.T) {
	driver := &fakeDriver{reannounce: 100}
	s := New(&fakeStore{}, driver, nil)
	rule := domain.SiteRule{TargetSpeedKiB: 1000, SafetyMargin: 1.0, Enabled: true}
	now := time.Now()

	// Tick 1: first-ever observation, establishes cycle_synced.
	sample1 := domain.TorrentSample{Hash: "abc", Tracker: "site", UpSpeed: 1000, Uploaded: 1000}
	s.processTorrent(context.Background(), store.Instance{ID: 1}, sample1, rule, nil, now)
	state, _ := s.GetState("abc")
	require.True(t, state.CycleSynced)
	require.Equal(t, int64(0), state.CycleIndex)

	// Tick 2: a jump in reported time_left starts a new announce cycle,
	// pinning cycle_uploaded_start to the uploaded total observed then.
	driver.reannounce = 300
	sample2 := domain.TorrentSample{Hash: "abc", Tracker: "site", UpSpeed: 1000, Uploaded: 5000}
	s.processTorrent(context.Background(), store.Instance{ID: 1}, sample2, rule, nil, now.Add(1*time.Second))
	state2, _ := s.GetState("abc")
	require.Equal(t, int64(1), state2.CycleIndex)
	require.Equal(t, int64(5000), state2.CycleUploadedStart)

	// Tick 3: reported uploaded bytes drop below cycle_uploaded_start
	// (restart/reset) — this must itself increment cycle_index and pin
	// cycle_uploaded_start to the new, lower value.
	sample3 := domain.TorrentSample{Hash: "abc", Tracker: "site", UpSpeed: 1000, Uploaded: 100}
	s.processTorrent(context.Background(), store.Instance{ID: 1}, sample3, rule, nil, now.Add(2*time.Second))
	state3, _ := s.GetState("abc")
	assert.Equal(t, int64(2), state3.CycleIndex)
	assert.Equal(t, int64(100), state3.CycleUploadedStart)
}
