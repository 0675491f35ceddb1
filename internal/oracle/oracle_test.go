// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/qgov/internal/domain"
	"github.com/s0up4200/qgov/internal/qbtdriver"
	"github.com/s0up4200/qgov/internal/scraper"
)

type fakeHelper struct {
	enabled  bool
	tid      string
	siteID   int64
	found    bool
	seconds  float64
	hasValue bool
}

func (f fakeHelper) Enabled() bool { return f.enabled }

func (f fakeHelper) SearchTIDByHash(ctx context.Context, hash string) (string, int64, bool) {
	return f.tid, f.siteID, f.found
}

func (f fakeHelper) GetReannounceTime(ctx context.Context, tid string) (float64, bool) {
	return f.seconds, f.hasValue
}

type fakeScraper struct {
	helper scraper.Helper
	has    bool
}

func (f fakeScraper) UpdateFromDB(ctx context.Context, sites []domain.PTSite, proxy string) error {
	return nil
}

func (f fakeScraper) GetHelperByTracker(trackerURL string) (scraper.Helper, bool) {
	if !f.has {
		return nil, false
	}
	return f.helper, true
}

type fakeDriver struct {
	props        qbtdriver.Properties
	propsErr     error
	torrents     []domain.TorrentSample
	freeSpace    int64
}

func (f fakeDriver) GetTorrents(ctx context.Context, instanceID int) ([]domain.TorrentSample, error) {
	return f.torrents, nil
}

func (f fakeDriver) GetFreeSpace(ctx context.Context, instanceID int) (int64, error) {
	return f.freeSpace, nil
}

func (f fakeDriver) IsConnected(instanceID int) bool { return true }

func (f fakeDriver) SetUploadLimit(ctx context.Context, instanceID int, hash string, bytesPerSec int64) error {
	return nil
}

func (f fakeDriver) Reannounce(ctx context.Context, instanceID int, hash string) error {
	return nil
}

func (f fakeDriver) DeleteTorrent(ctx context.Context, instanceID int, hash string, deleteFiles bool) (bool, string) {
	return true, ""
}

func (f fakeDriver) TorrentProperties(ctx context.Context, instanceID int, hash string) (qbtdriver.Properties, error) {
	return f.props, f.propsErr
}

func TestProbeSiteWinsWhenAvailable(t *testing.T) {
	s := fakeScraper{has: true, helper: fakeHelper{enabled: true, tid: "42", found: true, seconds: 55, hasValue: true}}
	d := fakeDriver{props: qbtdriver.Properties{ReannounceSeconds: 999}}

	o := New(s, d)
	state := &domain.TorrentLimitState{Hash: "abc", Tracker: "tracker.example"}

	res := o.Probe(context.Background(), 1, state, time.Now())

	assert.Equal(t, domain.SourceSite, res.Source)
	assert.Equal(t, 55.0, res.TimeLeft)
	assert.Equal(t, "42", res.TID)
	assert.False(t, res.ReannounceSet)
}

func TestProbeFallsBackToQBAPIWhenSiteUnavailable(t *testing.T) {
	d := fakeDriver{props: qbtdriver.Properties{ReannounceSeconds: 120}}
	o := New(nil, d)
	state := &domain.TorrentLimitState{Hash: "abc"}

	now := time.Now()
	res := o.Probe(context.Background(), 1, state, now)

	assert.Equal(t, domain.SourceQBAPI, res.Source)
	assert.Equal(t, 120.0, res.TimeLeft)
	require.True(t, res.ReannounceSet)
	assert.WithinDuration(t, now.Add(120*time.Second), res.ReannounceTime, time.Second)
}

func TestProbeRejectsQBAPIOutOfRange(t *testing.T) {
	d := fakeDriver{props: qbtdriver.Properties{ReannounceSeconds: 90000}}
	o := New(nil, d)
	state := &domain.TorrentLimitState{Hash: "abc", ReannounceTime: time.Now().Add(10 * time.Second)}

	res := o.Probe(context.Background(), 1, state, time.Now())

	assert.Equal(t, domain.SourceEstimated, res.Source)
}

func TestProbeFallsBackToEstimatedWhenQBAPIFails(t *testing.T) {
	d := fakeDriver{propsErr: assertErr{}}
	o := New(nil, d)
	now := time.Now()
	state := &domain.TorrentLimitState{Hash: "abc", ReannounceTime: now.Add(30 * time.Second)}

	res := o.Probe(context.Background(), 1, state, now)

	assert.Equal(t, domain.SourceEstimated, res.Source)
	assert.InDelta(t, 30, res.TimeLeft, 1)
}

func TestProbeFallsBackToCachedWhenNothingElseAvailable(t *testing.T) {
	d := fakeDriver{propsErr: assertErr{}}
	o := New(nil, d)
	state := &domain.TorrentLimitState{Hash: "abc", CachedTimeLeft: 42}

	res := o.Probe(context.Background(), 1, state, time.Now())

	assert.Equal(t, domain.SourceCached, res.Source)
	assert.Equal(t, 42.0, res.TimeLeft)
}

func TestSnapshotCountsSuccessesBySource(t *testing.T) {
	s := fakeScraper{has: true, helper: fakeHelper{enabled: true, tid: "1", found: true, seconds: 10, hasValue: true}}
	d := fakeDriver{props: qbtdriver.Properties{ReannounceSeconds: 100}}
	o := New(s, d)

	o.Probe(context.Background(), 1, &domain.TorrentLimitState{Hash: "a", Tracker: "t"}, time.Now())
	o.Probe(context.Background(), 1, &domain.TorrentLimitState{Hash: "b", Tracker: "t"}, time.Now())

	snap := o.Snapshot()
	assert.Equal(t, int64(2), snap.SiteSuccess)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
