// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package domain holds the shared value types for the precision
// upload-rate governor and the auto-remove rule engine: site rules,
// per-torrent control state, and removal bookkeeping. Nothing in this
// package talks to a network, a client, or a database.
package domain

import (
	"strings"
	"time"
)

// MinLimit and MaxLimit bound every finite upload cap the governor applies.
const (
	MinLimit = 4096               // 4 KiB/s
	MaxLimit = 500 * 1024 * 1024  // 500 MiB/s
	Uncapped = -1
)

// Phase names the regime of the announce cycle a torrent is currently in.
// Gains and headroom for each phase live in the PID package's table P.
type Phase string

const (
	PhaseWarmup Phase = "warmup"
	PhaseCatch  Phase = "catch"
	PhaseSteady Phase = "steady"
	PhaseFinish Phase = "finish"
)

// ReannounceSource tags which of the oracle's three sources produced a
// "seconds to next announce" value.
type ReannounceSource string

const (
	SourceSite      ReannounceSource = "site"
	SourceQBAPI     ReannounceSource = "qb_api"
	SourceEstimated ReannounceSource = "estimated"
	SourceCached    ReannounceSource = "cached"
)

// SiteRule configures the target upload speed and safety margin for one PT
// site, or the default fallback rule when SiteID is nil.
type SiteRule struct {
	SiteID         *int64
	TargetSpeedKiB int64
	SafetyMargin   float64
	Enabled        bool
}

// DefaultSafetyMargin is applied when a stored rule omits the margin.
const DefaultSafetyMargin = 0.98

// TargetSpeedBytes converts the configured KiB/s target to bytes/s.
func (r SiteRule) TargetSpeedBytes() float64 {
	return float64(r.TargetSpeedKiB) * 1024
}

// IsDefault reports whether this rule is the null-site fallback.
func (r SiteRule) IsDefault() bool {
	return r.SiteID == nil
}

// PTSite is a private tracker community the governor recognizes by
// probing a torrent's tracker URL against TrackerKeyword or the site's
// own host.
type PTSite struct {
	SiteID         int64
	Name           string
	URL            string
	TrackerKeyword string
}

// TorrentLimitState is the governor's persistent per-torrent control
// record. It is owned exclusively by the governor tick that owns Hash;
// PID and Kalman hold value snapshots of that torrent's own estimators.
type TorrentLimitState struct {
	Hash       string
	Name       string
	Tracker    string
	InstanceID int
	SiteID     *int64
	TID        string // tracker-side torrent id, cached after first scraper lookup

	CycleIndex         int64
	CycleStart         time.Time
	CycleUploadedStart int64
	CycleSynced        bool

	ReannounceTime   time.Time
	CachedTimeLeft   float64
	ReannounceSource ReannounceSource

	TargetSpeed     float64 // bytes/s
	LastLimit       int64   // bytes/s, or domain.Uncapped
	LastLimitReason string

	LastLogTime time.Time

	// Estimator state is persisted as plain numbers (see store schema); on
	// restore the governor does not load these numbers back and starts each
	// torrent with a fresh pid.Controller / kalman.Filter at initial values.
	// The structs themselves are not embedded here to keep this package
	// free of an import cycle with internal/pid and internal/kalman.
	PID    PIDSnapshot
	Kalman KalmanSnapshot
}

// PIDSnapshot is the persisted state of a pid.Controller.
type PIDSnapshot struct {
	Phase       Phase
	Integral    float64
	LastError   float64
	LastTimeUnix int64
}

// KalmanSnapshot is the persisted state of a kalman.Filter.
type KalmanSnapshot struct {
	Speed        float64
	Acceleration float64
	PSpeed       float64
	PAccel       float64
	LastTimeUnix int64
	Initialized  bool
}

// RestoreMaxAge is how long a persisted TorrentLimitState snapshot may sit
// idle before it's discarded on restart instead of restored.
const RestoreMaxAge = 86400 * time.Second

// SnapshotInterval is how often the governor persists its live state table.
const SnapshotInterval = 180 * time.Second

// TorrentSample is one tick's worth of live observation from the client
// driver, feeding both the governor and the auto-remove evaluator.
type TorrentSample struct {
	Hash         string
	Name         string
	State        string
	Tracker      string
	Size         int64
	Uploaded     int64
	Downloaded   int64
	UpSpeed      int64
	DlSpeed      int64
	Progress     float64
	Ratio        float64
	SeedingTime  int64
	LastActivity int64
}

// IsSeeding matches spec.md's definition: actively uploading, or a state
// string that names upload/seed, or one ending in "up".
func (t TorrentSample) IsSeeding() bool {
	if t.UpSpeed > 0 {
		return true
	}
	s := strings.ToLower(t.State)
	return strings.Contains(s, "upload") || strings.Contains(s, "seed") || strings.HasSuffix(s, "up")
}

// RemoveRule is a named, ordered auto-remove condition. The first enabled
// rule whose Condition matches a torrent wins.
type RemoveRule struct {
	ID          int64
	Name        string
	Description string
	Enabled     bool
	SortOrder   int
	Condition   RemoveCondition
}

// RemoveCondition is a set-valued AND of optional predicates. A nil field
// means "don't care"; every non-nil field must hold for the condition to
// match (spec.md §4.6).
type RemoveCondition struct {
	FreeSpaceLT   *int64   `json:"free_space_lt,omitempty"`
	UploadSpeedLT *int64   `json:"upload_speed_lt,omitempty"`
	Completed     *bool    `json:"completed,omitempty"`
	SeedingTimeGT *int64   `json:"seeding_time_gt,omitempty"`
	RatioGT       *float64 `json:"ratio_gt,omitempty"`
	SizeGT        *int64   `json:"size_gt,omitempty"`
	NoPeersTimeGT *int64   `json:"no_peers_time_gt,omitempty"`
}

// RemoveRecord is one entry in the capped removal history ring buffer.
type RemoveRecord struct {
	Timestamp           time.Time
	InstanceID          int
	InstanceName        string
	TorrentHash         string
	TorrentName         string
	MatchedRule         string
	Reason              string
	Size                int64
	Uploaded            int64
	Ratio               float64
	FreeSpaceAtDeletion int64
}

// RemoveRecordCap bounds the removal history ring buffer (spec.md §3, §8
// property 7).
const RemoveRecordCap = 500
