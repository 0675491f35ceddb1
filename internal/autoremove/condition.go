// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package autoremove runs the auto-remove rule engine: a second,
// independent periodic loop that deletes torrents matching a configured
// removal condition.
package autoremove

import "github.com/s0up4200/qgov/internal/domain"

// snapshot is the per-tick view an auto-remove rule is evaluated against:
// a torrent sample plus the instance-wide free space measured that tick.
type snapshot struct {
	domain.TorrentSample
	FreeSpace int64
}

// Matches reports whether every present predicate in c holds against snap
// (spec.md §4.6 table; AND semantics, absent keys are "don't care").
func Matches(c domain.RemoveCondition, snap snapshot, now int64) bool {
	if c.FreeSpaceLT != nil && !(snap.FreeSpace < *c.FreeSpaceLT) {
		return false
	}
	if c.UploadSpeedLT != nil && !(snap.UpSpeed < *c.UploadSpeedLT) {
		return false
	}
	if c.Completed != nil && *c.Completed && snap.Progress < 1.0 {
		return false
	}
	if c.SeedingTimeGT != nil && !(snap.SeedingTime > *c.SeedingTimeGT) {
		return false
	}
	if c.RatioGT != nil && !(snap.Ratio > *c.RatioGT) {
		return false
	}
	if c.SizeGT != nil && !(snap.Size > *c.SizeGT) {
		return false
	}
	if c.NoPeersTimeGT != nil {
		if !(snap.LastActivity > 0 && now-snap.LastActivity > *c.NoPeersTimeGT) {
			return false
		}
	}
	return true
}

// FirstMatch returns the first enabled rule (in order) whose condition
// matches snap, or ok=false if none does.
func FirstMatch(rules []domain.RemoveRule, snap snapshot, now int64) (domain.RemoveRule, bool) {
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if Matches(r.Condition, snap, now) {
			return r, true
		}
	}
	return domain.RemoveRule{}, false
}
