// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package store defines the persistence contract shared by the governor
// and auto-remove loops, and its SQLite-backed implementation.
package store

import (
	"context"

	"github.com/s0up4200/qgov/internal/domain"
)

// Instance is a configured qBittorrent instance.
type Instance struct {
	ID       int
	Name     string
	Host     string
	Username string
	Password string // decrypted by the caller via internal/crypto
	Enabled  bool
}

// Store is the consumed persistence interface (spec §6), expanded with the
// instance/rule/state CRUD spec.md abstracts as "the store".
type Store interface {
	// GetConfig returns a string config value, or def if unset.
	GetConfig(ctx context.Context, key, def string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	AddLog(ctx context.Context, level, message string) error

	GetSpeedRules(ctx context.Context) ([]domain.SiteRule, error)
	GetPTSites(ctx context.Context) ([]domain.PTSite, error)
	GetQBInstances(ctx context.Context) ([]Instance, error)
	GetEnabledRemoveRules(ctx context.Context) ([]domain.RemoveRule, error)

	GetAllTorrentLimitStates(ctx context.Context) ([]domain.TorrentLimitState, error)
	SaveTorrentLimitState(ctx context.Context, state domain.TorrentLimitState) error

	AppendRemoveRecord(ctx context.Context, rec domain.RemoveRecord) error
	GetRemoveRecords(ctx context.Context, limit int) ([]domain.RemoveRecord, error)

	Close() error
}
