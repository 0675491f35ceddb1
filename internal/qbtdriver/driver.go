// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbtdriver wraps per-instance qBittorrent WebAPI clients behind
// the narrow driver surface the governor and auto-remove loops need.
package qbtdriver

import (
	"context"

	"github.com/s0up4200/qgov/internal/domain"
)

// Properties is the subset of torrents/properties the oracle consumes.
type Properties struct {
	ReannounceSeconds int64
}

// Driver is the consumed client driver interface (spec §6).
type Driver interface {
	// GetTorrents enumerates every torrent on the instance.
	GetTorrents(ctx context.Context, instanceID int) ([]domain.TorrentSample, error)
	// GetFreeSpace returns the instance's default save-path free space.
	GetFreeSpace(ctx context.Context, instanceID int) (int64, error)
	// IsConnected reports whether a live, authenticated session exists.
	IsConnected(instanceID int) bool
	// SetUploadLimit sets a per-torrent upload cap; bytesPerSec == domain.Uncapped clears it.
	SetUploadLimit(ctx context.Context, instanceID int, hash string, bytesPerSec int64) error
	// Reannounce forces an immediate tracker reannounce for one torrent.
	Reannounce(ctx context.Context, instanceID int, hash string) error
	// DeleteTorrent removes a torrent, optionally along with its files.
	DeleteTorrent(ctx context.Context, instanceID int, hash string, deleteFiles bool) (bool, string)
	// TorrentProperties returns the client-reported reannounce countdown and related fields.
	TorrentProperties(ctx context.Context, instanceID int, hash string) (Properties, error)
}
