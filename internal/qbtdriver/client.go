// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbtdriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/s0up4200/qgov/internal/domain"
)

const loginTimeout = 30 * time.Second

// minReannounceAPIVersion is the WebAPI version at which torrents/properties
// began reporting a usable reannounce countdown; below it the oracle falls
// straight through to the estimated/cached sources.
var minReannounceAPIVersion = semver.MustParse("2.8.3")

// Client wraps one instance's *qbt.Client with a health flag and a
// version gate, the way the teacher's qbittorrent.Client does, narrowed
// to the method surface the governor and auto-remove loops need.
type Client struct {
	*qbt.Client
	instanceID         int
	webAPIVersion      string
	supportsReannounce bool
	mu                 sync.RWMutex
	healthy            bool
	lastHealthCheck    time.Time
}

// NewClient logs in and probes the WebAPI version. Grounded on
// qbittorrent.NewClient almost directly.
func NewClient(instanceID int, host, username, password string) (*Client, error) {
	qbtClient := qbt.NewClient(qbt.Config{
		Host:     host,
		Username: username,
		Password: password,
		Timeout:  30,
	})

	ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
	defer cancel()

	if err := qbtClient.LoginCtx(ctx); err != nil {
		return nil, fmt.Errorf("connect to qbittorrent instance %d: %w", instanceID, err)
	}

	version, err := qbtClient.GetWebAPIVersionCtx(ctx)
	if err != nil {
		version = ""
	}

	supportsReannounce := false
	if version != "" {
		if v, err := semver.NewVersion(version); err == nil {
			supportsReannounce = !v.LessThan(minReannounceAPIVersion)
		}
	}

	c := &Client{
		Client:             qbtClient,
		instanceID:         instanceID,
		webAPIVersion:      version,
		supportsReannounce: supportsReannounce,
		healthy:            true,
		lastHealthCheck:    time.Now(),
	}

	log.Debug().Int("instanceID", instanceID).Str("webAPIVersion", version).
		Bool("supportsReannounce", supportsReannounce).Msg("qbtdriver: client connected")

	return c, nil
}

func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// HealthCheck re-authenticates if the current session has expired.
// Grounded on qbittorrent.Client.HealthCheck almost directly.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.GetWebAPIVersionCtx(ctx); err != nil {
		if loginErr := c.LoginCtx(ctx); loginErr != nil {
			c.setHealthy(false)
			return fmt.Errorf("health check: re-login failed: %w", loginErr)
		}
		if _, err := c.GetWebAPIVersionCtx(ctx); err != nil {
			c.setHealthy(false)
			return fmt.Errorf("health check: api still failing after re-login: %w", err)
		}
	}
	c.setHealthy(true)
	return nil
}

func (c *Client) setHealthy(healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = healthy
	c.lastHealthCheck = time.Now()
}

// GetTorrents lists every torrent and converts it to the driver's sample
// shape (spec §6 get_torrents).
func (c *Client) GetTorrents(ctx context.Context) ([]domain.TorrentSample, error) {
	torrents, err := c.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
	if err != nil {
		return nil, err
	}

	out := make([]domain.TorrentSample, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, domain.TorrentSample{
			Hash:         t.Hash,
			Name:         t.Name,
			State:        string(t.State),
			Tracker:      t.Tracker,
			Size:         t.Size,
			Uploaded:     t.Uploaded,
			Downloaded:   t.Downloaded,
			UpSpeed:      t.UpSpeed,
			DlSpeed:      t.DlSpeed,
			Progress:     t.Progress,
			Ratio:        t.Ratio,
			SeedingTime:  t.SeedingTime,
			LastActivity: t.LastActivity,
		})
	}
	return out, nil
}

// GetFreeSpace reports free space at the instance's default save path
// (spec §6 get_free_space).
func (c *Client) GetFreeSpace(ctx context.Context) (int64, error) {
	data, err := c.SyncMainDataCtx(ctx, 0)
	if err != nil {
		return 0, err
	}
	if data == nil || data.ServerState == nil {
		return 0, fmt.Errorf("qbtdriver: empty server state")
	}
	return data.ServerState.FreeSpaceOnDisk, nil
}

// SetUploadLimit applies a per-torrent upload cap; bytesPerSec ==
// domain.Uncapped clears it (spec §6 set_upload_limit).
func (c *Client) SetUploadLimit(ctx context.Context, hash string, bytesPerSec int64) error {
	limit := bytesPerSec
	if limit == domain.Uncapped {
		limit = 0
	}
	return c.SetTorrentUploadLimitCtx(ctx, []string{hash}, limit)
}

// Reannounce forces an immediate tracker reannounce (spec §6 reannounce).
func (c *Client) Reannounce(ctx context.Context, hash string) error {
	return c.ReannounceTorrentsCtx(ctx, []string{hash})
}

// DeleteTorrent removes a torrent, optionally with its files (spec §6
// delete_torrent).
func (c *Client) DeleteTorrent(ctx context.Context, hash string, deleteFiles bool) (bool, string) {
	if err := c.DeleteTorrentsCtx(ctx, []string{hash}, deleteFiles); err != nil {
		return false, err.Error()
	}
	return true, "deleted"
}

// TorrentProperties returns the client-reported reannounce countdown
// (spec §6 torrents_properties).
func (c *Client) TorrentProperties(ctx context.Context, hash string) (Properties, error) {
	if !c.supportsReannounce {
		return Properties{}, fmt.Errorf("qbtdriver: instance %d webapi %s predates reannounce reporting", c.instanceID, c.webAPIVersion)
	}
	props, err := c.GetTorrentPropertiesCtx(ctx, hash)
	if err != nil {
		return Properties{}, err
	}
	return Properties{ReannounceSeconds: props.Reannounce}, nil
}
