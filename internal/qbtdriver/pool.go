// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbtdriver

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/s0up4200/qgov/internal/crypto"
	"github.com/s0up4200/qgov/internal/domain"
	"github.com/s0up4200/qgov/internal/store"
)

// ClientPool lazily connects and caches one *Client per instance,
// implementing the Driver interface the governor and auto-remove loops
// consume. Reconstructed from the call sites in the teacher's
// qbittorrent.ClientPool usage (internal/qbittorrent/metrics.go,
// log_cache.go, services/reannounce/service.go all call through a pool
// keyed by instance ID) since the pool type itself wasn't in the
// retrieved pack; this is its narrowed rewrite for a governor-only
// client surface (no sync manager, no event dispatch).
type ClientPool struct {
	st        store.Store
	encryptor *crypto.AESEncryptor

	mu      sync.RWMutex
	clients map[int]*Client
}

// NewClientPool builds an empty pool backed by st for instance lookups.
// encryptor may be nil, in which case stored passwords are used as-is
// (only safe for tests that never persist a real instance password).
func NewClientPool(st store.Store, encryptor *crypto.AESEncryptor) *ClientPool {
	return &ClientPool{st: st, encryptor: encryptor, clients: make(map[int]*Client)}
}

// get returns (connecting if necessary) the client for instanceID.
func (p *ClientPool) get(ctx context.Context, instanceID int) (*Client, error) {
	p.mu.RLock()
	c, ok := p.clients[instanceID]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[instanceID]; ok {
		return c, nil
	}

	instances, err := p.st.GetQBInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("qbtdriver: list instances: %w", err)
	}
	for _, inst := range instances {
		if inst.ID != instanceID {
			continue
		}
		password := inst.Password
		if p.encryptor != nil && password != "" {
			plain, err := p.encryptor.Decrypt(password)
			if err != nil {
				return nil, fmt.Errorf("qbtdriver: decrypt password for instance %d: %w", inst.ID, err)
			}
			password = plain
		}
		client, err := NewClient(inst.ID, inst.Host, inst.Username, password)
		if err != nil {
			return nil, err
		}
		p.clients[instanceID] = client
		return client, nil
	}
	return nil, fmt.Errorf("qbtdriver: unknown instance %d", instanceID)
}

func (p *ClientPool) GetTorrents(ctx context.Context, instanceID int) ([]domain.TorrentSample, error) {
	c, err := p.get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return c.GetTorrents(ctx)
}

func (p *ClientPool) GetFreeSpace(ctx context.Context, instanceID int) (int64, error) {
	c, err := p.get(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	return c.GetFreeSpace(ctx)
}

// IsConnected lazily connects on first use, then verifies the cached
// client's session is still healthy.
func (p *ClientPool) IsConnected(instanceID int) bool {
	ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
	defer cancel()

	c, err := p.get(ctx, instanceID)
	if err != nil {
		log.Debug().Err(err).Int("instance", instanceID).Msg("qbtdriver: connect failed")
		return false
	}
	if !c.IsHealthy() {
		if err := c.HealthCheck(ctx); err != nil {
			log.Debug().Err(err).Int("instance", instanceID).Msg("qbtdriver: health check failed")
			return false
		}
	}
	return true
}

func (p *ClientPool) SetUploadLimit(ctx context.Context, instanceID int, hash string, bytesPerSec int64) error {
	c, err := p.get(ctx, instanceID)
	if err != nil {
		return err
	}
	return c.SetUploadLimit(ctx, hash, bytesPerSec)
}

func (p *ClientPool) Reannounce(ctx context.Context, instanceID int, hash string) error {
	c, err := p.get(ctx, instanceID)
	if err != nil {
		return err
	}
	return c.Reannounce(ctx, hash)
}

func (p *ClientPool) DeleteTorrent(ctx context.Context, instanceID int, hash string, deleteFiles bool) (bool, string) {
	c, err := p.get(ctx, instanceID)
	if err != nil {
		return false, err.Error()
	}
	return c.DeleteTorrent(ctx, hash, deleteFiles)
}

func (p *ClientPool) TorrentProperties(ctx context.Context, instanceID int, hash string) (Properties, error) {
	c, err := p.get(ctx, instanceID)
	if err != nil {
		return Properties{}, err
	}
	return c.TorrentProperties(ctx, hash)
}

// Close logs out every connected client, best-effort.
func (p *ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.clients {
		if err := c.LogoutCtx(context.Background()); err != nil {
			log.Debug().Err(err).Int("instance", id).Msg("qbtdriver: logout failed")
		}
	}
}
