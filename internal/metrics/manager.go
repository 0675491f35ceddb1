// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/s0up4200/qgov/internal/autoremove"
	"github.com/s0up4200/qgov/internal/governor"
)

// Manager owns the process's metrics registry. Grounded directly on
// internal/metrics/manager.go, swapping the teacher's
// qbittorrent.SyncManager/ClientPool dependency pair for this domain's
// governor/autoremove service pair.
type Manager struct {
	registry         *prometheus.Registry
	torrentCollector *TorrentCollector
}

// NewManager builds a registry with the standard Go/process collectors
// plus the control-loop collector. Either service may be nil.
func NewManager(gov *governor.Service, ar *autoremove.Service) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	torrentCollector := NewTorrentCollector(gov, ar)
	registry.MustRegister(torrentCollector)

	log.Info().Msg("metrics manager initialized with control-loop collector")

	return &Manager{
		registry:         registry,
		torrentCollector: torrentCollector,
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
