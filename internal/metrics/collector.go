// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/s0up4200/qgov/internal/autoremove"
	"github.com/s0up4200/qgov/internal/governor"
)

// TorrentCollector exposes the governor/auto-remove control-loop counters
// named in spec §6's get_stats(): site_success, qb_api_success,
// fallback_count, torrents_controlled, running, plus a cumulative
// removed-torrent counter for the auto-remove loop. Grounded on
// internal/metrics/collector/torrent.go's prometheus.NewDesc field layout
// and Describe/Collect pairing, narrowed from per-instance live-sync
// gauges (this domain has no sync manager) to this domain's control-loop
// counters, pulled straight from governor.Service.Len/OracleCounters
// and autoremove.Service.Running/TotalRemoved.
type TorrentCollector struct {
	governor   *governor.Service
	autoremove *autoremove.Service

	siteSuccessDesc        *prometheus.Desc
	qbAPISuccessDesc       *prometheus.Desc
	fallbackCountDesc      *prometheus.Desc
	torrentsControlledDesc *prometheus.Desc
	autoRemoveRunningDesc  *prometheus.Desc
	autoRemoveTotalDesc    *prometheus.Desc
}

// NewTorrentCollector wires the collector to the running services. Either
// may be nil (e.g. under test), in which case the metrics it would
// populate are simply skipped during Collect.
func NewTorrentCollector(gov *governor.Service, ar *autoremove.Service) *TorrentCollector {
	return &TorrentCollector{
		governor:   gov,
		autoremove: ar,

		siteSuccessDesc: prometheus.NewDesc(
			"qgov_oracle_site_success_total",
			"Number of reannounce-time probes resolved by the site scraper",
			nil, nil,
		),
		qbAPISuccessDesc: prometheus.NewDesc(
			"qgov_oracle_qb_api_success_total",
			"Number of reannounce-time probes resolved by the qBittorrent API",
			nil, nil,
		),
		fallbackCountDesc: prometheus.NewDesc(
			"qgov_oracle_fallback_total",
			"Number of reannounce-time probes resolved by the estimated or cached fallback",
			nil, nil,
		),
		torrentsControlledDesc: prometheus.NewDesc(
			"qgov_governor_torrents_controlled",
			"Number of torrents currently tracked by the rate governor",
			nil, nil,
		),
		autoRemoveRunningDesc: prometheus.NewDesc(
			"qgov_autoremove_running",
			"Whether the auto-remove loop is running (1) or stopped (0)",
			nil, nil,
		),
		autoRemoveTotalDesc: prometheus.NewDesc(
			"qgov_autoremove_removed_total",
			"Total number of torrents removed by the auto-remove loop",
			nil, nil,
		),
	}
}

func (c *TorrentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.siteSuccessDesc
	ch <- c.qbAPISuccessDesc
	ch <- c.fallbackCountDesc
	ch <- c.torrentsControlledDesc
	ch <- c.autoRemoveRunningDesc
	ch <- c.autoRemoveTotalDesc
}

func (c *TorrentCollector) Collect(ch chan<- prometheus.Metric) {
	if c.governor != nil {
		counters := c.governor.OracleCounters()
		ch <- prometheus.MustNewConstMetric(c.siteSuccessDesc, prometheus.CounterValue, float64(counters.SiteSuccess))
		ch <- prometheus.MustNewConstMetric(c.qbAPISuccessDesc, prometheus.CounterValue, float64(counters.QBAPISuccess))
		ch <- prometheus.MustNewConstMetric(c.fallbackCountDesc, prometheus.CounterValue, float64(counters.Fallback))
		ch <- prometheus.MustNewConstMetric(c.torrentsControlledDesc, prometheus.GaugeValue, float64(c.governor.Len()))
	}

	if c.autoremove != nil {
		running := 0.0
		if c.autoremove.Running() {
			running = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.autoRemoveRunningDesc, prometheus.GaugeValue, running)
		ch <- prometheus.MustNewConstMetric(c.autoRemoveTotalDesc, prometheus.CounterValue, float64(c.autoremove.TotalRemoved()))
	}
}
