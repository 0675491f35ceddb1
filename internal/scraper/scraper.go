// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scraper defines and implements the optional site-scraper
// collaborator consumed by the reannounce oracle. It does not parse
// tracker HTML; resolving a torrent id and its reannounce countdown from
// a tid is the responsibility of per-site helpers this package only hosts
// the contract and HTTP transport for.
package scraper

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/s0up4200/qgov/internal/domain"
)

// Timeout bounds every outbound scraper HTTP call (spec §5).
const Timeout = 10 * time.Second

// Helper resolves and queries one PT site's reannounce countdown.
type Helper interface {
	Enabled() bool
	SearchTIDByHash(ctx context.Context, hash string) (tid string, siteID int64, ok bool)
	GetReannounceTime(ctx context.Context, tid string) (seconds float64, ok bool)
}

// Scraper is the consumed, optional site-scraper interface (spec §6).
type Scraper interface {
	UpdateFromDB(ctx context.Context, sites []domain.PTSite, proxy string) error
	GetHelperByTracker(trackerURL string) (Helper, bool)
}

// HTTPScraper is the default Scraper backed by per-site helpers sharing one
// proxy-aware http.Client. Grounded on the teacher's qbt.Config{Timeout}
// convention (internal/qbittorrent/client.go), narrowed to this package's
// 10s bound.
type HTTPScraper struct {
	mu      sync.RWMutex
	client  *http.Client
	helpers map[string]Helper // keyed by lower-cased tracker keyword
	sites   []domain.PTSite

	newHelper func(site domain.PTSite, client *http.Client) Helper
}

// NewHTTPScraper returns a Scraper using newHelper to build one Helper per
// configured site. newHelper lets callers substitute a fake in tests.
func NewHTTPScraper(newHelper func(domain.PTSite, *http.Client) Helper) *HTTPScraper {
	return &HTTPScraper{
		client:    &http.Client{Timeout: Timeout},
		helpers:   make(map[string]Helper),
		newHelper: newHelper,
	}
}

// UpdateFromDB rebuilds the helper set from the current site list and
// applies the global proxy, if any, to the shared HTTP client.
func (s *HTTPScraper) UpdateFromDB(ctx context.Context, sites []domain.PTSite, proxy string) error {
	client := &http.Client{Timeout: Timeout}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	helpers := make(map[string]Helper, len(sites))
	for _, site := range sites {
		if s.newHelper == nil {
			continue
		}
		h := s.newHelper(site, client)
		key := strings.ToLower(site.TrackerKeyword)
		if key != "" {
			helpers[key] = h
		}
	}

	s.mu.Lock()
	s.client = client
	s.helpers = helpers
	s.sites = sites
	s.mu.Unlock()

	return nil
}

// GetHelperByTracker finds the helper whose tracker keyword is a
// case-insensitive substring of trackerURL.
func (s *HTTPScraper) GetHelperByTracker(trackerURL string) (Helper, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lower := strings.ToLower(trackerURL)
	for keyword, h := range s.helpers {
		if strings.Contains(lower, keyword) {
			return h, true
		}
	}
	return nil, false
}
