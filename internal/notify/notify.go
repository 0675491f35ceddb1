// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package notify is a best-effort, queued notification sender shared by
// the governor and auto-remove loops.
package notify

import (
	"context"
	"strings"
	"sync"

	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/rs/zerolog/log"
)

const (
	queueSize  = 100
	workers    = 1
	maxTitle   = 250
	maxMessage = 4000
)

// Notifier is the consumed interface (spec §6): notify must never raise.
type Notifier interface {
	Notify(title, message string)
}

// Service delivers notifications to zero or more shoutrrr URLs through a
// bounded queue, dropping events rather than blocking a calling loop.
// Grounded on notifications.Service's queue+worker shape, narrowed from
// per-event-type routing to a single notify(title, message) call drained
// by one worker. The worker exits when its context is canceled; nothing is
// enqueued to wake it on shutdown.
type Service struct {
	urls      []string
	queue     chan notification
	startOnce sync.Once
}

type notification struct {
	title   string
	message string
}

// New builds a Service that fans every Notify call out to urls.
func New(urls []string) *Service {
	return &Service{
		urls:  urls,
		queue: make(chan notification, queueSize),
	}
}

// Start launches the queue's worker. Safe to call on a nil Service.
func (s *Service) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.startOnce.Do(func() {
		for i := 0; i < workers; i++ {
			go s.worker(ctx)
		}
	})
}

// Notify enqueues a best-effort notification. Never blocks and never
// raises: a full queue drops the event with a log line.
func (s *Service) Notify(title, message string) {
	if s == nil || len(s.urls) == 0 {
		return
	}
	select {
	case s.queue <- notification{title: title, message: message}:
	default:
		log.Warn().Msg("notify: queue full, dropping notification")
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.queue:
			s.dispatch(n)
		}
	}
}

func (s *Service) dispatch(n notification) {
	for _, rawURL := range s.urls {
		sender, err := router.New(nil, rawURL)
		if err != nil {
			log.Error().Err(err).Str("url", rawURL).Msg("notify: invalid target")
			continue
		}

		params := types.Params{}
		if title := strings.TrimSpace(n.title); title != "" {
			params.SetTitle(truncate(title, maxTitle))
		}

		for _, sendErr := range sender.Send(truncate(n.message, maxMessage), &params) {
			if sendErr != nil {
				log.Error().Err(sendErr).Str("url", rawURL).Msg("notify: send failed")
			}
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
