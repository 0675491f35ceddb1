// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package governor

import (
	"sync"
	"time"

	"github.com/s0up4200/qgov/internal/domain"
	"github.com/s0up4200/qgov/internal/kalman"
	"github.com/s0up4200/qgov/internal/pid"
)

// owned is one torrent's live control record: the persisted state plus its
// private estimators. Mutated only by the governor's tick goroutine;
// reads for inspection APIs go through StateTable's RWMutex.
type owned struct {
	state  domain.TorrentLimitState
	pid    *pid.Controller
	kalman *kalman.Filter
}

// StateTable is the governor-wide map of hash → owned control state.
// Grounded on the teacher's jobsMu-guarded job map in
// internal/services/reannounce/service.go, generalized to one table
// shared by every instance instead of one job set per scan.
type StateTable struct {
	mu sync.RWMutex
	m  map[string]*owned
}

// NewStateTable returns an empty table.
func NewStateTable() *StateTable {
	return &StateTable{m: make(map[string]*owned)}
}

// GetOrCreate returns the owned record for hash, creating a fresh one
// (warmup phase, zero-value estimators) if absent.
func (t *StateTable) GetOrCreate(hash string, seed domain.TorrentLimitState) (*domain.TorrentLimitState, *pid.Controller, *kalman.Filter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.m[hash]
	if !ok {
		o = &owned{state: seed, pid: pid.New(), kalman: kalman.New()}
		t.m[hash] = o
	}
	return &o.state, o.pid, o.kalman
}

// Restore seeds the table from persisted snapshots not older than
// domain.RestoreMaxAge. Per spec, the estimators themselves are not
// rehydrated from their persisted numeric state: each torrent gets a
// fresh pid.Controller/kalman.Filter at its initial values, while the
// rest of the control record (phase, cycle, target speed, limit) carries
// over so the governor doesn't forget what it was doing.
func (t *StateTable) Restore(states []domain.TorrentLimitState, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	restored := 0
	for _, s := range states {
		if now.Sub(s.LastLogTime) > domain.RestoreMaxAge {
			continue
		}
		t.m[s.Hash] = &owned{
			state:  s,
			pid:    pid.New(),
			kalman: kalman.New(),
		}
		restored++
	}
	return restored
}

// Prune removes hashes not present in live, returning the removed count.
// Called once per tick after enumeration so dead torrents don't leak.
func (t *StateTable) Prune(live map[string]bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for hash := range t.m {
		if !live[hash] {
			delete(t.m, hash)
			removed++
		}
	}
	return removed
}

// Delete removes one hash immediately. Nothing in this module calls it;
// torrents removed by auto-remove leave the table through Prune on the
// next tick.
func (t *StateTable) Delete(hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, hash)
}

// Snapshot returns a copy of every tracked state's persisted fields,
// for the ~180s periodic save and the all-states inspection endpoint.
func (t *StateTable) Snapshot() []domain.TorrentLimitState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.TorrentLimitState, 0, len(t.m))
	for _, o := range t.m {
		s := o.state
		s.PID = o.pid.Snapshot()
		s.Kalman = o.kalman.Snapshot()
		out = append(out, s)
	}
	return out
}

// Get returns a copy of one hash's state, for single-torrent inspection.
func (t *StateTable) Get(hash string) (domain.TorrentLimitState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	o, ok := t.m[hash]
	if !ok {
		return domain.TorrentLimitState{}, false
	}
	s := o.state
	s.PID = o.pid.Snapshot()
	s.Kalman = o.kalman.Snapshot()
	return s, true
}

// Len reports the number of tracked torrents.
func (t *StateTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}
