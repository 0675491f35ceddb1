// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ratecalc computes the per-torrent upload limit for one governor
// tick: cycle-jump detection, phase classification, and the phase-specific
// target formulas of spec.md §4.5.
package ratecalc

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hekmon/cunits/v3"
	"github.com/rs/zerolog/log"

	"github.com/s0up4200/qgov/internal/domain"
	"github.com/s0up4200/qgov/internal/kalman"
	"github.com/s0up4200/qgov/internal/oracle"
	"github.com/s0up4200/qgov/internal/pid"
)

// sourceTag renders the oracle source that produced the reannounce time
// as the reason-string tag the original engine uses.
func sourceTag(src domain.ReannounceSource) string {
	switch src {
	case domain.SourceSite:
		return "🌐"
	case domain.SourceQBAPI:
		return "📡"
	case domain.SourceEstimated:
		return "⏱"
	case domain.SourceCached:
		return "💾"
	default:
		return "❓"
	}
}

// cycleJumpToleranceSeconds is the fixed slack (not scaled by announce
// interval) before a growing time_left is treated as a new cycle.
const cycleJumpToleranceSeconds = 30

// statusLogInterval bounds the ≥20s per-torrent structured status line.
const statusLogInterval = 20 * time.Second

// Decision is the outcome of one tick's rate computation.
type Decision struct {
	Limit  int64 // bytes/s, or domain.Uncapped
	Reason string
	Phase  domain.Phase
}

// Compute runs spec §4.5 for one torrent. sample is the tick's live
// observation; state is the torrent's owned control record, mutated in
// place; now is the tick timestamp.
func Compute(ctx context.Context, state *domain.TorrentLimitState, sample domain.TorrentSample, pidc *pid.Controller, kf *kalman.Filter, o *oracle.Oracle, instanceID int, now time.Time) Decision {
	kf.Update(float64(sample.UpSpeed), float64(now.Unix()))

	probe := o.Probe(ctx, instanceID, state, now)
	timeLeft := probe.TimeLeft

	if probe.TID != "" {
		state.TID = probe.TID
	}
	if probe.ReannounceSet {
		state.ReannounceTime = probe.ReannounceTime
	}
	state.ReannounceSource = probe.Source

	if state.CycleSynced && timeLeft > state.CachedTimeLeft+cycleJumpToleranceSeconds {
		state.CycleStart = now
		state.CycleUploadedStart = sample.Uploaded
		state.CycleIndex++
		pidc.Reset()
		state.ReannounceTime = now.Add(time.Duration(timeLeft) * time.Second)
	}

	wasSynced := state.CycleSynced

	state.CachedTimeLeft = timeLeft
	if !state.CycleSynced && timeLeft > 0 {
		state.CycleSynced = true
	}

	// Phase classification uses the sync flag as it stood entering this
	// tick: the tick that first achieves sync is still a warmup tick.
	phase := classifyPhase(wasSynced, timeLeft)
	pidc.SetPhase(phase)

	if timeLeft <= 0 {
		return finalize(state, Decision{Limit: domain.Uncapped, Reason: "announcing", Phase: phase}, sample, now)
	}

	elapsed := now.Sub(state.CycleStart).Seconds()
	totalCycleTime := elapsed + timeLeft
	targetTotal := state.TargetSpeed * totalCycleTime
	cycleUploaded := math.Max(0, float64(sample.Uploaded-state.CycleUploadedStart))
	need := math.Max(0, targetTotal-cycleUploaded)
	progress := 0.0
	if targetTotal > 0 {
		progress = cycleUploaded / targetTotal
	}
	requiredSpeed := need / timeLeft

	pidGain := pidc.Update(targetTotal, cycleUploaded, float64(now.Unix()))
	headroom := pidc.Headroom()

	var limit float64
	var reason string
	src := sourceTag(state.ReannounceSource)

	switch phase {
	case domain.PhaseFinish:
		predictedTotal := cycleUploaded + kf.PredictUpload(timeLeft)
		r := 1.0
		if targetTotal > 0 {
			r = predictedTotal / targetTotal
		}
		correction := 1.0
		switch {
		case r > 1.002:
			correction = math.Max(0.8, 1-(r-1)*3)
		case r < 0.998:
			correction = math.Min(1.2, 1+(1-r)*3)
		}
		limit = requiredSpeed * pidGain * correction
		reason = fmt.Sprintf("F:%dK%s", int(requiredSpeed/1024), src)

	case domain.PhaseSteady:
		limit = requiredSpeed * headroom * pidGain
		reason = fmt.Sprintf("S:%dK%s", int(requiredSpeed/1024), src)

	case domain.PhaseCatch:
		if requiredSpeed > 5*state.TargetSpeed {
			return finalize(state, Decision{Limit: domain.Uncapped, Reason: "C:欠速" + src, Phase: phase}, sample, now)
		}
		limit = requiredSpeed * headroom * pidGain
		reason = fmt.Sprintf("C:%dK%s", int(requiredSpeed/1024), src)

	case domain.PhaseWarmup:
		switch {
		case progress >= 1.0:
			limit = domain.MinLimit
			reason = fmt.Sprintf("W:超%d%%%s", int((progress-1)*100), src)
		case progress >= 0.8:
			limit = requiredSpeed * 1.01 * pidGain
			reason = "W:精控" + src
		case progress >= 0.5:
			limit = requiredSpeed * 1.05
			reason = "W:温控" + src
		default:
			return finalize(state, Decision{Limit: domain.Uncapped, Reason: "W:预热" + src, Phase: phase}, sample, now)
		}
	}

	limit = clampLimit(limit)
	roundTo := int64(4096)
	if phase == domain.PhaseFinish {
		roundTo = 1024
	}
	rounded := roundHalfUp(limit, roundTo)

	return finalize(state, Decision{Limit: rounded, Reason: reason, Phase: phase}, sample, now)
}

func classifyPhase(synced bool, timeLeft float64) domain.Phase {
	switch {
	case !synced:
		return domain.PhaseWarmup
	case timeLeft <= 30:
		return domain.PhaseFinish
	case timeLeft <= 120:
		return domain.PhaseSteady
	default:
		return domain.PhaseCatch
	}
}

func clampLimit(limit float64) float64 {
	if limit < domain.MinLimit {
		return domain.MinLimit
	}
	if limit > domain.MaxLimit {
		return domain.MaxLimit
	}
	return limit
}

func roundHalfUp(v float64, multiple int64) int64 {
	m := float64(multiple)
	return int64(math.Floor(v/m+0.5)) * multiple
}

// finalize logs the ≥20s status line. Applying the decision to
// state.LastLimit/LastLimitReason and deciding whether to issue the RPC is
// the governor's job (idempotence requires comparing against the prior
// value before it's overwritten).
func finalize(state *domain.TorrentLimitState, d Decision, sample domain.TorrentSample, now time.Time) Decision {
	if now.Sub(state.LastLogTime) >= statusLogInterval {
		state.LastLogTime = now
		log.Debug().
			Str("hash", state.Hash).
			Str("phase", string(d.Phase)).
			Str("reason", d.Reason).
			Str("speed", cunits.ImportInBytes(float64(sample.UpSpeed)).String()).
			Str("limit", limitHuman(d.Limit)).
			Msg("ratecalc: status")
	}

	return d
}

func limitHuman(limit int64) string {
	if limit == domain.Uncapped {
		return "uncapped"
	}
	return cunits.ImportInBytes(float64(limit)).String()
}
