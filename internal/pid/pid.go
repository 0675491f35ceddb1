// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pid implements the phase-aware PID controller that turns a
// normalized upload-rate error into a dimensionless gain. One Controller
// is owned exclusively by a single torrent's control state; it holds no
// reference to any client, store, or other torrent.
package pid

import (
	"math"

	"github.com/s0up4200/qgov/internal/domain"
)

// gains holds (kp, ki, kd, headroom) for one phase (spec.md table P).
type gains struct {
	kp, ki, kd, headroom float64
}

var table = map[domain.Phase]gains{
	domain.PhaseWarmup: {kp: 0.3, ki: 0.05, kd: 0.02, headroom: 1.03},
	domain.PhaseCatch:  {kp: 0.5, ki: 0.10, kd: 0.05, headroom: 1.02},
	domain.PhaseSteady: {kp: 0.6, ki: 0.15, kd: 0.08, headroom: 1.005},
	domain.PhaseFinish: {kp: 0.8, ki: 0.20, kd: 0.12, headroom: 1.001},
}

const (
	integralClamp = 0.5
	outputMin     = 0.3
	outputMax     = 3.0
)

// Controller is a phase-switched PID. Zero value is a valid controller in
// the warmup phase.
type Controller struct {
	phase     domain.Phase
	integral  float64
	lastError float64
	lastTime  float64
	hasLast   bool
}

// New returns a Controller starting in the warmup phase.
func New() *Controller {
	return &Controller{phase: domain.PhaseWarmup}
}

// SetPhase switches the active gain set. Per spec.md §4.1, a phase
// transition halves the integral accumulator as anti-windup protection
// against the regime change; it's a no-op if the phase is unchanged.
func (c *Controller) SetPhase(phase domain.Phase) {
	if c.phase == phase {
		return
	}
	c.phase = phase
	c.integral /= 2
}

// Phase returns the controller's current phase.
func (c *Controller) Phase() domain.Phase {
	return c.phase
}

// Reset zeroes the integral, last-error, and last-time fields.
func (c *Controller) Reset() {
	c.integral = 0
	c.lastError = 0
	c.lastTime = 0
	c.hasLast = false
}

// Update computes the next gain for a (target, actual) pair observed at
// time now (seconds, e.g. a Unix timestamp). target and actual are both
// byte counts; target must be able to be zero, in which case the error
// normalizes against 1 to avoid a division by zero.
func (c *Controller) Update(target, actual, now float64) float64 {
	g, ok := table[c.phase]
	if !ok {
		g = table[domain.PhaseWarmup]
	}

	denom := math.Max(target, 1)
	e := (target - actual) / denom

	dt := 1.0
	if c.hasLast {
		dt = now - c.lastTime
	}

	c.integral = clamp(c.integral+e*dt, -integralClamp, integralClamp)

	d := 0.0
	if dt != 0 {
		d = (e - c.lastError) / dt
	}

	o := 1 + g.kp*e + g.ki*c.integral + g.kd*d
	o = clamp(o, outputMin, outputMax)

	c.lastError = e
	c.lastTime = now
	c.hasLast = true

	return o
}

// Headroom returns the current phase's multiplicative safety factor.
func (c *Controller) Headroom() float64 {
	g, ok := table[c.phase]
	if !ok {
		g = table[domain.PhaseWarmup]
	}
	return g.headroom
}

// Snapshot captures the controller's persistable state.
func (c *Controller) Snapshot() domain.PIDSnapshot {
	return domain.PIDSnapshot{
		Phase:        c.phase,
		Integral:     c.integral,
		LastError:    c.lastError,
		LastTimeUnix: int64(c.lastTime),
	}
}

// Restore rehydrates a Controller from a persisted snapshot.
func Restore(s domain.PIDSnapshot) *Controller {
	phase := s.Phase
	if phase == "" {
		phase = domain.PhaseWarmup
	}
	return &Controller{
		phase:     phase,
		integral:  s.Integral,
		lastError: s.LastError,
		lastTime:  float64(s.LastTimeUnix),
		hasLast:   s.LastTimeUnix != 0,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
