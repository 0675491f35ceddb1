// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package pid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/qgov/internal/domain"
)

func TestNewStartsInWarmup(t *testing.T) {
	c := New()
	assert.Equal(t, domain.PhaseWarmup, c.Phase())
	assert.InDelta(t, 1.03, c.Headroom(), 1e-9)
}

func TestUpdatePerfectTrackingHoldsGainNearOne(t *testing.T) {
	c := New()
	c.SetPhase(domain.PhaseSteady)

	var out float64
	for i := 0; i < 5; i++ {
		out = c.Update(1000, 1000, float64(i))
	}

	assert.InDelta(t, 1.0, out, 1e-6)
}

func TestUpdateUndershootIncreasesGain(t *testing.T) {
	c := New()
	c.SetPhase(domain.PhaseCatch)

	out := c.Update(1000, 500, 0)
	assert.Greater(t, out, 1.0)
}

func TestUpdateOvershootDecreasesGain(t *testing.T) {
	c := New()
	c.SetPhase(domain.PhaseCatch)

	out := c.Update(1000, 1500, 0)
	assert.Less(t, out, 1.0)
}

func TestOutputClampedToBounds(t *testing.T) {
	c := New()
	c.SetPhase(domain.PhaseFinish)

	var out float64
	for i := 0; i < 50; i++ {
		out = c.Update(1000, 0, float64(i))
	}
	assert.LessOrEqual(t, out, outputMax)

	c2 := New()
	c2.SetPhase(domain.PhaseFinish)
	var out2 float64
	for i := 0; i < 50; i++ {
		out2 = c2.Update(1000, 5000, float64(i))
	}
	assert.GreaterOrEqual(t, out2, outputMin)
}

func TestIntegralClampedToHalfRange(t *testing.T) {
	c := New()
	c.SetPhase(domain.PhaseSteady)

	for i := 0; i < 100; i++ {
		c.Update(1000, 0, float64(i))
	}

	snap := c.Snapshot()
	assert.LessOrEqual(t, snap.Integral, integralClamp+1e-9)
	assert.GreaterOrEqual(t, snap.Integral, -integralClamp-1e-9)
}

func TestSetPhaseHalvesIntegralOnTransition(t *testing.T) {
	c := New()
	c.SetPhase(domain.PhaseCatch)
	c.Update(1000, 500, 0)
	c.Update(1000, 500, 1)

	before := c.Snapshot().Integral
	require.NotZero(t, before)

	c.SetPhase(domain.PhaseSteady)
	after := c.Snapshot().Integral

	assert.InDelta(t, before/2, after, 1e-9)
}

func TestSetPhaseSamePhaseIsNoop(t *testing.T) {
	c := New()
	c.SetPhase(domain.PhaseCatch)
	c.Update(1000, 500, 0)

	before := c.Snapshot().Integral
	c.SetPhase(domain.PhaseCatch)
	after := c.Snapshot().Integral

	assert.Equal(t, before, after)
}

func TestResetClearsState(t *testing.T) {
	c := New()
	c.SetPhase(domain.PhaseSteady)
	c.Update(1000, 500, 0)
	c.Update(1000, 500, 1)

	c.Reset()
	snap := c.Snapshot()

	assert.Zero(t, snap.Integral)
	assert.Zero(t, snap.LastError)
	assert.Zero(t, snap.LastTimeUnix)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c := New()
	c.SetPhase(domain.PhaseFinish)
	c.Update(2000, 1000, 10)
	c.Update(2000, 1200, 11)

	snap := c.Snapshot()
	restored := Restore(snap)

	assert.Equal(t, c.Phase(), restored.Phase())
	assert.InDelta(t, snap.Integral, restored.Snapshot().Integral, 1e-9)
	assert.InDelta(t, snap.LastError, restored.Snapshot().LastError, 1e-9)
}

func TestRestoreEmptyPhaseDefaultsToWarmup(t *testing.T) {
	restored := Restore(domain.PIDSnapshot{})
	assert.Equal(t, domain.PhaseWarmup, restored.Phase())
}

func TestUpdateZeroTargetNormalizesAgainstOne(t *testing.T) {
	c := New()
	c.SetPhase(domain.PhaseWarmup)

	assert.NotPanics(t, func() {
		c.Update(0, 5, 0)
	})
	assert.InDelta(t, -5.0, c.Snapshot().LastError, 1e-9)
}
