// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package kalman implements the constant-acceleration filter that smooths
// a torrent's raw upload-speed samples for the rate computation step. One
// Filter is owned exclusively by a single torrent's control state.
package kalman

import "github.com/s0up4200/qgov/internal/domain"

const (
	qSpeed = 0.1
	qAccel = 0.05
	rMeas  = 0.5
)

// Filter tracks smoothed upload speed and its acceleration, each with its
// own variance. The zero value is the same uninitialized Filter that New
// returns.
type Filter struct {
	speed        float64
	acceleration float64
	pSpeed       float64
	pAccel       float64
	lastTime     float64
	initialized  bool
}

// New returns an uninitialized Filter; its first Update seeds speed from
// the measurement rather than predicting.
func New() *Filter {
	return &Filter{}
}

// Update folds in a new (measured speed, time) sample and returns the
// filter's smoothed speed estimate.
func (f *Filter) Update(measured, now float64) float64 {
	if !f.initialized {
		f.speed = measured
		f.lastTime = now
		f.initialized = true
		return f.speed
	}

	dt := now - f.lastTime
	if dt <= 0 {
		dt = 1
	}

	predicted := f.speed + f.acceleration*dt
	pSpeed := f.pSpeed + qSpeed + f.pAccel*dt*dt
	pAccel := f.pAccel + qAccel

	inn := measured - predicted
	k := pSpeed / (pSpeed + rMeas)

	f.speed = predicted + k*inn
	f.acceleration = f.acceleration + 0.1*inn/dt
	f.pSpeed = pSpeed * (1 - k)
	f.pAccel = pAccel
	f.lastTime = now

	return f.speed
}

// PredictUpload projects the bytes that will be uploaded over the next
// timeLeft seconds at the filter's current speed and acceleration.
func (f *Filter) PredictUpload(timeLeft float64) float64 {
	return f.speed*timeLeft + 0.5*f.acceleration*timeLeft*timeLeft
}

// Speed returns the filter's current smoothed speed estimate.
func (f *Filter) Speed() float64 {
	return f.speed
}

// Snapshot captures the filter's persistable state.
func (f *Filter) Snapshot() domain.KalmanSnapshot {
	return domain.KalmanSnapshot{
		Speed:        f.speed,
		Acceleration: f.acceleration,
		PSpeed:       f.pSpeed,
		PAccel:       f.pAccel,
		LastTimeUnix: int64(f.lastTime),
		Initialized:  f.initialized,
	}
}

// Restore rehydrates a Filter from a persisted snapshot.
func Restore(s domain.KalmanSnapshot) *Filter {
	return &Filter{
		speed:        s.Speed,
		acceleration: s.Acceleration,
		pSpeed:       s.PSpeed,
		pAccel:       s.PAccel,
		lastTime:     float64(s.LastTimeUnix),
		initialized:  s.Initialized,
	}
}
