// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package montanatime provides the calibrated clock the rest of the network
// core consumes. Freshness, ban expiry, rate limiting and cooldown math must
// never read the OS wall clock directly so that they can be driven
// deterministically in tests and so a single NMI/NTS-calibrated offset can be
// applied process-wide.
package montanatime

import (
	"sync/atomic"
	"time"
)

// Tau2Minutes is the length of a consensus slice in minutes.
const Tau2Minutes = 10

// Tau3Slices is the number of τ₂ slices in one τ₃ window (14 days).
const Tau3Slices = 2016

// Source supplies the current time to every clock-sensitive subsystem.
type Source interface {
	// Now returns the current calibrated time.
	Now() time.Time
}

// System is a Source backed by the OS wall clock, adjusted by an offset that
// an external time oracle (NMI/NTS, out of scope for this module) may update
// at any time via SetOffset.
type System struct {
	offsetNanos atomic.Int64
}

// NewSystem returns a System clock with a zero calibration offset.
func NewSystem() *System {
	return &System{}
}

// Now returns time.Now() shifted by the current calibration offset.
func (s *System) Now() time.Time {
	off := time.Duration(s.offsetNanos.Load())
	return time.Now().Add(off)
}

// SetOffset updates the calibration offset applied to subsequent Now calls.
// Safe for concurrent use.
func (s *System) SetOffset(d time.Duration) {
	s.offsetNanos.Store(int64(d))
}

// Offset returns the currently configured calibration offset.
func (s *System) Offset() time.Duration {
	return time.Duration(s.offsetNanos.Load())
}

// Fake is a manually advanced Source for tests.
type Fake struct {
	now time.Time
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake clock's current value.
func (f *Fake) Now() time.Time {
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.now = t
}

// Tau2Index returns the τ₂ index of t relative to the Unix epoch.
func Tau2Index(t time.Time) uint64 {
	return uint64(t.Unix() / (Tau2Minutes * 60))
}

// Tau2Start returns the wall-clock start of τ₂ index idx.
func Tau2Start(idx uint64) time.Time {
	return time.Unix(int64(idx)*Tau2Minutes*60, 0).UTC()
}

// Tau3Index returns the τ₃ window index containing τ₂ index tau2.
func Tau3Index(tau2 uint64) uint64 {
	return tau2 / Tau3Slices
}
