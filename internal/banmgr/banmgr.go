// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package banmgr implements the exact-match Ban Registry, persisted to disk
// with a pre-load size cap.
package banmgr

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/montana-network/montanad/internal/montanatime"
)

// MaxFileSize is the pre-deserialization size cap on a persisted ban list.
const MaxFileSize = 1 * 1024 * 1024

// Ban durations by reason.
const (
	DurationInvalidMagic       = 1 * time.Hour
	DurationOversizedMessage   = 24 * time.Hour
	DurationProtocolViolation  = 24 * time.Hour
	DurationMisbehavior        = 24 * time.Hour
)

// Reason tags why a ban was issued.
type Reason string

// Standard ban reasons.
const (
	ReasonInvalidMagic      Reason = "invalid_magic"
	ReasonOversizedMessage  Reason = "oversized_message"
	ReasonProtocolViolation Reason = "protocol_violation"
	ReasonMisbehavior       Reason = "misbehavior"
)

// Entry is a single persisted ban record.
type Entry struct {
	Addr     string    `json:"addr"`
	BannedAt time.Time `json:"banned_at"`
	BanUntil time.Time `json:"ban_until"`
	Reason   Reason    `json:"reason"`
}

// Registry is the in-memory, disk-backed ban list. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	bans  map[string]Entry
	clock montanatime.Source
}

// New returns an empty Registry.
func New(clock montanatime.Source) *Registry {
	return &Registry{
		bans:  make(map[string]Entry),
		clock: clock,
	}
}

// Ban installs a ban on ip for duration d with the given reason, replacing
// any existing entry.
func (r *Registry) Ban(ip net.IP, d time.Duration, reason Reason) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bans[ip.String()] = Entry{
		Addr:     ip.String(),
		BannedAt: now,
		BanUntil: now.Add(d),
		Reason:   reason,
	}
}

// IsBanned reports whether ip is currently banned. Expired entries are
// treated as not-banned but are not removed here (Expire does that).
func (r *Registry) IsBanned(ip net.IP) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bans[ip.String()]
	if !ok {
		return false
	}
	return r.clock.Now().Before(e.BanUntil)
}

// Unban removes any ban on ip, regardless of expiry.
func (r *Registry) Unban(ip net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bans, ip.String())
}

// Expire removes all entries whose ban has elapsed. It is a no-op when
// nothing has expired.
func (r *Registry) Expire() {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.bans {
		if !now.Before(e.BanUntil) {
			delete(r.bans, k)
		}
	}
}

// List returns a snapshot of all currently stored entries, expired or not.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.bans))
	for _, e := range r.bans {
		out = append(out, e)
	}
	return out
}

// Clear removes every ban.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bans = make(map[string]Entry)
}

// Save serializes the registry to path.
func (r *Registry) Save(path string) error {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.bans))
	for _, e := range r.bans {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("banmgr: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Load reads path into the registry, refusing files larger than
// MaxFileSize before attempting to parse them.
func (r *Registry) Load(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("banmgr: stat: %w", err)
	}
	if info.Size() > MaxFileSize {
		return fmt.Errorf("banmgr: ban list file %d bytes exceeds cap %d", info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("banmgr: read: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("banmgr: unmarshal: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bans = make(map[string]Entry, len(entries))
	for _, e := range entries {
		r.bans[e.Addr] = e
	}
	return nil
}

// BanDefault bans ip for the standard 24-hour misbehavior duration.
func (r *Registry) BanDefault(ip net.IP) {
	r.Ban(ip, DurationMisbehavior, ReasonMisbehavior)
}
