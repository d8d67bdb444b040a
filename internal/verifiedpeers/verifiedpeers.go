// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package verifiedpeers implements the Verified-Peer Registry: pubkey<->
// address bindings established at handshake time, promoted to "verified"
// once a presence proof for the bound pubkey lands within the last τ₃.
package verifiedpeers

import (
	"sort"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/montana-network/montanad/internal/montanatime"
	"github.com/montana-network/montanad/internal/wire"
)

// Tau3InTau2 is the freshness window: a presence proof within the last τ₃
// (2016 τ₂ slices) keeps a binding verified.
const Tau3InTau2 = 2016

// MaxVerifiedPeers bounds registry memory.
const MaxVerifiedPeers = 10000

// Binding is a handshake-established pubkey<->address pairing.
type Binding struct {
	PubKey          []byte
	Addr            string
	BoundAt         time.Time
	LastPresenceTau2 uint64 // 0 means never seen in chain
	Weight          uint64
}

// IsVerified reports whether the binding has a presence proof within the
// last τ₃ relative to currentTau2.
func (b *Binding) IsVerified(currentTau2 uint64) bool {
	if b.LastPresenceTau2 == 0 {
		return false
	}
	return currentTau2-b.LastPresenceTau2 <= Tau3InTau2
}

func hashPubKey(pubkey []byte) wire.Hash {
	return sha3.Sum256(pubkey)
}

// Registry tracks pubkey<->address bindings and their verification state.
// Not safe for concurrent use without external synchronization.
type Registry struct {
	clock       montanatime.Source
	bindings    map[wire.Hash]*Binding
	addrToKey   map[string]wire.Hash
	currentTau2 uint64
}

// New returns an empty Registry whose bindings are timestamped via clock.
func New(clock montanatime.Source) *Registry {
	return &Registry{
		clock:     clock,
		bindings:  make(map[wire.Hash]*Binding),
		addrToKey: make(map[string]wire.Hash),
	}
}

// Bind installs a binding after a successful ML-DSA handshake. Either a
// pubkey or address collision replaces the older binding.
func (r *Registry) Bind(pubkey []byte, addr string) {
	if len(r.bindings) >= MaxVerifiedPeers {
		r.evictOldestUnverified()
	}

	key := hashPubKey(pubkey)

	if oldKey, ok := r.addrToKey[addr]; ok {
		delete(r.bindings, oldKey)
	}
	if old, ok := r.bindings[key]; ok {
		delete(r.addrToKey, old.Addr)
	}

	binding := &Binding{PubKey: pubkey, Addr: addr, BoundAt: r.clock.Now()}
	r.bindings[key] = binding
	r.addrToKey[addr] = key
}

// Unbind removes the binding for addr, e.g. on disconnect.
func (r *Registry) Unbind(addr string) {
	if key, ok := r.addrToKey[addr]; ok {
		delete(r.addrToKey, addr)
		delete(r.bindings, key)
	}
}

// UpdatePresence records a fresh presence proof for pubkey.
func (r *Registry) UpdatePresence(pubkey []byte, tau2 uint64, weight uint64) {
	key := hashPubKey(pubkey)
	if b, ok := r.bindings[key]; ok {
		b.LastPresenceTau2 = tau2
		b.Weight = weight
	}
}

// UpdateFromSlice batch-applies presence updates carried in a newly
// accepted slice and advances the current τ₂.
func (r *Registry) UpdateFromSlice(tau2 uint64, presences []struct {
	PubKey []byte
	Weight uint64
}) {
	r.currentTau2 = tau2
	for _, p := range presences {
		r.UpdatePresence(p.PubKey, tau2, p.Weight)
	}
}

// SetCurrentTau2 advances the registry's view of the current τ₂ slice.
func (r *Registry) SetCurrentTau2(tau2 uint64) { r.currentTau2 = tau2 }

// CurrentTau2 returns the registry's current τ₂.
func (r *Registry) CurrentTau2() uint64 { return r.currentTau2 }

// GetVerified returns verified addresses sorted by descending weight.
func (r *Registry) GetVerified() []string {
	return r.getVerifiedFiltered(nil)
}

// GetVerifiedExcluding returns verified addresses, excluding those in
// connected, sorted by descending weight.
func (r *Registry) GetVerifiedExcluding(connected []string) []string {
	excl := make(map[string]bool, len(connected))
	for _, a := range connected {
		excl[a] = true
	}
	return r.getVerifiedFiltered(excl)
}

func (r *Registry) getVerifiedFiltered(excl map[string]bool) []string {
	var verified []*Binding
	for _, b := range r.bindings {
		if !b.IsVerified(r.currentTau2) {
			continue
		}
		if excl != nil && excl[b.Addr] {
			continue
		}
		verified = append(verified, b)
	}
	sort.Slice(verified, func(i, j int) bool { return verified[i].Weight > verified[j].Weight })

	out := make([]string, len(verified))
	for i, b := range verified {
		out[i] = b.Addr
	}
	return out
}

// IsVerified reports whether addr currently has a verified binding.
func (r *Registry) IsVerified(addr string) bool {
	key, ok := r.addrToKey[addr]
	if !ok {
		return false
	}
	return r.bindings[key].IsVerified(r.currentTau2)
}

// GetBinding returns the binding for addr, if any.
func (r *Registry) GetBinding(addr string) (*Binding, bool) {
	key, ok := r.addrToKey[addr]
	if !ok {
		return nil, false
	}
	b, ok := r.bindings[key]
	return b, ok
}

// Len returns the total number of bindings, verified or not.
func (r *Registry) Len() int { return len(r.bindings) }

// VerifiedCount returns the number of currently-verified bindings.
func (r *Registry) VerifiedCount() int {
	n := 0
	for _, b := range r.bindings {
		if b.IsVerified(r.currentTau2) {
			n++
		}
	}
	return n
}

// evictOldestUnverified drops the longest-bound unverified binding; if
// every binding is verified, it drops the lowest-weight one instead.
func (r *Registry) evictOldestUnverified() {
	var oldestKey wire.Hash
	var oldest *Binding
	for key, b := range r.bindings {
		if b.IsVerified(r.currentTau2) {
			continue
		}
		if oldest == nil || b.BoundAt.Before(oldest.BoundAt) {
			oldest = b
			oldestKey = key
		}
	}
	if oldest != nil {
		delete(r.bindings, oldestKey)
		delete(r.addrToKey, oldest.Addr)
		return
	}

	var lowestKey wire.Hash
	var lowest *Binding
	for key, b := range r.bindings {
		if lowest == nil || b.Weight < lowest.Weight {
			lowest = b
			lowestKey = key
		}
	}
	if lowest != nil {
		delete(r.bindings, lowestKey)
		delete(r.addrToKey, lowest.Addr)
	}
}
