// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package selector implements the Peer Selector: a unified, three-tier
// trust selection algorithm layering Trusted Core (hardcoded bootstrap
// nodes), Verified (presence-proven) peers, and Gossip (AddrMan) peers.
package selector

import (
	"math/rand"
	"net"
	"strconv"
	"sync"

	"github.com/montana-network/montanad/internal/addrmgr"
	"github.com/montana-network/montanad/internal/verifiedpeers"
)

// TrustLevel ranks the source of a selected peer, lower is more trusted.
type TrustLevel uint8

const (
	// TrustedCore is a hardcoded ML-DSA bootstrap node.
	TrustedCore TrustLevel = iota
	// Verified is a peer with a presence proof within the last τ₃.
	Verified
	// Gossip is an address learned only via addr relay.
	Gossip
)

// Priority returns the numeric priority of the level; lower is better.
func (t TrustLevel) Priority() uint8 { return uint8(t) }

func (t TrustLevel) String() string {
	switch t {
	case TrustedCore:
		return "trusted-core"
	case Verified:
		return "verified"
	default:
		return "gossip"
	}
}

// VerifiedPreferenceProbability is the chance selection prefers a
// verified peer over falling through to gossip.
const VerifiedPreferenceProbability = 0.7

// Selected is the outcome of a selection attempt.
type Selected struct {
	Addr       string
	TrustLevel TrustLevel
}

// Selector unifies the three peer sources into one selection algorithm.
// Safe for concurrent use.
type Selector struct {
	mu sync.Mutex

	trustedCore []string
	verified    *verifiedpeers.Registry
	addrBook    *addrmgr.Manager
}

// New returns a Selector over trustedCore (hardcoded bootstrap
// addresses), verified (the Verified-Peer Registry) and addrBook (the
// gossip-learned Address Book).
func New(trustedCore []string, verified *verifiedpeers.Registry, addrBook *addrmgr.Manager) *Selector {
	return &Selector{
		trustedCore: append([]string(nil), trustedCore...),
		verified:    verified,
		addrBook:    addrBook,
	}
}

// Select picks the next peer to connect to, excluding addrs already in
// connected, following this order:
//  1. No connections yet → Trusted Core (bootstrap).
//  2. Otherwise, a 70% chance to pick a Verified peer if any are available.
//  3. Fallback to Gossip (the Address Book).
//  4. If gossip yields nothing, fall back to Verified, then Trusted Core.
func (s *Selector) Select(connected []string) (Selected, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(connected) == 0 {
		if addr, ok := s.selectTrustedCoreLocked(connected); ok {
			return Selected{Addr: addr, TrustLevel: TrustedCore}, true
		}
	}

	verifiedAddrs := s.verified.GetVerifiedExcluding(connected)

	if len(verifiedAddrs) > 0 && rand.Float64() < VerifiedPreferenceProbability {
		return Selected{Addr: verifiedAddrs[rand.Intn(len(verifiedAddrs))], TrustLevel: Verified}, true
	}

	if na, ok := s.addrBook.Select(); ok {
		addr := net.JoinHostPort(na.IP.String(), strconv.Itoa(int(na.Port)))
		if !contains(connected, addr) {
			return Selected{Addr: addr, TrustLevel: Gossip}, true
		}
	}

	if len(verifiedAddrs) > 0 {
		return Selected{Addr: verifiedAddrs[rand.Intn(len(verifiedAddrs))], TrustLevel: Verified}, true
	}

	if addr, ok := s.selectTrustedCoreLocked(connected); ok {
		return Selected{Addr: addr, TrustLevel: TrustedCore}, true
	}
	return Selected{}, false
}

// SelectMultiple repeatedly calls Select, excluding each prior pick, to
// fill up to count outbound slots.
func (s *Selector) SelectMultiple(count int, connected []string) []Selected {
	result := make([]Selected, 0, count)
	excluded := append([]string(nil), connected...)
	for i := 0; i < count; i++ {
		picked, ok := s.Select(excluded)
		if !ok {
			break
		}
		excluded = append(excluded, picked.Addr)
		result = append(result, picked)
	}
	return result
}

func (s *Selector) selectTrustedCoreLocked(connected []string) (string, bool) {
	for _, addr := range s.trustedCore {
		if !contains(connected, addr) {
			return addr, true
		}
	}
	return "", false
}

// TrustedCoreAddrs returns all hardcoded bootstrap addresses.
func (s *Selector) TrustedCoreAddrs() []string {
	return append([]string(nil), s.trustedCore...)
}

// IsTrustedCore reports whether addr is a hardcoded bootstrap node.
func (s *Selector) IsTrustedCore(addr string) bool {
	return contains(s.trustedCore, addr)
}

// TrustLevelOf classifies addr by the highest trust tier it satisfies.
func (s *Selector) TrustLevelOf(addr string) TrustLevel {
	if s.IsTrustedCore(addr) {
		return TrustedCore
	}
	if s.verified.IsVerified(addr) {
		return Verified
	}
	return Gossip
}

// Stats summarizes the population available to each trust tier.
type Stats struct {
	TrustedCore    int
	Verified       int
	VerifiedTotal  int
	GossipNew      int
	GossipTried    int
}

// TotalAvailable sums every tier's population.
func (s Stats) TotalAvailable() int {
	return s.TrustedCore + s.Verified + s.GossipNew + s.GossipTried
}

// Stats reports current population counts across all three tiers.
func (s *Selector) Stats(gossipNew, gossipTried int) Stats {
	return Stats{
		TrustedCore:   len(s.trustedCore),
		Verified:      s.verified.VerifiedCount(),
		VerifiedTotal: s.verified.Len(),
		GossipNew:     gossipNew,
		GossipTried:   gossipTried,
	}
}

func contains(list []string, addr string) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
