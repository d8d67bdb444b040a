// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package subnet implements the Subnet Tracker: per-/16 reputation
// accumulation, τ₃ snapshotting, a deterministic Merkle root over
// reputations, and diversity-aware bootstrap peer selection.
package subnet

import (
	"encoding/binary"
	"net"
	"sort"

	"golang.org/x/crypto/sha3"

	"github.com/montana-network/montanad/internal/wire"
)

// Constants governing snapshot cadence and tracked-subnet diversity.
const (
	SnapshotIntervalTau2 = 2016 // one τ₃
	MaxTrackedSigners    = 50000
	MaxNodesPerSubnet    = 5
	MinDiverseSubnets    = 25
)

// Subnet16 is a /16 (v4) or analogous v6 netgroup key.
type Subnet16 uint32

// IPToSubnet16 derives the netgroup key for ip.
func IPToSubnet16(ip net.IP) Subnet16 {
	if ip4 := ip.To4(); ip4 != nil {
		return Subnet16(uint32(ip4[0])<<8 | uint32(ip4[1]))
	}
	ip16 := ip.To16()
	var k uint32
	if len(ip16) >= 4 {
		k = uint32(ip16[0])<<24 | uint32(ip16[1])<<16 | uint32(ip16[2])<<8 | uint32(ip16[3])
	}
	return Subnet16(k)
}

// Reputation is one subnet's accumulated standing.
type Reputation struct {
	Subnet        Subnet16
	TotalWeight   uint64
	UniqueSigners uint64
	FirstSeenTau2 uint64
	LastSeenTau2  uint64
}

func newReputation(subnet Subnet16, tau2 uint64) *Reputation {
	return &Reputation{Subnet: subnet, FirstSeenTau2: tau2, LastSeenTau2: tau2}
}

func (r *Reputation) addWeight(weight, tau2 uint64) {
	r.TotalWeight += weight
	r.LastSeenTau2 = tau2
}

// IsMature reports whether the subnet has been tracked for at least one τ₃.
func (r *Reputation) IsMature(currentTau2 uint64) bool {
	return currentTau2-r.FirstSeenTau2 >= SnapshotIntervalTau2
}

// Tracker accumulates per-subnet presence weight and unique signer counts,
// snapshotting every τ₃.
type Tracker struct {
	reputations    map[Subnet16]*Reputation
	signerSubnets  map[wire.Hash]Subnet16
	lastSnapshot   uint64
	snapshot       map[Subnet16]*Reputation
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		reputations:   make(map[Subnet16]*Reputation),
		signerSubnets: make(map[wire.Hash]Subnet16),
		snapshot:      make(map[Subnet16]*Reputation),
	}
}

// RecordPresence adds weight from a presence signature by pubkey, observed
// from ip at tau2. Unique-signer tracking is bounded by MaxTrackedSigners;
// beyond that, weight still accrues but uniqueness becomes approximate.
func (t *Tracker) RecordPresence(pubkey []byte, ip net.IP, weight, tau2 uint64) {
	subnet := IPToSubnet16(ip)
	pubkeyHash := sha3.Sum256(pubkey)

	rep, ok := t.reputations[subnet]
	if !ok {
		rep = newReputation(subnet, tau2)
		t.reputations[subnet] = rep
	}
	rep.addWeight(weight, tau2)

	if len(t.signerSubnets) < MaxTrackedSigners {
		if _, seen := t.signerSubnets[pubkeyHash]; !seen {
			t.signerSubnets[pubkeyHash] = subnet
			rep.UniqueSigners++
		}
	}
}

// GetReputation returns the live reputation for subnet, if tracked.
func (t *Tracker) GetReputation(subnet Subnet16) (Reputation, bool) {
	rep, ok := t.reputations[subnet]
	if !ok {
		return Reputation{}, false
	}
	return *rep, true
}

// GetSnapshotReputation returns the frozen, last-snapshotted reputation for
// subnet, used for bootstrap verification.
func (t *Tracker) GetSnapshotReputation(subnet Subnet16) (Reputation, bool) {
	rep, ok := t.snapshot[subnet]
	if !ok {
		return Reputation{}, false
	}
	return *rep, true
}

// ShouldSnapshot reports whether a full τ₃ has elapsed since the last
// snapshot.
func (t *Tracker) ShouldSnapshot(currentTau2 uint64) bool {
	return currentTau2-t.lastSnapshot >= SnapshotIntervalTau2
}

// TakeSnapshot freezes the current reputations and clears signer tracking,
// bounding its memory every τ₃.
func (t *Tracker) TakeSnapshot(currentTau2 uint64) {
	snap := make(map[Subnet16]*Reputation, len(t.reputations))
	for k, v := range t.reputations {
		cp := *v
		snap[k] = &cp
	}
	t.snapshot = snap
	t.lastSnapshot = currentTau2
	t.signerSubnets = make(map[wire.Hash]Subnet16)
}

// ComputeRoot computes a deterministic Merkle root over
// sort(subnet, total_weight, unique_signers) leaves.
func (t *Tracker) ComputeRoot() wire.Hash {
	if len(t.reputations) == 0 {
		return wire.Hash{}
	}
	subnets := make([]Subnet16, 0, len(t.reputations))
	for s := range t.reputations {
		subnets = append(subnets, s)
	}
	sort.Slice(subnets, func(i, j int) bool { return subnets[i] < subnets[j] })

	leaves := make([]wire.Hash, 0, len(subnets))
	for _, s := range subnets {
		rep := t.reputations[s]
		var buf [20]byte
		binary.LittleEndian.PutUint32(buf[0:4], uint32(s))
		binary.LittleEndian.PutUint64(buf[4:12], rep.TotalWeight)
		binary.LittleEndian.PutUint64(buf[12:20], rep.UniqueSigners)
		leaves = append(leaves, sha3.Sum256(buf[:]))
	}
	return merkleRoot(leaves)
}

func merkleRoot(leaves []wire.Hash) wire.Hash {
	if len(leaves) == 0 {
		return wire.Hash{}
	}
	level := leaves
	for len(level) > 1 {
		var next []wire.Hash
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, hashPair(level[i], level[i]))
			} else {
				next = append(next, hashPair(level[i], level[i+1]))
			}
		}
		level = next
	}
	return level[0]
}

func hashPair(a, b wire.Hash) wire.Hash {
	buf := make([]byte, 64)
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return sha3.Sum256(buf)
}

// RankedSubnets returns (subnet, total_weight) pairs sorted by descending
// weight.
func (t *Tracker) RankedSubnets() []struct {
	Subnet Subnet16
	Weight uint64
} {
	ranked := make([]struct {
		Subnet Subnet16
		Weight uint64
	}, 0, len(t.reputations))
	for s, r := range t.reputations {
		ranked = append(ranked, struct {
			Subnet Subnet16
			Weight uint64
		}{s, r.TotalWeight})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Weight > ranked[j].Weight })
	return ranked
}

// SelectDiversePeers picks up to totalNeeded candidates, preferring
// high-reputation subnets first, then any subnet, always respecting
// maxPerSubnet.
func (t *Tracker) SelectDiversePeers(candidates []net.Addr, totalNeeded, maxPerSubnet int) []net.Addr {
	bySubnet := make(map[Subnet16][]net.Addr)
	for _, addr := range candidates {
		ip := addrIP(addr)
		subnet := IPToSubnet16(ip)
		bySubnet[subnet] = append(bySubnet[subnet], addr)
	}

	ranked := t.RankedSubnets()
	selected := make([]net.Addr, 0, totalNeeded)
	seen := make(map[string]bool)
	counts := make(map[Subnet16]int)

	addFrom := func(subnet Subnet16) {
		for _, addr := range bySubnet[subnet] {
			if len(selected) >= totalNeeded || counts[subnet] >= maxPerSubnet {
				return
			}
			key := addr.String()
			if seen[key] {
				continue
			}
			selected = append(selected, addr)
			seen[key] = true
			counts[subnet]++
		}
	}

	for _, r := range ranked {
		if len(selected) >= totalNeeded {
			break
		}
		addFrom(r.Subnet)
	}
	if len(selected) >= totalNeeded {
		return selected
	}

	subnets := make([]Subnet16, 0, len(bySubnet))
	for s := range bySubnet {
		subnets = append(subnets, s)
	}
	sort.Slice(subnets, func(i, j int) bool { return subnets[i] < subnets[j] })
	for _, s := range subnets {
		if len(selected) >= totalNeeded {
			break
		}
		addFrom(s)
	}
	return selected
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}

// CountUniqueSubnets returns the number of distinct netgroups among peers.
func CountUniqueSubnets(peers []net.Addr) int {
	set := make(map[Subnet16]struct{})
	for _, p := range peers {
		set[IPToSubnet16(addrIP(p))] = struct{}{}
	}
	return len(set)
}

// VerifyDiversity reports whether peers meets the bootstrap diversity floor.
func VerifyDiversity(peers []net.Addr) bool {
	return CountUniqueSubnets(peers) >= MinDiverseSubnets
}

// Len returns the number of tracked subnets.
func (t *Tracker) Len() int { return len(t.reputations) }

// TotalWeight sums accumulated weight across all tracked subnets.
func (t *Tracker) TotalWeight() uint64 {
	var sum uint64
	for _, r := range t.reputations {
		sum += r.TotalWeight
	}
	return sum
}
