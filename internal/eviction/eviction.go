// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package eviction implements the inbound Eviction Policy: a six-layer
// protected-category filter that picks a single inbound connection to drop
// when the inbound slot count is saturated.
package eviction

import (
	"net"
	"sort"
	"time"
)

// Per-layer protected counts.
const (
	ProtectedByNetgroup  = 4
	ProtectedByPing      = 8
	ProtectedByTx        = 4
	ProtectedBySlice     = 4
	ProtectedByLongevity = 8
)

// Candidate is one inbound connection considered for eviction.
type Candidate struct {
	Addr          net.Addr
	IP            net.IP
	ConnectedAt   time.Time
	LatencyMillis *int64 // nil if never measured
	LastTxTime    time.Time
	LastSliceTime time.Time
	HasNoBan      bool
}

func netgroupOf(ip net.IP) uint32 {
	if ip4 := ip.To4(); ip4 != nil {
		return uint32(ip4[0])<<8 | uint32(ip4[1])
	}
	ip16 := ip.To16()
	if len(ip16) < 4 {
		return 0
	}
	return uint32(ip16[0])<<16 | uint32(ip16[1])<<8 | uint32(ip16[2])
}

// Select picks the candidate to evict, or nil if all inbound peers remain
// protected by at least one layer. Candidates must already be inbound-only;
// the caller is responsible for that filter.
func Select(candidates []Candidate) *Candidate {
	if len(candidates) == 0 {
		return nil
	}
	pool := make([]Candidate, len(candidates))
	copy(pool, candidates)

	pool = dropNoBan(pool)
	if len(pool) == 0 {
		return nil
	}
	pool = protectByNetgroup(pool, ProtectedByNetgroup)
	if len(pool) == 0 {
		return nil
	}
	pool = protectByPing(pool, ProtectedByPing)
	if len(pool) == 0 {
		return nil
	}
	pool = protectByRecency(pool, ProtectedByTx, func(c Candidate) time.Time { return c.LastTxTime })
	if len(pool) == 0 {
		return nil
	}
	pool = protectByRecency(pool, ProtectedBySlice, func(c Candidate) time.Time { return c.LastSliceTime })
	if len(pool) == 0 {
		return nil
	}
	pool = protectByLongevity(pool, ProtectedByLongevity)
	if len(pool) == 0 {
		return nil
	}

	worst := worstNetgroup(pool)
	var youngest *Candidate
	for i := range pool {
		if netgroupOf(pool[i].IP) != worst {
			continue
		}
		if youngest == nil || pool[i].ConnectedAt.After(youngest.ConnectedAt) {
			youngest = &pool[i]
		}
	}
	if youngest == nil {
		return nil
	}
	out := *youngest
	return &out
}

func dropNoBan(in []Candidate) []Candidate {
	out := in[:0]
	for _, c := range in {
		if !c.HasNoBan {
			out = append(out, c)
		}
	}
	return out
}

// protectByNetgroup keeps one representative (earliest-connected) per
// unique netgroup, up to count netgroups, and removes them from the pool —
// they survive this eviction round.
func protectByNetgroup(in []Candidate, count int) []Candidate {
	if len(in) <= count {
		return nil
	}
	byNetgroup := make(map[uint32][]int)
	for i, c := range in {
		ng := netgroupOf(c.IP)
		byNetgroup[ng] = append(byNetgroup[ng], i)
	}
	netgroups := make([]uint32, 0, len(byNetgroup))
	for ng := range byNetgroup {
		netgroups = append(netgroups, ng)
	}
	sort.Slice(netgroups, func(i, j int) bool {
		ti := earliestConnected(in, byNetgroup[netgroups[i]])
		tj := earliestConnected(in, byNetgroup[netgroups[j]])
		return ti.Before(tj)
	})

	protected := make(map[int]bool)
	for i := 0; i < count && i < len(netgroups); i++ {
		idxs := byNetgroup[netgroups[i]]
		rep := idxs[0]
		for _, j := range idxs[1:] {
			if in[j].ConnectedAt.Before(in[rep].ConnectedAt) {
				rep = j
			}
		}
		protected[rep] = true
	}

	var out []Candidate
	for i, c := range in {
		if !protected[i] {
			out = append(out, c)
		}
	}
	return out
}

func earliestConnected(all []Candidate, idxs []int) time.Time {
	best := all[idxs[0]].ConnectedAt
	for _, i := range idxs[1:] {
		if all[i].ConnectedAt.Before(best) {
			best = all[i].ConnectedAt
		}
	}
	return best
}

// protectByPing protects the count candidates with the lowest measured
// latency; candidates with no measurement are treated as worst.
func protectByPing(in []Candidate, count int) []Candidate {
	if len(in) <= count {
		return nil
	}
	sorted := make([]Candidate, len(in))
	copy(sorted, in)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].LatencyMillis, sorted[j].LatencyMillis
		switch {
		case a != nil && b != nil:
			return *a < *b
		case a != nil:
			return true
		case b != nil:
			return false
		default:
			return false
		}
	})
	return sorted[count:]
}

// protectByRecency protects the count candidates with the most recent
// timestamp according to field.
func protectByRecency(in []Candidate, count int, field func(Candidate) time.Time) []Candidate {
	if len(in) <= count {
		return nil
	}
	sorted := make([]Candidate, len(in))
	copy(sorted, in)
	sort.SliceStable(sorted, func(i, j int) bool {
		return field(sorted[i]).After(field(sorted[j]))
	})
	return sorted[count:]
}

// protectByLongevity protects the count oldest (longest-connected)
// candidates.
func protectByLongevity(in []Candidate, count int) []Candidate {
	if len(in) <= count {
		return nil
	}
	sorted := make([]Candidate, len(in))
	copy(sorted, in)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ConnectedAt.Before(sorted[j].ConnectedAt)
	})
	return sorted[count:]
}

func worstNetgroup(pool []Candidate) uint32 {
	counts := make(map[uint32]int)
	for _, c := range pool {
		counts[netgroupOf(c.IP)]++
	}
	var worst uint32
	var worstCount int
	// Deterministic tie-break: smallest netgroup key wins on a count tie.
	keys := make([]uint32, 0, len(counts))
	for ng := range counts {
		keys = append(keys, ng)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, ng := range keys {
		if counts[ng] > worstCount {
			worst = ng
			worstCount = counts[ng]
		}
	}
	return worst
}
