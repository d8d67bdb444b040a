// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratelimit

import (
	"net"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/montana-network/montanad/internal/montanatime"
)

// Tier constants. Exported so callers (e.g. Connection Manager admission)
// can construct the two tiers consistently.
const (
	FastSlotSeconds      = 60
	FastPeriodSlots      = 10
	FastSmoothPeriods    = 4
	FastMaxChangePercent = 20
	FastMinRequests      = 10
	FastMaxRequests      = 500
	FastDefaultRequests  = 100

	SlowSlotSeconds      = 600
	SlowPeriodSlots      = 144
	SlowSmoothPeriods    = 4
	SlowMaxChangePercent = 20
	SlowMinRequests      = 50
	SlowMaxRequests      = 2000
	SlowDefaultRequests  = 500

	MaxTrackedSubnetsV6 = 50000
	V6EvictionBatch     = 5000
)

// SubnetKey is a tagged /16 (v4) or first-32-bits (v6) netgroup key.
type SubnetKey struct {
	V6  bool
	Key uint32
}

// KeyForIP computes the SubnetKey for ip.
func KeyForIP(ip net.IP) SubnetKey {
	if ip4 := ip.To4(); ip4 != nil {
		return SubnetKey{V6: false, Key: uint32(ip4[0])<<8 | uint32(ip4[1])}
	}
	ip16 := ip.To16()
	var k uint32
	if len(ip16) >= 4 {
		k = uint32(ip16[0])<<24 | uint32(ip16[1])<<16 | uint32(ip16[2])<<8 | uint32(ip16[3])
	}
	return SubnetKey{V6: true, Key: k}
}

type tierParams struct {
	slotSeconds      int64
	periodSlots      int
	smoothPeriods    int
	maxChangePercent int
	minRequests      int
	maxRequests      int
	defaultRequests  int
}

// subnetState tracks one subnet's rolling request counts and finalized
// period medians for a single tier.
type subnetState struct {
	currentSlot   int64
	counts        map[int64]int // slot index -> admitted request count
	medianHistory []int         // finalized per-period medians, oldest first
	previousLimit int
}

func newSubnetState(defaultRequests int) *subnetState {
	return &subnetState{
		counts:        make(map[int64]int),
		previousLimit: defaultRequests,
	}
}

// tier implements one tier (fast or slow) of the adaptive subnet limiter.
type tier struct {
	params tierParams
	clock  montanatime.Source

	v4 map[uint32]*subnetState
	v6 map[uint32]*subnetState
	// v6 access order is bounded via an LRU cache so IPv6 subnet state
	// cannot grow without bound.
	v6lru *lru.Cache[uint32, struct{}]
}

func newTier(p tierParams, clock montanatime.Source) *tier {
	c, _ := lru.NewWithEvict(MaxTrackedSubnetsV6, nil)
	return &tier{
		params: p,
		clock:  clock,
		v4:     make(map[uint32]*subnetState),
		v6:     make(map[uint32]*subnetState),
		v6lru:  c,
	}
}

func (t *tier) slotIndex(now time.Time) int64 {
	return now.Unix() / t.params.slotSeconds
}

func (t *tier) stateFor(key SubnetKey) *subnetState {
	if !key.V6 {
		s, ok := t.v4[key.Key]
		if !ok {
			s = newSubnetState(t.params.defaultRequests)
			t.v4[key.Key] = s
		}
		return s
	}

	s, ok := t.v6[key.Key]
	if !ok {
		if t.v6lru.Len() >= MaxTrackedSubnetsV6 {
			t.evictV6Batch(V6EvictionBatch)
		}
		s = newSubnetState(t.params.defaultRequests)
		t.v6[key.Key] = s
	}
	t.v6lru.Add(key.Key, struct{}{})
	return s
}

func (t *tier) evictV6Batch(n int) {
	for i := 0; i < n; i++ {
		k, _, ok := t.v6lru.GetOldest()
		if !ok {
			return
		}
		t.v6lru.Remove(k)
		delete(t.v6, k)
	}
}

// finalizeIfNeeded rolls the subnet's counts into a finalized period median
// once currentSlot crosses a period boundary relative to the state's last
// observed slot, then prunes history beyond the smoothing window.
func (t *tier) finalizeIfNeeded(s *subnetState, now int64) {
	if s.currentSlot == 0 {
		s.currentSlot = now
		return
	}
	periodOf := func(slot int64) int64 { return slot / int64(t.params.periodSlots) }
	curPeriod := periodOf(s.currentSlot)
	newPeriod := periodOf(now)
	for p := curPeriod; p < newPeriod; p++ {
		median := t.periodMedian(s, p)
		s.medianHistory = append(s.medianHistory, median)
		if len(s.medianHistory) > t.params.smoothPeriods {
			s.medianHistory = s.medianHistory[len(s.medianHistory)-t.params.smoothPeriods:]
		}
		s.previousLimit = t.calculateLimit(s)
		// Drop slot counts belonging to the period just finalized.
		start := p * int64(t.params.periodSlots)
		end := start + int64(t.params.periodSlots)
		for slot := start; slot < end; slot++ {
			delete(s.counts, slot)
		}
	}
	s.currentSlot = now
}

func (t *tier) periodMedian(s *subnetState, period int64) int {
	start := period * int64(t.params.periodSlots)
	end := start + int64(t.params.periodSlots)
	vals := make([]int, 0, t.params.periodSlots)
	for slot := start; slot < end; slot++ {
		vals = append(vals, s.counts[slot]) // zero if absent
	}
	sort.Ints(vals)
	return medianOf(vals)
}

func medianOf(vals []int) int {
	n := len(vals)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}

// smoothedMedian averages the last smoothPeriods finalized medians plus the
// current (in-progress) period's running median.
func (t *tier) smoothedMedian(s *subnetState) float64 {
	curPeriodStart := (s.currentSlot / int64(t.params.periodSlots)) * int64(t.params.periodSlots)
	vals := make([]int, 0, t.params.periodSlots)
	for slot := curPeriodStart; slot <= s.currentSlot; slot++ {
		vals = append(vals, s.counts[slot])
	}
	sort.Ints(vals)
	current := medianOf(vals)

	sum := current
	n := 1
	for _, m := range s.medianHistory {
		sum += m
		n++
	}
	return float64(sum) / float64(n)
}

// calculateLimit computes the piecewise-linear adaptive limit from the
// smoothed median and the current slot's count.
func (t *tier) calculateLimit(s *subnetState) int {
	median := t.smoothedMedian(s)
	if median <= 0 {
		median = float64(t.params.defaultRequests)
	}
	current := s.counts[s.currentSlot]
	ratio := float64(current) / median

	minR := float64(t.params.minRequests)
	maxR := float64(t.params.maxRequests)
	mid := (minR + maxR) / 2

	var raw float64
	if ratio <= 1 {
		// ratio 0 -> maxR, ratio 1 -> mid
		raw = maxR - ratio*(maxR-mid)
	} else {
		// ratio 1 -> mid, ratio >=2 -> minR
		r := ratio - 1
		if r > 1 {
			r = 1
		}
		raw = mid - r*(mid-minR)
	}

	limit := t.rateLimitChange(s.previousLimit, raw)
	if limit < t.params.minRequests {
		limit = t.params.minRequests
	}
	if limit > t.params.maxRequests {
		limit = t.params.maxRequests
	}
	return limit
}

func (t *tier) rateLimitChange(previous int, raw float64) int {
	maxChange := float64(previous) * float64(t.params.maxChangePercent) / 100
	if maxChange < float64(t.params.minRequests) {
		maxChange = float64(t.params.minRequests)
	}
	delta := raw - float64(previous)
	if delta > maxChange {
		delta = maxChange
	}
	if delta < -maxChange {
		delta = -maxChange
	}
	return int(float64(previous) + delta)
}

// Check records one admitted-candidate request for key at the current time
// and reports whether the subnet is still within its adaptive limit.
func (t *tier) Check(key SubnetKey) bool {
	now := t.clock.Now()
	slot := t.slotIndex(now)
	s := t.stateFor(key)
	t.finalizeIfNeeded(s, slot)

	limit := t.calculateLimit(s)
	if s.counts[slot] >= limit {
		return false
	}
	s.counts[slot]++
	return true
}

// SubnetLimiter wraps the fast and slow tiers: a request is admitted only
// if both tiers have capacity.
type SubnetLimiter struct {
	fast *tier
	slow *tier

	allowed uint64
	blocked uint64
}

// NewSubnetLimiter constructs a SubnetLimiter with both tiers configured
// from their default constants.
func NewSubnetLimiter(clock montanatime.Source) *SubnetLimiter {
	fastParams := tierParams{
		slotSeconds: FastSlotSeconds, periodSlots: FastPeriodSlots,
		smoothPeriods: FastSmoothPeriods, maxChangePercent: FastMaxChangePercent,
		minRequests: FastMinRequests, maxRequests: FastMaxRequests, defaultRequests: FastDefaultRequests,
	}
	slowParams := tierParams{
		slotSeconds: SlowSlotSeconds, periodSlots: SlowPeriodSlots,
		smoothPeriods: SlowSmoothPeriods, maxChangePercent: SlowMaxChangePercent,
		minRequests: SlowMinRequests, maxRequests: SlowMaxRequests, defaultRequests: SlowDefaultRequests,
	}
	return &SubnetLimiter{
		fast: newTier(fastParams, clock),
		slow: newTier(slowParams, clock),
	}
}

// Allow reports whether a request from ip's subnet is admitted by both
// tiers, updating the allowed/blocked counters either way.
func (l *SubnetLimiter) Allow(ip net.IP) bool {
	key := KeyForIP(ip)
	// Both tiers must be consulted (side effects on counts), but admission
	// requires both to agree, matching the original's fast && slow.
	fastOK := l.fast.Check(key)
	slowOK := l.slow.Check(key)
	ok := fastOK && slowOK
	if ok {
		l.allowed++
	} else {
		l.blocked++
	}
	return ok
}

// BlockRate returns the fraction of requests blocked so far, for
// diagnostics.
func (l *SubnetLimiter) BlockRate() float64 {
	total := l.allowed + l.blocked
	if total == 0 {
		return 0
	}
	return float64(l.blocked) / float64(total)
}
