// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ratelimit implements the Rate Governor: per-peer, per-message-
// class token buckets built on golang.org/x/time/rate, plus a two-tier
// adaptive subnet limiter.
package ratelimit

import (
	"golang.org/x/time/rate"

	"github.com/montana-network/montanad/internal/montanatime"
)

// MessageClass identifies a rate-limited category of inbound traffic.
type MessageClass uint8

// Message classes.
const (
	ClassAddr MessageClass = iota
	ClassInvItems
	ClassGetDataItems
	ClassHeadersItems
	ClassGetSlices
	ClassSliceAnnouncements
	ClassAuthChallenge
)

type classParams struct {
	burst    int
	refillPS float64
}

var classTable = map[MessageClass]classParams{
	ClassAddr:               {burst: 1000, refillPS: 0.1},
	ClassInvItems:           {burst: 5000, refillPS: 10},
	ClassGetDataItems:       {burst: 1000, refillPS: 5},
	ClassHeadersItems:       {burst: 5000, refillPS: 10},
	ClassGetSlices:          {burst: 5, refillPS: 1},
	ClassSliceAnnouncements: {burst: 50, refillPS: 0.1},
	ClassAuthChallenge:      {burst: 3, refillPS: 0.05},
}

// PeerLimits bundles one token bucket per message class for a single peer.
// Buckets are driven by an injected clock rather than time.Now directly,
// so tests can control the passage of time.
type PeerLimits struct {
	clock   montanatime.Source
	buckets map[MessageClass]*rate.Limiter
}

// NewPeerLimits returns a fresh, fully-stocked PeerLimits.
func NewPeerLimits(clock montanatime.Source) *PeerLimits {
	p := &PeerLimits{
		clock:   clock,
		buckets: make(map[MessageClass]*rate.Limiter, len(classTable)),
	}
	for class, params := range classTable {
		p.buckets[class] = rate.NewLimiter(rate.Limit(params.refillPS), params.burst)
	}
	return p
}

// TryConsume attempts to take n tokens from class's bucket, returning true
// iff the bucket held enough tokens (and they have now been deducted).
func (p *PeerLimits) TryConsume(class MessageClass, n int) bool {
	b, ok := p.buckets[class]
	if !ok {
		return false
	}
	return b.AllowN(p.clock.Now(), n)
}

// Available reports the current token count (rounded down) for class,
// without consuming any.
func (p *PeerLimits) Available(class MessageClass) int {
	b, ok := p.buckets[class]
	if !ok {
		return 0
	}
	return int(b.TokensAt(p.clock.Now()))
}
