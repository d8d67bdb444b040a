// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/montana-network/montanad/internal/montanatime"
)

func TestPeerLimitsTryConsume(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	p := NewPeerLimits(clock)

	if !p.TryConsume(ClassAuthChallenge, 3) {
		t.Fatal("expected initial burst of 3 to be available")
	}
	if p.TryConsume(ClassAuthChallenge, 1) {
		t.Fatal("expected bucket to be exhausted")
	}
	clock.Advance(20 * time.Second) // 0.05/s * 20s = 1 token
	if !p.TryConsume(ClassAuthChallenge, 1) {
		t.Fatal("expected bucket to have refilled one token")
	}
}

func TestSubnetLimiterAdmitsWithinDefault(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	l := NewSubnetLimiter(clock)
	ip := net.ParseIP("1.2.3.4")

	admitted := 0
	for i := 0; i < FastDefaultRequests; i++ {
		if l.Allow(ip) {
			admitted++
		}
	}
	if admitted == 0 {
		t.Fatal("expected some requests to be admitted under default limit")
	}
}

func TestSubnetLimiterBlocksFlood(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	l := NewSubnetLimiter(clock)
	ip := net.ParseIP("5.6.7.8")

	blockedAny := false
	for i := 0; i < FastMaxRequests*2; i++ {
		if !l.Allow(ip) {
			blockedAny = true
		}
	}
	if !blockedAny {
		t.Fatal("expected a flood within a single slot to eventually be blocked")
	}
}

func TestKeyForIPNetgroup(t *testing.T) {
	a := KeyForIP(net.ParseIP("203.0.113.5"))
	b := KeyForIP(net.ParseIP("203.0.200.9"))
	if a != b {
		t.Errorf("expected same /16 netgroup key, got %+v vs %+v", a, b)
	}
	c := KeyForIP(net.ParseIP("198.51.100.1"))
	if a == c {
		t.Errorf("expected different /16 netgroup keys")
	}
}
