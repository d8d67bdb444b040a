// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package inventory

import (
	"testing"
	"time"

	"github.com/montana-network/montanad/internal/montanatime"
	"github.com/montana-network/montanad/internal/wire"
)

func hashFor(b byte) wire.Hash {
	var h wire.Hash
	h[0] = b
	return h
}

func TestHaveTxRoundTrip(t *testing.T) {
	idx := New(montanatime.NewFake(time.Unix(1700000000, 0)))
	h := hashFor(1)
	if idx.HaveTx(h) {
		t.Fatal("expected unseen hash to report false")
	}
	idx.MarkHaveTx(h)
	if !idx.HaveTx(h) {
		t.Fatal("expected marked hash to report true")
	}
}

func TestRequestRespectsPeerCap(t *testing.T) {
	idx := New(montanatime.NewFake(time.Unix(1700000000, 0)))
	for i := 0; i < MaxPeerInFlight; i++ {
		if !idx.Request(hashFor(byte(i)), PeerID(1)) {
			t.Fatalf("expected request %d to be admitted under the per-peer cap", i)
		}
	}
	if idx.Request(hashFor(200), PeerID(1)) {
		t.Fatal("expected request beyond the per-peer cap to be rejected")
	}
}

func TestReceivedFreesSlot(t *testing.T) {
	idx := New(montanatime.NewFake(time.Unix(1700000000, 0)))
	h := hashFor(1)
	idx.Request(h, PeerID(1))
	if c := idx.PeerInFlightCount(PeerID(1)); c != 1 {
		t.Fatalf("expected 1 in-flight, got %d", c)
	}
	idx.Received(h)
	if c := idx.PeerInFlightCount(PeerID(1)); c != 0 {
		t.Fatalf("expected 0 in-flight after Received, got %d", c)
	}
}

func TestAlreadyAskedSuppressesShouldRequest(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	idx := New(clock)
	h := hashFor(1)

	idx.Request(h, PeerID(1))
	idx.Received(h)
	if idx.ShouldRequest(h) {
		t.Fatal("expected recently-asked hash to be suppressed")
	}
}

func TestReleaseTimedOut(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	idx := New(clock)
	h := hashFor(1)
	idx.Request(h, PeerID(1))

	clock.Advance(RequestTimeout + time.Second)
	released := idx.ReleaseTimedOut()
	if len(released) != 1 || released[0] != h {
		t.Fatalf("expected the timed-out request to be released, got %v", released)
	}
	if idx.PeerInFlightCount(PeerID(1)) != 0 {
		t.Fatal("expected peer in-flight count to drop after release")
	}
}

func TestRelayCacheCountBound(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	idx := New(clock)
	for i := 0; i < MaxRelayEntries+10; i++ {
		var h wire.Hash
		h[0] = byte(i)
		h[1] = byte(i >> 8)
		idx.CacheRelay(h, []byte("payload"))
	}
	if idx.RelayCount() > MaxRelayEntries {
		t.Fatalf("expected relay cache to stay within count bound, got %d", idx.RelayCount())
	}
}

func TestRelayCacheByteBound(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	idx := New(clock)
	big := make([]byte, 2*1024*1024)
	for i := 0; i < 40; i++ {
		var h wire.Hash
		h[0] = byte(i)
		h[1] = byte(i >> 8)
		idx.CacheRelay(h, big)
	}
	if idx.relayBytes > MaxRelayBytes {
		t.Fatalf("expected relay cache bytes to stay within bound, got %d", idx.relayBytes)
	}
}
