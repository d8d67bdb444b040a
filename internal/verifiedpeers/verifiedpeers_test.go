// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package verifiedpeers

import (
	"fmt"
	"testing"
	"time"

	"github.com/montana-network/montanad/internal/montanatime"
)

func TestBindAndUnbind(t *testing.T) {
	r := New(montanatime.NewFake(time.Unix(1700000000, 0)))
	r.Bind([]byte("pubkey-a"), "1.2.3.4:19333")

	if r.Len() != 1 {
		t.Fatalf("expected 1 binding, got %d", r.Len())
	}
	if _, ok := r.GetBinding("1.2.3.4:19333"); !ok {
		t.Fatal("expected binding to be present")
	}

	r.Unbind("1.2.3.4:19333")
	if r.Len() != 0 {
		t.Fatalf("expected 0 bindings after unbind, got %d", r.Len())
	}
	if _, ok := r.GetBinding("1.2.3.4:19333"); ok {
		t.Fatal("expected binding to be gone after unbind")
	}
}

func TestVerificationWindowBoundary(t *testing.T) {
	r := New(montanatime.NewFake(time.Unix(1700000000, 0)))
	r.Bind([]byte("pubkey-a"), "1.2.3.4:19333")

	if r.IsVerified("1.2.3.4:19333") {
		t.Fatal("expected unverified before any presence proof")
	}

	r.SetCurrentTau2(999)
	r.UpdatePresence([]byte("pubkey-a"), 999, 500)
	if !r.IsVerified("1.2.3.4:19333") {
		t.Fatal("expected verified immediately after presence")
	}

	r.SetCurrentTau2(999 + Tau3InTau2)
	if !r.IsVerified("1.2.3.4:19333") {
		t.Fatal("expected still verified exactly at the tau3 boundary")
	}

	r.SetCurrentTau2(999 + Tau3InTau2 + 1)
	if r.IsVerified("1.2.3.4:19333") {
		t.Fatal("expected expired one slice past the tau3 boundary")
	}
}

func TestGetVerifiedSortedByWeightDescending(t *testing.T) {
	r := New(montanatime.NewFake(time.Unix(1700000000, 0)))
	r.Bind([]byte("pubkey-a"), "1.1.1.1:19333")
	r.Bind([]byte("pubkey-b"), "2.2.2.2:19333")
	r.Bind([]byte("pubkey-c"), "3.3.3.3:19333")

	r.SetCurrentTau2(10)
	r.UpdatePresence([]byte("pubkey-a"), 10, 50)
	r.UpdatePresence([]byte("pubkey-b"), 10, 500)
	r.UpdatePresence([]byte("pubkey-c"), 10, 200)

	got := r.GetVerified()
	want := []string{"2.2.2.2:19333", "3.3.3.3:19333", "1.1.1.1:19333"}
	if len(got) != len(want) {
		t.Fatalf("expected %d verified peers, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}

	excluded := r.GetVerifiedExcluding([]string{"3.3.3.3:19333"})
	if len(excluded) != 2 || excluded[0] != "2.2.2.2:19333" || excluded[1] != "1.1.1.1:19333" {
		t.Fatalf("unexpected excluding result: %v", excluded)
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	r := New(montanatime.NewFake(time.Unix(1700000000, 0)))
	for i := 0; i < MaxVerifiedPeers; i++ {
		r.Bind([]byte(fmt.Sprintf("pubkey-%d", i)), fmt.Sprintf("10.0.%d.%d:19333", i/256, i%256))
	}
	if r.Len() != MaxVerifiedPeers {
		t.Fatalf("expected registry to fill to capacity %d, got %d", MaxVerifiedPeers, r.Len())
	}

	r.Bind([]byte("pubkey-overflow"), "99.99.99.99:19333")
	if r.Len() != MaxVerifiedPeers {
		t.Fatalf("expected registry to stay at capacity %d after overflow bind, got %d", MaxVerifiedPeers, r.Len())
	}
	if _, ok := r.GetBinding("99.99.99.99:19333"); !ok {
		t.Fatal("expected the new overflow binding to have been admitted")
	}
}

func TestEvictionPrefersLowestWeightWhenAllVerified(t *testing.T) {
	r := New(montanatime.NewFake(time.Unix(1700000000, 0)))
	r.SetCurrentTau2(10)
	for i := 0; i < MaxVerifiedPeers; i++ {
		addr := fmt.Sprintf("10.0.%d.%d:19333", i/256, i%256)
		r.Bind([]byte(fmt.Sprintf("pubkey-%d", i)), addr)
		r.UpdatePresence([]byte(fmt.Sprintf("pubkey-%d", i)), 10, uint64(i+1))
	}
	lowestAddr := "10.0.0.0:19333" // weight 1, the smallest

	r.Bind([]byte("pubkey-overflow"), "99.99.99.99:19333")
	if r.Len() != MaxVerifiedPeers {
		t.Fatalf("expected registry to stay at capacity, got %d", r.Len())
	}
	if _, ok := r.GetBinding(lowestAddr); ok {
		t.Fatal("expected the lowest-weight verified binding to be evicted")
	}
	if _, ok := r.GetBinding("99.99.99.99:19333"); !ok {
		t.Fatal("expected the new overflow binding to have been admitted")
	}
}

func TestIPChangeRebindsSamePubkey(t *testing.T) {
	r := New(montanatime.NewFake(time.Unix(1700000000, 0)))
	r.Bind([]byte("pubkey-a"), "1.1.1.1:19333")
	r.Bind([]byte("pubkey-a"), "2.2.2.2:19333")

	if r.Len() != 1 {
		t.Fatalf("expected 1 binding after rebind, got %d", r.Len())
	}
	if _, ok := r.GetBinding("1.1.1.1:19333"); ok {
		t.Fatal("expected the old address binding to be removed")
	}
	if _, ok := r.GetBinding("2.2.2.2:19333"); !ok {
		t.Fatal("expected the new address binding to be present")
	}
}
