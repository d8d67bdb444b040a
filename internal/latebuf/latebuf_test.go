// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package latebuf

import (
	"testing"
	"time"

	"github.com/montana-network/montanad/internal/montanatime"
	"github.com/montana-network/montanad/internal/wire"
)

func proofFor(tau2 uint64) wire.PresenceProof {
	return wire.PresenceProof{Tau2Index: tau2, PubKey: []byte{1, 2, 3}}
}

// TestLatePresenceAcceptedWithinGrace checks that, at current_tau2=5, a
// proof for intended_tau2=4 submitted within the grace window is accepted,
// while a proof for intended_tau2=3 is rejected.
func TestLatePresenceAcceptedWithinGrace(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	b := New(clock, 5)

	if !b.Submit(proofFor(4)) {
		t.Fatal("expected a proof for current_tau2-1 to be accepted")
	}
	if b.Submit(proofFor(3)) {
		t.Fatal("expected a proof for current_tau2-2 to be rejected")
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 buffered proof, got %d", b.Len())
	}
}

func TestSubmitRejectsAfterGraceExpires(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	b := New(clock, 5)

	clock.Advance(GracePeriod + time.Second)
	if b.Submit(proofFor(4)) {
		t.Fatal("expected a proof submitted after the grace window to be rejected")
	}
}

func TestSubmitRejectsFutureTau2(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	b := New(clock, 5)

	if b.Submit(proofFor(5)) {
		t.Fatal("expected a proof for the current (not prior) tau2 to be rejected")
	}
	if b.Submit(proofFor(10)) {
		t.Fatal("expected a proof for a future tau2 to be rejected")
	}
}

func TestAdvanceTau2OpensNewGraceWindow(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	b := New(clock, 5)

	clock.Advance(GracePeriod + time.Second)
	b.AdvanceTau2(6)
	if !b.Submit(proofFor(5)) {
		t.Fatal("expected a fresh grace window to accept the new prior tau2")
	}
}

func TestAdvanceTau2DropsStaleBuckets(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	b := New(clock, 5)
	b.Submit(proofFor(4))

	b.AdvanceTau2(6)
	b.AdvanceTau2(7)
	b.AdvanceTau2(8)

	if got := len(b.Drain(4)); got != 0 {
		t.Fatalf("expected bucket 4 to have been dropped by AdvanceTau2, drained %d", got)
	}
	if b.Len() != 0 {
		t.Fatalf("expected buffer to be empty after stale eviction, got %d", b.Len())
	}
}

func TestDrainRemovesAndReturnsBucket(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	b := New(clock, 5)
	b.Submit(proofFor(4))
	b.Submit(proofFor(4))

	proofs := b.Drain(4)
	if len(proofs) != 2 {
		t.Fatalf("expected 2 drained proofs, got %d", len(proofs))
	}
	if b.Len() != 0 {
		t.Fatalf("expected buffer empty after drain, got %d", b.Len())
	}
	if got := b.Drain(4); got != nil {
		t.Fatalf("expected a second drain of the same bucket to return nil, got %v", got)
	}
}

func TestCapacityEvictsOldestOnOverflow(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	b := New(clock, 1)

	for i := 0; i < MaxEntries; i++ {
		if !b.Submit(proofFor(0)) {
			t.Fatalf("expected submission %d to succeed before capacity", i)
		}
	}
	if b.Len() != MaxEntries {
		t.Fatalf("expected buffer at capacity %d, got %d", MaxEntries, b.Len())
	}

	if !b.Submit(proofFor(0)) {
		t.Fatal("expected a submission past capacity to succeed by evicting the oldest")
	}
	if b.Len() != MaxEntries {
		t.Fatalf("expected buffer to remain at capacity %d after eviction, got %d", MaxEntries, b.Len())
	}

	proofs := b.Drain(0)
	if len(proofs) != MaxEntries {
		t.Fatalf("expected %d entries after eviction, got %d", MaxEntries, len(proofs))
	}
}
