// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package latebuf implements the Late-Signature Buffer: a short-lived
// holding pen for presence proofs that arrive in the 30-second grace
// window after a τ₂ window closes but before the network has fully moved
// on.
package latebuf

import (
	"container/list"
	"time"

	"github.com/montana-network/montanad/internal/montanatime"
	"github.com/montana-network/montanad/internal/wire"
)

// GracePeriod is how long after a τ₂ window closes a proof for that window
// is still accepted.
const GracePeriod = 30 * time.Second

// MaxEntries is the buffer's hard capacity across all buckets. When full,
// the oldest bucket's oldest entry is evicted to make room.
const MaxEntries = 10000

// MaxBucketAge bounds how far behind currentTau2 a buffered bucket may
// lag before AdvanceTau2 drops it outright.
const MaxBucketAge = 2

type bucketEntry struct {
	proof     wire.PresenceProof
	bufferedAt time.Time
}

type bucket struct {
	tau2    uint64
	entries *list.List // of *list.Element wrapping bucketEntry, oldest at front
}

// Buffer holds presence proofs intended for the τ₂ window immediately
// prior to the current one, accepted only within GracePeriod of that
// window's close. Not safe for concurrent use without external locking,
// matching the rest of the network core's single-goroutine-owner
// convention.
type Buffer struct {
	clock montanatime.Source

	currentTau2  uint64
	graceDeadline time.Time // zero until the current τ₂ has been observed to close

	buckets   map[uint64]*bucket
	order     *list.List // of *bucket, oldest tau2 at front
	numEntries int
}

// New returns an empty buffer anchored to currentTau2, with a fresh grace
// window open for currentTau2-1.
func New(clock montanatime.Source, currentTau2 uint64) *Buffer {
	b := &Buffer{
		clock:       clock,
		currentTau2: currentTau2,
		buckets:     make(map[uint64]*bucket),
		order:       list.New(),
	}
	if currentTau2 > 0 {
		b.graceDeadline = clock.Now().Add(GracePeriod)
	}
	return b
}

// Submit offers a presence proof for buffering. It is accepted only if
// proof.Tau2Index == currentTau2-1 and the grace window since the current
// τ₂ began has not yet elapsed. AdvanceTau2 must be called once per τ₂
// transition to open and eventually close that window.
func (b *Buffer) Submit(proof wire.PresenceProof) bool {
	if b.currentTau2 == 0 || proof.Tau2Index != b.currentTau2-1 {
		return false
	}
	if !b.graceDeadline.IsZero() && b.clock.Now().After(b.graceDeadline) {
		return false
	}

	if b.numEntries >= MaxEntries {
		b.evictOldestLocked()
	}

	bk := b.buckets[proof.Tau2Index]
	if bk == nil {
		bk = &bucket{tau2: proof.Tau2Index, entries: list.New()}
		b.buckets[proof.Tau2Index] = bk
		b.order.PushBack(bk)
	}
	bk.entries.PushBack(bucketEntry{proof: proof, bufferedAt: b.clock.Now()})
	b.numEntries++
	return true
}

// AdvanceTau2 moves the buffer's notion of "current" forward to new,
// opening a fresh grace window for new-1 and dropping any bucket older
// than new-MaxBucketAge. Calling this with the same or an older value than
// the current τ₂ is a no-op.
func (b *Buffer) AdvanceTau2(new uint64) {
	if new <= b.currentTau2 {
		return
	}
	b.currentTau2 = new
	b.graceDeadline = b.clock.Now().Add(GracePeriod)

	if new < MaxBucketAge {
		return
	}
	floor := new - MaxBucketAge
	for el := b.order.Front(); el != nil; {
		next := el.Next()
		bk := el.Value.(*bucket)
		if bk.tau2 < floor {
			b.numEntries -= bk.entries.Len()
			delete(b.buckets, bk.tau2)
			b.order.Remove(el)
		}
		el = next
	}
}

// Drain removes and returns every proof buffered for tau2, in the order
// they were submitted.
func (b *Buffer) Drain(tau2 uint64) []wire.PresenceProof {
	bk, ok := b.buckets[tau2]
	if !ok {
		return nil
	}
	proofs := make([]wire.PresenceProof, 0, bk.entries.Len())
	for el := bk.entries.Front(); el != nil; el = el.Next() {
		proofs = append(proofs, el.Value.(bucketEntry).proof)
	}
	b.numEntries -= bk.entries.Len()
	delete(b.buckets, tau2)
	b.removeFromOrderLocked(tau2)
	return proofs
}

func (b *Buffer) removeFromOrderLocked(tau2 uint64) {
	for el := b.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*bucket).tau2 == tau2 {
			b.order.Remove(el)
			return
		}
	}
}

func (b *Buffer) evictOldestLocked() {
	front := b.order.Front()
	if front == nil {
		return
	}
	bk := front.Value.(*bucket)
	oldest := bk.entries.Front()
	if oldest == nil {
		b.order.Remove(front)
		delete(b.buckets, bk.tau2)
		return
	}
	bk.entries.Remove(oldest)
	b.numEntries--
	if bk.entries.Len() == 0 {
		b.order.Remove(front)
		delete(b.buckets, bk.tau2)
	}
}

// Len reports the total number of buffered proofs across all buckets.
func (b *Buffer) Len() int {
	return b.numEntries
}

// CurrentTau2 reports the buffer's current τ₂ index.
func (b *Buffer) CurrentTau2() uint64 {
	return b.currentTau2
}
