// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package inventory implements the Inventory Index: per-kind have-sets,
// per-peer in-flight request tracking, already-asked suppression and a
// byte/count-bounded relay cache.
package inventory

import (
	"container/list"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	montlru "github.com/montana-network/montanad/internal/lru"
	"github.com/montana-network/montanad/internal/montanatime"
	"github.com/montana-network/montanad/internal/wire"
)

// Bounds on tracked inventory and relay cache size.
const (
	MaxHaveEntries      = 100000
	HaveEvictionBatch   = 10000
	MaxPeerInFlight     = 100
	AlreadyAskedTTL     = 10 * time.Minute
	RequestTimeout      = 120 * time.Second
	MaxRelayEntries     = 10000
	MaxRelayBytes       = 50 * 1024 * 1024
	RelayEntryExpiry    = 15 * time.Minute
)

// PeerID identifies a connected peer for in-flight bookkeeping.
type PeerID uint64

type inFlightEntry struct {
	peer        PeerID
	requestedAt time.Time
}

// Index tracks what has been seen (Slice/Tx/Presence have-sets), what is
// currently requested, and a relay cache for direct replay.
type Index struct {
	mu sync.Mutex

	clock montanatime.Source

	haveSlice map[wire.Hash]struct{} // unbounded: bounded by chain length

	haveTx       *montlru.Set
	havePresence *montlru.Set

	inFlight    map[wire.Hash]*inFlightEntry
	peerCounts  map[PeerID]int
	alreadyAsked *lru.LRU[wire.Hash, time.Time]

	relay     *list.List // of *relayEntry, oldest at front
	relayIdx  map[wire.Hash]*list.Element
	relayBytes int
}

type relayEntry struct {
	hash      wire.Hash
	payload   []byte
	receivedAt time.Time
}

// New returns an empty Index.
func New(clock montanatime.Source) *Index {
	return &Index{
		clock:        clock,
		haveSlice:    make(map[wire.Hash]struct{}),
		haveTx:       montlru.New(MaxHaveEntries),
		havePresence: montlru.New(MaxHaveEntries),
		inFlight:     make(map[wire.Hash]*inFlightEntry),
		peerCounts:   make(map[PeerID]int),
		alreadyAsked: lru.NewLRU[wire.Hash, time.Time](0, nil, AlreadyAskedTTL),
		relay:        list.New(),
		relayIdx:     make(map[wire.Hash]*list.Element),
	}
}

// MarkHaveSlice records h as a known slice hash.
func (idx *Index) MarkHaveSlice(h wire.Hash) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.haveSlice[h] = struct{}{}
}

// HaveSlice reports whether h is a known slice hash.
func (idx *Index) HaveSlice(h wire.Hash) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.haveSlice[h]
	return ok
}

// MarkHaveTx records h as a known, relayed transaction hash.
func (idx *Index) MarkHaveTx(h wire.Hash) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.haveTx.Len() >= MaxHaveEntries {
		idx.haveTx.EvictBatch(HaveEvictionBatch)
	}
	idx.haveTx.Add(h)
}

// HaveTx reports whether h is a known transaction hash.
func (idx *Index) HaveTx(h wire.Hash) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.haveTx.Contains(h)
}

// MarkHavePresence records h as a known presence-proof hash.
func (idx *Index) MarkHavePresence(h wire.Hash) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.havePresence.Len() >= MaxHaveEntries {
		idx.havePresence.EvictBatch(HaveEvictionBatch)
	}
	idx.havePresence.Add(h)
}

// HavePresence reports whether h is a known presence-proof hash.
func (idx *Index) HavePresence(h wire.Hash) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.havePresence.Contains(h)
}

// ShouldRequest reports whether h is worth requesting from peer: not
// already in flight and not recently asked.
func (idx *Index) ShouldRequest(h wire.Hash) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, inFlight := idx.inFlight[h]; inFlight {
		return false
	}
	if _, asked := idx.alreadyAsked.Get(h); asked {
		return false
	}
	return true
}

// Request records an in-flight request for h to peer, returning false iff
// peer is already at its per-peer in-flight cap.
func (idx *Index) Request(h wire.Hash, peer PeerID) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.peerCounts[peer] >= MaxPeerInFlight {
		return false
	}
	if _, ok := idx.inFlight[h]; ok {
		return false
	}
	idx.inFlight[h] = &inFlightEntry{peer: peer, requestedAt: idx.clock.Now()}
	idx.peerCounts[peer]++
	idx.alreadyAsked.Add(h, idx.clock.Now())
	return true
}

// RequestBatch requests as many of hashes as fit under peer's remaining
// in-flight capacity, returning the accepted hashes in order. Hashes already
// in flight are skipped rather than ending the batch.
func (idx *Index) RequestBatch(hashes []wire.Hash, peer PeerID) []wire.Hash {
	idx.mu.Lock()
	remaining := MaxPeerInFlight - idx.peerCounts[peer]
	idx.mu.Unlock()

	var out []wire.Hash
	for _, h := range hashes {
		if len(out) >= remaining {
			break
		}
		if idx.Request(h, peer) {
			out = append(out, h)
		}
	}
	return out
}

// Received decrements the in-flight counter for h; if it reaches zero the
// entry is removed.
func (idx *Index) Received(h wire.Hash) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry, ok := idx.inFlight[h]
	if !ok {
		return
	}
	delete(idx.inFlight, h)
	if c := idx.peerCounts[entry.peer]; c > 0 {
		if c == 1 {
			delete(idx.peerCounts, entry.peer)
		} else {
			idx.peerCounts[entry.peer] = c - 1
		}
	}
}

// ReleaseTimedOut releases in-flight requests older than RequestTimeout,
// returning their hashes so the caller can re-queue them for another peer.
func (idx *Index) ReleaseTimedOut() []wire.Hash {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	now := idx.clock.Now()
	var released []wire.Hash
	for h, entry := range idx.inFlight {
		if now.Sub(entry.requestedAt) > RequestTimeout {
			released = append(released, h)
			delete(idx.inFlight, h)
			if c := idx.peerCounts[entry.peer]; c > 0 {
				if c == 1 {
					delete(idx.peerCounts, entry.peer)
				} else {
					idx.peerCounts[entry.peer] = c - 1
				}
			}
		}
	}
	return released
}

// PeerInFlightCount reports how many requests are outstanding to peer.
func (idx *Index) PeerInFlightCount(peer PeerID) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.peerCounts[peer]
}

// CacheRelay stores payload under h for direct replay, evicting oldest
// entries until both the count and byte bounds hold.
func (idx *Index) CacheRelay(h wire.Hash, payload []byte) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if el, ok := idx.relayIdx[h]; ok {
		idx.relay.MoveToBack(el)
		entry := el.Value.(*relayEntry)
		idx.relayBytes += len(payload) - len(entry.payload)
		entry.payload = payload
		entry.receivedAt = idx.clock.Now()
		idx.evictRelayOverflow()
		return
	}

	entry := &relayEntry{hash: h, payload: payload, receivedAt: idx.clock.Now()}
	el := idx.relay.PushBack(entry)
	idx.relayIdx[h] = el
	idx.relayBytes += len(payload)
	idx.evictRelayOverflow()
}

func (idx *Index) evictRelayOverflow() {
	now := idx.clock.Now()
	for idx.relay.Len() > 0 {
		front := idx.relay.Front()
		entry := front.Value.(*relayEntry)
		expired := now.Sub(entry.receivedAt) > RelayEntryExpiry
		overflow := idx.relay.Len() > MaxRelayEntries || idx.relayBytes > MaxRelayBytes
		if !expired && !overflow {
			break
		}
		idx.relay.Remove(front)
		delete(idx.relayIdx, entry.hash)
		idx.relayBytes -= len(entry.payload)
	}
}

// RelayPayload returns the cached payload for h, if present.
func (idx *Index) RelayPayload(h wire.Hash) ([]byte, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	el, ok := idx.relayIdx[h]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*relayEntry)
	return entry.payload, true
}

// RelayCount returns the number of cached relay entries.
func (idx *Index) RelayCount() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.relay.Len()
}
