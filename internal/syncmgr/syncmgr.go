// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package syncmgr implements the Sync Scheduler: a headers-first slice
// downloader with per-peer and global in-flight caps, retry-with-backoff
// timeouts and in-order delivery.
package syncmgr

import (
	"container/heap"
	"sync"
	"time"

	"github.com/montana-network/montanad/internal/montanatime"
)

// Limits on in-flight slice requests.
const (
	PerPeerInFlightCap = 4
	GlobalInFlightCap  = 32
	RequestTimeout     = 120 * time.Second
	MaxRetries         = 3
)

// PeerID identifies a peer for download dispatch.
type PeerID uint64

type pending struct {
	peer        PeerID
	requestedAt time.Time
	retries     int
}

// completedHeap orders buffered, received slices by index for in-order
// delivery.
type completedHeap []uint64

func (h completedHeap) Len() int            { return len(h) }
func (h completedHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h completedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *completedHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *completedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Scheduler drives headers-first sync: it tracks best/target index, a FIFO
// download queue, per-peer and global in-flight counts, and a completed
// heap for in-order delivery. Safe for concurrent use.
type Scheduler struct {
	mu sync.Mutex

	clock montanatime.Source

	bestIndex   uint64
	targetIndex uint64

	queue        []uint64 // FIFO of indices awaiting dispatch
	pendingByIdx map[uint64]*pending
	peerCounts   map[PeerID]int
	globalCount  int
	retryCounts  map[uint64]int // index -> retries so far, for queued indices

	completed  map[uint64][]byte // index -> payload, buffered until in-order
	completedH completedHeap
}

// New returns a Scheduler starting at bestIndex.
func New(clock montanatime.Source, bestIndex uint64) *Scheduler {
	s := &Scheduler{
		clock:        clock,
		bestIndex:    bestIndex,
		targetIndex:  bestIndex,
		pendingByIdx: make(map[uint64]*pending),
		peerCounts:   make(map[PeerID]int),
		retryCounts:  make(map[uint64]int),
		completed:    make(map[uint64][]byte),
	}
	heap.Init(&s.completedH)
	return s
}

// SetTarget advances the sync target, enqueueing every missing index in
// (best, target].
func (s *Scheduler) SetTarget(target uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target <= s.targetIndex {
		return
	}
	for i := s.targetIndex + 1; i <= target; i++ {
		if _, pending := s.pendingByIdx[i]; !pending {
			if _, done := s.completed[i]; !done {
				s.queue = append(s.queue, i)
			}
		}
	}
	s.targetIndex = target
}

// GetDownloads dispatches up to min(max, peerCap-peerCount, globalCap-
// globalCount) queue heads to peer, marking them pending.
func (s *Scheduler) GetDownloads(peer PeerID, max int) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	peerRoom := PerPeerInFlightCap - s.peerCounts[peer]
	globalRoom := GlobalInFlightCap - s.globalCount
	n := max
	if peerRoom < n {
		n = peerRoom
	}
	if globalRoom < n {
		n = globalRoom
	}
	if n <= 0 || len(s.queue) == 0 {
		return nil
	}
	if n > len(s.queue) {
		n = len(s.queue)
	}

	out := s.queue[:n]
	s.queue = s.queue[n:]

	now := s.clock.Now()
	for _, idx := range out {
		s.pendingByIdx[idx] = &pending{peer: peer, requestedAt: now, retries: s.retryCounts[idx]}
		s.peerCounts[peer]++
		s.globalCount++
	}
	return append([]uint64(nil), out...)
}

// Receive buffers payload for index, freeing its in-flight slot. Out-of-
// order slices are simply buffered until NextCompleted can deliver them.
func (s *Scheduler) Receive(index uint64, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pendingByIdx[index]
	if !ok {
		return
	}
	delete(s.pendingByIdx, index)
	s.decrementLocked(p.peer)

	s.completed[index] = payload
	heap.Push(&s.completedH, index)
}

func (s *Scheduler) decrementLocked(peer PeerID) {
	if c := s.peerCounts[peer]; c > 0 {
		if c == 1 {
			delete(s.peerCounts, peer)
		} else {
			s.peerCounts[peer] = c - 1
		}
	}
	if s.globalCount > 0 {
		s.globalCount--
	}
}

// NextCompleted delivers the next in-order slice and advances best_index,
// or returns ok=false if the next index hasn't arrived yet.
func (s *Scheduler) NextCompleted() (index uint64, payload []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.completedH.Len() > 0 && s.completedH[0] < s.bestIndex+1 {
		heap.Pop(&s.completedH) // stale duplicate, discard
	}
	if s.completedH.Len() == 0 || s.completedH[0] != s.bestIndex+1 {
		return 0, nil, false
	}
	idx := heap.Pop(&s.completedH).(uint64)
	payload, _ = s.completed[idx]
	delete(s.completed, idx)
	s.bestIndex = idx
	return idx, payload, true
}

// ReleaseTimedOut re-queues (or abandons after MaxRetries) any pending
// download older than RequestTimeout.
func (s *Scheduler) ReleaseTimedOut() (requeued, abandoned []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for idx, p := range s.pendingByIdx {
		if now.Sub(p.requestedAt) <= RequestTimeout {
			continue
		}
		delete(s.pendingByIdx, idx)
		s.decrementLocked(p.peer)
		if p.retries+1 >= MaxRetries {
			delete(s.retryCounts, idx)
			abandoned = append(abandoned, idx)
			continue
		}
		s.retryCounts[idx] = p.retries + 1
		requeued = append(requeued, idx)
		s.queue = append(s.queue, idx)
	}
	return requeued, abandoned
}

// BestIndex returns the current best (fully synced) index.
func (s *Scheduler) BestIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bestIndex
}

// QueueLen returns the number of indices awaiting dispatch.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
