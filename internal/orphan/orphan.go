// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package orphan implements the Orphan Header Pool: a small, header-only
// cache of slice headers whose parent has not yet been seen, keyed by
// prev_hash. Only headers are held, never full slice bodies, keeping the
// pool's memory footprint bounded regardless of slice size.
package orphan

import (
	"container/list"
	"sync"
	"time"

	"github.com/montana-network/montanad/internal/montanatime"
	"github.com/montana-network/montanad/internal/wire"
)

// MaxOrphans is the pool's hard capacity.
const MaxOrphans = 100

type entry struct {
	header   wire.SliceHeader
	addedAt  time.Time
}

// Pool is a prev_hash-keyed store of orphan headers, oldest-first eviction
// when full. Safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	clock montanatime.Source

	order   *list.List // of *orphanRecord, oldest at front
	byPrev  map[wire.Hash][]*list.Element
}

type orphanRecord struct {
	prevHash wire.Hash
	entry    entry
}

// New returns an empty orphan pool.
func New(clock montanatime.Source) *Pool {
	return &Pool{
		clock:  clock,
		order:  list.New(),
		byPrev: make(map[wire.Hash][]*list.Element),
	}
}

// Add inserts header, keyed by its PrevHash, evicting the oldest orphan
// if the pool is full.
func (p *Pool) Add(header wire.SliceHeader) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.order.Len() >= MaxOrphans {
		p.evictOldestLocked()
	}

	rec := &orphanRecord{
		prevHash: header.PrevHash,
		entry:    entry{header: header, addedAt: p.clock.Now()},
	}
	el := p.order.PushBack(rec)
	p.byPrev[header.PrevHash] = append(p.byPrev[header.PrevHash], el)
}

func (p *Pool) evictOldestLocked() {
	front := p.order.Front()
	if front == nil {
		return
	}
	rec := front.Value.(*orphanRecord)
	p.order.Remove(front)
	p.removeFromIndexLocked(rec.prevHash, front)
}

func (p *Pool) removeFromIndexLocked(prev wire.Hash, el *list.Element) {
	list := p.byPrev[prev]
	for i, e := range list {
		if e == el {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.byPrev, prev)
	} else {
		p.byPrev[prev] = list
	}
}

// Resolve removes and returns every orphan whose PrevHash equals parent
// (the children of a header that just arrived). Their full bodies must be
// re-requested by the caller; only headers are retained here.
func (p *Pool) Resolve(parent wire.Hash) []wire.SliceHeader {
	p.mu.Lock()
	defer p.mu.Unlock()

	elements, ok := p.byPrev[parent]
	if !ok {
		return nil
	}
	headers := make([]wire.SliceHeader, 0, len(elements))
	for _, el := range elements {
		rec := el.Value.(*orphanRecord)
		headers = append(headers, rec.entry.header)
		p.order.Remove(el)
	}
	delete(p.byPrev, parent)
	return headers
}

// ExpireOlderThan removes orphans added more than maxAge ago, oldest-first.
func (p *Pool) ExpireOlderThan(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	removed := 0
	for {
		front := p.order.Front()
		if front == nil {
			break
		}
		rec := front.Value.(*orphanRecord)
		if now.Sub(rec.entry.addedAt) <= maxAge {
			break
		}
		p.order.Remove(front)
		p.removeFromIndexLocked(rec.prevHash, front)
		removed++
	}
	return removed
}

// Len returns the number of orphans currently held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}
