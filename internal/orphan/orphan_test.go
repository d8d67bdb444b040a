// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package orphan

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

func TestAddAndResolve(t *testing.T) {
	p := New(montanatime.NewFake(time.Unix(1700000000, 0)))
	parent := hashFor(1)
	child := wire.SliceHeader{PrevHash: parent, SliceIndex: 1}
	p.Add(child)

	if p.Len() != 1 {
		t.Fatalf("expected 1 orphan, got %d", p.Len())
	}
	resolved := p.Resolve(parent)
	if len(resolved) != 1 || resolved[0].SliceIndex != 1 {
		t.Fatalf("expected to resolve the one orphan, got %v", resolved)
	}
	if p.Len() != 0 {
		t.Fatal("expected pool to be empty after resolving")
	}
}

func TestResolveUnknownParentIsEmpty(t *testing.T) {
	p := New(montanatime.NewFake(time.Unix(1700000000, 0)))
	if got := p.Resolve(hashFor(9)); got != nil {
		t.Fatalf("expected no orphans for an unknown parent, got %v", got)
	}
}

func TestOldestEvictedWhenFull(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	p := New(clock)
	for i := 0; i < MaxOrphans; i++ {
		p.Add(wire.SliceHeader{PrevHash: hashFor(byte(i % 256)), SliceIndex: uint64(i)})
		clock.Advance(time.Second)
	}
	if p.Len() != MaxOrphans {
		t.Fatalf("expected pool to be at capacity, got %d", p.Len())
	}

	first := hashFor(0)
	p.Add(wire.SliceHeader{PrevHash: hashFor(200), SliceIndex: 9999})
	if p.Len() != MaxOrphans {
		t.Fatalf("expected pool to remain at capacity after overflow add, got %d", p.Len())
	}
	if got := p.Resolve(first); len(got) != 0 {
		t.Fatal("expected the oldest orphan to have been evicted to make room")
	}
}

func TestExpireOlderThan(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	p := New(clock)
	p.Add(wire.SliceHeader{PrevHash: hashFor(1), SliceIndex: 1})
	clock.Advance(time.Hour)
	p.Add(wire.SliceHeader{PrevHash: hashFor(2), SliceIndex: 2})

	removed := p.ExpireOlderThan(30 * time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 expired orphan, got %d", removed)
	}
	if p.Len() != 1 {
		t.Fatalf("expected 1 orphan remaining, got %d", p.Len())
	}
}
