// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package eviction

import (
	"net"
	"testing"
	"time"
)

func TestSelectEmptyYieldsNil(t *testing.T) {
	if got := Select(nil); got != nil {
		t.Fatalf("expected nil for empty candidate list, got %+v", got)
	}
}

func TestSelectSinglePeerProtected(t *testing.T) {
	c := Candidate{IP: net.ParseIP("1.2.3.4"), ConnectedAt: time.Unix(100, 0)}
	if got := Select([]Candidate{c}); got != nil {
		t.Fatalf("expected a single peer to remain protected by some layer, got %+v", got)
	}
}

func TestSelectEvictsYoungestFromWorstNetgroup(t *testing.T) {
	base := time.Unix(0, 0)
	var candidates []Candidate
	for i := 0; i < 50; i++ {
		candidates = append(candidates, Candidate{
			IP:          net.IPv4(1, 2, byte(i), 1),
			ConnectedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	got := Select(candidates)
	if got == nil {
		t.Fatal("expected an eviction candidate among 50 same-netgroup peers")
	}
	if got.IP.To4()[0] != 1 || got.IP.To4()[1] != 2 {
		t.Fatalf("expected eviction candidate to remain in the 1.2.0.0/16 netgroup, got %v", got.IP)
	}
	if want := base.Add(49 * time.Second); !got.ConnectedAt.Equal(want) {
		t.Fatalf("expected the youngest peer (connected at %v) to be evicted, got %v", want, got.ConnectedAt)
	}
}

func TestNoBanProtectsUnconditionally(t *testing.T) {
	candidates := []Candidate{
		{IP: net.ParseIP("1.2.3.4"), ConnectedAt: time.Unix(1, 0), HasNoBan: true},
	}
	if got := Select(candidates); got != nil {
		t.Fatalf("expected the sole NoBan peer to never be selected, got %+v", got)
	}
}

func TestLowLatencyPeersSurviveEarlyLayers(t *testing.T) {
	base := time.Unix(0, 0)
	var candidates []Candidate
	fast := int64(5)
	for i := 0; i < 10; i++ {
		lat := int64(500)
		candidates = append(candidates, Candidate{
			IP:            net.IPv4(10, byte(i), 0, 1),
			ConnectedAt:   base.Add(time.Duration(i) * time.Second),
			LatencyMillis: &lat,
		})
	}
	candidates = append(candidates, Candidate{
		IP:            net.IPv4(10, 99, 0, 1),
		ConnectedAt:   base,
		LatencyMillis: &fast,
	})

	got := Select(candidates)
	if got != nil && got.LatencyMillis != nil && *got.LatencyMillis == fast {
		t.Fatal("expected the lowest-latency peer to be protected, not evicted")
	}
}
