// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package apbf

import (
	"net"
	"testing"
)

func seqRand() func() uint64 {
	var n uint64 = 1
	return func() uint64 {
		n++
		return n * 0x9e3779b97f4a7c15
	}
}

func TestFilterAddContains(t *testing.T) {
	f := New(100, 0.001, seqRand())
	ip := net.ParseIP("1.2.3.4")

	if f.Contains(ip, 1234) {
		t.Fatal("unexpected hit before Add")
	}
	f.Add(ip, 1234)
	if !f.Contains(ip, 1234) {
		t.Fatal("expected hit after Add")
	}
}

func TestFilterFalsePositiveRateBounded(t *testing.T) {
	f := New(1000, 0.01, seqRand())
	for i := 0; i < 500; i++ {
		ip := net.IPv4(1, 2, byte(i/256), byte(i%256))
		f.Add(ip, 1234)
	}
	fp := 0
	for i := 500; i < 1000; i++ {
		ip := net.IPv4(1, 2, byte(i/256), byte(i%256))
		if f.Contains(ip, 1234) {
			fp++
		}
	}
	if fp > 50 {
		t.Errorf("too many false positives: %d", fp)
	}
}

func TestFilterRollKeepsRecentEntries(t *testing.T) {
	f := New(10, 0.01, seqRand())
	for i := 0; i < 20; i++ {
		ip := net.IPv4(1, 1, 1, byte(i))
		f.Add(ip, 1234)
	}
	last := net.IPv4(1, 1, 1, 19)
	if !f.Contains(last, 1234) {
		t.Fatal("expected most recent entry to survive a roll")
	}
}

func TestFilterReset(t *testing.T) {
	f := New(100, 0.01, seqRand())
	ip := net.ParseIP("5.6.7.8")
	f.Add(ip, 80)
	f.Reset()
	if f.Size() != 0 {
		t.Errorf("Size() after Reset = %d, want 0", f.Size())
	}
}
