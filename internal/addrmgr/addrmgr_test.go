// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/montana-network/montanad/internal/montanatime"
	"github.com/montana-network/montanad/internal/wire"
)

func testAddr(ip string, port uint16, ts time.Time) wire.NetAddress {
	return wire.NetAddress{
		IP:        net.ParseIP(ip),
		Port:      port,
		Timestamp: uint64(ts.Unix()),
		Services:  1,
	}
}

func TestPlacementDeterministicAcrossFreshBooksWithSameKey(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}

	m1 := newWithKey(clock, key)
	m2 := newWithKey(clock, key)

	addr := testAddr("104.20.1.7", 19333, clock.Now())
	source := net.ParseIP("104.21.2.2")

	if !m1.Add(addr, source) {
		t.Fatal("expected Add to succeed on fresh book m1")
	}
	if !m2.Add(addr, source) {
		t.Fatal("expected Add to succeed on fresh book m2")
	}

	b1 := m1.newBucket(addr.IP, source)
	s1 := m1.slot(addr.IP, addr.Port, b1, true)
	b2 := m2.newBucket(addr.IP, source)
	s2 := m2.slot(addr.IP, addr.Port, b2, true)

	if b1 != b2 || s1 != s2 {
		t.Fatalf("expected identical bucket/slot, got (%d,%d) vs (%d,%d)", b1, s1, b2, s2)
	}
	if m1.newTable[b1][s1] == nil || m2.newTable[b2][s2] == nil {
		t.Fatal("expected both books to have placed the address in the new table")
	}
}

func TestAddRejectsFutureTimestamp(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	m := New(clock)

	future := testAddr("104.20.1.7", 19333, clock.Now().Add(24*time.Hour))
	if m.Add(future, net.ParseIP("104.21.2.2")) {
		t.Fatal("expected far-future timestamp to be rejected")
	}
}

func TestMarkGoodPromotesToTried(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	m := New(clock)

	addr := testAddr("104.20.1.7", 19333, clock.Now())
	source := net.ParseIP("104.21.2.2")
	if !m.Add(addr, source) {
		t.Fatal("Add failed")
	}
	m.MarkGood(addr.IP)

	info, ok := m.byAddr[addr.IP.String()]
	if !ok || !info.inTried {
		t.Fatal("expected address to be promoted to tried table")
	}
}

func TestTerribleByRepeatedFailures(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	info := &AddressInfo{
		Addr:     testAddr("104.20.1.7", 19333, clock.Now()),
		Attempts: 3,
	}
	if !info.Terrible(clock.Now()) {
		t.Fatal("expected address with 3 failed attempts and no success to be terrible")
	}
}

func TestExpireRemovesStaleNeverSuccessful(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	m := New(clock)

	addr := testAddr("104.20.1.7", 19333, clock.Now())
	m.Add(addr, net.ParseIP("104.21.2.2"))

	clock.Advance(HorizonDays*24*time.Hour + time.Hour)
	m.Expire()

	if m.NumAddresses() != 0 {
		t.Fatalf("expected stale address to be expired, got %d remaining", m.NumAddresses())
	}
}

func TestSaveLoadPreservesKeyAndAddresses(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	m := New(clock)
	addr := testAddr("104.20.1.7", 19333, clock.Now())
	m.Add(addr, net.ParseIP("104.21.2.2"))

	path := filepath.Join(t.TempDir(), "peers.json")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, clock)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.NumAddresses() != 1 {
		t.Fatalf("expected 1 loaded address, got %d", loaded.NumAddresses())
	}
	if loaded.KeyForTest() != m.KeyForTest() {
		t.Fatal("expected loaded placement key to match saved key")
	}
}

func TestGetAddrRespectsMax(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	m := New(clock)
	for i := 0; i < 20; i++ {
		ip := net.IPv4(104, 20, 1, byte(i))
		m.Add(testAddr(ip.String(), 19333, clock.Now()), net.ParseIP("104.21.2.2"))
	}
	got := m.GetAddr(5)
	if len(got) > 5 {
		t.Fatalf("expected at most 5 addresses, got %d", len(got))
	}
}
