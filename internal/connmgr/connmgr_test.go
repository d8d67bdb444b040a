// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"net"
	"testing"
	"time"

	"github.com/montana-network/montanad/internal/montanatime"
)

func TestNetgroupDiversityCap(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	m := New(clock, "")

	a1 := net.ParseIP("1.2.3.4")
	a2 := net.ParseIP("1.2.4.5")
	a3 := net.ParseIP("1.2.5.6")

	if !m.CanConnect(a1) {
		t.Fatal("expected first address in netgroup to be admitted")
	}
	m.AddOutbound(a1)
	if !m.CanConnect(a2) {
		t.Fatal("expected second address in same /16 to be admitted")
	}
	m.AddOutbound(a2)
	if m.CanConnect(a3) {
		t.Fatal("expected third address in same /16 to be rejected")
	}

	a4 := net.ParseIP("2.3.4.5")
	if !m.CanConnect(a4) {
		t.Fatal("expected address in a different netgroup to be admitted")
	}
}

func TestExponentialBackoff(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	m := New(clock, "")
	addr := "1.2.3.4:19333"

	if !m.CanRetry(addr) {
		t.Fatal("expected first attempt to be retryable")
	}
	m.RecordFailure(addr)
	if m.CanRetry(addr) {
		t.Fatal("expected retry to be blocked immediately after a failure")
	}
	clock.Advance(InitialRetryDelay + time.Second)
	if !m.CanRetry(addr) {
		t.Fatal("expected retry to be allowed after the backoff window elapses")
	}

	m.RecordFailure(addr)
	clock.Advance(InitialRetryDelay + time.Second) // one delay isn't enough after doubling
	if m.CanRetry(addr) {
		t.Fatal("expected backoff to have doubled after a second failure")
	}
}

func TestRecordSuccessResetsBackoff(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	m := New(clock, "")
	addr := "1.2.3.4:19333"

	m.RecordFailure(addr)
	m.RecordFailure(addr)
	m.RecordSuccess(addr)

	clock.Advance(InitialRetryDelay + time.Second)
	if !m.CanRetry(addr) {
		t.Fatal("expected backoff to reset to the initial delay after a success")
	}
}

func TestAdmitOrder(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	m := New(clock, "")
	ip := net.ParseIP("1.2.3.4")

	if err := m.Admit(ip, true); err == nil {
		t.Fatal("expected banned address to be rejected")
	}
	if err := m.Admit(ip, false); err != nil {
		t.Fatalf("expected a fresh address to be admitted, got %v", err)
	}

	m.AddInbound(ip)
	m.AddInbound(net.ParseIP("1.2.3.5"))
	if err := m.Admit(net.ParseIP("1.2.3.6"), false); err == nil {
		t.Fatal("expected per-IP-distinct but over-per-netgroup address to be rejected")
	}
}

func TestStartFinishConnecting(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	m := New(clock, "")
	addr := "1.2.3.4:19333"

	if !m.StartConnecting(addr) {
		t.Fatal("expected first StartConnecting to succeed")
	}
	if m.StartConnecting(addr) {
		t.Fatal("expected concurrent StartConnecting to be rejected")
	}
	m.FinishConnecting(addr)
	if !m.StartConnecting(addr) {
		t.Fatal("expected StartConnecting to succeed again after FinishConnecting")
	}
}

func TestRemovePeerDecrementsCounts(t *testing.T) {
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	m := New(clock, "")
	ip := net.ParseIP("1.2.3.4")

	m.AddOutbound(ip)
	out, in := m.Counts()
	if out != 1 || in != 0 {
		t.Fatalf("expected (1,0), got (%d,%d)", out, in)
	}
	m.RemovePeer(ip, false)
	out, in = m.Counts()
	if out != 0 || in != 0 {
		t.Fatalf("expected (0,0) after removal, got (%d,%d)", out, in)
	}
}
