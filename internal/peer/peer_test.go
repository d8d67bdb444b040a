// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"net"
	"testing"
	"time"

	"github.com/montana-network/montanad/internal/montanatime"
	"github.com/montana-network/montanad/internal/wire"
)

func versionMaker(nonce uint64) func(p *Peer) *wire.MsgVersion {
	return func(p *Peer) *wire.MsgVersion {
		return &wire.MsgVersion{
			Version:   1,
			Services:  0,
			Timestamp: 1700000000,
			AddrRecv:  wire.NetAddress{},
			AddrFrom:  wire.NetAddress{},
			Nonce:     nonce,
			UserAgent: "/montana:test/",
		}
	}
}

// newPipePeers wires two Peers over a real loopback TCP connection rather
// than net.Pipe: net.Pipe is a fully synchronous rendezvous with no
// buffering, which deadlocks when both sides of the handshake write a verack
// without a concurrent reader on the other end. A real socket buffers small
// writes the way production Transport streams do.
func newPipePeers(t *testing.T, outboundCfg, inboundCfg Config) (*Peer, *Peer) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptCh <- nil
			return
		}
		acceptCh <- conn
	}()

	dialConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	acceptConn := <-acceptCh
	if acceptConn == nil {
		t.Fatal("accept failed")
	}

	outboundCfg.Outbound = true
	inboundCfg.Outbound = false
	return New(dialConn, dialConn.RemoteAddr(), outboundCfg), New(acceptConn, acceptConn.RemoteAddr(), inboundCfg)
}

// pipeAddr is a trivial net.Addr for single-peer tests that construct a Peer
// over net.Pipe without needing a real dialed address.
type pipeAddr struct{ s string }

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return a.s }

func TestHandshakeReachesReadyOnBothSides(t *testing.T) {
	out, in := newPipePeers(t,
		Config{MakeVersion: versionMaker(0)},
		Config{MakeVersion: versionMaker(0)},
	)

	errCh := make(chan error, 2)
	go func() { errCh <- out.Handshake() }()
	go func() { errCh <- in.Handshake() }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("handshake failed: %v", err)
		}
	}

	if out.State() != StateReady {
		t.Fatalf("expected outbound peer ready, got %s", out.State())
	}
	if in.State() != StateReady {
		t.Fatalf("expected inbound peer ready, got %s", in.State())
	}
}

func TestHandshakeDetectsSelfConnection(t *testing.T) {
	const sharedNonce = uint64(0xdeadbeef)
	out, in := newPipePeers(t,
		Config{MakeVersion: versionMaker(sharedNonce)},
		Config{MakeVersion: versionMaker(sharedNonce)},
	)

	errCh := make(chan error, 2)
	go func() { errCh <- out.Handshake() }()
	go func() { errCh <- in.Handshake() }()

	// Whichever side notices the shared nonce first returns an error without
	// the other side ever writing back; close both ends so that side's
	// partner unblocks immediately instead of waiting out the handshake
	// deadline.
	first := <-errCh
	out.Disconnect(nil)
	in.Disconnect(nil)
	second := <-errCh

	if first == nil && second == nil {
		t.Fatal("expected at least one side to detect the self-connection and fail")
	}

	if out.BanScore() < PenaltySevere && in.BanScore() < PenaltySevere {
		t.Fatalf("expected a ban score bump on self-connection, out=%d in=%d", out.BanScore(), in.BanScore())
	}
}

func TestAddBanScoreReportsBannable(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	p := New(c1, pipeAddr{"x"}, Config{MakeVersion: versionMaker(0)})

	if p.AddBanScore(PenaltyMinor) {
		t.Fatal("did not expect a minor penalty alone to be bannable")
	}
	if !p.AddBanScore(BanScoreThreshold) {
		t.Fatal("expected cumulative score at threshold to be bannable")
	}
	if p.BanScore() != PenaltyMinor+BanScoreThreshold {
		t.Fatalf("expected accumulated score %d, got %d", PenaltyMinor+BanScoreThreshold, p.BanScore())
	}
}

func TestDispatchRejectsMessageBeforeReady(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	p := New(c1, pipeAddr{"x"}, Config{MakeVersion: versionMaker(0)})
	// Peer starts in StateConnected, never handshaked to StateReady.

	err := p.dispatch(&wire.MsgMempool{})
	if err == nil {
		t.Fatal("expected a non-whitelisted message before Ready to be rejected")
	}
	if p.BanScore() < PenaltyMajor {
		t.Fatalf("expected ban score to reflect the violation, got %d", p.BanScore())
	}
}

func TestDispatchAllowsPingPongBeforeReady(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	p := New(c1, pipeAddr{"x"}, Config{MakeVersion: versionMaker(0)})

	// handlePing only enqueues the pong on the outbound channel; the write
	// loop isn't running, so nothing actually touches the wire here.
	if err := p.dispatch(&wire.MsgPing{Nonce: 7}); err != nil {
		t.Fatalf("unexpected error dispatching ping before ready: %v", err)
	}
	select {
	case msg := <-p.sendCh:
		if _, ok := msg.(*wire.MsgPong); !ok {
			t.Fatalf("expected a queued pong, got %T", msg)
		}
	default:
		t.Fatal("expected a pong to be queued in response to the ping")
	}
	if p.BanScore() != 0 {
		t.Fatalf("expected no ban score for a ping before ready, got %d", p.BanScore())
	}
}

func TestHandlePongWithoutPendingPingAddsMinorPenalty(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	p := New(c1, pipeAddr{"x"}, Config{MakeVersion: versionMaker(0)})

	p.handlePong(&wire.MsgPong{Nonce: 99})
	if p.BanScore() != PenaltyMinor {
		t.Fatalf("expected unsolicited pong to add a minor penalty, got %d", p.BanScore())
	}
}

func TestCheckStallUsesInjectedClock(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	clock := montanatime.NewFake(time.Unix(1700000000, 0))
	p := New(c1, pipeAddr{"x"}, Config{MakeVersion: versionMaker(0), Clock: clock})
	p.lastRecv = clock.Now()

	if err := p.checkStall(); err != nil {
		t.Fatalf("did not expect a stall this soon: %v", err)
	}

	clock.Advance(StallTimeout + time.Second)
	if err := p.checkStall(); err == nil {
		t.Fatal("expected a stall timeout once no traffic arrives within StallTimeout")
	}
}

func TestDisconnectIsIdempotentAndInvokesListener(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()

	var calls int
	var lastErr error
	p := New(c1, pipeAddr{"x"}, Config{
		MakeVersion: versionMaker(0),
		Listeners: Listeners{
			OnDisconnect: func(p *Peer, err error) {
				calls++
				lastErr = err
			},
		},
	})

	p.Disconnect(nil)
	p.Disconnect(nil)

	if calls != 1 {
		t.Fatalf("expected OnDisconnect to fire exactly once, got %d", calls)
	}
	if lastErr != nil {
		t.Fatalf("expected nil cause, got %v", lastErr)
	}
	if p.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", p.State())
	}
}
