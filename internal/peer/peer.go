// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package peer implements the Peer State Machine: the per-connection
// lifecycle, Version/VerAck handshake, liveness (ping/pong) tracking and
// ban-score accounting that sits between Transport/Codec and the shared
// network-core state (Inventory, Sync, Address Book, Verified Registry).
// Modeled on dcrd's peer.Peer: a Config of message callbacks driven by a
// read loop, and a bounded outbound queue drained by a write loop, rather
// than dynamic dispatch.
package peer

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/montana-network/montanad/internal/merrors"
	"github.com/montana-network/montanad/internal/montanatime"
	"github.com/montana-network/montanad/internal/wire"
)

// State is the connection lifecycle state.
type State uint8

const (
	StateConnecting State = iota
	StateConnected
	StateHandshaking
	StateReady
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// SyncState is the peer's sub-state within the Sync Scheduler.
type SyncState uint8

const (
	SyncIdle SyncState = iota
	SyncHeaderSync
	SyncSliceSync
	SyncSynced
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncHeaderSync:
		return "header-sync"
	case SyncSliceSync:
		return "slice-sync"
	case SyncSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// Timeouts and bounds governing a peer's lifecycle.
const (
	// HandshakeTimeout bounds the Version/VerAck exchange above the
	// already-established encrypted Transport, distinct from
	// transport.HandshakeTimeout which bounds the Noise handshake itself.
	HandshakeTimeout = 60 * time.Second

	PingInterval = 120 * time.Second
	StallTimeout = 2 * PingInterval

	// OutboundQueueDepth bounds the per-peer outbound buffer in message
	// count rather than bytes.
	OutboundQueueDepth = 64

	// BanScoreThreshold is the score at which a peer becomes bannable.
	BanScoreThreshold = 100
)

// Ban-score penalties for bounded protocol offenses, chosen so a single
// severe violation (codec/protocol errors) is immediately bannable while
// minor ones require repetition.
const (
	PenaltySevere = BanScoreThreshold
	PenaltyMajor  = 20
	PenaltyMinor  = 5
)

// Conn is the minimal stream Transport.Stream satisfies: a duplex byte
// stream this package frames with the wire codec.
type Conn interface {
	io.ReadWriteCloser
}

// Listeners are the message callbacks a Peer's read loop invokes. Any nil
// listener is simply skipped; Inv/GetData/Headers/Slice/Presence messages
// are intentionally left to the caller (Inventory/Sync/own wiring) rather
// than implemented inside this package.
type Listeners struct {
	OnVersion  func(p *Peer, msg *wire.MsgVersion) error
	OnVerAck   func(p *Peer)
	OnGetAddr  func(p *Peer)
	OnAddrs    func(p *Peer, msg *wire.MsgAddr)
	OnPing     func(p *Peer, msg *wire.MsgPing)
	OnPong     func(p *Peer, msg *wire.MsgPong)
	OnMessage  func(p *Peer, msg wire.Message) error
	OnDisconnect func(p *Peer, err error)
}

// Config parameterizes a Peer.
type Config struct {
	Clock      montanatime.Source
	Listeners  Listeners
	MakeVersion func(p *Peer) *wire.MsgVersion
	Outbound   bool
}

// Peer owns one connection: its lifecycle state, handshake, liveness and
// outbound queue. It does not itself own Inventory/Sync/AddrBook state —
// those are wired through Listeners by the caller.
type Peer struct {
	conn   Conn
	addr   net.Addr
	cfg    Config
	clock  montanatime.Source

	mu          sync.Mutex
	state       State
	syncState   SyncState
	banScore    int
	nonce       uint64
	peerNonce   uint64
	lastRecv    time.Time
	lastSend    time.Time
	pingPending map[uint64]time.Time

	sendCh chan wire.Message

	closeOnce sync.Once
	doneCh    chan struct{}
}

// New wraps conn (typically a *transport.Stream) as a Peer in
// StateConnected, not yet handshaked.
func New(conn Conn, addr net.Addr, cfg Config) *Peer {
	if cfg.Clock == nil {
		cfg.Clock = montanatime.NewSystem()
	}
	p := &Peer{
		conn:        conn,
		addr:        addr,
		cfg:         cfg,
		clock:       cfg.Clock,
		state:       StateConnected,
		pingPending: make(map[uint64]time.Time),
		sendCh:      make(chan wire.Message, OutboundQueueDepth),
		doneCh:      make(chan struct{}),
	}
	return p
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SyncState returns the peer's current sync sub-state.
func (p *Peer) SyncState() SyncState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncState
}

// SetSyncState transitions the sync sub-state: Idle → HeaderSync →
// SliceSync → Synced, and back to HeaderSync if the peer falls behind
// again.
func (p *Peer) SetSyncState(s SyncState) {
	p.mu.Lock()
	p.syncState = s
	p.mu.Unlock()
}

// Addr returns the peer's remote network address.
func (p *Peer) Addr() net.Addr { return p.addr }

// BanScore returns the peer's current cumulative ban score.
func (p *Peer) BanScore() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.banScore
}

// AddBanScore adds penalty to the peer's ban score and reports whether it
// has crossed BanScoreThreshold.
func (p *Peer) AddBanScore(penalty int) bool {
	p.mu.Lock()
	p.banScore += penalty
	bannable := p.banScore >= BanScoreThreshold
	p.mu.Unlock()
	return bannable
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Handshake performs the Version/VerAck exchange. Self-connection (a
// received Version nonce matching our own) is an immediate disconnect. On
// success the peer transitions to StateReady.
func (p *Peer) Handshake() error {
	p.setState(StateHandshaking)

	ourVersion := p.cfg.MakeVersion(p)
	nonce := ourVersion.Nonce
	if nonce == 0 {
		var err error
		nonce, err = randomNonce()
		if err != nil {
			return merrors.Wrap(merrors.KindProtocolViolation, "generating handshake nonce", err)
		}
		ourVersion.Nonce = nonce
	}
	p.mu.Lock()
	p.nonce = nonce
	p.mu.Unlock()

	deadline := p.clock.Now().Add(HandshakeTimeout)
	setDeadline(p.conn, deadline)
	defer setDeadline(p.conn, time.Time{})

	var err error
	if p.cfg.Outbound {
		err = p.handshakeOutbound(ourVersion)
	} else {
		err = p.handshakeInbound(ourVersion)
	}
	if err != nil {
		p.setState(StateDisconnecting)
		return err
	}

	p.setState(StateReady)
	now := p.clock.Now()
	p.mu.Lock()
	p.lastRecv = now
	p.lastSend = now
	p.mu.Unlock()
	return nil
}

func (p *Peer) handshakeOutbound(ourVersion *wire.MsgVersion) error {
	if err := wire.WriteMessage(p.conn, ourVersion); err != nil {
		return merrors.Wrap(merrors.KindCodecError, "writing version", err)
	}
	theirVersion, err := p.expectVersion()
	if err != nil {
		return err
	}
	if err := p.checkSelfConnect(theirVersion); err != nil {
		return err
	}
	if err := wire.WriteMessage(p.conn, &wire.MsgVerAck{}); err != nil {
		return merrors.Wrap(merrors.KindCodecError, "writing verack", err)
	}
	return p.expectVerAck()
}

func (p *Peer) handshakeInbound(ourVersion *wire.MsgVersion) error {
	theirVersion, err := p.expectVersion()
	if err != nil {
		return err
	}
	if err := p.checkSelfConnect(theirVersion); err != nil {
		return err
	}
	if err := wire.WriteMessage(p.conn, ourVersion); err != nil {
		return merrors.Wrap(merrors.KindCodecError, "writing version", err)
	}
	if err := wire.WriteMessage(p.conn, &wire.MsgVerAck{}); err != nil {
		return merrors.Wrap(merrors.KindCodecError, "writing verack", err)
	}
	return p.expectVerAck()
}

func (p *Peer) expectVersion() (*wire.MsgVersion, error) {
	msg, err := wire.ReadMessage(p.conn)
	if err != nil {
		return nil, merrors.Wrap(merrors.KindCodecError, "reading version", err)
	}
	v, ok := msg.(*wire.MsgVersion)
	if !ok {
		return nil, merrors.New(merrors.KindProtocolViolation, "expected version message")
	}
	p.mu.Lock()
	p.peerNonce = v.Nonce
	p.mu.Unlock()
	if p.cfg.Listeners.OnVersion != nil {
		if err := p.cfg.Listeners.OnVersion(p, v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (p *Peer) expectVerAck() error {
	msg, err := wire.ReadMessage(p.conn)
	if err != nil {
		return merrors.Wrap(merrors.KindCodecError, "reading verack", err)
	}
	if _, ok := msg.(*wire.MsgVerAck); !ok {
		return merrors.New(merrors.KindProtocolViolation, "expected verack message")
	}
	if p.cfg.Listeners.OnVerAck != nil {
		p.cfg.Listeners.OnVerAck(p)
	}
	return nil
}

func (p *Peer) checkSelfConnect(theirs *wire.MsgVersion) error {
	p.mu.Lock()
	ours := p.nonce
	p.mu.Unlock()
	if theirs.Nonce == ours {
		p.AddBanScore(PenaltySevere)
		return merrors.New(merrors.KindProtocolViolation, "self-connection detected")
	}
	return nil
}

// Run starts the read and write loops and blocks until the connection
// closes for any reason. Handshake must have already completed.
func (p *Peer) Run() error {
	if p.State() != StateReady {
		return merrors.New(merrors.KindProtocolViolation, "Run called before a successful handshake")
	}

	errCh := make(chan error, 2)
	go func() { errCh <- p.readLoop() }()
	go func() { errCh <- p.writeLoop() }()

	err := <-errCh
	p.Disconnect(err)
	<-p.doneCh
	return err
}

func (p *Peer) readLoop() error {
	for {
		msg, err := wire.ReadMessage(p.conn)
		if err != nil {
			return merrors.Wrap(merrors.KindCodecError, "read loop", err)
		}
		p.mu.Lock()
		p.lastRecv = p.clock.Now()
		p.mu.Unlock()

		if err := p.dispatch(msg); err != nil {
			return err
		}
	}
}

func (p *Peer) dispatch(msg wire.Message) error {
	// Only Ready peers may inject sliced/tx/presence data. Ping/Pong/
	// GetAddr/Addrs remain valid at any post-handshake state.
	switch m := msg.(type) {
	case *wire.MsgPing:
		p.handlePing(m)
		return nil
	case *wire.MsgPong:
		p.handlePong(m)
		return nil
	case *wire.MsgGetAddr:
		if p.cfg.Listeners.OnGetAddr != nil {
			p.cfg.Listeners.OnGetAddr(p)
		}
		return nil
	case *wire.MsgAddr:
		if p.cfg.Listeners.OnAddrs != nil {
			p.cfg.Listeners.OnAddrs(p, m)
		}
		return nil
	default:
		if p.State() != StateReady {
			p.AddBanScore(PenaltyMajor)
			return merrors.New(merrors.KindProtocolViolation, fmt.Sprintf("message %q before ready", msg.Command()))
		}
		if p.cfg.Listeners.OnMessage != nil {
			return p.cfg.Listeners.OnMessage(p, msg)
		}
		return nil
	}
}

func (p *Peer) handlePing(m *wire.MsgPing) {
	if p.cfg.Listeners.OnPing != nil {
		p.cfg.Listeners.OnPing(p, m)
	}
	p.QueueMessage(&wire.MsgPong{Nonce: m.Nonce})
}

func (p *Peer) handlePong(m *wire.MsgPong) {
	p.mu.Lock()
	_, expected := p.pingPending[m.Nonce]
	delete(p.pingPending, m.Nonce)
	p.mu.Unlock()
	if !expected {
		// An unsolicited or stale pong is odd but not dangerous on its own.
		p.AddBanScore(PenaltyMinor)
	}
	if p.cfg.Listeners.OnPong != nil {
		p.cfg.Listeners.OnPong(p, m)
	}
}

func (p *Peer) writeLoop() error {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-p.sendCh:
			if !ok {
				return nil
			}
			if err := p.writeOne(msg); err != nil {
				return merrors.Wrap(merrors.KindCodecError, "write loop", err)
			}
		case <-ticker.C:
			if err := p.checkStall(); err != nil {
				return err
			}
			p.sendPing()
		case <-p.doneCh:
			return nil
		}
	}
}

func (p *Peer) checkStall() error {
	p.mu.Lock()
	last := p.lastRecv
	p.mu.Unlock()
	if p.clock.Now().Sub(last) > StallTimeout {
		return merrors.New(merrors.KindTimeout, "no traffic within stall timeout")
	}
	return nil
}

func (p *Peer) sendPing() {
	nonce, err := randomNonce()
	if err != nil {
		return
	}
	p.mu.Lock()
	p.pingPending[nonce] = p.clock.Now()
	p.mu.Unlock()
	p.QueueMessage(&wire.MsgPing{Nonce: nonce})
}

func (p *Peer) writeOne(msg wire.Message) error {
	if err := wire.WriteMessage(p.conn, msg); err != nil {
		return err
	}
	p.mu.Lock()
	p.lastSend = p.clock.Now()
	p.mu.Unlock()
	return nil
}

// QueueMessage enqueues msg for the write loop. Once OutboundQueueDepth
// messages are pending, the call blocks (backpressure) rather than
// growing the queue unbounded.
func (p *Peer) QueueMessage(msg wire.Message) {
	select {
	case p.sendCh <- msg:
	case <-p.doneCh:
	}
}

// TryDequeue non-blockingly removes one message from the outbound queue,
// reporting whether one was present. Exposed for callers that need to
// observe what QueueMessage enqueued without running the write loop.
func (p *Peer) TryDequeue() (wire.Message, bool) {
	select {
	case msg := <-p.sendCh:
		return msg, true
	default:
		return nil, false
	}
}

// Disconnect transitions the peer to Disconnecting then Disconnected,
// closing the connection and releasing the write loop. Safe to call more
// than once; only the first call has effect.
func (p *Peer) Disconnect(cause error) {
	p.closeOnce.Do(func() {
		p.setState(StateDisconnecting)
		p.conn.Close()
		close(p.doneCh)
		p.setState(StateDisconnected)
		if p.cfg.Listeners.OnDisconnect != nil {
			p.cfg.Listeners.OnDisconnect(p, cause)
		}
	})
}

func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

type deadlineSetter interface {
	SetDeadline(t time.Time) error
}

func setDeadline(conn Conn, t time.Time) {
	if ds, ok := conn.(deadlineSetter); ok {
		ds.SetDeadline(t)
	}
}
