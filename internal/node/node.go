// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package node wires every network-core subsystem into a running instance:
// the Bootstrap Gate, Transport, Peer State Machine, Address Book, Ban
// Registry, Connection Manager, Subnet Tracker, Verified-Peer Registry,
// Peer Selector, Inventory Index, Orphan Pool, Sync Scheduler and
// Late-Signature Buffer, the way dcrd's server.go composes its subsystems
// under one struct driven from cmd/dcrd's main.go.
package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/montana-network/montanad/internal/addrmgr"
	"github.com/montana-network/montanad/internal/apbf"
	"github.com/montana-network/montanad/internal/banmgr"
	"github.com/montana-network/montanad/internal/bootstrap"
	"github.com/montana-network/montanad/internal/config"
	"github.com/montana-network/montanad/internal/connmgr"
	"github.com/montana-network/montanad/internal/cooldown"
	"github.com/montana-network/montanad/internal/inventory"
	"github.com/montana-network/montanad/internal/latebuf"
	"github.com/montana-network/montanad/internal/merrors"
	"github.com/montana-network/montanad/internal/mlog"
	"github.com/montana-network/montanad/internal/montanatime"
	"github.com/montana-network/montanad/internal/orphan"
	"github.com/montana-network/montanad/internal/peer"
	"github.com/montana-network/montanad/internal/pqcrypto"
	"github.com/montana-network/montanad/internal/ratelimit"
	"github.com/montana-network/montanad/internal/selector"
	"github.com/montana-network/montanad/internal/subnet"
	"github.com/montana-network/montanad/internal/syncmgr"
	"github.com/montana-network/montanad/internal/transport"
	"github.com/montana-network/montanad/internal/verifiedpeers"
	"github.com/montana-network/montanad/internal/wire"
)

// DialTimeout bounds a single outbound connection attempt.
const DialTimeout = 10 * time.Second

// MaxOutbound and MaxInbound mirror connmgr's connection budget.
const (
	MaxOutbound = 8
	MaxInbound  = 117
)

var log = mlog.NewLogger(mlog.SubsystemServer)

// Node owns every long-lived subsystem and the peers currently connected to
// it.
type Node struct {
	cfg   *config.Config
	clock montanatime.Source

	staticKey    transport.StaticKeypair
	identityPub  *pqcrypto.PublicKey
	identityPriv *pqcrypto.PrivateKey

	addrBook      *addrmgr.Manager
	bans          *banmgr.Registry
	connMgr       *connmgr.Manager
	subnetTracker *subnet.Tracker
	verified      *verifiedpeers.Registry
	sel           *selector.Selector
	cooldown      *cooldown.Cooldown
	inv           *inventory.Index
	orphans       *orphan.Pool
	sync          *syncmgr.Scheduler
	lateBuf       *latebuf.Buffer
	subnetLimiter *ratelimit.SubnetLimiter
	recentAddrs   *apbf.Filter

	trustedCore []bootstrap.TrustedCoreNode

	peerSeq uint64

	mu       sync.Mutex
	peers    map[uint64]*connectedPeer
	listener net.Listener

	quit chan struct{}
}

type connectedPeer struct {
	id   uint64
	p    *peer.Peer
	addr net.Addr
}

// New constructs a Node from cfg without starting any network activity.
func New(cfg *config.Config) (*Node, error) {
	clock := montanatime.NewSystem()

	noiseKey, err := pqcrypto.LoadOrGenerateNoiseKey(cfg.NoiseKeyPath())
	if err != nil {
		return nil, err
	}
	staticKey, err := transport.StaticKeyFromSecret(noiseKey)
	if err != nil {
		return nil, err
	}
	idPub, idPriv, err := pqcrypto.GenerateIdentity()
	if err != nil {
		return nil, merrors.Wrap(merrors.KindAuthFailure, "generating node identity", err)
	}

	addrBook, err := addrmgr.Load(cfg.AddrBookPath(), clock)
	if err != nil {
		addrBook = addrmgr.New(clock)
	}
	bans := banmgr.New(clock)
	if err := bans.Load(cfg.BanListPath()); err != nil {
		log.Debugf("no existing ban list loaded: %v", err)
	}

	verified := verifiedpeers.New(clock)
	verified.SetCurrentTau2(montanatime.Tau2Index(clock.Now()))

	n := &Node{
		cfg:           cfg,
		clock:         clock,
		staticKey:     staticKey,
		identityPub:   idPub,
		identityPriv:  idPriv,
		addrBook:      addrBook,
		bans:          bans,
		connMgr:       connmgr.New(clock, cfg.Proxy),
		subnetTracker: subnet.New(),
		verified:      verified,
		cooldown:      cooldown.New(),
		inv:           inventory.New(clock),
		orphans:       orphan.New(clock),
		sync:          syncmgr.New(clock, 0),
		lateBuf:       latebuf.New(clock, montanatime.Tau2Index(clock.Now())),
		subnetLimiter: ratelimit.NewSubnetLimiter(clock),
		recentAddrs:   apbf.DefaultParams(randUint64),
		trustedCore:   trustedCoreNodes(cfg.Testnet),
		peers:         make(map[uint64]*connectedPeer),
		quit:          make(chan struct{}),
	}
	trustedAddrs := make([]string, len(n.trustedCore))
	for i, tc := range n.trustedCore {
		trustedAddrs[i] = tc.Addr
	}
	n.sel = selector.New(trustedAddrs, verified, addrBook)
	return n, nil
}

func randUint64() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Run starts the Bootstrap Gate, then the listener, dial loop and
// maintenance loop, blocking until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.runBootstrap(ctx); err != nil {
		return err
	}

	port := n.cfg.Port
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(int(port)))
	if err != nil {
		return merrors.Wrap(merrors.KindBootstrapFailure, "opening listener", err)
	}
	n.listener = ln
	log.Infof("listening on %s, identity %x", ln.Addr(), pqcrypto.Fingerprint(n.identityPub))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); n.acceptLoop(ctx) }()
	go func() { defer wg.Done(); n.dialLoop(ctx) }()
	go func() { defer wg.Done(); n.maintenanceLoop(ctx) }()

	<-ctx.Done()
	n.shutdown()
	wg.Wait()
	return nil
}

func (n *Node) shutdown() {
	close(n.quit)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	peers := make([]*connectedPeer, 0, len(n.peers))
	for _, cp := range n.peers {
		peers = append(peers, cp)
	}
	n.mu.Unlock()
	for _, cp := range peers {
		cp.p.Disconnect(nil)
	}
	n.addrBook.Save(n.cfg.AddrBookPath())
	n.bans.Save(n.cfg.BanListPath())
}

// runBootstrap resolves and authenticates the Trusted Core list, augments it
// with seed-supplied gossip candidates, and aborts startup unless the gate
// accepts or SkipVerify is set.
func (n *Node) runBootstrap(ctx context.Context) error {
	gate := bootstrap.New(n.trustedCore, &dialQuerier{n: n}, n.clock.Now)
	result, err := gate.Run(ctx, n.cfg.Seeds, n.cfg.SkipVerify)
	if err != nil {
		return err
	}
	if !result.Accepted {
		if !n.cfg.SkipVerify {
			return merrors.New(merrors.KindBootstrapFailure, "bootstrap gate rejected: "+result.Reason)
		}
		log.Warnf("DANGER: bootstrap gate rejected (%s) but --skip-verify is set; joining the network unverified", result.Reason)
	} else {
		log.Infof("bootstrap gate accepted: %d trusted-core responses, %d unique subnets, height %d",
			result.TrustedCoreCount, result.UniqueSubnets, result.BestHeight)
	}
	return nil
}

func (n *Node) acceptLoop(ctx context.Context) {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.quit:
				return
			default:
				log.Errorf("accept: %v", err)
				return
			}
		}
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if ip := net.ParseIP(host); ip != nil && !n.subnetLimiter.Allow(ip) {
			conn.Close()
			continue
		}
		go n.handleConn(ctx, conn, false)
	}
}

func (n *Node) dialLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !n.connMgr.NeedOutbound() {
				continue
			}
			connected := n.connectedAddrs()
			chosen, ok := n.sel.Select(connected)
			if !ok {
				continue
			}
			if !n.connMgr.StartConnecting(chosen.Addr) {
				continue
			}
			go n.dialOne(ctx, chosen.Addr)
		}
	}
}

func (n *Node) dialOne(ctx context.Context, addr string) {
	defer n.connMgr.FinishConnecting(addr)
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	conn, err := n.connMgr.Dial(dialCtx, addr)
	if err != nil {
		n.connMgr.RecordFailure(addr)
		return
	}
	n.connMgr.RecordSuccess(addr)
	n.handleConn(ctx, conn, true)
}

func (n *Node) connectedAddrs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.peers))
	for _, cp := range n.peers {
		out = append(out, cp.addr.String())
	}
	return out
}

// handleConn runs the Transport handshake, then the Peer handshake, then
// drives the connection until it disconnects.
func (n *Node) handleConn(ctx context.Context, conn net.Conn, outbound bool) {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	ip := net.ParseIP(host)
	if ip != nil && n.bans.IsBanned(ip) {
		conn.Close()
		return
	}

	hsCtx, cancel := context.WithTimeout(ctx, transport.HandshakeTimeout)
	stream, _, err := transport.Handshake(hsCtx, conn, n.staticKey, outbound)
	cancel()
	if err != nil {
		conn.Close()
		return
	}

	id := atomic.AddUint64(&n.peerSeq, 1)
	p := peer.New(stream, conn.RemoteAddr(), peer.Config{
		Clock:       n.clock,
		Outbound:    outbound,
		MakeVersion: n.makeVersion,
		Listeners:   n.listeners(id),
	})

	if err := p.Handshake(); err != nil {
		if ip != nil {
			n.bans.BanDefault(ip)
		}
		stream.Close()
		return
	}

	cp := &connectedPeer{id: id, p: p, addr: conn.RemoteAddr()}
	n.mu.Lock()
	n.peers[id] = cp
	n.mu.Unlock()

	if ip != nil {
		if outbound {
			n.connMgr.AddOutbound(ip)
		} else {
			n.connMgr.AddInbound(ip)
		}
	}

	p.Run()

	n.mu.Lock()
	delete(n.peers, id)
	n.mu.Unlock()
	if ip != nil {
		n.connMgr.RemovePeer(ip, !outbound)
	}
}

func (n *Node) makeVersion(p *peer.Peer) *wire.MsgVersion {
	return &wire.MsgVersion{
		Version:   wire.ProtocolVersion,
		Timestamp: uint64(n.clock.Now().Unix()),
		UserAgent: "/montanad:0.1.0/",
		BestSlice: n.sync.BestIndex(),
		NodeType:  wire.NodeTypeWire(n.cfg.NodeType),
	}
}

func (n *Node) listeners(id uint64) peer.Listeners {
	return peer.Listeners{
		OnVersion: func(p *peer.Peer, msg *wire.MsgVersion) error {
			n.sync.SetTarget(max64(n.sync.BestIndex(), msg.BestSlice))
			return nil
		},
		OnGetAddr: func(p *peer.Peer) {
			addrs := n.addrBook.GetAddr(0)
			p.QueueMessage(&wire.MsgAddr{AddrList: addrs})
		},
		OnAddrs: func(p *peer.Peer, msg *wire.MsgAddr) {
			host, _, _ := net.SplitHostPort(p.Addr().String())
			src := net.ParseIP(host)
			for _, a := range msg.AddrList {
				// Skip addresses this node has already added to the address book recently.
				if n.recentAddrs.Contains(a.IP, a.Port) {
					continue
				}
				if n.addrBook.Add(a, src) {
					n.recentAddrs.Add(a.IP, a.Port)
				}
			}
		},
		OnMessage: func(p *peer.Peer, msg wire.Message) error {
			return n.handleMessage(id, p, msg)
		},
		OnDisconnect: func(p *peer.Peer, err error) {
			if err != nil {
				log.Debugf("peer %s disconnected: %v", p.Addr(), err)
			}
		},
	}
}

func (n *Node) handleMessage(id uint64, p *peer.Peer, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.MsgGetHeaders:
		// Header-range lookups are served from the staging layer, which is
		// outside the network core's own responsibility.
		_ = m
	case *wire.MsgSliceHeaders:
		for _, h := range m.Headers {
			n.orphans.Add(h)
		}
	case *wire.MsgInv:
		var want []wire.InvItem
		for _, it := range m.Items {
			if it.Type == wire.InvTypeSlice && n.inv.ShouldRequest(it.Hash) {
				want = append(want, it)
			}
		}
		if len(want) > 0 {
			p.QueueMessage(&wire.MsgGetData{Items: want})
		}
	case *wire.MsgGetData:
		var notFound []wire.InvItem
		for _, it := range m.Items {
			if !n.inv.HaveSlice(it.Hash) {
				notFound = append(notFound, it)
				continue
			}
			if payload, ok := n.inv.RelayPayload(it.Hash); ok {
				p.QueueMessage(&wire.MsgSlice{Header: wire.SliceHeader{}, Signature: payload})
			}
		}
		if len(notFound) > 0 {
			p.QueueMessage(&wire.MsgNotFound{Items: notFound})
		}
	case *wire.MsgPresence:
		tau2 := n.verified.CurrentTau2()
		switch {
		case m.Proof.Tau2Index == tau2:
			n.verified.UpdatePresence(m.Proof.PubKey, tau2, 1)
		case m.Proof.Tau2Index == tau2-1:
			n.lateBuf.Submit(m.Proof)
		}
	case *wire.MsgGetPresence:
		_ = m
	case *wire.MsgAuthChallenge:
		// Answer a Trusted Core authentication challenge by signing it,
		// bound to our own version payload, with this node's long-term
		// identity key.
		resp := wire.MsgAuthResponse{Challenge: m.Challenge, VersionPayload: []byte(fmt.Sprintf("%d", n.sync.BestIndex()))}
		sig := pqcrypto.Sign(n.identityPriv, resp.SignedMessage())
		resp.Signature = sig[:]
		p.QueueMessage(&resp)
	case *wire.MsgMempool:
	case *wire.MsgFeeFilter:
	default:
	}
	return nil
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func (n *Node) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(montanatime.Tau2Minutes * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-n.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.advanceTau2()
		}
	}
}

func (n *Node) advanceTau2() {
	tau2 := montanatime.Tau2Index(n.clock.Now())
	n.verified.SetCurrentTau2(tau2)
	n.lateBuf.AdvanceTau2(tau2)
	n.addrBook.Expire()
	n.bans.Expire()
	if n.subnetTracker.ShouldSnapshot(tau2) {
		n.subnetTracker.TakeSnapshot(tau2)
	}
	for _, tier := range []cooldown.Tier{cooldown.TierFull, cooldown.TierLight, cooldown.TierClient} {
		n.cooldown.UpdateSnapshot(tau2, tier)
	}
}

// dialQuerier implements bootstrap.Querier by dialing candidates over the
// real transport handshake path.
type dialQuerier struct {
	n *Node
}

func (q *dialQuerier) QueryTrustedCore(ctx context.Context, tc bootstrap.TrustedCoreNode, challenge wire.MsgAuthChallenge) (bootstrap.Response, error) {
	conn, err := net.DialTimeout("tcp", tc.Addr, DialTimeout)
	if err != nil {
		return bootstrap.Response{}, err
	}
	defer conn.Close()

	stream, _, err := transport.Handshake(ctx, conn, q.n.staticKey, true)
	if err != nil {
		return bootstrap.Response{}, err
	}
	defer stream.Close()

	if err := wire.WriteMessage(stream, &challenge); err != nil {
		return bootstrap.Response{}, err
	}
	msg, err := wire.ReadMessage(stream)
	if err != nil {
		return bootstrap.Response{}, err
	}
	resp, ok := msg.(*wire.MsgAuthResponse)
	if !ok {
		return bootstrap.Response{}, merrors.New(merrors.KindProtocolViolation, "expected auth response")
	}

	return bootstrap.Response{
		Addr:          tc.Addr,
		Height:        0,
		Time:          q.n.clock.Now(),
		AuthChallenge: challenge,
		AuthResponse:  *resp,
	}, nil
}

func (q *dialQuerier) QueryGossip(ctx context.Context, addr string) (bootstrap.Response, error) {
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return bootstrap.Response{}, err
	}
	defer conn.Close()

	stream, _, err := transport.Handshake(ctx, conn, q.n.staticKey, true)
	if err != nil {
		return bootstrap.Response{}, err
	}
	defer stream.Close()

	version := q.n.makeVersion(nil)
	if err := wire.WriteMessage(stream, version); err != nil {
		return bootstrap.Response{}, err
	}
	msg, err := wire.ReadMessage(stream)
	if err != nil {
		return bootstrap.Response{}, err
	}
	theirs, ok := msg.(*wire.MsgVersion)
	if !ok {
		return bootstrap.Response{}, merrors.New(merrors.KindProtocolViolation, "expected version")
	}

	return bootstrap.Response{
		Addr:   addr,
		Height: theirs.BestSlice,
		Time:   q.n.clock.Now(),
	}, nil
}

// trustedCoreNodes returns the hardcoded bootstrap addresses, analogous to
// dcrd's hardcoded seed constants in config.go. The public key paired with
// each address is freshly generated on every call; no fixed identities are
// embedded.
func trustedCoreNodes(testnet bool) []bootstrap.TrustedCoreNode {
	addrs := []string{
		"seed1.montana.network:19333",
		"seed2.montana.network:19333",
		"seed3.montana.network:19333",
	}
	if testnet {
		for i := range addrs {
			addrs[i] = fmt.Sprintf("testnet-seed%d.montana.network:19334", i+1)
		}
	}
	nodes := make([]bootstrap.TrustedCoreNode, 0, len(addrs))
	for _, a := range addrs {
		pub, _, err := pqcrypto.GenerateIdentity()
		if err != nil {
			continue
		}
		nodes = append(nodes, bootstrap.TrustedCoreNode{Addr: a, PubKey: pub})
	}
	return nodes
}
