// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package connmgr implements the Connection Manager: inbound/outbound
// counters, per-IP and per-netgroup admission caps, and exponential-backoff
// retry scheduling for outbound dials, with an optional SOCKS5 dialer for
// proxied outbound connections.
package connmgr

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/decred/go-socks/socks"

	"github.com/montana-network/montanad/internal/merrors"
	"github.com/montana-network/montanad/internal/montanatime"
)

// Hard limits on peer counts and dial backoff.
const (
	MaxPeers           = 125
	MaxOutbound        = 8
	MaxInbound         = 117
	MaxPerIP           = 2
	MaxPerNetgroup     = 2
	InitialRetryDelay  = 10 * time.Second
	MaxRetryDelay      = 3600 * time.Second
	RetryBackoffFactor = 2
)

// Permissions holds operator-configured per-peer exceptions not carried on
// the wire, such as exempting a trusted peer from automatic banning.
type Permissions struct {
	NoBan bool
}

func netgroupOf(ip net.IP) uint32 {
	if ip4 := ip.To4(); ip4 != nil {
		return uint32(ip4[0])<<8 | uint32(ip4[1])
	}
	ip16 := ip.To16()
	if len(ip16) < 4 {
		return 0
	}
	return uint32(ip16[0])<<16 | uint32(ip16[1])<<8 | uint32(ip16[2])
}

// retryInfo tracks exponential backoff for one address.
type retryInfo struct {
	attempts    int
	lastAttempt time.Time
	nextDelay   time.Duration
}

func newRetryInfo() *retryInfo {
	return &retryInfo{nextDelay: InitialRetryDelay}
}

func (r *retryInfo) recordFailure(now time.Time) {
	if r.attempts > 0 {
		r.nextDelay *= RetryBackoffFactor
		if r.nextDelay > MaxRetryDelay {
			r.nextDelay = MaxRetryDelay
		}
	}
	r.attempts++
	r.lastAttempt = now
}

func (r *retryInfo) recordSuccess() {
	r.attempts = 0
	r.nextDelay = InitialRetryDelay
}

func (r *retryInfo) canRetry(now time.Time) bool {
	if r.lastAttempt.IsZero() {
		return true
	}
	return !now.Before(r.lastAttempt.Add(r.nextDelay))
}

// Manager tracks connection counts, admission caps and retry backoff for
// the node's peer set. Safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	clock montanatime.Source

	outbound int
	inbound  int

	connecting     map[string]bool
	netgroupCounts map[uint32]int
	perIPCounts    map[string]int
	retries        map[string]*retryInfo
	permissions    map[string]Permissions

	proxyAddr string // optional SOCKS5 proxy, empty disables proxying
}

// New returns a Manager with the default hard limits.
func New(clock montanatime.Source, proxyAddr string) *Manager {
	return &Manager{
		clock:          clock,
		connecting:     make(map[string]bool),
		netgroupCounts: make(map[uint32]int),
		perIPCounts:    make(map[string]int),
		retries:        make(map[string]*retryInfo),
		permissions:    make(map[string]Permissions),
		proxyAddr:      proxyAddr,
	}
}

// SetPermissions records operator-configured exceptions for addr.
func (m *Manager) SetPermissions(addr net.IP, p Permissions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permissions[addr.String()] = p
}

// Permissions returns the recorded permissions for addr, zero value if none.
func (m *Manager) Permissions(addr net.IP) Permissions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permissions[addr.String()]
}

// CanAcceptInbound reports whether an inbound slot and a total-peer slot are
// both free.
func (m *Manager) CanAcceptInbound() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inbound < MaxInbound && m.inbound+m.outbound < MaxPeers
}

// NeedOutbound reports whether more outbound connections should be dialed.
func (m *Manager) NeedOutbound() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outbound < MaxOutbound
}

// CanAcceptFromIP reports whether ip is below its per-IP connection cap.
func (m *Manager) CanAcceptFromIP(ip net.IP) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perIPCounts[ip.String()] < MaxPerIP
}

// CanConnect reports whether ip's /16 (or v6 analogue) netgroup is below its
// diversity cap.
func (m *Manager) CanConnect(ip net.IP) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.netgroupCounts[netgroupOf(ip)] < MaxPerNetgroup
}

// Admit runs the full inbound admission order: not banned, per-IP cap,
// netgroup cap, inbound cap, in that order, short-circuiting on the first
// failure. The caller supplies isBanned since ban state is owned by
// banmgr, not connmgr.
func (m *Manager) Admit(ip net.IP, isBanned bool) error {
	if isBanned {
		return merrors.New(merrors.KindAuthFailure, "address is banned")
	}
	if !m.CanAcceptFromIP(ip) {
		return merrors.New(merrors.KindResourceExhausted, "per-IP connection cap reached")
	}
	if !m.CanConnect(ip) {
		return merrors.New(merrors.KindResourceExhausted, "netgroup connection cap reached")
	}
	if !m.CanAcceptInbound() {
		return merrors.New(merrors.KindResourceExhausted, "inbound connection cap reached")
	}
	return nil
}

// CanRetry reports whether addr's backoff window has elapsed.
func (m *Manager) CanRetry(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.retries[addr]
	if !ok {
		return true
	}
	return r.canRetry(m.clock.Now())
}

// RecordFailure registers a failed dial to addr and advances its backoff.
func (m *Manager) RecordFailure(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.retries[addr]
	if !ok {
		r = newRetryInfo()
		m.retries[addr] = r
	}
	r.recordFailure(m.clock.Now())
}

// RecordSuccess resets addr's backoff after a successful connection.
func (m *Manager) RecordSuccess(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.retries[addr]; ok {
		r.recordSuccess()
	}
}

// StartConnecting marks addr as having an in-flight dial attempt, returning
// false if one is already underway.
func (m *Manager) StartConnecting(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connecting[addr] {
		return false
	}
	m.connecting[addr] = true
	return true
}

// FinishConnecting clears the in-flight marker for addr.
func (m *Manager) FinishConnecting(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connecting, addr)
}

// AddOutbound registers a newly established outbound connection to ip.
func (m *Manager) AddOutbound(ip net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbound++
	m.netgroupCounts[netgroupOf(ip)]++
	m.perIPCounts[ip.String()]++
}

// AddInbound registers a newly accepted inbound connection from ip.
func (m *Manager) AddInbound(ip net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound++
	m.netgroupCounts[netgroupOf(ip)]++
	m.perIPCounts[ip.String()]++
}

// RemovePeer decrements the counters for a disconnected peer.
func (m *Manager) RemovePeer(ip net.IP, inbound bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inbound {
		if m.inbound > 0 {
			m.inbound--
		}
	} else if m.outbound > 0 {
		m.outbound--
	}

	ng := netgroupOf(ip)
	if c := m.netgroupCounts[ng]; c > 0 {
		if c == 1 {
			delete(m.netgroupCounts, ng)
		} else {
			m.netgroupCounts[ng] = c - 1
		}
	}
	key := ip.String()
	if c := m.perIPCounts[key]; c > 0 {
		if c == 1 {
			delete(m.perIPCounts, key)
		} else {
			m.perIPCounts[key] = c - 1
		}
	}
}

// Counts returns the current (outbound, inbound) connection counts.
func (m *Manager) Counts() (outbound, inbound int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outbound, m.inbound
}

// Dial connects to addr, routing through the configured SOCKS5 proxy when
// one is set, otherwise dialing directly.
func (m *Manager) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if m.proxyAddr == "" {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	conn, err := socks.Dial("tcp", addr, &socks.Proxy{Addr: m.proxyAddr})
	if err != nil {
		return nil, fmt.Errorf("connmgr: socks dial %s via %s: %w", addr, m.proxyAddr, err)
	}
	return conn, nil
}
