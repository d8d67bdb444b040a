// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bootstrap

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/montana-network/montanad/internal/pqcrypto"
	"github.com/montana-network/montanad/internal/wire"
)

// fakeQuerier answers every Trusted Core query with a validly signed
// response and every gossip query with an unsigned one, both carrying
// caller-assigned height/time so tests can steer the gate's judgement
// (subnet diversity comes from the candidate addresses themselves).
type fakeQuerier struct {
	height       uint64
	atTime       time.Time
	subnets      []byte // one synthetic /16 octet per response, cycled
	failAddrs    map[string]bool
	heightByAddr map[string]uint64
}

func (q *fakeQuerier) heightFor(addr string) uint64 {
	if h, ok := q.heightByAddr[addr]; ok {
		return h
	}
	return q.height
}

func (q *fakeQuerier) addrFor(i int) string {
	octet := byte(1)
	if len(q.subnets) > 0 {
		octet = q.subnets[i%len(q.subnets)]
	}
	return fmt.Sprintf("10.%d.0.%d:19333", octet, i+1)
}

func (q *fakeQuerier) QueryTrustedCore(ctx context.Context, node TrustedCoreNode, challenge wire.MsgAuthChallenge) (Response, error) {
	if q.failAddrs[node.Addr] {
		return Response{}, fmt.Errorf("unreachable")
	}
	resp := wire.MsgAuthResponse{Challenge: challenge.Challenge, VersionPayload: []byte("v1")}
	priv := q.privFor(node)
	sig := pqcrypto.Sign(priv, resp.SignedMessage())
	resp.Signature = sig[:]
	return Response{
		Addr:          node.Addr,
		Height:        q.heightFor(node.Addr),
		Time:          q.atTime,
		Subnet:        0,
		AuthChallenge: challenge,
		AuthResponse:  resp,
	}, nil
}

func (q *fakeQuerier) privFor(node TrustedCoreNode) *pqcrypto.PrivateKey {
	priv, ok := privByNode[node.Addr]
	if !ok {
		panic("no private key registered for " + node.Addr)
	}
	return priv
}

func (q *fakeQuerier) QueryGossip(ctx context.Context, addr string) (Response, error) {
	if q.failAddrs[addr] {
		return Response{}, fmt.Errorf("unreachable")
	}
	return Response{Addr: addr, Height: q.heightFor(addr), Time: q.atTime}, nil
}

var privByNode = map[string]*pqcrypto.PrivateKey{}

func makeTrustedCore(n int) []TrustedCoreNode {
	nodes := make([]TrustedCoreNode, n)
	for i := 0; i < n; i++ {
		addr := fmt.Sprintf("203.0.113.%d:19333", i+1)
		pub, priv, err := pqcrypto.GenerateIdentity()
		if err != nil {
			panic(err)
		}
		privByNode[addr] = priv
		nodes[i] = TrustedCoreNode{Addr: addr, PubKey: pub}
	}
	return nodes
}

func gossipAddrsWithSubnets(n int, subnets []byte) []string {
	addrs := make([]string, n)
	for i := 0; i < n; i++ {
		octet := subnets[i%len(subnets)]
		addrs[i] = fmt.Sprintf("10.%d.0.%d:19333", octet, i+1)
	}
	return addrs
}

func distinctSubnets(n int) []byte {
	s := make([]byte, n)
	for i := range s {
		s[i] = byte(i + 1)
	}
	return s
}

func TestGateAcceptsWithSufficientQuorum(t *testing.T) {
	now := time.Unix(1700000000, 0)
	trusted := makeTrustedCore(MinTrustedCoreResponses)
	q := &fakeQuerier{height: 1000, atTime: now, failAddrs: map[string]bool{}}
	gate := New(trusted, q, func() time.Time { return now })

	gossip := gossipAddrsWithSubnets(MinUniqueSubnets, distinctSubnets(MinUniqueSubnets))
	result, err := gate.Run(context.Background(), gossip, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected acceptance, got rejection: %s", result.Reason)
	}
	if result.TrustedCoreCount != MinTrustedCoreResponses {
		t.Fatalf("expected %d trusted core responses, got %d", MinTrustedCoreResponses, result.TrustedCoreCount)
	}
}

func TestGateRejectsInsufficientTrustedCore(t *testing.T) {
	now := time.Unix(1700000000, 0)
	trusted := makeTrustedCore(MinTrustedCoreResponses - 1)
	q := &fakeQuerier{height: 1000, atTime: now, failAddrs: map[string]bool{}}
	gate := New(trusted, q, func() time.Time { return now })

	gossip := gossipAddrsWithSubnets(MinUniqueSubnets, distinctSubnets(MinUniqueSubnets))
	result, err := gate.Run(context.Background(), gossip, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected rejection with too few Trusted Core responses")
	}
}

func TestGateRejectsInsufficientSubnetDiversity(t *testing.T) {
	now := time.Unix(1700000000, 0)
	trusted := makeTrustedCore(MinTrustedCoreResponses)
	q := &fakeQuerier{height: 1000, atTime: now, failAddrs: map[string]bool{}}
	gate := New(trusted, q, func() time.Time { return now })

	// All gossip peers share the same /16, far short of the diversity floor.
	gossip := gossipAddrsWithSubnets(50, []byte{7})
	result, err := gate.Run(context.Background(), gossip, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected rejection with insufficient subnet diversity")
	}
}

func TestGateRejectsHeightDisagreement(t *testing.T) {
	now := time.Unix(1700000000, 0)
	trusted := makeTrustedCore(MinTrustedCoreResponses)
	outlier := "10.250.0.1:19333"
	gossip := gossipAddrsWithSubnets(MinUniqueSubnets, distinctSubnets(MinUniqueSubnets))
	q := &fakeQuerier{
		height:       1000,
		atTime:       now,
		failAddrs:    map[string]bool{},
		heightByAddr: map[string]uint64{outlier: 1000000},
	}
	gate := New(trusted, q, func() time.Time { return now })

	result, err := gate.Run(context.Background(), append(gossip, outlier), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected rejection when a responder's height diverges beyond tolerance")
	}
}

func TestGateRejectsClockOffset(t *testing.T) {
	now := time.Unix(1700000000, 0)
	responderTime := now.Add(MaxClockOffset + time.Minute)
	trusted := makeTrustedCore(MinTrustedCoreResponses)
	q := &fakeQuerier{height: 1000, atTime: responderTime, failAddrs: map[string]bool{}}
	gate := New(trusted, q, func() time.Time { return now })

	gossip := gossipAddrsWithSubnets(MinUniqueSubnets, distinctSubnets(MinUniqueSubnets))
	result, err := gate.Run(context.Background(), gossip, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected rejection with excessive clock offset")
	}
}

func TestGateRejectsBadSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	trusted := makeTrustedCore(MinTrustedCoreResponses)
	// Scramble the recorded private keys so every signature verification fails.
	for addr := range privByNode {
		_, priv, _ := pqcrypto.GenerateIdentity()
		privByNode[addr] = priv
	}
	q := &fakeQuerier{height: 1000, atTime: now, failAddrs: map[string]bool{}}
	gate := New(trusted, q, func() time.Time { return now })

	gossip := gossipAddrsWithSubnets(MinUniqueSubnets, distinctSubnets(MinUniqueSubnets))
	result, err := gate.Run(context.Background(), gossip, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected rejection when Trusted Core signatures don't verify")
	}
}

func TestSkipVerifyOverridesRejection(t *testing.T) {
	now := time.Unix(1700000000, 0)
	trusted := makeTrustedCore(1)
	q := &fakeQuerier{height: 1000, atTime: now, failAddrs: map[string]bool{}}
	gate := New(trusted, q, func() time.Time { return now })

	result, err := gate.Run(context.Background(), nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Accepted {
		t.Fatal("expected skip_verify to force acceptance")
	}
}
