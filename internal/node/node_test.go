// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package node

import (
	"net"
	"os"
	"testing"

	"github.com/montana-network/montanad/internal/config"
	"github.com/montana-network/montanad/internal/peer"
	"github.com/montana-network/montanad/internal/wire"
)

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return a.s }

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load([]string{"--data-dir", dir})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(newTestConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func TestNewPersistsNoiseKey(t *testing.T) {
	cfg := newTestConfig(t)
	if _, err := New(cfg); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := os.Stat(cfg.NoiseKeyPath()); err != nil {
		t.Fatalf("expected a persisted noise key at %s: %v", cfg.NoiseKeyPath(), err)
	}
}

func TestNewSeedsTrustedCoreWithDistinctAddrsByNetwork(t *testing.T) {
	n := newTestNode(t)
	if len(n.trustedCore) == 0 {
		t.Fatal("expected at least one trusted core node")
	}
	for _, tc := range n.trustedCore {
		if tc.PubKey == nil {
			t.Fatalf("trusted core node %s missing a public key", tc.Addr)
		}
	}

	mainAddr := n.trustedCore[0].Addr
	testnetNodes := trustedCoreNodes(true)
	if len(testnetNodes) == 0 || testnetNodes[0].Addr == mainAddr {
		t.Fatal("expected testnet trusted-core addresses to differ from mainnet")
	}
}

func TestListenersOnGetAddrQueuesAddrMessage(t *testing.T) {
	n := newTestNode(t)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	p := peer.New(c1, fakeAddr{"10.0.0.1:19333"}, peer.Config{})

	n.listeners(1).OnGetAddr(p)

	msg, ok := p.TryDequeue()
	if !ok {
		t.Fatal("expected an addr message to be queued")
	}
	if _, ok := msg.(*wire.MsgAddr); !ok {
		t.Fatalf("expected *wire.MsgAddr, got %T", msg)
	}
}

func TestHandleMessageRequestsUnknownInventory(t *testing.T) {
	n := newTestNode(t)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	p := peer.New(c1, fakeAddr{"10.0.0.2:19333"}, peer.Config{})

	var hash wire.Hash
	hash[0] = 0x42
	inv := &wire.MsgInv{Items: []wire.InvItem{{Type: wire.InvTypeSlice, Hash: hash}}}

	if err := n.handleMessage(1, p, inv); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	msg, ok := p.TryDequeue()
	if !ok {
		t.Fatal("expected a getdata request to be queued for the unknown hash")
	}
	gd, ok := msg.(*wire.MsgGetData)
	if !ok {
		t.Fatalf("expected *wire.MsgGetData, got %T", msg)
	}
	if len(gd.Items) != 1 || gd.Items[0].Hash != hash {
		t.Fatalf("expected the single unknown hash to be requested, got %+v", gd.Items)
	}
}

func TestHandleMessageAnswersAuthChallengeWithSignedResponse(t *testing.T) {
	n := newTestNode(t)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	p := peer.New(c1, fakeAddr{"10.0.0.3:19333"}, peer.Config{})

	var challenge wire.MsgAuthChallenge
	challenge.Challenge[0] = 0x7

	if err := n.handleMessage(1, p, &challenge); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	msg, ok := p.TryDequeue()
	if !ok {
		t.Fatal("expected a signed auth response to be queued")
	}
	resp, ok := msg.(*wire.MsgAuthResponse)
	if !ok {
		t.Fatalf("expected *wire.MsgAuthResponse, got %T", msg)
	}
	if resp.Challenge != challenge.Challenge {
		t.Fatal("response challenge does not echo the received challenge")
	}
	if len(resp.Signature) == 0 {
		t.Fatal("expected a non-empty signature")
	}
}

func TestAdvanceTau2DoesNotPanic(t *testing.T) {
	n := newTestNode(t)
	n.advanceTau2()
	n.advanceTau2()
}
