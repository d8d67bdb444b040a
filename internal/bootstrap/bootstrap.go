// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bootstrap implements the Bootstrap Gate: the one-time startup
// check that must pass, or be explicitly overridden, before a node joins
// general P2P networking.
package bootstrap

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/montana-network/montanad/internal/merrors"
	"github.com/montana-network/montanad/internal/pqcrypto"
	"github.com/montana-network/montanad/internal/subnet"
	"github.com/montana-network/montanad/internal/wire"
)

// Thresholds the gate enforces.
const (
	MinTrustedCoreResponses = 15
	MinUniqueSubnets        = 25
	TargetResponses         = 100
	MaxHeightDeviationPct   = 1

	// MaxClockOffset bounds how far the local clock may drift from the
	// gate's responses. A τ₂ window is 10 minutes; an offset allowed to
	// approach that would risk a node computing the wrong τ₂ index
	// entirely, so the gate caps it well inside one window.
	MaxClockOffset = 2 * time.Minute

	// GatherTimeout bounds how long the gate waits to accumulate
	// responses before judging what it has collected.
	GatherTimeout = 60 * time.Second
)

// TrustedCoreNode is one hardcoded bootstrap node: a fixed address bound to
// a published ML-DSA-65 public key.
type TrustedCoreNode struct {
	Addr   string
	PubKey *pqcrypto.PublicKey
}

// Response is one candidate's reply to an AuthChallenge (Trusted Core) or
// a plain version exchange (gossip peer).
type Response struct {
	Addr          string
	TrustedCore   bool
	Height        uint64
	Time          time.Time
	Subnet        subnet.Subnet16
	AuthChallenge wire.MsgAuthChallenge
	AuthResponse  wire.MsgAuthResponse
}

// Querier performs the network round-trip to one candidate address:
// Trusted Core candidates are sent an AuthChallenge and must answer with a
// signed AuthResponse; gossip candidates are only asked for a version
// handshake. The network core supplies the concrete implementation;
// bootstrap itself never dials.
type Querier interface {
	QueryTrustedCore(ctx context.Context, node TrustedCoreNode, challenge wire.MsgAuthChallenge) (Response, error)
	QueryGossip(ctx context.Context, addr string) (Response, error)
}

// Result is the gate's verdict.
type Result struct {
	Accepted         bool
	Reason           string
	TrustedCoreCount int
	UniqueSubnets    int
	BestHeight       uint64
	Responses        []Response
}

// Gate runs the startup verification sequence against a fixed Trusted Core
// list and a pool of gossip-discovered candidates.
type Gate struct {
	trustedCore []TrustedCoreNode
	querier     Querier
	now         func() time.Time
}

// New returns a Gate that authenticates against trustedCore and reaches
// candidates via querier. now defaults to time.Now if nil.
func New(trustedCore []TrustedCoreNode, querier Querier, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{trustedCore: trustedCore, querier: querier, now: now}
}

// Run executes the gate's four-step sequence: resolve Trusted Core,
// authenticate each with a fresh challenge, augment
// with gossip candidates up to TargetResponses or GatherTimeout, then
// judge the combined response set. skipVerify bypasses the accept/reject
// judgement entirely (callers must still log the danger banner).
func (g *Gate) Run(ctx context.Context, gossipCandidates []string, skipVerify bool) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, GatherTimeout)
	defer cancel()

	var responses []Response

	for _, node := range g.trustedCore {
		challenge, err := freshChallenge()
		if err != nil {
			return Result{}, merrors.Wrap(merrors.KindBootstrapFailure, "generating auth challenge", err)
		}
		resp, err := g.querier.QueryTrustedCore(ctx, node, challenge)
		if err != nil {
			continue
		}
		if !g.verifyResponse(node, resp) {
			continue
		}
		resp.TrustedCore = true
		responses = append(responses, resp)
	}

gossipLoop:
	for _, addr := range gossipCandidates {
		if len(responses) >= TargetResponses {
			break
		}
		select {
		case <-ctx.Done():
			break gossipLoop
		default:
		}
		resp, err := g.querier.QueryGossip(ctx, addr)
		if err != nil {
			continue
		}
		responses = append(responses, resp)
	}

	result := g.judge(responses)
	if skipVerify {
		result.Accepted = true
		result.Reason = "skip_verify override: " + result.Reason
	}
	return result, nil
}

func (g *Gate) verifyResponse(node TrustedCoreNode, resp Response) bool {
	if resp.AuthChallenge.Challenge != resp.AuthResponse.Challenge {
		return false
	}
	sig := responseSignature(resp.AuthResponse)
	return pqcrypto.Verify(node.PubKey, resp.AuthResponse.SignedMessage(), sig)
}

func responseSignature(resp wire.MsgAuthResponse) pqcrypto.Signature {
	var sig pqcrypto.Signature
	copy(sig[:], resp.Signature)
	return sig
}

func (g *Gate) judge(responses []Response) Result {
	result := Result{Responses: responses}

	for _, r := range responses {
		if r.TrustedCore {
			result.TrustedCoreCount++
		}
	}

	var addrs []net.Addr
	heights := make([]uint64, 0, len(responses))
	for _, r := range responses {
		addrs = append(addrs, responseAddr{addr: r.Addr})
		heights = append(heights, r.Height)
	}
	result.UniqueSubnets = subnet.CountUniqueSubnets(addrs)
	result.BestHeight = medianHeight(heights)

	if result.TrustedCoreCount < MinTrustedCoreResponses {
		result.Reason = fmt.Sprintf("only %d/%d required Trusted Core responses", result.TrustedCoreCount, MinTrustedCoreResponses)
		return result
	}
	if result.UniqueSubnets < MinUniqueSubnets {
		result.Reason = fmt.Sprintf("only %d/%d required unique /16 subnets", result.UniqueSubnets, MinUniqueSubnets)
		return result
	}
	if !heightsAgree(heights, result.BestHeight) {
		result.Reason = "responder heights disagree by more than the allowed tolerance"
		return result
	}
	if !clockAcceptable(g.now(), responses) {
		result.Reason = "local clock offset from response median exceeds the allowed tolerance"
		return result
	}

	result.Accepted = true
	result.Reason = "ok"
	return result
}

func heightsAgree(heights []uint64, best uint64) bool {
	if best == 0 {
		return true
	}
	for _, h := range heights {
		var delta uint64
		if h > best {
			delta = h - best
		} else {
			delta = best - h
		}
		if delta*100 > best*MaxHeightDeviationPct {
			return false
		}
	}
	return true
}

func clockAcceptable(localNow time.Time, responses []Response) bool {
	if len(responses) == 0 {
		return true
	}
	times := make([]time.Time, 0, len(responses))
	for _, r := range responses {
		times = append(times, r.Time)
	}
	median := medianTime(times)
	delta := localNow.Sub(median)
	if delta < 0 {
		delta = -delta
	}
	return delta <= MaxClockOffset
}

func medianHeight(heights []uint64) uint64 {
	if len(heights) == 0 {
		return 0
	}
	sorted := append([]uint64(nil), heights...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

func medianTime(times []time.Time) time.Time {
	sorted := append([]time.Time(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	return sorted[len(sorted)/2]
}

// responseAddr adapts an address string to net.Addr so gathered responses
// can be fed to subnet.CountUniqueSubnets without re-resolving them.
type responseAddr struct{ addr string }

func (a responseAddr) Network() string { return "tcp" }
func (a responseAddr) String() string  { return a.addr }

func freshChallenge() (wire.MsgAuthChallenge, error) {
	var msg wire.MsgAuthChallenge
	if _, err := rand.Read(msg.Challenge[:]); err != nil {
		return msg, fmt.Errorf("bootstrap: generating challenge: %w", err)
	}
	return msg, nil
}
