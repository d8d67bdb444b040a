// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import "io"

func init() {
	Register(CmdVersion, func() Message { return &MsgVersion{} })
	Register(CmdVerAck, func() Message { return &MsgVerAck{} })
	Register(CmdGetAddr, func() Message { return &MsgGetAddr{} })
	Register(CmdPing, func() Message { return &MsgPing{} })
	Register(CmdPong, func() Message { return &MsgPong{} })
	Register(CmdMempool, func() Message { return &MsgMempool{} })
	Register(CmdFeeFilter, func() Message { return &MsgFeeFilter{} })
}

// NodeTypeWire mirrors config.NodeType without importing the config package
// (which would create an import cycle through cmd/montanad wiring).
type NodeTypeWire uint8

// Node tiers, stable wire indices.
const (
	NodeTypeFull NodeTypeWire = iota
	NodeTypeLight
	NodeTypeClient
)

// MsgVersion is the handshake message exchanged first by both sides.
type MsgVersion struct {
	Version    uint32
	Services   Services
	Timestamp  uint64
	AddrRecv   NetAddress
	AddrFrom   NetAddress
	Nonce      uint64
	UserAgent  string
	BestSlice  uint64
	NodeType   NodeTypeWire
}

// Command implements Message.
func (m *MsgVersion) Command() string { return CmdVersion }

// Encode implements Message.
func (m *MsgVersion) Encode(w io.Writer) error {
	if err := writeUint32(w, m.Version); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.Services)); err != nil {
		return err
	}
	if err := writeUint64(w, m.Timestamp); err != nil {
		return err
	}
	if err := writeNetAddress(w, m.AddrRecv); err != nil {
		return err
	}
	if err := writeNetAddress(w, m.AddrFrom); err != nil {
		return err
	}
	if err := writeUint64(w, m.Nonce); err != nil {
		return err
	}
	if err := writeString(w, m.UserAgent, MaxUserAgentLen); err != nil {
		return err
	}
	if err := writeUint64(w, m.BestSlice); err != nil {
		return err
	}
	return writeUint8(w, uint8(m.NodeType))
}

// Decode implements Message.
func (m *MsgVersion) Decode(r io.Reader) error {
	var err error
	if m.Version, err = readUint32(r); err != nil {
		return err
	}
	svc, err := readUint64(r)
	if err != nil {
		return err
	}
	m.Services = Services(svc)
	if m.Timestamp, err = readUint64(r); err != nil {
		return err
	}
	if m.AddrRecv, err = readNetAddress(r); err != nil {
		return err
	}
	if m.AddrFrom, err = readNetAddress(r); err != nil {
		return err
	}
	if m.Nonce, err = readUint64(r); err != nil {
		return err
	}
	if m.UserAgent, err = readString(r, MaxUserAgentLen); err != nil {
		return err
	}
	if m.BestSlice, err = readUint64(r); err != nil {
		return err
	}
	nt, err := readUint8(r)
	if err != nil {
		return err
	}
	m.NodeType = NodeTypeWire(nt)
	return nil
}

// MsgVerAck acknowledges a Version message. It carries no payload.
type MsgVerAck struct{}

func (m *MsgVerAck) Command() string          { return CmdVerAck }
func (m *MsgVerAck) Encode(w io.Writer) error  { return nil }
func (m *MsgVerAck) Decode(r io.Reader) error  { return nil }

// MsgGetAddr requests known addresses from the peer. No payload.
type MsgGetAddr struct{}

func (m *MsgGetAddr) Command() string         { return CmdGetAddr }
func (m *MsgGetAddr) Encode(w io.Writer) error { return nil }
func (m *MsgGetAddr) Decode(r io.Reader) error { return nil }

// MsgPing carries a nonce echoed back in MsgPong to measure latency and
// detect dead connections.
type MsgPing struct {
	Nonce uint64
}

func (m *MsgPing) Command() string { return CmdPing }
func (m *MsgPing) Encode(w io.Writer) error { return writeUint64(w, m.Nonce) }
func (m *MsgPing) Decode(r io.Reader) error {
	n, err := readUint64(r)
	m.Nonce = n
	return err
}

// MsgPong echoes a Ping's nonce.
type MsgPong struct {
	Nonce uint64
}

func (m *MsgPong) Command() string { return CmdPong }
func (m *MsgPong) Encode(w io.Writer) error { return writeUint64(w, m.Nonce) }
func (m *MsgPong) Decode(r io.Reader) error {
	n, err := readUint64(r)
	m.Nonce = n
	return err
}

// MsgMempool requests the peer's pending-transaction inventory. No payload.
type MsgMempool struct{}

func (m *MsgMempool) Command() string         { return CmdMempool }
func (m *MsgMempool) Encode(w io.Writer) error { return nil }
func (m *MsgMempool) Decode(r io.Reader) error { return nil }

// MsgFeeFilter advertises a minimum relay fee rate below which transactions
// should not be announced to us.
type MsgFeeFilter struct {
	FeeRate uint64
}

func (m *MsgFeeFilter) Command() string { return CmdFeeFilter }
func (m *MsgFeeFilter) Encode(w io.Writer) error { return writeUint64(w, m.FeeRate) }
func (m *MsgFeeFilter) Decode(r io.Reader) error {
	v, err := readUint64(r)
	m.FeeRate = v
	return err
}
