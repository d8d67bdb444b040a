// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wire implements the Montana message codec: a fixed four-byte
// magic, a little-endian length, a truncated SHA3-256 checksum, and a
// payload that is a tagged union dispatched by a fixed command string.
// Decoders refuse oversized collections before allocating the target
// container.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/sha3"
)

// Magic is the fixed four-byte constant identifying the Montana network.
var Magic = [4]byte{'M', 'O', 'N', 'T'}

// ProtocolVersion is the handshake version field value.
const ProtocolVersion uint32 = 2

// HeaderSize is the size in bytes of the magic+length+checksum frame header.
const HeaderSize = 4 + 4 + 4

// MaxMessagePayload is the outer absolute cap on any single message payload.
const MaxMessagePayload = 2 * 1024 * 1024

// Command strings, exhaustively enumerated. ReadMessage decodes by looking
// the command up in a registry that each message type fills from its init
// function; a command with no registered factory is rejected rather than
// falling through to a default handler.
const (
	CmdVersion        = "version"
	CmdVerAck         = "verack"
	CmdAddr           = "addr"
	CmdGetAddr        = "getaddr"
	CmdInv            = "inv"
	CmdGetData        = "getdata"
	CmdNotFound       = "notfound"
	CmdSlice          = "slice"
	CmdGetSlice       = "getslice"
	CmdGetSlices      = "getslices"
	CmdSliceHeaders   = "sliceheaders"
	CmdGetHeaders     = "getheaders"
	CmdPresence       = "presence"
	CmdGetPresence    = "getpresence"
	CmdPresenceProofs = "presenceproofs"
	CmdTx             = "tx"
	CmdPing           = "ping"
	CmdPong           = "pong"
	CmdReject         = "reject"
	CmdMempool        = "mempool"
	CmdFeeFilter      = "feefilter"
	CmdAuthChallenge  = "authchallenge"
	CmdAuthResponse   = "authresponse"
	CmdSignedAddr     = "signedaddr"
)

// Per-command payload size caps.
var maxPayloadByCommand = map[string]uint32{
	CmdVersion:        1 * 1024,
	CmdVerAck:         0,
	CmdAddr:           64 * 1024,
	CmdGetAddr:        0,
	CmdInv:            1_800 * 1024,
	CmdGetData:        1_800 * 1024,
	CmdNotFound:       1_800 * 1024,
	CmdSlice:          8 * 1024,
	CmdGetSlice:       64,
	CmdGetSlices:      4 * 1024,
	CmdSliceHeaders:   512 * 1024,
	CmdGetHeaders:     4 * 1024,
	CmdPresence:       8 * 1024,
	CmdGetPresence:    64,
	CmdPresenceProofs: 8 * 1024,
	CmdTx:             1024 * 1024,
	CmdPing:           16,
	CmdPong:           16,
	CmdReject:         1 * 1024,
	CmdMempool:        0,
	CmdFeeFilter:      16,
	CmdAuthChallenge:  64,
	CmdAuthResponse:   4 * 1024,
	CmdSignedAddr:     4 * 1024,
}

// MaxPayloadForCommand returns the per-command size cap, falling back to the
// outer absolute cap for unrecognized commands (which fail decode anyway).
func MaxPayloadForCommand(cmd string) uint32 {
	if m, ok := maxPayloadByCommand[cmd]; ok {
		return m
	}
	return MaxMessagePayload
}

// Bounded-collection limits.
const (
	MaxAddresses      = 1000
	MaxInvItems       = 50000
	MaxHeaders        = 2000
	MaxPresenceProofs = 100
	MaxLocatorHashes  = 101
	MaxSignatureBytes = 5000
	MaxTxInOut        = 10000
	MaxUserAgentLen   = 256
)

// preHandshakeAllowed is the set of commands legal before the peer reaches
// the Ready state.
var preHandshakeAllowed = map[string]bool{
	CmdVersion:       true,
	CmdVerAck:        true,
	CmdReject:        true,
	CmdAuthChallenge: true,
	CmdAuthResponse:  true,
}

// AllowedPreHandshake reports whether cmd may be exchanged before Ready.
func AllowedPreHandshake(cmd string) bool {
	return preHandshakeAllowed[cmd]
}

// Message is implemented by every wire payload type.
type Message interface {
	// Command returns this message's fixed wire command string.
	Command() string
	// Encode serializes the message body (not the frame header) to w.
	Encode(w io.Writer) error
	// Decode deserializes the message body (not the frame header) from r.
	// Implementations must validate bounded-collection lengths before
	// allocating backing storage.
	Decode(r io.Reader) error
}

// checksum returns the first 4 bytes of SHA3-256(payload).
func checksum(payload []byte) [4]byte {
	sum := sha3.Sum256(payload)
	var c [4]byte
	copy(c[:], sum[:4])
	return c
}

// commandFieldSize is the width of the fixed, NUL-padded ASCII command tag
// that opens every frame payload (the tagged union's discriminator).
const commandFieldSize = 16

// errCodec is a local sentinel; callers at the peer boundary translate it to
// an internal/merrors.Error of KindCodecError. Kept local so this package
// carries no dependency on the peer layer.
var errCodec = fmt.Errorf("codec error")

func encodeCommand(cmd string) ([commandFieldSize]byte, error) {
	var field [commandFieldSize]byte
	if len(cmd) > commandFieldSize {
		return field, fmt.Errorf("%w: command %q too long", errCodec, cmd)
	}
	copy(field[:], cmd)
	return field, nil
}

func decodeCommand(field [commandFieldSize]byte) string {
	n := bytes.IndexByte(field[:], 0)
	if n < 0 {
		n = commandFieldSize
	}
	return string(field[:n])
}

// WriteMessage frames msg and writes it to w: magic, length, checksum, then
// a payload that begins with msg's NUL-padded command tag followed by its
// encoded body.
func WriteMessage(w io.Writer, msg Message) error {
	cmd := msg.Command()
	field, err := encodeCommand(cmd)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	if err := msg.Encode(&body); err != nil {
		return fmt.Errorf("wire: encode %s: %w", cmd, err)
	}

	bodyCap := MaxPayloadForCommand(cmd)
	if uint32(body.Len()) > bodyCap {
		return fmt.Errorf("wire: %s payload %d exceeds cap %d", cmd, body.Len(), bodyCap)
	}

	payload := make([]byte, 0, commandFieldSize+body.Len())
	payload = append(payload, field[:]...)
	payload = append(payload, body.Bytes()...)
	if len(payload) > MaxMessagePayload {
		return fmt.Errorf("wire: payload %d exceeds absolute cap %d", len(payload), MaxMessagePayload)
	}

	var header [HeaderSize]byte
	copy(header[0:4], Magic[:])
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	sum := checksum(payload)
	copy(header[8:12], sum[:])

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

type frameHeader struct {
	length   uint32
	checksum [4]byte
}

func readFrameHeader(r io.Reader) (frameHeader, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return frameHeader{}, err
	}
	if !bytes.Equal(raw[0:4], Magic[:]) {
		return frameHeader{}, fmt.Errorf("%w: bad magic", errCodec)
	}
	length := binary.LittleEndian.Uint32(raw[4:8])
	if length > MaxMessagePayload {
		return frameHeader{}, fmt.Errorf("%w: length %d exceeds absolute cap", errCodec, length)
	}
	var h frameHeader
	h.length = length
	copy(h.checksum[:], raw[8:12])
	return h, nil
}

// Factory builds a zero-value Message for a decoded command tag.
type Factory func() Message

var registry = map[string]Factory{}

// Register associates cmd with a Message factory. Called from each message
// type's init(), mirroring dcrd's wire command table.
func Register(cmd string, f Factory) {
	registry[cmd] = f
}

// ReadMessage reads one complete frame from r: validates the header and
// checksum, recovers the command tag, looks up a registered factory, and
// decodes the body into a fresh Message. The body is size-checked against
// the command's own cap (not merely the absolute cap) before being handed to
// the message's Decode.
func ReadMessage(r io.Reader) (Message, error) {
	h, err := readFrameHeader(r)
	if err != nil {
		return nil, err
	}
	if h.length < commandFieldSize {
		return nil, fmt.Errorf("%w: payload shorter than command field", errCodec)
	}
	payload := make([]byte, h.length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if checksum(payload) != h.checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", errCodec)
	}

	var field [commandFieldSize]byte
	copy(field[:], payload[:commandFieldSize])
	cmd := decodeCommand(field)
	body := payload[commandFieldSize:]

	bodyCap := MaxPayloadForCommand(cmd)
	if uint32(len(body)) > bodyCap {
		return nil, fmt.Errorf("%w: %s body %d exceeds cap %d", errCodec, cmd, len(body), bodyCap)
	}

	factory, ok := registry[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %q", errCodec, cmd)
	}
	msg := factory()
	if err := msg.Decode(bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", errCodec, cmd, err)
	}
	return msg, nil
}
