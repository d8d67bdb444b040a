// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package transport implements the encrypted channel: a Noise-XX handshake
// hybridized with an ML-KEM-768 encapsulation, ChaCha20-Poly1305 AEAD
// frames and transparent chunking for messages larger than Noise's 64KB
// frame limit. Built on flynn/noise plus cloudflare/circl's ML-KEM-768 for
// the post-quantum hybridization.
package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/montana-network/montanad/internal/merrors"
	"github.com/montana-network/montanad/internal/pqcrypto"
)

// Limits and timeouts governing the handshake and framing.
const (
	// HandshakeTimeout bounds the full three-message Noise-XX exchange.
	HandshakeTimeout = 30 * time.Second
	// MaxHandshakeMessage bounds any single handshake message.
	MaxHandshakeMessage = 4096
	// maxFrameCiphertext is Noise's own per-message limit.
	maxFrameCiphertext = 65535
	// aeadTagSize is the ChaCha20-Poly1305 tag appended to every frame.
	aeadTagSize = chacha20poly1305.Overhead
	// moreFlagSize is the 1-byte chunk continuation flag prefixing every
	// frame's plaintext.
	moreFlagSize = 1
	// MaxChunkPlaintext is the largest plaintext chunk that still fits a
	// single AEAD frame within Noise's limit.
	MaxChunkPlaintext = maxFrameCiphertext - aeadTagSize - moreFlagSize
	// MaxMessageSize bounds any single reassembled application message.
	MaxMessageSize = 2 * 1024 * 1024
	// MaxChunks bounds how many frames may make up one application
	// message before reassembly is abandoned.
	MaxChunks = 32
)

// StaticKeypair is this node's long-lived Noise identity key.
type StaticKeypair = noise.DHKey

// StaticKeyFromSecret derives a Curve25519 static keypair deterministically
// from a persisted 32-byte secret, so the same identity survives restarts.
func StaticKeyFromSecret(secret [32]byte) (StaticKeypair, error) {
	key, err := noise.DH25519.GenerateKeypair(bytes.NewReader(secret[:]))
	if err != nil {
		return StaticKeypair{}, merrors.Wrap(merrors.KindAuthFailure, "derive static noise key", err)
	}
	return key, nil
}

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Handshake runs the Noise-XX + ML-KEM-768 hybrid handshake over conn and
// returns a ready-to-use Stream plus the remote's authenticated static
// public key, using this three-message pattern:
//
//	-> e, kem_pk
//	<- e, ee, s, es, kem_ct
//	-> s, se
//
// The handshake must complete within HandshakeTimeout or the connection is
// failed.
func Handshake(ctx context.Context, conn net.Conn, local StaticKeypair, initiator bool) (*Stream, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	done := make(chan struct{})
	var stream *Stream
	var remoteStatic []byte
	var herr error

	go func() {
		defer close(done)
		stream, remoteStatic, herr = handshakeNoTimeout(conn, local, initiator)
	}()

	select {
	case <-done:
		return stream, remoteStatic, herr
	case <-ctx.Done():
		conn.Close()
		return nil, nil, merrors.New(merrors.KindTimeout, "noise handshake did not complete within 30s")
	}
}

func handshakeNoTimeout(conn net.Conn, local StaticKeypair, initiator bool) (*Stream, []byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: local,
	})
	if err != nil {
		return nil, nil, merrors.Wrap(merrors.KindAuthFailure, "init noise handshake state", err)
	}

	var kemPriv *pqcrypto.KEMPrivateKey
	var kemSharedSecret []byte

	if initiator {
		kemPub, priv, err := pqcrypto.GenerateKEMKeypair()
		if err != nil {
			return nil, nil, merrors.Wrap(merrors.KindAuthFailure, "generate kem keypair", err)
		}
		kemPriv = priv
		kemPubBytes, err := pqcrypto.MarshalKEMPublicKey(kemPub)
		if err != nil {
			return nil, nil, merrors.Wrap(merrors.KindAuthFailure, "marshal kem public key", err)
		}

		msg1, _, _, err := hs.WriteMessage(nil, kemPubBytes)
		if err != nil {
			return nil, nil, merrors.Wrap(merrors.KindAuthFailure, "write handshake message 1", err)
		}
		if err := writeHandshakeFrame(conn, msg1); err != nil {
			return nil, nil, err
		}

		msg2, err := readHandshakeFrame(conn)
		if err != nil {
			return nil, nil, err
		}
		kemCiphertext, _, _, err := hs.ReadMessage(nil, msg2)
		if err != nil {
			return nil, nil, merrors.Wrap(merrors.KindAuthFailure, "read handshake message 2", err)
		}
		kemSharedSecret, err = pqcrypto.Decapsulate(kemPriv, kemCiphertext)
		if err != nil {
			return nil, nil, merrors.Wrap(merrors.KindAuthFailure, "decapsulate kem shared secret", err)
		}

		msg3, cs1, cs2, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, nil, merrors.Wrap(merrors.KindAuthFailure, "write handshake message 3", err)
		}
		if err := writeHandshakeFrame(conn, msg3); err != nil {
			return nil, nil, err
		}
		return finishHandshake(conn, hs, cs1, cs2, kemSharedSecret, initiator)
	}

	msg1, err := readHandshakeFrame(conn)
	if err != nil {
		return nil, nil, err
	}
	kemPubBytes, _, _, err := hs.ReadMessage(nil, msg1)
	if err != nil {
		return nil, nil, merrors.Wrap(merrors.KindAuthFailure, "read handshake message 1", err)
	}
	kemPub, err := pqcrypto.UnmarshalKEMPublicKey(kemPubBytes)
	if err != nil {
		return nil, nil, merrors.Wrap(merrors.KindAuthFailure, "unmarshal kem public key", err)
	}
	kemCiphertext, sharedSecret, err := pqcrypto.Encapsulate(kemPub)
	if err != nil {
		return nil, nil, merrors.Wrap(merrors.KindAuthFailure, "encapsulate kem shared secret", err)
	}
	kemSharedSecret = sharedSecret

	msg2, _, _, err := hs.WriteMessage(nil, kemCiphertext)
	if err != nil {
		return nil, nil, merrors.Wrap(merrors.KindAuthFailure, "write handshake message 2", err)
	}
	if err := writeHandshakeFrame(conn, msg2); err != nil {
		return nil, nil, err
	}

	msg3, err := readHandshakeFrame(conn)
	if err != nil {
		return nil, nil, err
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, nil, merrors.Wrap(merrors.KindAuthFailure, "read handshake message 3", err)
	}
	return finishHandshake(conn, hs, cs1, cs2, kemSharedSecret, initiator)
}

// finishHandshake mixes the classical Noise transcript hash with the ML-KEM
// shared secret through HKDF to derive the hybrid session keys, so a
// future quantum break of Curve25519 alone cannot recover the session.
func finishHandshake(conn net.Conn, hs *noise.HandshakeState, cs1, cs2 *noise.CipherState, kemSharedSecret []byte, initiator bool) (*Stream, []byte, error) {
	if cs1 == nil || cs2 == nil {
		return nil, nil, merrors.New(merrors.KindAuthFailure, "noise handshake did not complete")
	}
	transcriptHash := hs.ChannelBinding()
	remoteStatic := hs.PeerStatic()
	if len(remoteStatic) == 0 {
		return nil, nil, merrors.New(merrors.KindAuthFailure, "peer presented no static key")
	}

	initiatorToResponder, err := deriveKey(transcriptHash, kemSharedSecret, "montana-i2r")
	if err != nil {
		return nil, nil, err
	}
	responderToInitiator, err := deriveKey(transcriptHash, kemSharedSecret, "montana-r2i")
	if err != nil {
		return nil, nil, err
	}

	sendKey, recvKey := responderToInitiator, initiatorToResponder
	if initiator {
		sendKey, recvKey = initiatorToResponder, responderToInitiator
	}

	sendAEAD, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, nil, merrors.Wrap(merrors.KindAuthFailure, "init send cipher", err)
	}
	recvAEAD, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, nil, merrors.Wrap(merrors.KindAuthFailure, "init recv cipher", err)
	}

	return &Stream{
		conn:      conn,
		sendAEAD:  sendAEAD,
		recvAEAD:  recvAEAD,
		recvChunk: &chunkReassembly{},
	}, remoteStatic, nil
}

func deriveKey(transcriptHash, kemSharedSecret []byte, info string) ([]byte, error) {
	ikm := make([]byte, 0, len(transcriptHash)+len(kemSharedSecret))
	ikm = append(ikm, transcriptHash...)
	ikm = append(ikm, kemSharedSecret...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte(info)), key); err != nil {
		return nil, merrors.Wrap(merrors.KindAuthFailure, "derive hybrid session key", err)
	}
	return key, nil
}

func writeHandshakeFrame(conn net.Conn, msg []byte) error {
	if len(msg) > MaxHandshakeMessage {
		return merrors.New(merrors.KindProtocolViolation, "handshake message exceeds 4096 bytes")
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return merrors.Wrap(merrors.KindTimeout, "write handshake frame length", err)
	}
	if _, err := conn.Write(msg); err != nil {
		return merrors.Wrap(merrors.KindTimeout, "write handshake frame body", err)
	}
	return nil
}

func readHandshakeFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, merrors.Wrap(merrors.KindTimeout, "read handshake frame length", err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if int(n) > MaxHandshakeMessage {
		return nil, merrors.New(merrors.KindProtocolViolation, "handshake message exceeds 4096 bytes")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, merrors.Wrap(merrors.KindTimeout, "read handshake frame body", err)
	}
	return buf, nil
}

// chunkReassembly tracks an in-progress reassembly of chunked frames into
// one logical application message.
type chunkReassembly struct {
	buf    bytes.Buffer
	chunks int
}

func (c *chunkReassembly) addChunk(plaintext []byte) error {
	if c.chunks >= MaxChunks {
		return merrors.New(merrors.KindResourceExhausted, "message exceeds max chunk count")
	}
	if c.buf.Len()+len(plaintext) > MaxMessageSize {
		return merrors.New(merrors.KindResourceExhausted, "message exceeds 2MiB reassembly cap")
	}
	c.chunks++
	c.buf.Write(plaintext)
	return nil
}

func (c *chunkReassembly) reset() {
	c.buf.Reset()
	c.chunks = 0
}

// Stream is a post-handshake duplex byte stream: length-prefixed AEAD
// frames, each carrying a chunked slice of the caller's logical message. It
// implements io.ReadWriteCloser so the wire codec can treat it exactly
// like a plain net.Conn.
type Stream struct {
	conn net.Conn

	sendAEAD cipherAEAD
	recvAEAD cipherAEAD

	sendNonce uint64
	recvNonce uint64

	readBuf   bytes.Buffer
	recvChunk *chunkReassembly
}

// cipherAEAD is the subset of cipher.AEAD Stream depends on; named so this
// file need not import crypto/cipher solely for the type name.
type cipherAEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

func nonceFor(counter uint64, size int) []byte {
	nonce := make([]byte, size)
	binary.LittleEndian.PutUint64(nonce[size-8:], counter)
	return nonce
}

// Write chunks p into ≤MaxChunkPlaintext-sized AEAD frames and writes them
// to the underlying connection, failing if p exceeds MaxMessageSize or
// would require more than MaxChunks frames.
func (s *Stream) Write(p []byte) (int, error) {
	if len(p) > MaxMessageSize {
		return 0, merrors.New(merrors.KindResourceExhausted, "write exceeds 2MiB message cap")
	}
	total := len(p)
	numChunks := (len(p) + MaxChunkPlaintext - 1) / MaxChunkPlaintext
	if numChunks == 0 {
		numChunks = 1
	}
	if numChunks > MaxChunks {
		return 0, merrors.New(merrors.KindResourceExhausted, "write requires more than 32 chunks")
	}

	for i := 0; i < numChunks; i++ {
		start := i * MaxChunkPlaintext
		end := start + MaxChunkPlaintext
		if end > len(p) {
			end = len(p)
		}
		more := byte(0)
		if i < numChunks-1 {
			more = 1
		}
		plaintext := make([]byte, 0, 1+(end-start))
		plaintext = append(plaintext, more)
		plaintext = append(plaintext, p[start:end]...)

		nonce := nonceFor(s.sendNonce, s.sendAEAD.NonceSize())
		s.sendNonce++
		ciphertext := s.sendAEAD.Seal(nil, nonce, plaintext, nil)
		if len(ciphertext) > maxFrameCiphertext {
			return 0, merrors.New(merrors.KindResourceExhausted, "frame exceeds noise ciphertext limit")
		}

		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(ciphertext)))
		if _, err := s.conn.Write(lenBuf[:]); err != nil {
			return 0, merrors.Wrap(merrors.KindTimeout, "write frame length", err)
		}
		if _, err := s.conn.Write(ciphertext); err != nil {
			return 0, merrors.Wrap(merrors.KindTimeout, "write frame body", err)
		}
	}
	return total, nil
}

// Read drains reassembled application-message bytes into p, reading and
// decrypting as many frames as needed from the underlying connection.
func (s *Stream) Read(p []byte) (int, error) {
	for s.readBuf.Len() == 0 {
		if err := s.readOneMessage(); err != nil {
			return 0, err
		}
	}
	return s.readBuf.Read(p)
}

// readOneMessage reads and decrypts frames until a chunk run's more flag is
// 0, then appends the reassembled plaintext to readBuf.
func (s *Stream) readOneMessage() error {
	s.recvChunk.reset()
	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
			return err
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		ciphertext := make([]byte, n)
		if _, err := io.ReadFull(s.conn, ciphertext); err != nil {
			return merrors.Wrap(merrors.KindTimeout, "read frame body", err)
		}

		nonce := nonceFor(s.recvNonce, s.recvAEAD.NonceSize())
		s.recvNonce++
		plaintext, err := s.recvAEAD.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return merrors.Wrap(merrors.KindAuthFailure, "decrypt frame", err)
		}
		if len(plaintext) == 0 {
			return merrors.New(merrors.KindCodecError, "empty decrypted frame")
		}
		more := plaintext[0]
		if err := s.recvChunk.addChunk(plaintext[1:]); err != nil {
			return err
		}
		if more == 0 {
			break
		}
	}
	s.readBuf.Write(s.recvChunk.buf.Bytes())
	return nil
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// LocalAddr returns the underlying connection's local address.
func (s *Stream) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the underlying connection's remote address.
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// SetDeadline forwards to the underlying connection.
func (s *Stream) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

// SetReadDeadline forwards to the underlying connection.
func (s *Stream) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }

// SetWriteDeadline forwards to the underlying connection.
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
