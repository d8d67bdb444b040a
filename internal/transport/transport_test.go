// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

func keypairFromByte(b byte) StaticKeypair {
	var secret [32]byte
	for i := range secret {
		secret[i] = b
	}
	key, err := StaticKeyFromSecret(secret)
	if err != nil {
		panic(err)
	}
	return key
}

func handshakePair(t *testing.T) (*Stream, *Stream) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	var wg sync.WaitGroup
	wg.Add(2)

	var clientStream, serverStream *Stream
	var clientErr, serverErr error

	go func() {
		defer wg.Done()
		clientStream, _, clientErr = Handshake(context.Background(), clientConn, keypairFromByte(1), true)
	}()
	go func() {
		defer wg.Done()
		serverStream, _, serverErr = Handshake(context.Background(), serverConn, keypairFromByte(2), false)
	}()
	wg.Wait()

	if clientErr != nil {
		t.Fatalf("client handshake failed: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("server handshake failed: %v", serverErr)
	}
	return clientStream, serverStream
}

func TestHandshakeEstablishesSharedSession(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	if !bytes.Equal(client.sendKeyForTest(), server.recvKeyForTest()) {
		t.Fatal("expected client send key to match server recv key")
	}
	if !bytes.Equal(client.recvKeyForTest(), server.sendKeyForTest()) {
		t.Fatal("expected client recv key to match server send key")
	}
}

func TestSmallMessageRoundTrip(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	msg := []byte("hello montana")
	go func() {
		if _, err := client.Write(msg); err != nil {
			t.Error(err)
		}
	}()

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q, got %q", msg, buf)
	}
}

func TestChunkedMessageRoundTrip(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	msg := bytes.Repeat([]byte{0xAB}, MaxChunkPlaintext*3+100)
	go func() {
		if _, err := client.Write(msg); err != nil {
			t.Error(err)
		}
	}()

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatal("reassembled message does not match original")
	}
}

func TestWriteRejectsOversizedMessage(t *testing.T) {
	client, server := handshakePair(t)
	defer client.Close()
	defer server.Close()

	oversized := make([]byte, MaxMessageSize+1)
	if _, err := client.Write(oversized); err == nil {
		t.Fatal("expected write of an over-cap message to fail")
	}
}

func TestHandshakeTimesOut(t *testing.T) {
	clientConn, _ := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := Handshake(ctx, clientConn, keypairFromByte(3), true)
	if err == nil {
		t.Fatal("expected a timeout error when the peer never responds")
	}
}

func (s *Stream) sendKeyForTest() []byte {
	nonce := nonceFor(0, s.sendAEAD.NonceSize())
	return s.sendAEAD.Seal(nil, nonce, []byte("probe"), nil)
}

func (s *Stream) recvKeyForTest() []byte {
	nonce := nonceFor(0, s.recvAEAD.NonceSize())
	return s.recvAEAD.Seal(nil, nonce, []byte("probe"), nil)
}
