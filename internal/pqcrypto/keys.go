// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pqcrypto wraps the post-quantum primitives the network core
// depends on: ML-KEM-768 for the Transport's hybrid key exchange and
// ML-DSA-65 for peer identity, Trusted Core authentication and presence
// proofs. Both are provided by cloudflare/circl.
package pqcrypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"golang.org/x/sys/unix"
)

// Fixed key and signature sizes for ML-DSA-65.
const (
	PublicKeySize = mldsa65.PublicKeySize
	SignatureSize = mldsa65.SignatureSize
)

// PublicKey is an ML-DSA-65 public key.
type PublicKey = mldsa65.PublicKey

// PrivateKey is an ML-DSA-65 private key.
type PrivateKey = mldsa65.PrivateKey

// Signature is a detached, fixed-size ML-DSA-65 signature.
type Signature [SignatureSize]byte

// GenerateIdentity creates a fresh ML-DSA-65 keypair for a peer's long-term
// network identity (distinct from the Noise static key used by Transport).
func GenerateIdentity() (*PublicKey, *PrivateKey, error) {
	pub, priv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pqcrypto: generate identity: %w", err)
	}
	return pub, priv, nil
}

// Sign produces a detached ML-DSA-65 signature over msg.
func Sign(priv *PrivateKey, msg []byte) Signature {
	var sig Signature
	mldsa65.SignTo(priv, msg, nil, false, sig[:])
	return sig
}

// Verify checks a detached ML-DSA-65 signature over msg.
func Verify(pub *PublicKey, msg []byte, sig Signature) bool {
	return mldsa65.Verify(pub, msg, nil, sig[:])
}

// Fingerprint returns the 8-byte prefix of pub, used as a human-legible key
// identifier in logs. Full keys are never logged.
func Fingerprint(pub *PublicKey) [8]byte {
	var fp [8]byte
	packed, _ := pub.MarshalBinary()
	copy(fp[:], packed)
	return fp
}

// KEMPublicKey and KEMPrivateKey are the ML-KEM-768 keypair used to
// hybridize the Noise-XX handshake.
type (
	KEMPublicKey  = mlkem768.PublicKey
	KEMPrivateKey = mlkem768.PrivateKey
)

// KEMCiphertextSize is the fixed ML-KEM-768 encapsulation size.
const KEMCiphertextSize = mlkem768.CiphertextSize

// GenerateKEMKeypair creates an ephemeral ML-KEM-768 keypair for one Noise
// handshake.
func GenerateKEMKeypair() (*KEMPublicKey, *KEMPrivateKey, error) {
	pub, priv, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pqcrypto: generate kem keypair: %w", err)
	}
	return pub, priv, nil
}

// Encapsulate derives a shared secret and ciphertext against the responder's
// KEM public key (the initiator side of the handshake's kem_pk/kem_ct pair).
func Encapsulate(pub *KEMPublicKey) (ciphertext []byte, sharedSecret []byte, err error) {
	ct := make([]byte, mlkem768.CiphertextSize)
	ss := make([]byte, mlkem768.SharedKeySize)
	pub.EncapsulateTo(ct, ss, nil)
	return ct, ss, nil
}

// Decapsulate recovers the shared secret from a ciphertext using the
// responder's KEM private key.
func Decapsulate(priv *KEMPrivateKey, ciphertext []byte) (sharedSecret []byte, err error) {
	if len(ciphertext) != mlkem768.CiphertextSize {
		return nil, fmt.Errorf("pqcrypto: bad kem ciphertext length %d", len(ciphertext))
	}
	ss := make([]byte, mlkem768.SharedKeySize)
	priv.DecapsulateTo(ss, ciphertext)
	return ss, nil
}

// MarshalKEMPublicKey serializes pub for transmission as the first Noise-XX
// handshake message's payload.
func MarshalKEMPublicKey(pub *KEMPublicKey) ([]byte, error) {
	b, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("pqcrypto: marshal kem public key: %w", err)
	}
	return b, nil
}

// UnmarshalKEMPublicKey recovers a KEM public key received as a handshake
// payload.
func UnmarshalKEMPublicKey(data []byte) (*KEMPublicKey, error) {
	pub := new(mlkem768.PublicKey)
	if err := pub.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("pqcrypto: unmarshal kem public key: %w", err)
	}
	return pub, nil
}

// LoadOrGenerateNoiseKey loads a 32-byte static Noise secret from path,
// creating it with mode 0o600 on first run.
func LoadOrGenerateNoiseKey(path string) ([32]byte, error) {
	var key [32]byte
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != 32 {
			return key, fmt.Errorf("pqcrypto: noise key file %s has bad length %d", path, len(data))
		}
		copy(key[:], data)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return key, fmt.Errorf("pqcrypto: reading noise key: %w", err)
	}

	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, fmt.Errorf("pqcrypto: generating noise key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return key, fmt.Errorf("pqcrypto: creating noise key file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(key[:]); err != nil {
		return key, fmt.Errorf("pqcrypto: writing noise key: %w", err)
	}
	// Belt-and-suspenders: enforce the mode explicitly via unix.Chmod, since
	// OpenFile's mode argument is subject to umask.
	if err := unix.Chmod(path, 0o600); err != nil {
		return key, fmt.Errorf("pqcrypto: chmod noise key: %w", err)
	}
	return key, nil
}
