// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import "io"

func init() {
	Register(CmdAddr, func() Message { return &MsgAddr{} })
	Register(CmdSignedAddr, func() Message { return &MsgSignedAddr{} })
}

// MsgAddr relays known peer addresses, bounded to MaxAddresses entries.
type MsgAddr struct {
	AddrList []NetAddress
}

func (m *MsgAddr) Command() string { return CmdAddr }

func (m *MsgAddr) Encode(w io.Writer) error {
	if err := writeCollectionLen(w, len(m.AddrList), MaxAddresses); err != nil {
		return err
	}
	for _, a := range m.AddrList {
		if err := writeNetAddress(w, a); err != nil {
			return err
		}
	}
	return nil
}

func (m *MsgAddr) Decode(r io.Reader) error {
	n, err := readCollectionLen(r, MaxAddresses)
	if err != nil {
		return err
	}
	m.AddrList = make([]NetAddress, 0, n)
	for i := 0; i < n; i++ {
		a, err := readNetAddress(r)
		if err != nil {
			return err
		}
		m.AddrList = append(m.AddrList, a)
	}
	return nil
}

// MsgSignedAddr is a single self-announced address signed by the
// advertiser's ML-DSA-65 identity key, allowing a receiving peer to bind the
// pubkey<->address pair into its Verified-Peer Registry without a full
// handshake round.
type MsgSignedAddr struct {
	Addr      NetAddress
	PubKey    []byte // ML-DSA-65 public key, fixed length validated by caller.
	Signature []byte // detached ML-DSA-65 signature over Addr's encoding.
}

func (m *MsgSignedAddr) Command() string { return CmdSignedAddr }

func (m *MsgSignedAddr) Encode(w io.Writer) error {
	if err := writeNetAddress(w, m.Addr); err != nil {
		return err
	}
	if err := writeVarBytes(w, m.PubKey, MaxSignatureBytes); err != nil {
		return err
	}
	return writeVarBytes(w, m.Signature, MaxSignatureBytes)
}

func (m *MsgSignedAddr) Decode(r io.Reader) error {
	a, err := readNetAddress(r)
	if err != nil {
		return err
	}
	m.Addr = a
	if m.PubKey, err = readVarBytes(r, MaxSignatureBytes); err != nil {
		return err
	}
	m.Signature, err = readVarBytes(r, MaxSignatureBytes)
	return err
}
