// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import "io"

func init() {
	Register(CmdPresence, func() Message { return &MsgPresence{} })
	Register(CmdGetPresence, func() Message { return &MsgGetPresence{} })
	Register(CmdPresenceProofs, func() Message { return &MsgPresenceProofs{} })
}

// PresenceProof is opaque to the network core except for the fields needed
// to buffer, order and rebroadcast it.
type PresenceProof struct {
	Tau2Index uint64
	PubKey    []byte
	Signature []byte
	Payload   []byte // opaque attestation body, never interpreted here
}

func writePresenceProof(w io.Writer, p PresenceProof) error {
	if err := writeUint64(w, p.Tau2Index); err != nil {
		return err
	}
	if err := writeVarBytes(w, p.PubKey, MaxSignatureBytes); err != nil {
		return err
	}
	if err := writeVarBytes(w, p.Signature, MaxSignatureBytes); err != nil {
		return err
	}
	return writeVarBytes(w, p.Payload, MaxSignatureBytes)
}

func readPresenceProof(r io.Reader) (PresenceProof, error) {
	var p PresenceProof
	var err error
	if p.Tau2Index, err = readUint64(r); err != nil {
		return p, err
	}
	if p.PubKey, err = readVarBytes(r, MaxSignatureBytes); err != nil {
		return p, err
	}
	if p.Signature, err = readVarBytes(r, MaxSignatureBytes); err != nil {
		return p, err
	}
	p.Payload, err = readVarBytes(r, MaxSignatureBytes)
	return p, err
}

// MsgPresence carries a single presence proof, typically a fresh
// announcement for the current τ₂.
type MsgPresence struct {
	Proof PresenceProof
}

func (m *MsgPresence) Command() string { return CmdPresence }
func (m *MsgPresence) Encode(w io.Writer) error { return writePresenceProof(w, m.Proof) }
func (m *MsgPresence) Decode(r io.Reader) error {
	p, err := readPresenceProof(r)
	m.Proof = p
	return err
}

// MsgGetPresence requests all presence proofs this peer holds for a given
// τ₂ index.
type MsgGetPresence struct {
	Tau2Index uint64
}

func (m *MsgGetPresence) Command() string         { return CmdGetPresence }
func (m *MsgGetPresence) Encode(w io.Writer) error { return writeUint64(w, m.Tau2Index) }
func (m *MsgGetPresence) Decode(r io.Reader) error {
	v, err := readUint64(r)
	m.Tau2Index = v
	return err
}

// MsgPresenceProofs answers a MsgGetPresence with up to MaxPresenceProofs
// proofs.
type MsgPresenceProofs struct {
	Proofs []PresenceProof
}

func (m *MsgPresenceProofs) Command() string { return CmdPresenceProofs }

func (m *MsgPresenceProofs) Encode(w io.Writer) error {
	if err := writeCollectionLen(w, len(m.Proofs), MaxPresenceProofs); err != nil {
		return err
	}
	for _, p := range m.Proofs {
		if err := writePresenceProof(w, p); err != nil {
			return err
		}
	}
	return nil
}

func (m *MsgPresenceProofs) Decode(r io.Reader) error {
	n, err := readCollectionLen(r, MaxPresenceProofs)
	if err != nil {
		return err
	}
	m.Proofs = make([]PresenceProof, 0, n)
	for i := 0; i < n; i++ {
		p, err := readPresenceProof(r)
		if err != nil {
			return err
		}
		m.Proofs = append(m.Proofs, p)
	}
	return nil
}
