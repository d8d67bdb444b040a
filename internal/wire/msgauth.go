// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import "io"

func init() {
	Register(CmdAuthChallenge, func() Message { return &MsgAuthChallenge{} })
	Register(CmdAuthResponse, func() Message { return &MsgAuthResponse{} })
}

// ChallengeSize is the fixed size of the random bootstrap-gate challenge.
const ChallengeSize = 32

// MsgAuthChallenge is issued by a bootstrapping node to a Trusted Core
// candidate: a fresh random challenge the candidate must sign together with
// its own Version payload.
type MsgAuthChallenge struct {
	Challenge [ChallengeSize]byte
}

func (m *MsgAuthChallenge) Command() string { return CmdAuthChallenge }

func (m *MsgAuthChallenge) Encode(w io.Writer) error {
	_, err := w.Write(m.Challenge[:])
	return err
}

func (m *MsgAuthChallenge) Decode(r io.Reader) error {
	_, err := io.ReadFull(r, m.Challenge[:])
	return err
}

// MsgAuthResponse answers a MsgAuthChallenge with an ML-DSA-65 signature
// over (challenge ‖ VersionPayload) by the Trusted Core node's published
// public key.
type MsgAuthResponse struct {
	Challenge      [ChallengeSize]byte
	VersionPayload []byte
	Signature      []byte
}

func (m *MsgAuthResponse) Command() string { return CmdAuthResponse }

func (m *MsgAuthResponse) Encode(w io.Writer) error {
	if _, err := w.Write(m.Challenge[:]); err != nil {
		return err
	}
	if err := writeVarBytes(w, m.VersionPayload, 1024); err != nil {
		return err
	}
	return writeVarBytes(w, m.Signature, MaxSignatureBytes)
}

func (m *MsgAuthResponse) Decode(r io.Reader) error {
	if _, err := io.ReadFull(r, m.Challenge[:]); err != nil {
		return err
	}
	var err error
	if m.VersionPayload, err = readVarBytes(r, 1024); err != nil {
		return err
	}
	m.Signature, err = readVarBytes(r, MaxSignatureBytes)
	return err
}

// SignedMessage returns the exact byte sequence the responder must sign:
// challenge concatenated with the raw Version payload bytes.
func (m *MsgAuthResponse) SignedMessage() []byte {
	buf := make([]byte, 0, ChallengeSize+len(m.VersionPayload))
	buf = append(buf, m.Challenge[:]...)
	buf = append(buf, m.VersionPayload...)
	return buf
}
