// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import "io"

func init() {
	Register(CmdReject, func() Message { return &MsgReject{} })
}

// RejectCode classifies the reason a message or object was rejected.
type RejectCode uint8

// Reject reasons.
const (
	RejectMalformed RejectCode = iota
	RejectInvalid
	RejectObsolete
	RejectDuplicate
	RejectNonStandard
	RejectInsufficientFee
)

// MsgReject is advisory only: it never causes local state change beyond
// logging.
type MsgReject struct {
	RejectedCommand string
	Code            RejectCode
	Reason          string
	Extra           Hash
}

func (m *MsgReject) Command() string { return CmdReject }

func (m *MsgReject) Encode(w io.Writer) error {
	if err := writeString(w, m.RejectedCommand, 32); err != nil {
		return err
	}
	if err := writeUint8(w, uint8(m.Code)); err != nil {
		return err
	}
	if err := writeString(w, m.Reason, 256); err != nil {
		return err
	}
	return writeHash(w, m.Extra)
}

func (m *MsgReject) Decode(r io.Reader) error {
	var err error
	if m.RejectedCommand, err = readString(r, 32); err != nil {
		return err
	}
	code, err := readUint8(r)
	if err != nil {
		return err
	}
	m.Code = RejectCode(code)
	if m.Reason, err = readString(r, 256); err != nil {
		return err
	}
	m.Extra, err = readHash(r)
	return err
}
