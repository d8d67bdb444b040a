// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import "io"

func init() {
	Register(CmdSlice, func() Message { return &MsgSlice{} })
	Register(CmdGetSlice, func() Message { return &MsgGetSlice{} })
	Register(CmdGetSlices, func() Message { return &MsgGetSlices{} })
	Register(CmdTx, func() Message { return &MsgTx{} })
}

// MsgSlice carries a full slice: header plus detached signature over the
// header's canonical encoding.
type MsgSlice struct {
	Header    SliceHeader
	Signature []byte
}

func (m *MsgSlice) Command() string { return CmdSlice }

func (m *MsgSlice) Encode(w io.Writer) error {
	if err := writeSliceHeader(w, m.Header); err != nil {
		return err
	}
	return writeVarBytes(w, m.Signature, MaxSignatureBytes)
}

func (m *MsgSlice) Decode(r io.Reader) error {
	h, err := readSliceHeader(r)
	if err != nil {
		return err
	}
	m.Header = h
	m.Signature, err = readVarBytes(r, MaxSignatureBytes)
	return err
}

// MsgGetSlice requests a single full slice body by index.
type MsgGetSlice struct {
	SliceIndex uint64
}

func (m *MsgGetSlice) Command() string          { return CmdGetSlice }
func (m *MsgGetSlice) Encode(w io.Writer) error  { return writeUint64(w, m.SliceIndex) }
func (m *MsgGetSlice) Decode(r io.Reader) error {
	v, err := readUint64(r)
	m.SliceIndex = v
	return err
}

// MsgGetSlices requests a contiguous run of full slice bodies.
type MsgGetSlices struct {
	StartIndex uint64
	EndIndex   uint64
}

func (m *MsgGetSlices) Command() string { return CmdGetSlices }
func (m *MsgGetSlices) Encode(w io.Writer) error {
	if err := writeUint64(w, m.StartIndex); err != nil {
		return err
	}
	return writeUint64(w, m.EndIndex)
}
func (m *MsgGetSlices) Decode(r io.Reader) error {
	var err error
	if m.StartIndex, err = readUint64(r); err != nil {
		return err
	}
	m.EndIndex, err = readUint64(r)
	return err
}

// TxIn is a transaction input reference. Full transaction validation is out
// of scope for the network core; the fields here are the minimum the wire
// format and relay path must carry.
type TxIn struct {
	PrevHash  Hash
	PrevIndex uint32
	Witness   []byte
}

// TxOut is a transaction output.
type TxOut struct {
	Value  uint64
	Script []byte
}

// MsgTx carries a transaction, with input/output counts bounded to
// MaxTxInOut.
type MsgTx struct {
	Version uint32
	Inputs  []TxIn
	Outputs []TxOut
	LockTau uint64
}

func (m *MsgTx) Command() string { return CmdTx }

func (m *MsgTx) Encode(w io.Writer) error {
	if err := writeUint32(w, m.Version); err != nil {
		return err
	}
	if err := writeCollectionLen(w, len(m.Inputs), MaxTxInOut); err != nil {
		return err
	}
	for _, in := range m.Inputs {
		if err := writeHash(w, in.PrevHash); err != nil {
			return err
		}
		if err := writeUint32(w, in.PrevIndex); err != nil {
			return err
		}
		if err := writeVarBytes(w, in.Witness, MaxSignatureBytes); err != nil {
			return err
		}
	}
	if err := writeCollectionLen(w, len(m.Outputs), MaxTxInOut); err != nil {
		return err
	}
	for _, out := range m.Outputs {
		if err := writeUint64(w, out.Value); err != nil {
			return err
		}
		if err := writeVarBytes(w, out.Script, MaxSignatureBytes); err != nil {
			return err
		}
	}
	return writeUint64(w, m.LockTau)
}

func (m *MsgTx) Decode(r io.Reader) error {
	var err error
	if m.Version, err = readUint32(r); err != nil {
		return err
	}
	nIn, err := readCollectionLen(r, MaxTxInOut)
	if err != nil {
		return err
	}
	m.Inputs = make([]TxIn, 0, nIn)
	for i := 0; i < nIn; i++ {
		var in TxIn
		if in.PrevHash, err = readHash(r); err != nil {
			return err
		}
		if in.PrevIndex, err = readUint32(r); err != nil {
			return err
		}
		if in.Witness, err = readVarBytes(r, MaxSignatureBytes); err != nil {
			return err
		}
		m.Inputs = append(m.Inputs, in)
	}
	nOut, err := readCollectionLen(r, MaxTxInOut)
	if err != nil {
		return err
	}
	m.Outputs = make([]TxOut, 0, nOut)
	for i := 0; i < nOut; i++ {
		var out TxOut
		if out.Value, err = readUint64(r); err != nil {
			return err
		}
		if out.Script, err = readVarBytes(r, MaxSignatureBytes); err != nil {
			return err
		}
		m.Outputs = append(m.Outputs, out)
	}
	m.LockTau, err = readUint64(r)
	return err
}
