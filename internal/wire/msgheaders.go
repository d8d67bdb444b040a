// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import "io"

func init() {
	Register(CmdSliceHeaders, func() Message { return &MsgSliceHeaders{} })
	Register(CmdGetHeaders, func() Message { return &MsgGetHeaders{} })
}

// SliceHeader is the header portion of a slice. The winner-selection rule
// is out of scope for the network core: WinnerPubKey is carried opaquely
// and never interpreted here.
type SliceHeader struct {
	PrevHash             Hash
	Timestamp            uint64
	SliceIndex           uint64
	WinnerPubKey         []byte // opaque ML-DSA-65 public key
	CooldownMedians      [3]uint64
	Registrations        [3]uint64
	CumulativeWeight     uint64
	SubnetReputationRoot Hash
}

func writeSliceHeader(w io.Writer, h SliceHeader) error {
	if err := writeHash(w, h.PrevHash); err != nil {
		return err
	}
	if err := writeUint64(w, h.Timestamp); err != nil {
		return err
	}
	if err := writeUint64(w, h.SliceIndex); err != nil {
		return err
	}
	if err := writeVarBytes(w, h.WinnerPubKey, MaxSignatureBytes); err != nil {
		return err
	}
	for _, v := range h.CooldownMedians {
		if err := writeUint64(w, v); err != nil {
			return err
		}
	}
	for _, v := range h.Registrations {
		if err := writeUint64(w, v); err != nil {
			return err
		}
	}
	if err := writeUint64(w, h.CumulativeWeight); err != nil {
		return err
	}
	return writeHash(w, h.SubnetReputationRoot)
}

func readSliceHeader(r io.Reader) (SliceHeader, error) {
	var h SliceHeader
	var err error
	if h.PrevHash, err = readHash(r); err != nil {
		return h, err
	}
	if h.Timestamp, err = readUint64(r); err != nil {
		return h, err
	}
	if h.SliceIndex, err = readUint64(r); err != nil {
		return h, err
	}
	if h.WinnerPubKey, err = readVarBytes(r, MaxSignatureBytes); err != nil {
		return h, err
	}
	for i := range h.CooldownMedians {
		if h.CooldownMedians[i], err = readUint64(r); err != nil {
			return h, err
		}
	}
	for i := range h.Registrations {
		if h.Registrations[i], err = readUint64(r); err != nil {
			return h, err
		}
	}
	if h.CumulativeWeight, err = readUint64(r); err != nil {
		return h, err
	}
	h.SubnetReputationRoot, err = readHash(r)
	return h, err
}

// MsgSliceHeaders carries up to MaxHeaders slice headers, used by the
// headers-first sync engine.
type MsgSliceHeaders struct {
	Headers []SliceHeader
}

func (m *MsgSliceHeaders) Command() string { return CmdSliceHeaders }

func (m *MsgSliceHeaders) Encode(w io.Writer) error {
	if err := writeCollectionLen(w, len(m.Headers), MaxHeaders); err != nil {
		return err
	}
	for _, h := range m.Headers {
		if err := writeSliceHeader(w, h); err != nil {
			return err
		}
	}
	return nil
}

func (m *MsgSliceHeaders) Decode(r io.Reader) error {
	n, err := readCollectionLen(r, MaxHeaders)
	if err != nil {
		return err
	}
	m.Headers = make([]SliceHeader, 0, n)
	for i := 0; i < n; i++ {
		h, err := readSliceHeader(r)
		if err != nil {
			return err
		}
		m.Headers = append(m.Headers, h)
	}
	return nil
}

// MsgGetHeaders requests headers starting after the first known hash in
// Locator, bounded to MaxLocatorHashes entries, up to StopHash (zero hash
// meaning "as many as fit").
type MsgGetHeaders struct {
	Locator  []Hash
	StopHash Hash
}

func (m *MsgGetHeaders) Command() string { return CmdGetHeaders }

func (m *MsgGetHeaders) Encode(w io.Writer) error {
	if err := writeCollectionLen(w, len(m.Locator), MaxLocatorHashes); err != nil {
		return err
	}
	for _, h := range m.Locator {
		if err := writeHash(w, h); err != nil {
			return err
		}
	}
	return writeHash(w, m.StopHash)
}

func (m *MsgGetHeaders) Decode(r io.Reader) error {
	n, err := readCollectionLen(r, MaxLocatorHashes)
	if err != nil {
		return err
	}
	m.Locator = make([]Hash, 0, n)
	for i := 0; i < n; i++ {
		h, err := readHash(r)
		if err != nil {
			return err
		}
		m.Locator = append(m.Locator, h)
	}
	m.StopHash, err = readHash(r)
	return err
}
