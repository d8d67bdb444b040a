// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import "io"

func init() {
	Register(CmdInv, func() Message { return &MsgInv{} })
	Register(CmdGetData, func() Message { return &MsgGetData{} })
	Register(CmdNotFound, func() Message { return &MsgNotFound{} })
}

// InvType tags the kind of object an InvItem refers to.
type InvType uint8

// Inventory item kinds.
const (
	InvTypeSlice InvType = iota
	InvTypeTx
	InvTypePresence
)

func (t InvType) String() string {
	switch t {
	case InvTypeSlice:
		return "slice"
	case InvTypeTx:
		return "tx"
	case InvTypePresence:
		return "presence"
	default:
		return "unknown"
	}
}

// InvItem identifies an advertised or requested object.
type InvItem struct {
	Type InvType
	Hash Hash
}

func writeInvItem(w io.Writer, it InvItem) error {
	if err := writeUint8(w, uint8(it.Type)); err != nil {
		return err
	}
	return writeHash(w, it.Hash)
}

func readInvItem(r io.Reader) (InvItem, error) {
	var it InvItem
	t, err := readUint8(r)
	if err != nil {
		return it, err
	}
	it.Type = InvType(t)
	it.Hash, err = readHash(r)
	return it, err
}

func writeInvList(w io.Writer, items []InvItem) error {
	if err := writeCollectionLen(w, len(items), MaxInvItems); err != nil {
		return err
	}
	for _, it := range items {
		if err := writeInvItem(w, it); err != nil {
			return err
		}
	}
	return nil
}

func readInvList(r io.Reader) ([]InvItem, error) {
	n, err := readCollectionLen(r, MaxInvItems)
	if err != nil {
		return nil, err
	}
	items := make([]InvItem, 0, n)
	for i := 0; i < n; i++ {
		it, err := readInvItem(r)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// MsgInv advertises objects the sender has, bounded to MaxInvItems.
type MsgInv struct {
	Items []InvItem
}

func (m *MsgInv) Command() string         { return CmdInv }
func (m *MsgInv) Encode(w io.Writer) error { return writeInvList(w, m.Items) }
func (m *MsgInv) Decode(r io.Reader) error {
	items, err := readInvList(r)
	m.Items = items
	return err
}

// MsgGetData requests the objects named by Items.
type MsgGetData struct {
	Items []InvItem
}

func (m *MsgGetData) Command() string         { return CmdGetData }
func (m *MsgGetData) Encode(w io.Writer) error { return writeInvList(w, m.Items) }
func (m *MsgGetData) Decode(r io.Reader) error {
	items, err := readInvList(r)
	m.Items = items
	return err
}

// MsgNotFound responds to a GetData for items the sender doesn't have.
type MsgNotFound struct {
	Items []InvItem
}

func (m *MsgNotFound) Command() string         { return CmdNotFound }
func (m *MsgNotFound) Encode(w io.Writer) error { return writeInvList(w, m.Items) }
func (m *MsgNotFound) Decode(r io.Reader) error {
	items, err := readInvList(r)
	m.Items = items
	return err
}
