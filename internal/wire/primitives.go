// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// HashSize is the length of a SHA3-256 digest.
const HashSize = 32

// Hash is a 32-byte digest identifying a slice, transaction or presence
// proof.
type Hash [HashSize]byte

func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeHash(w io.Writer, h Hash) error {
	_, err := w.Write(h[:])
	return err
}

func readHash(r io.Reader) (Hash, error) {
	var h Hash
	_, err := io.ReadFull(r, h[:])
	return h, err
}

// writeVarBytes writes a length-prefixed byte slice, the length capped to
// max. Callers must have already validated len(b) <= max.
func writeVarBytes(w io.Writer, b []byte, max uint32) error {
	if uint32(len(b)) > max {
		return fmt.Errorf("%w: byte slice length %d exceeds cap %d", errCodec, len(b), max)
	}
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readVarBytes reads a length-prefixed byte slice, refusing to allocate a
// backing array larger than max: the declared length is checked against the
// cap before the allocation, not after.
func readVarBytes(r io.Reader, max uint32) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > max {
		return nil, fmt.Errorf("%w: declared length %d exceeds cap %d", errCodec, n, max)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// writeString writes a length-prefixed string, truncated to max bytes.
func writeString(w io.Writer, s string, max uint32) error {
	if uint32(len(s)) > max {
		s = s[:max]
	}
	return writeVarBytes(w, []byte(s), max)
}

func readString(r io.Reader, max uint32) (string, error) {
	b, err := readVarBytes(r, max)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// writeCollectionLen writes a length prefix for a bounded collection,
// refusing to encode a collection already over its cap.
func writeCollectionLen(w io.Writer, n int, max int) error {
	if n > max {
		return fmt.Errorf("%w: collection length %d exceeds cap %d", errCodec, n, max)
	}
	return writeUint32(w, uint32(n))
}

// readCollectionLen reads and validates a bounded-collection length prefix
// before the caller allocates the backing slice.
func readCollectionLen(r io.Reader, max int) (int, error) {
	n, err := readUint32(r)
	if err != nil {
		return 0, err
	}
	if int(n) > max {
		return 0, fmt.Errorf("%w: declared collection length %d exceeds cap %d", errCodec, n, max)
	}
	return int(n), nil
}

// Services is a bitmask of services a peer advertises.
type Services uint64

// NetAddress is a peer's advertised network address.
type NetAddress struct {
	IP        net.IP
	Port      uint16
	Services  Services
	Timestamp uint64 // Unix seconds, self-reported and untrusted.
}

// IsRoutable rejects private, loopback, link-local, documentation,
// multicast, broadcast and unspecified ranges for both address families.
func (a NetAddress) IsRoutable() bool {
	ip := a.IP
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil {
		if ip4[0] == 10 {
			return false
		}
		if ip4[0] == 172 && ip4[1]&0xf0 == 16 {
			return false
		}
		if ip4[0] == 192 && ip4[1] == 168 {
			return false
		}
		if ip4[0] == 169 && ip4[1] == 254 {
			return false
		}
		// TEST-NET documentation ranges.
		if ip4[0] == 192 && ip4[1] == 0 && ip4[2] == 2 {
			return false
		}
		if ip4[0] == 198 && ip4[1] == 51 && ip4[2] == 100 {
			return false
		}
		if ip4[0] == 203 && ip4[1] == 0 && ip4[2] == 113 {
			return false
		}
		if ip4[0] == 255 && ip4[1] == 255 && ip4[2] == 255 && ip4[3] == 255 {
			return false
		}
		return true
	}
	if ip.IsPrivate() {
		return false
	}
	// Documentation range 2001:db8::/32 for v6.
	if len(ip) == net.IPv6len && ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0x0d && ip[3] == 0xb8 {
		return false
	}
	return true
}

func writeNetAddress(w io.Writer, a NetAddress) error {
	ip4 := a.IP.To4()
	if ip4 != nil {
		if err := writeUint8(w, 4); err != nil {
			return err
		}
		if _, err := w.Write(ip4); err != nil {
			return err
		}
	} else {
		ip16 := a.IP.To16()
		if ip16 == nil {
			ip16 = make(net.IP, net.IPv6len)
		}
		if err := writeUint8(w, 6); err != nil {
			return err
		}
		if _, err := w.Write(ip16); err != nil {
			return err
		}
	}
	if err := writeUint16(w, a.Port); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(a.Services)); err != nil {
		return err
	}
	return writeUint64(w, a.Timestamp)
}

func readNetAddress(r io.Reader) (NetAddress, error) {
	var a NetAddress
	fam, err := readUint8(r)
	if err != nil {
		return a, err
	}
	switch fam {
	case 4:
		b := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(r, b); err != nil {
			return a, err
		}
		a.IP = net.IP(b).To4()
	case 6:
		b := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(r, b); err != nil {
			return a, err
		}
		a.IP = net.IP(b)
	default:
		return a, fmt.Errorf("%w: unknown address family %d", errCodec, fam)
	}
	if a.Port, err = readUint16(r); err != nil {
		return a, err
	}
	services, err := readUint64(r)
	if err != nil {
		return a, err
	}
	a.Services = Services(services)
	if a.Timestamp, err = readUint64(r); err != nil {
		return a, err
	}
	return a, nil
}
