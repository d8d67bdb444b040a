// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package addrmgr implements the Address Book: siphash-bucketed new/tried
// tables with deterministic placement, terrible-address eviction and
// 30-day expiry, in the shape of dcrd's addrmgr package.
package addrmgr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dchest/siphash"

	"github.com/montana-network/montanad/internal/montanatime"
	"github.com/montana-network/montanad/internal/wire"
)

// Table sizes and limits.
const (
	NewBucketCount   = 1024
	TriedBucketCount = 256
	BucketSize       = 64

	HorizonDays      = 30
	MaxRetries       = 3
	MaxFileSize      = 16 * 1024 * 1024
	maxFutureSkew    = 10 * time.Minute
	selectScanLimit  = 10
	selectMaxSamples = 1000
)

// AddressInfo is a tracked candidate address.
type AddressInfo struct {
	Addr        wire.NetAddress `json:"addr"`
	Source      net.IP          `json:"source"`
	LastSuccess time.Time       `json:"last_success"`
	LastAttempt time.Time       `json:"last_attempt"`
	Attempts    int             `json:"attempts"`
	inTried     bool
}

// Terrible reports whether a is a wasteful table slot.
func (a *AddressInfo) Terrible(now time.Time) bool {
	ts := time.Unix(int64(a.Addr.Timestamp), 0)
	if ts.After(now.Add(maxFutureSkew)) {
		return true
	}
	if !a.LastAttempt.IsZero() && now.Sub(a.LastAttempt) < time.Minute && a.Attempts >= 3 {
		return true
	}
	if a.LastSuccess.IsZero() && a.Attempts >= 3 {
		return true
	}
	if now.Sub(ts) > HorizonDays*24*time.Hour {
		return true
	}
	return false
}

func netgroupOf(ip net.IP) uint32 {
	if ip4 := ip.To4(); ip4 != nil {
		return uint32(ip4[0])<<8 | uint32(ip4[1])
	}
	ip16 := ip.To16()
	if len(ip16) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(ip16[:4])
}

func addrKeyBytes(ip net.IP, port uint16) []byte {
	b := make([]byte, 0, 18)
	ip16 := ip.To16()
	if ip16 == nil {
		ip16 = make(net.IP, net.IPv6len)
	}
	b = append(b, ip16...)
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], port)
	return append(b, p[:]...)
}

// Manager is the Address Book: a persistent, bucketed store of known peer
// addresses. Safe for concurrent use.
type Manager struct {
	mu sync.RWMutex

	keyA, keyB uint64 // persisted 32-byte key split into two siphash keys

	newTable   [NewBucketCount][BucketSize]*AddressInfo
	triedTable [TriedBucketCount][BucketSize]*AddressInfo
	byAddr     map[string]*AddressInfo

	clock montanatime.Source
	rnd   *rand.Rand
}

// New returns a Manager seeded with a fresh random placement key. Use Load
// to restore a persisted key and table instead, for placement determinism
// across restarts.
func New(clock montanatime.Source) *Manager {
	var seed [32]byte
	_, _ = rand.Read(seed[:]) //nolint:staticcheck // seed only, not cryptographic
	return newWithKey(clock, seed)
}

func newWithKey(clock montanatime.Source, key [32]byte) *Manager {
	return &Manager{
		keyA:   binary.LittleEndian.Uint64(key[0:8]),
		keyB:   binary.LittleEndian.Uint64(key[16:24]),
		byAddr: make(map[string]*AddressInfo),
		clock:  clock,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *Manager) newBucket(addr, source net.IP) uint32 {
	key := append(addrKeyBytes(addr, 0), addrKeyBytes(source, 0)...)
	h := siphash.Hash(m.keyA, 0, key)
	return uint32(h % NewBucketCount)
}

func (m *Manager) triedBucket(addr net.IP, port uint16) uint32 {
	key := append(addrKeyBytes(addr, port), addrKeyBytes(addr, 0)...)
	h := siphash.Hash(m.keyA, 0, key)
	return uint32(h % TriedBucketCount)
}

func (m *Manager) slot(addr net.IP, port uint16, bucket uint32, isNew bool) uint32 {
	key := addrKeyBytes(addr, port)
	var flag byte
	if isNew {
		flag = 1
	}
	key = append(key, flag)
	var bb [4]byte
	binary.BigEndian.PutUint32(bb[:], bucket)
	key = append(key, bb[:]...)
	h := siphash.Hash(m.keyB, 0, key)
	return uint32(h % BucketSize)
}

// Add inserts addr (learned via source) into the new table. Addresses with
// future timestamps beyond the skew tolerance are rejected, closing off
// a cheap way to poison placement with manufactured timestamps.
func (m *Manager) Add(addr wire.NetAddress, source net.IP) bool {
	if !addr.IsRoutable() {
		return false
	}
	now := m.clock.Now()
	if time.Unix(int64(addr.Timestamp), 0).After(now.Add(maxFutureSkew)) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := addr.IP.String()
	if existing, ok := m.byAddr[key]; ok && existing.inTried {
		return false // already promoted, new-table insert is a no-op
	}
	if existing, ok := m.byAddr[key]; ok {
		existing.Addr = addr
		return true
	}

	bucket := m.newBucket(addr.IP, source)
	slot := m.slot(addr.IP, addr.Port, bucket, true)
	occupant := m.newTable[bucket][slot]
	if occupant != nil && !occupant.Terrible(now) {
		return false
	}
	if occupant != nil {
		delete(m.byAddr, occupant.Addr.IP.String())
	}

	info := &AddressInfo{Addr: addr, Source: source}
	m.newTable[bucket][slot] = info
	m.byAddr[key] = info
	return true
}

// MarkGood promotes addr to the tried table after a successful connection.
// A collision displaces the existing tried occupant back to new.
func (m *Manager) MarkGood(ip net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.byAddr[ip.String()]
	if !ok {
		return
	}
	now := m.clock.Now()
	info.LastSuccess = now
	info.LastAttempt = now
	info.Attempts = 0
	if info.inTried {
		return
	}

	bucket := m.triedBucket(info.Addr.IP, info.Addr.Port)
	slot := m.slot(info.Addr.IP, info.Addr.Port, bucket, false)
	displaced := m.triedTable[bucket][slot]
	m.triedTable[bucket][slot] = info
	info.inTried = true

	if displaced != nil {
		displaced.inTried = false
		nb := m.newBucket(displaced.Addr.IP, displaced.Source)
		ns := m.slot(displaced.Addr.IP, displaced.Addr.Port, nb, true)
		m.newTable[nb][ns] = displaced
	}
}

// MarkAttempt records a failed or attempted connection.
func (m *Manager) MarkAttempt(ip net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.byAddr[ip.String()]; ok {
		info.LastAttempt = m.clock.Now()
		info.Attempts++
	}
}

// GetAddr returns up to max addresses, skewed 70% toward tried, shuffled,
// with terrible entries filtered.
func (m *Manager) GetAddr(max int) []wire.NetAddress {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	var candidates []*AddressInfo
	for _, info := range m.byAddr {
		if !info.Terrible(now) {
			candidates = append(candidates, info)
		}
	}
	m.rnd.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	triedWant := max * 70 / 100
	var out []wire.NetAddress
	triedTaken := 0
	for _, info := range candidates {
		if len(out) >= max {
			break
		}
		if info.inTried && triedTaken < triedWant {
			out = append(out, info.Addr)
			triedTaken++
		}
	}
	for _, info := range candidates {
		if len(out) >= max {
			break
		}
		if !containsAddr(out, info.Addr) {
			out = append(out, info.Addr)
		}
	}
	return out
}

func containsAddr(list []wire.NetAddress, a wire.NetAddress) bool {
	for _, x := range list {
		if x.IP.Equal(a.IP) && x.Port == a.Port {
			return true
		}
	}
	return false
}

// Select picks one candidate address for an outbound dial: a coin flip
// between new and tried, direct scan for sparse tables, otherwise up to
// selectMaxSamples random probes.
func (m *Manager) Select() (wire.NetAddress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	useTried := m.rnd.Intn(2) == 0

	if len(m.byAddr) <= selectScanLimit {
		var pool []*AddressInfo
		for _, info := range m.byAddr {
			if info.inTried == useTried && !info.Terrible(now) {
				pool = append(pool, info)
			}
		}
		if len(pool) == 0 {
			for _, info := range m.byAddr {
				if !info.Terrible(now) {
					pool = append(pool, info)
				}
			}
		}
		if len(pool) == 0 {
			return wire.NetAddress{}, false
		}
		return pool[m.rnd.Intn(len(pool))].Addr, true
	}

	var table *[BucketSize]*AddressInfo
	bucketCount := NewBucketCount
	if useTried {
		bucketCount = TriedBucketCount
	}
	for i := 0; i < selectMaxSamples; i++ {
		bucket := m.rnd.Intn(bucketCount)
		slotIdx := m.rnd.Intn(BucketSize)
		if useTried {
			table = &m.triedTable[bucket]
		} else {
			table = &m.newTable[bucket]
		}
		info := table[slotIdx]
		if info != nil && !info.Terrible(now) {
			return info.Addr, true
		}
	}
	return wire.NetAddress{}, false
}

// Expire removes never-successful addresses older than HorizonDays.
func (m *Manager) Expire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for key, info := range m.byAddr {
		ts := time.Unix(int64(info.Addr.Timestamp), 0)
		if info.LastSuccess.IsZero() && now.Sub(ts) > HorizonDays*24*time.Hour {
			delete(m.byAddr, key)
			if info.inTried {
				bucket := m.triedBucket(info.Addr.IP, info.Addr.Port)
				slot := m.slot(info.Addr.IP, info.Addr.Port, bucket, false)
				if m.triedTable[bucket][slot] == info {
					m.triedTable[bucket][slot] = nil
				}
			} else {
				bucket := m.newBucket(info.Addr.IP, info.Source)
				slot := m.slot(info.Addr.IP, info.Addr.Port, bucket, true)
				if m.newTable[bucket][slot] == info {
					m.newTable[bucket][slot] = nil
				}
			}
		}
	}
}

// NumAddresses returns the total number of tracked addresses.
func (m *Manager) NumAddresses() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byAddr)
}

// persistedRecord is the on-disk representation of one address.
type persistedRecord struct {
	Addr        wire.NetAddress `json:"addr"`
	Source      string          `json:"source"`
	LastSuccess time.Time       `json:"last_success"`
	LastAttempt time.Time       `json:"last_attempt"`
	Attempts    int             `json:"attempts"`
	InTried     bool            `json:"in_tried"`
}

type persistedFile struct {
	Key       [32]byte          `json:"key"`
	Addresses []persistedRecord `json:"addresses"`
}

// Save serializes the manager's placement key and address set to path.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var key [32]byte
	binary.LittleEndian.PutUint64(key[0:8], m.keyA)
	binary.LittleEndian.PutUint64(key[16:24], m.keyB)

	pf := persistedFile{Key: key}
	for _, info := range m.byAddr {
		pf.Addresses = append(pf.Addresses, persistedRecord{
			Addr:        info.Addr,
			Source:      info.Source.String(),
			LastSuccess: info.LastSuccess,
			LastAttempt: info.LastAttempt,
			Attempts:    info.Attempts,
			InTried:     info.inTried,
		})
	}
	data, err := json.Marshal(pf)
	if err != nil {
		return fmt.Errorf("addrmgr: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Load restores a Manager from path, using the same placement key so bucket
// and slot assignment remains deterministic across restarts: inserting the
// same address and source into two fresh books seeded from the same
// persisted key always lands in the same bucket and slot.
func Load(path string, clock montanatime.Source) (*Manager, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(clock), nil
		}
		return nil, fmt.Errorf("addrmgr: stat: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("addrmgr: file %d bytes exceeds cap %d", info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("addrmgr: read: %w", err)
	}
	var pf persistedFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("addrmgr: unmarshal: %w", err)
	}

	m := newWithKey(clock, pf.Key)
	for _, r := range pf.Addresses {
		a := &AddressInfo{
			Addr:        r.Addr,
			Source:      net.ParseIP(r.Source),
			LastSuccess: r.LastSuccess,
			LastAttempt: r.LastAttempt,
			Attempts:    r.Attempts,
			inTried:     r.InTried,
		}
		m.byAddr[a.Addr.IP.String()] = a
		if a.inTried {
			bucket := m.triedBucket(a.Addr.IP, a.Addr.Port)
			slot := m.slot(a.Addr.IP, a.Addr.Port, bucket, false)
			m.triedTable[bucket][slot] = a
		} else {
			bucket := m.newBucket(a.Addr.IP, a.Source)
			slot := m.slot(a.Addr.IP, a.Addr.Port, bucket, true)
			m.newTable[bucket][slot] = a
		}
	}
	return m, nil
}

// KeyForTest exposes the placement key for deterministic-placement tests.
func (m *Manager) KeyForTest() [32]byte {
	var key [32]byte
	binary.LittleEndian.PutUint64(key[0:8], m.keyA)
	binary.LittleEndian.PutUint64(key[16:24], m.keyB)
	return key
}
