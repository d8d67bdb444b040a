// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package apbf implements an age-partitioned (rolling) bloom filter used as
// the soft Reputation Filter over discouraged peers. It is probabilistic:
// false positives are acceptable, but a false negative for an element added
// in the current or previous generation is not. Enumeration of members is
// impossible by design.
package apbf

import (
	"encoding/binary"
	"math"
	"net"
	"sync"

	"github.com/dchest/siphash"
)

// DefaultMaxElements and DefaultFalsePositiveRate are the filter's default
// sizing: room for 50 000 tracked elements at a 10⁻⁶ false-positive rate.
const (
	DefaultMaxElements      = 50000
	DefaultFalsePositiveRate = 0.000001
)

// Filter is a two-generation rolling bloom filter keyed by SipHash-2-4.
// Safe for concurrent use.
type Filter struct {
	mu          sync.Mutex
	data        []uint64 // length is 2*wordsPerGen; first half is generation A, second generation B
	wordsPerGen int
	nHash       uint32
	nElements   uint32
	maxElements uint32
	generation  uint32
	tweak       uint64
	rnd         func() uint64
}

// New returns a Filter sized for maxElements entries at the given target
// false-positive rate (bits = -n*ln(p)/ln(2)^2, hash count = bits/n * ln(2),
// clamped to [1,50]).
func New(maxElements uint32, fpRate float64, rnd func() uint64) *Filter {
	if maxElements == 0 {
		maxElements = 1
	}
	nBits := math.Ceil(-1.0 / (math.Ln2 * math.Ln2) * float64(maxElements) * math.Log(fpRate))
	if nBits < 1 {
		nBits = 1
	}
	nBytes := int(math.Ceil(nBits / 8))
	wordsPerGen := (nBytes + 7) / 8
	if wordsPerGen < 1 {
		wordsPerGen = 1
	}

	nHash := int(math.Round(float64(nBytes) * 8.0 / float64(maxElements) * math.Ln2))
	if nHash < 1 {
		nHash = 1
	}
	if nHash > 50 {
		nHash = 50
	}

	f := &Filter{
		data:        make([]uint64, wordsPerGen*2),
		wordsPerGen: wordsPerGen,
		nHash:       uint32(nHash),
		maxElements: maxElements,
		generation:  1,
		rnd:         rnd,
	}
	f.tweak = f.rnd()
	return f
}

// DefaultParams returns a Filter using the default 50 000-element,
// 10⁻⁶ false-positive-rate sizing.
func DefaultParams(rnd func() uint64) *Filter {
	return New(DefaultMaxElements, DefaultFalsePositiveRate, rnd)
}

func addrKey(addr net.IP, port uint16) []byte {
	key := make([]byte, 0, 19)
	if ip4 := addr.To4(); ip4 != nil {
		key = append(key, 4)
		key = append(key, ip4...)
	} else {
		key = append(key, 6)
		key = append(key, addr.To16()...)
	}
	var p [2]byte
	binary.LittleEndian.PutUint16(p[:], port)
	return append(key, p[:]...)
}

// Add inserts addr:port into the current generation, rolling to a fresh
// generation first if the current one is at capacity.
func (f *Filter) Add(addr net.IP, port uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.nElements >= f.maxElements {
		f.roll()
	}

	key := addrKey(addr, port)
	half := len(f.data) / 2
	gen := f.generation
	for i := uint32(0); i < f.nHash; i++ {
		bit := f.hashBit(i, key)
		word := bit / 64
		bitInWord := bit % 64
		if gen%2 == 1 {
			f.data[word] |= 1 << bitInWord
		} else {
			f.data[half+int(word)] |= 1 << bitInWord
		}
	}
	f.nElements++
}

// Contains reports whether addr:port is probably present: a hit in either
// generation's bitset for every one of the nHash positions.
func (f *Filter) Contains(addr net.IP, port uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := addrKey(addr, port)
	half := len(f.data) / 2
	for i := uint32(0); i < f.nHash; i++ {
		bit := f.hashBit(i, key)
		word := int(bit / 64)
		bitInWord := bit % 64
		inGenA := (f.data[word]>>bitInWord)&1 == 1
		inGenB := (f.data[half+word]>>bitInWord)&1 == 1
		if !inGenA && !inGenB {
			return false
		}
	}
	return true
}

func (f *Filter) roll() {
	half := len(f.data) / 2
	if f.generation%2 == 1 {
		for i := half; i < len(f.data); i++ {
			f.data[i] = 0
		}
	} else {
		for i := 0; i < half; i++ {
			f.data[i] = 0
		}
	}
	f.generation++
	f.nElements = 0
}

func (f *Filter) hashBit(hashIdx uint32, key []byte) uint32 {
	k1 := uint64(hashIdx)
	h := siphash.Hash(f.tweak, k1, key)
	return uint32(h % uint64(f.wordsPerGen*64))
}

// Size returns the approximate number of elements added since the last
// roll.
func (f *Filter) Size() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nElements
}

// Reset clears both generations and restarts from generation 1.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.data {
		f.data[i] = 0
	}
	f.nElements = 0
	f.generation = 1
	f.tweak = f.rnd()
}
