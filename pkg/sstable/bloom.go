package sstable

import (
	"hash"
	"hash/fnv"
	"math"
)

// Bloom is a fixed-size probabilistic partition-key membership filter,
// whose k probe positions come from double hashing one 64-bit FNV-1a
// digest of the key; no Bloom-filter library covers this
// case, so a hand-rolled construction is kept rather than introducing a
// dependency for it (see DESIGN.md).
type Bloom struct {
	bits     []bool
	size     uint32
	hashFunc []hash.Hash32
}

// NewBloom sizes a filter for expectedItems entries at the given false
// positive rate.
func NewBloom(expectedItems uint32, falsePositiveRate float64) *Bloom {
	if expectedItems == 0 {
		expectedItems = 1
	}
	size := optimalSize(expectedItems, falsePositiveRate)
	k := optimalHashCount(expectedItems, size)

	hashes := make([]hash.Hash32, k)
	for i := range hashes {
		hashes[i] = fnv.New32a()
	}
	return &Bloom{bits: make([]bool, size), size: size, hashFunc: hashes}
}

// Add registers key as present.
func (b *Bloom) Add(key []byte) {
	for i, h := range b.hashFunc {
		b.bits[b.index(h, key, i)] = true
	}
}

// MayContain reports whether key might be present; false is authoritative.
func (b *Bloom) MayContain(key []byte) bool {
	for i, h := range b.hashFunc {
		if !b.bits[b.index(h, key, i)] {
			return false
		}
	}
	return true
}

// index returns probe number salt for key: with h1 and h2 the low and high
// halves of the key's FNV-1a 64-bit digest (h2 forced odd), probe i lands
// on (h1 + i*h2) mod size. A fresh hasher is used on every call.
func (b *Bloom) index(_ hash.Hash32, key []byte, salt int) uint32 {
	h := fnv.New64a()
	h.Write(key)
	sum := h.Sum64()
	h1, h2 := sum&0xffffffff, (sum>>32)|1
	return uint32((h1 + uint64(salt)*h2) % uint64(b.size))
}

func optimalSize(n uint32, p float64) uint32 {
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := -(float64(n) * math.Log(p)) / (math.Ln2 * math.Ln2)
	if m < 1 {
		m = 1
	}
	return uint32(m)
}

func optimalHashCount(n, m uint32) int {
	k := int((float64(m) / float64(n)) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}
	return k
}
