// Package bloom adapts bits-and-blooms filters to the record store.
package bloom

import (
	"math"
	"sync"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/haukened/rr-overlay/internal/dns/repos/recordstore"
)

const defaultFPRate = 0.01

// Size returns the bit count m and hash count k for n keys at false-positive
// rate p:
//
//	m = -(n * ln p) / (ln 2)^2
//	k = (m / n) * ln 2
//
// n is clamped to 1 and an out-of-range p falls back to 1%.
func Size(n uint64, p float64) (uint64, uint8) {
	if n == 0 {
		n = 1
	}
	if !(p > 0 && p < 1) {
		p = defaultFPRate
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m == 0 {
		m = 1
	}
	k := uint8(math.Max(1, math.Round(float64(m)/float64(n)*math.Ln2)))
	return m, k
}

type factory struct{}

// NewFactory returns a BloomFactory using Size.
func NewFactory() recordstore.BloomFactory { return factory{} }

func (factory) New(capacity uint64, fpRate float64) recordstore.BloomFilter {
	m, k := Size(capacity, fpRate)
	return &filter{bf: bitsbloom.New(uint(m), uint(k))}
}

// filter guards the underlying bitset: writes take the lock exclusively,
// reads share it.
type filter struct {
	mu sync.RWMutex
	bf *bitsbloom.BloomFilter
}

func (f *filter) Add(key string) {
	f.mu.Lock()
	f.bf.AddString(key)
	f.mu.Unlock()
}

func (f *filter) MightContain(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.TestString(key)
}
