// Package recordstore persists resolved records and serves them back while
// their TTL lasts. Reads go through an LRU front cache, a Bloom filter of
// stored keys and finally the bbolt database.
package recordstore

import (
	"time"

	"github.com/haukened/rr-overlay/internal/dns/domain"
)

// RecordSet is everything stored under one cache key, with the time it was
// written. Record TTLs count down from StoredAt.
type RecordSet struct {
	Records  []domain.ResourceRecord `json:"records"`
	StoredAt time.Time               `json:"stored_at"`
}

// BloomFactory creates Bloom filters sized for a capacity and false-positive rate.
type BloomFactory interface {
	New(capacity uint64, fpRate float64) BloomFilter
}

// BloomFilter is the minimal interface the repository needs from Bloom filters.
type BloomFilter interface {
	Add(key string)
	MightContain(key string) bool
}

// SetCache is the in-memory front cache of record sets.
type SetCache interface {
	Get(key string) (RecordSet, bool)
	Put(key string, set RecordSet)
	Remove(key string)
	Len() int
	Purge()
	Stats() (hits, misses, evictions uint64)
}

// StoreStats captures high-level counts and metadata for the persistent store.
type StoreStats struct {
	Keys        uint64
	Generation  uint64
	UpdatedUnix int64
}

// Store is the persistent index of record sets. Every write bumps the
// generation counter so that other readers of the same file notice changes.
type Store interface {
	Get(key string) (RecordSet, bool, error)
	PutMany(sets map[string]RecordSet, now time.Time) error
	Delete(keys ...string) error
	ForEach(visit func(key string, set RecordSet) bool) error
	Generation() (uint64, error)
	Stats() StoreStats
	Close() error
}

// RepoStats exposes repository-level counters and underlying store stats.
type RepoStats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	BloomSkips  uint64
	Expired     uint64
	Store       StoreStats
	LastRefresh time.Time
}

// Fields renders the stats as log fields.
func (s RepoStats) Fields() map[string]any {
	return map[string]any{
		"hits":         s.Hits,
		"misses":       s.Misses,
		"evictions":    s.Evictions,
		"bloom_skips":  s.BloomSkips,
		"expired":      s.Expired,
		"keys":         s.Store.Keys,
		"generation":   s.Store.Generation,
		"last_refresh": s.LastRefresh,
	}
}
