// Package lru provides the in-memory front cache of record sets.
package lru

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/rr-overlay/internal/dns/repos/recordstore"
)

// setCache is an LRU-backed recordstore.SetCache that counts hits, misses and
// evictions.
type setCache struct {
	lru       *lru.Cache[string, recordstore.RecordSet]
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// disabledCache always misses. It is used when size <= 0.
type disabledCache struct{}

// New creates a SetCache holding up to size record sets.
func New(size int) (recordstore.SetCache, error) {
	if size <= 0 {
		return disabledCache{}, nil
	}
	c := &setCache{}
	inner, err := lru.NewWithEvict(size, func(string, recordstore.RecordSet) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

func (c *setCache) Get(key string) (recordstore.RecordSet, bool) {
	if set, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return set, true
	}
	c.misses.Add(1)
	return recordstore.RecordSet{}, false
}

func (c *setCache) Put(key string, set recordstore.RecordSet) {
	c.lru.Add(key, set)
}

// Remove drops key. Removed entries count as evictions.
func (c *setCache) Remove(key string) { c.lru.Remove(key) }

func (c *setCache) Len() int { return c.lru.Len() }

// Purge clears all entries. Purged entries count as evictions.
func (c *setCache) Purge() { c.lru.Purge() }

func (c *setCache) Stats() (hits, misses, evictions uint64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

func (disabledCache) Get(string) (recordstore.RecordSet, bool) { return recordstore.RecordSet{}, false }
func (disabledCache) Put(string, recordstore.RecordSet)        {}
func (disabledCache) Remove(string)                            {}
func (disabledCache) Len() int                                 { return 0 }
func (disabledCache) Purge()                                   {}
func (disabledCache) Stats() (uint64, uint64, uint64)          { return 0, 0, 0 }

var _ recordstore.SetCache = (*setCache)(nil)
var _ recordstore.SetCache = disabledCache{}
