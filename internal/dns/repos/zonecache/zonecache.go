// Package zonecache holds locally served zone records in memory.
package zonecache

import (
	"strings"
	"sync"

	"github.com/haukened/rr-overlay/internal/dns/common/utils"
	"github.com/haukened/rr-overlay/internal/dns/domain"
)

// ZoneCache maps zone root -> cache key -> records. It is safe for
// concurrent use. An empty cache answers every lookup with a miss.
type ZoneCache struct {
	mu    sync.RWMutex
	zones map[string]map[string][]domain.ResourceRecord
}

// New creates an empty ZoneCache.
func New() *ZoneCache {
	return &ZoneCache{
		zones: make(map[string]map[string][]domain.ResourceRecord),
	}
}

// FindRecords returns the records of the most specific zone enclosing q's
// name that match q exactly.
func (zc *ZoneCache) FindRecords(q domain.Question) ([]domain.ResourceRecord, bool) {
	name := utils.CanonicalDNSName(q.Name)

	zc.mu.RLock()
	defer zc.mu.RUnlock()

	zone, ok := zc.enclosingZone(name)
	if !ok {
		return nil, false
	}
	records, ok := zone[q.CacheKey()]
	if !ok || len(records) == 0 {
		return nil, false
	}
	out := make([]domain.ResourceRecord, len(records))
	copy(out, records)
	return out, true
}

// enclosingZone walks name towards the root and returns the first zone found.
// Callers must hold the read lock.
func (zc *ZoneCache) enclosingZone(name string) (map[string][]domain.ResourceRecord, bool) {
	for candidate := name; candidate != ""; {
		if zone, ok := zc.zones[candidate]; ok {
			return zone, true
		}
		i := strings.IndexByte(candidate, '.')
		if i < 0 || i == len(candidate)-1 {
			break
		}
		candidate = candidate[i+1:]
	}
	return nil, false
}

// PutZone replaces all records for a zone.
func (zc *ZoneCache) PutZone(zoneRoot string, records []domain.ResourceRecord) {
	zoneRoot = utils.CanonicalDNSName(zoneRoot)

	zoneMap := make(map[string][]domain.ResourceRecord)
	for _, rr := range records {
		key := rr.CacheKey()
		zoneMap[key] = append(zoneMap[key], rr)
	}

	zc.mu.Lock()
	zc.zones[zoneRoot] = zoneMap
	zc.mu.Unlock()
}

// LoadZones replaces the whole cache with zones, keyed by zone root.
func (zc *ZoneCache) LoadZones(zones map[string][]domain.ResourceRecord) {
	fresh := New()
	for root, records := range zones {
		fresh.PutZone(root, records)
	}
	zc.mu.Lock()
	zc.zones = fresh.zones
	zc.mu.Unlock()
}

// Zones returns the roots of all cached zones.
func (zc *ZoneCache) Zones() []string {
	zc.mu.RLock()
	defer zc.mu.RUnlock()
	roots := make([]string, 0, len(zc.zones))
	for root := range zc.zones {
		roots = append(roots, root)
	}
	return roots
}

// Count returns the number of distinct (name, type, class) keys across all zones.
func (zc *ZoneCache) Count() int {
	zc.mu.RLock()
	defer zc.mu.RUnlock()
	n := 0
	for _, zone := range zc.zones {
		n += len(zone)
	}
	return n
}
