package recordstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haukened/rr-overlay/internal/dns/common/clock"
	"github.com/haukened/rr-overlay/internal/dns/common/log"
	"github.com/haukened/rr-overlay/internal/dns/domain"
)

// DefaultSweepInterval bounds how often Refresh scans the store for expired sets.
const DefaultSweepInterval = time.Minute

// Options configures a Repository. Store may be nil, in which case the
// cache is the only storage and nothing survives a restart.
type Options struct {
	Store         Store
	Cache         SetCache
	Bloom         BloomFactory
	FPRate        float64
	Clock         clock.Clock
	Logger        log.Logger
	SweepInterval time.Duration
}

// Repository composes cache -> bloom -> store. Lookups see only records whose
// TTL has not run out, with the TTL reduced by the time spent in storage.
type Repository struct {
	mu         sync.RWMutex
	store      Store
	cache      SetCache
	factory    BloomFactory
	bloom      BloomFilter
	fpRate     float64
	clock      clock.Clock
	logger     log.Logger
	sweepEvery time.Duration

	generation  uint64
	loaded      bool
	lastSweep   time.Time
	lastRefresh time.Time
	bloomSkips  uint64
	expired     uint64
}

// New constructs a Repository. Call Refresh before the first Lookup to load
// the Bloom filter from an existing store.
func New(opts Options) (*Repository, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("record store: cache is required")
	}
	if opts.Store != nil && opts.Bloom == nil {
		return nil, fmt.Errorf("record store: bloom factory is required with a persistent store")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Repository{
		store:      opts.Store,
		cache:      opts.Cache,
		factory:    opts.Bloom,
		fpRate:     opts.FPRate,
		clock:      opts.Clock,
		logger:     opts.Logger,
		sweepEvery: opts.SweepInterval,
	}, nil
}

// Refresh resynchronizes in-memory state with the persistent store. When the
// store generation moved (another process wrote to it) the Bloom filter is
// rebuilt and the cache purged; expired sets are swept at most once per
// sweep interval.
func (r *Repository) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRefresh = now

	if r.store == nil {
		return nil
	}

	gen, err := r.store.Generation()
	if err != nil {
		return fmt.Errorf("read store generation: %w", err)
	}

	sweep := now.Sub(r.lastSweep) >= r.sweepEvery
	if r.loaded && gen == r.generation && !sweep {
		return nil
	}

	var (
		keys  []string
		stale []string
	)
	err = r.store.ForEach(func(key string, set RecordSet) bool {
		if sweep && len(live(set, now)) == 0 {
			stale = append(stale, key)
			return true
		}
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return fmt.Errorf("scan store: %w", err)
	}

	if len(stale) > 0 {
		if err := r.store.Delete(stale...); err != nil {
			return fmt.Errorf("sweep expired sets: %w", err)
		}
		r.expired += uint64(len(stale))
		for _, k := range stale {
			r.cache.Remove(k)
		}
		r.logger.Debug(map[string]any{"removed": len(stale)}, "swept expired record sets")
		if gen, err = r.store.Generation(); err != nil {
			return fmt.Errorf("read store generation: %w", err)
		}
	}
	if sweep {
		r.lastSweep = now
	}

	if !r.loaded || gen != r.generation || len(stale) > 0 {
		bf := r.factory.New(uint64(len(keys)), r.fpRate)
		for _, k := range keys {
			bf.Add(k)
		}
		if r.loaded && gen != r.generation {
			r.cache.Purge()
		}
		r.bloom = bf
		r.generation = gen
		r.loaded = true
	}
	return nil
}

// Lookup returns the live records stored for q. The bool is false on a miss,
// which includes a set whose records have all expired.
func (r *Repository) Lookup(q domain.Question) ([]domain.ResourceRecord, bool, error) {
	key := q.CacheKey()
	now := r.clock.Now()

	if set, ok := r.cache.Get(key); ok {
		if recs := live(set, now); len(recs) > 0 {
			return recs, true, nil
		}
		r.cache.Remove(key)
		return nil, false, nil
	}

	if r.store == nil {
		return nil, false, nil
	}

	r.mu.RLock()
	bf := r.bloom
	r.mu.RUnlock()
	if bf != nil && !bf.MightContain(key) {
		r.mu.Lock()
		r.bloomSkips++
		r.mu.Unlock()
		return nil, false, nil
	}

	set, ok, err := r.store.Get(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	recs := live(set, now)
	if len(recs) == 0 {
		return nil, false, nil
	}
	r.cache.Put(key, set)
	return recs, true, nil
}

// Put stores records grouped by cache key. Each key's previous set is
// replaced by the records given for it here.
func (r *Repository) Put(records ...domain.ResourceRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := r.clock.Now()
	sets := make(map[string]RecordSet)
	for _, rr := range records {
		if err := rr.Validate(); err != nil {
			return fmt.Errorf("record %q: %w", rr.Name, err)
		}
		key := rr.CacheKey()
		set := sets[key]
		set.StoredAt = now
		if !containsRecord(set.Records, rr) {
			set.Records = append(set.Records, rr)
		}
		sets[key] = set
	}

	if r.store != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		before, err := r.store.Generation()
		if err != nil {
			return fmt.Errorf("read store generation: %w", err)
		}
		if err := r.store.PutMany(sets, now); err != nil {
			return fmt.Errorf("persist records: %w", err)
		}
		if r.loaded && r.bloom != nil && before == r.generation {
			for key := range sets {
				r.bloom.Add(key)
			}
			if gen, err := r.store.Generation(); err == nil {
				r.generation = gen
			}
		}
	}
	for key, set := range sets {
		r.cache.Put(key, set)
	}
	return nil
}

// Stats reports cache counters and store metadata.
func (r *Repository) Stats() RepoStats {
	hits, misses, evictions := r.cache.Stats()
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := RepoStats{
		Hits:        hits,
		Misses:      misses,
		Evictions:   evictions,
		BloomSkips:  r.bloomSkips,
		Expired:     r.expired,
		LastRefresh: r.lastRefresh,
	}
	if r.store != nil {
		st.Store = r.store.Stats()
	}
	return st
}

// Close releases the persistent store.
func (r *Repository) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

// live returns copies of the records in set that are still valid at now, with
// TTL reduced by the elapsed whole seconds.
func live(set RecordSet, now time.Time) []domain.ResourceRecord {
	elapsed := now.Sub(set.StoredAt)
	if elapsed < 0 {
		elapsed = 0
	}
	secs := uint64(elapsed / time.Second)
	var out []domain.ResourceRecord
	for _, rr := range set.Records {
		if uint64(rr.TTL) <= secs {
			continue
		}
		rr.TTL -= uint32(secs)
		out = append(out, rr)
	}
	return out
}

func containsRecord(recs []domain.ResourceRecord, rr domain.ResourceRecord) bool {
	for _, have := range recs {
		if have.RData == rr.RData && have.Type == rr.Type {
			return true
		}
	}
	return false
}
