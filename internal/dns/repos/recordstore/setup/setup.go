// Package setup assembles a record store repository from its bbolt, Bloom and
// LRU parts.
package setup

import (
	"fmt"

	"github.com/haukened/rr-overlay/internal/dns/common/clock"
	"github.com/haukened/rr-overlay/internal/dns/common/log"
	"github.com/haukened/rr-overlay/internal/dns/repos/recordstore"
	"github.com/haukened/rr-overlay/internal/dns/repos/recordstore/bloom"
	"github.com/haukened/rr-overlay/internal/dns/repos/recordstore/bolt"
	"github.com/haukened/rr-overlay/internal/dns/repos/recordstore/lru"
)

// Options selects the store layout. An empty Path keeps records in memory only.
type Options struct {
	Path      string
	CacheSize int
	FPRate    float64
	Clock     clock.Clock
	Logger    log.Logger
}

// Open builds the repository described by opts.
func Open(opts Options) (*recordstore.Repository, error) {
	if opts.Path == "" && opts.CacheSize <= 0 {
		return nil, fmt.Errorf("record store: memory-only mode needs a positive cache size")
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("record store cache: %w", err)
	}

	ropts := recordstore.Options{
		Cache:  cache,
		FPRate: opts.FPRate,
		Clock:  opts.Clock,
		Logger: opts.Logger,
	}
	if opts.Path != "" {
		st, err := bolt.New(opts.Path)
		if err != nil {
			return nil, err
		}
		ropts.Store = st
		ropts.Bloom = bloom.NewFactory()
	}

	repo, err := recordstore.New(ropts)
	if err != nil {
		if ropts.Store != nil {
			_ = ropts.Store.Close()
		}
		return nil, err
	}
	return repo, nil
}
