// Package nameserver answers overlay queries from the record store, local
// zone data and finally upstream DNS.
package nameserver

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"golang.org/x/sync/singleflight"

	"github.com/haukened/rr-overlay/internal/dns/common/log"
	"github.com/haukened/rr-overlay/internal/dns/domain"
)

// Tier names reported in logs.
const (
	tierCache    = "cache"
	tierZone     = "zone"
	tierUpstream = "upstream"
)

// Engine is the resolution engine.
type Engine struct {
	store    RecordStore
	zones    ZoneSource
	upstream UpstreamClient
	logger   log.Logger
	flight   singleflight.Group
}

// Options configures an Engine. Zones may be nil, which makes the zone tier
// a stub that always misses.
type Options struct {
	Store    RecordStore
	Zones    ZoneSource
	Upstream UpstreamClient
	Logger   log.Logger
}

type noZones struct{}

func (noZones) FindRecords(domain.Question) ([]domain.ResourceRecord, bool) { return nil, false }

// NewEngine creates an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("nameserver: record store is required")
	}
	if opts.Upstream == nil {
		return nil, errors.New("nameserver: upstream client is required")
	}
	if opts.Zones == nil {
		opts.Zones = noZones{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Engine{
		store:    opts.Store,
		zones:    opts.Zones,
		upstream: opts.Upstream,
		logger:   opts.Logger,
	}, nil
}

// HandleQuery resolves query. With RD set the tiers are tried in order
// cache, zone, upstream; without it only zone data is consulted. The
// response copies the query id and question and has QR set. On failure the
// returned error is a *domain.Failure and no message is returned.
func (e *Engine) HandleQuery(ctx context.Context, query domain.Message) (domain.Message, error) {
	if !query.IsQuery() {
		return domain.Message{}, domain.ErrNotQuery
	}
	if err := query.Validate(); err != nil {
		return domain.Message{}, domain.NewFailure(domain.FailureDecode, fmt.Errorf("%w: %v", domain.ErrDecode, err), "")
	}
	q := query.Question
	fields := map[string]any{"id": query.Header.ID, "qname": q.Name, "qtype": q.Type.String(), "rd": query.Header.RD}

	if !query.Header.RD {
		if recs, ok := e.zones.FindRecords(q); ok {
			e.logger.Debug(withTier(fields, tierZone), "answered without recursion")
			return answer(query, recs, nil, nil), nil
		}
		e.logger.Debug(fields, "no zone data and recursion not desired")
		return domain.Message{}, domain.NewFailure(domain.FailureLookupMiss, domain.ErrNoAnswer, "")
	}

	if recs, ok := e.cacheLookup(ctx, q); ok {
		e.logger.Debug(withTier(fields, tierCache), "answered")
		return answer(query, recs, nil, nil), nil
	}
	if recs, ok := e.zones.FindRecords(q); ok {
		e.logger.Debug(withTier(fields, tierZone), "answered")
		return answer(query, recs, nil, nil), nil
	}

	res, err := e.upstreamQuery(ctx, q)
	if err != nil {
		fields["error"] = err
		e.logger.Info(withTier(fields, tierUpstream), "resolution failed")
		return domain.Message{}, err
	}
	e.logger.Debug(withTier(fields, tierUpstream), "answered")
	return answer(query, res.Answers, res.Authority, res.Additional), nil
}

// cacheLookup refreshes the store and looks q up. Store errors are logged and
// treated as a miss.
func (e *Engine) cacheLookup(ctx context.Context, q domain.Question) ([]domain.ResourceRecord, bool) {
	if err := e.store.Refresh(ctx); err != nil {
		e.logger.Warn(map[string]any{"error": err}, "record store refresh failed")
	}
	recs, ok, err := e.store.Lookup(q)
	if err != nil {
		e.logger.Warn(map[string]any{"error": err, "qname": q.Name}, "record store lookup failed")
		return nil, false
	}
	return recs, ok
}

// upstreamQuery resolves q upstream and persists the answer section.
// Concurrent calls for the same question share one upstream exchange and one
// write.
func (e *Engine) upstreamQuery(ctx context.Context, q domain.Question) (domain.Message, error) {
	v, err, _ := e.flight.Do(q.CacheKey(), func() (any, error) {
		res, err := e.upstream.Resolve(ctx, q)
		if err != nil {
			return nil, domain.NewFailure(domain.FailureUpstream, err, "")
		}
		if len(res.Answers) == 0 {
			return nil, domain.NewFailure(domain.FailureUpstream, domain.ErrNoAnswer, "")
		}
		if err := e.store.Put(res.Answers...); err != nil {
			e.logger.Warn(map[string]any{"error": err, "qname": q.Name}, "failed to persist upstream answer")
		}
		return res, nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return v.(domain.Message), nil
}

// answer builds the response to query. Sections are cloned so responses
// never share backing arrays.
func answer(query domain.Message, an, ns, ar []domain.ResourceRecord) domain.Message {
	resp := domain.NewResponse(query)
	resp.Answers = slices.Clone(an)
	resp.Authority = slices.Clone(ns)
	resp.Additional = slices.Clone(ar)
	return resp
}

func withTier(fields map[string]any, tier string) map[string]any {
	out := maps.Clone(fields)
	out["tier"] = tier
	return out
}
