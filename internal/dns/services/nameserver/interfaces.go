package nameserver

import (
	"context"

	"github.com/haukened/rr-overlay/internal/dns/domain"
)

// UpstreamClient resolves a question against external DNS. The returned
// message carries the answer, authority and additional sections.
type UpstreamClient interface {
	Resolve(ctx context.Context, q domain.Question) (domain.Message, error)
}

// ZoneSource answers from locally served zone data.
type ZoneSource interface {
	FindRecords(q domain.Question) ([]domain.ResourceRecord, bool)
}

// RecordStore is the persistent cache of previously resolved records.
type RecordStore interface {
	Refresh(ctx context.Context) error
	Lookup(q domain.Question) ([]domain.ResourceRecord, bool, error)
	Put(records ...domain.ResourceRecord) error
}

// QueryHandler turns a query message into a response message.
type QueryHandler interface {
	HandleQuery(ctx context.Context, query domain.Message) (domain.Message, error)
}
