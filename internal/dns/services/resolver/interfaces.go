package resolver

import (
	"context"
	"net"

	"github.com/haukened/rr-overlay/internal/dns/domain"
)

// RecordStore is the resolver's local cache of answers learned from the
// nameserver pool.
type RecordStore interface {
	Refresh(ctx context.Context) error
	Lookup(q domain.Question) ([]domain.ResourceRecord, bool, error)
	Put(records ...domain.ResourceRecord) error
}

// Dialer opens connections to pool members. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
