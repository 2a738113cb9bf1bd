// Package upstream resolves questions against external DNS servers with
// miekg/dns and converts the answers into overlay records.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"

	"github.com/haukened/rr-overlay/internal/dns/common/log"
	"github.com/haukened/rr-overlay/internal/dns/common/utils"
	"github.com/haukened/rr-overlay/internal/dns/domain"
)

// DefaultServer is used when no upstream servers are configured.
const DefaultServer = "8.8.8.8:53"

// Error message constants for consistent error handling
const (
	errServerFailed     = "server %s: %w"
	errAllServersFailed = "all %d upstream servers failed"
	errQueryTimeout     = "query timeout after %v"
	errRcode            = "server answered %s"
)

// Exchanger performs a single DNS exchange. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// Resolver forwards questions to upstream DNS servers.
type Resolver struct {
	servers  []string
	timeout  time.Duration
	parallel bool
	client   Exchanger
	logger   log.Logger
}

// Options configures a Resolver.
type Options struct {
	Servers  []string
	Timeout  time.Duration
	Parallel bool
	Logger   log.Logger
	// Client replaces the miekg/dns client, for tests.
	Client Exchanger
}

// NewResolver creates an upstream resolver. An empty server list falls back
// to DefaultServer and a non-positive timeout to 2 seconds.
func NewResolver(opts Options) (*Resolver, error) {
	servers := make([]string, 0, len(opts.Servers))
	for _, s := range opts.Servers {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	if len(servers) == 0 {
		servers = []string{DefaultServer}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Client == nil {
		opts.Client = &dns.Client{Net: "udp", Timeout: opts.Timeout}
	}
	return &Resolver{
		servers:  servers,
		timeout:  opts.Timeout,
		parallel: opts.Parallel,
		client:   opts.Client,
		logger:   opts.Logger,
	}, nil
}

// Resolve looks q up upstream and returns a response message carrying the
// answer, authority and additional sections. A non-existent name yields
// domain.ErrNameNotFound, an empty answer section domain.ErrNoAnswer and
// anything else domain.ErrUpstream.
func (r *Resolver) Resolve(ctx context.Context, q domain.Question) (domain.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	if r.parallel && len(r.servers) > 1 {
		return r.resolveParallel(ctx, q)
	}
	return r.resolveSerial(ctx, q)
}

func (r *Resolver) resolveSerial(ctx context.Context, q domain.Question) (domain.Message, error) {
	var errs error
	for i, server := range r.servers {
		sctx, cancel := serverContext(ctx, len(r.servers)-i)
		resp, err := r.queryServer(sctx, server, q)
		cancel()
		if err == nil || isDefinitive(err) {
			return resp, err
		}
		r.logger.Debug(map[string]any{"server": server, "error": err}, "upstream server failed")
		errs = multierr.Append(errs, fmt.Errorf(errServerFailed, server, err))
		if ctx.Err() != nil {
			break
		}
	}
	return domain.Message{}, fmt.Errorf("%w: "+errAllServersFailed+": %v", domain.ErrUpstream, len(r.servers), errs)
}

// serverContext gives the next server an equal share of the time left for
// the remaining servers, so one silent server cannot use up the whole budget.
func serverContext(ctx context.Context, remaining int) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok || remaining <= 1 {
		return context.WithCancel(ctx)
	}
	share := time.Until(deadline) / time.Duration(remaining)
	return context.WithTimeout(ctx, share)
}

func (r *Resolver) resolveParallel(ctx context.Context, q domain.Question) (domain.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		server string
		msg    domain.Message
		err    error
	}
	results := make(chan result, len(r.servers))
	for _, server := range r.servers {
		go func(srv string) {
			msg, err := r.queryServer(ctx, srv, q)
			results <- result{server: srv, msg: msg, err: err}
		}(server)
	}

	var errs error
	for range r.servers {
		select {
		case res := <-results:
			if res.err == nil || isDefinitive(res.err) {
				return res.msg, res.err
			}
			errs = multierr.Append(errs, fmt.Errorf(errServerFailed, res.server, res.err))
		case <-ctx.Done():
			return domain.Message{}, fmt.Errorf("%w: "+errQueryTimeout, domain.ErrUpstream, r.timeout)
		}
	}
	return domain.Message{}, fmt.Errorf("%w: "+errAllServersFailed+": %v", domain.ErrUpstream, len(r.servers), errs)
}

func (r *Resolver) queryServer(ctx context.Context, server string, q domain.Question) (domain.Message, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(q.Name), uint16(q.Type))
	req.Question[0].Qclass = uint16(q.Class)
	req.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, req, server)
	if err != nil {
		return domain.Message{}, err
	}
	if resp == nil {
		return domain.Message{}, errors.New("empty reply")
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return domain.Message{}, domain.ErrNameNotFound
	default:
		return domain.Message{}, fmt.Errorf(errRcode, dns.RcodeToString[resp.Rcode])
	}

	out := domain.NewResponse(domain.NewQuery(0, q, true))
	out.Answers = ConvertRecords(resp.Answer)
	out.Authority = ConvertRecords(resp.Ns)
	out.Additional = ConvertRecords(resp.Extra)
	if len(out.Answers) == 0 {
		return domain.Message{}, domain.ErrNoAnswer
	}
	return out, nil
}

// isDefinitive reports whether err is an authoritative negative answer that
// other servers would only repeat.
func isDefinitive(err error) bool {
	return errors.Is(err, domain.ErrNameNotFound) || errors.Is(err, domain.ErrNoAnswer)
}

// ConvertRecords maps miekg records to overlay records. OPT pseudo-records
// are dropped; RData is the presentation form of the record's value.
func ConvertRecords(rrs []dns.RR) []domain.ResourceRecord {
	if len(rrs) == 0 {
		return nil
	}
	out := make([]domain.ResourceRecord, 0, len(rrs))
	for _, rr := range rrs {
		h := rr.Header()
		if h.Rrtype == dns.TypeOPT {
			continue
		}
		rdata := strings.TrimSpace(strings.TrimPrefix(rr.String(), h.String()))
		out = append(out, domain.ResourceRecord{
			Name:  utils.CanonicalDNSName(h.Name),
			Type:  domain.RRType(h.Rrtype),
			Class: domain.RRClass(h.Class),
			TTL:   h.Ttl,
			RData: rdata,
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
