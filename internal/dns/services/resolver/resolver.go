package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/haukened/rr-overlay/internal/dns/common/clock"
	"github.com/haukened/rr-overlay/internal/dns/common/log"
	"github.com/haukened/rr-overlay/internal/dns/domain"
	"github.com/haukened/rr-overlay/internal/dns/gateways/envelope"
	"github.com/haukened/rr-overlay/internal/dns/gateways/transport"
	"github.com/haukened/rr-overlay/internal/dns/gateways/wire"
)

// Protocol selects how a cache miss is forwarded to the nameserver pool.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ParseProtocol accepts the transports a nameserver listens on, exactly
// "tcp" or "udp".
func ParseProtocol(s string) (Protocol, error) {
	if !transport.IsTransportSupported(transport.TransportType(s)) {
		return "", fmt.Errorf("%w: unsupported protocol %q", domain.ErrDecode, s)
	}
	return Protocol(s), nil
}

// Defaults applied by NewResolver.
const (
	DefaultTimeout     = 2 * time.Second
	DefaultUDPAttempts = 2
	DefaultUDPBackoff  = time.Second
)

const udpTimeoutReason = "UDP Timeout"

// Resolver answers client requests from its record store and forwards misses
// to a pool of nameservers.
type Resolver struct {
	store       RecordStore
	pool        *Pool
	cipher      envelope.Cipher
	codec       wire.Codec
	clock       clock.Clock
	dialer      Dialer
	logger      log.Logger
	timeout     time.Duration
	udpAttempts int
	udpBackoff  time.Duration
}

// Options configures a Resolver. A nil Cipher talks to the pool in plain
// text, which only matches nameservers running without a secret. A negative
// UDPBackoff retries without pausing.
type Options struct {
	Store       RecordStore
	Pool        *Pool
	Cipher      envelope.Cipher
	Codec       wire.Codec
	Clock       clock.Clock
	Dialer      Dialer
	Logger      log.Logger
	Timeout     time.Duration
	UDPAttempts int
	UDPBackoff  time.Duration
}

// NewResolver creates a Resolver.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Store == nil {
		return nil, errors.New("resolver: record store is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("resolver: nameserver pool is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Codec == nil {
		opts.Codec = wire.NewTextCodec(opts.Logger)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UDPAttempts <= 0 {
		opts.UDPAttempts = DefaultUDPAttempts
	}
	if opts.UDPBackoff < 0 {
		opts.UDPBackoff = 0
	} else if opts.UDPBackoff == 0 {
		opts.UDPBackoff = DefaultUDPBackoff
	}
	return &Resolver{
		store:       opts.Store,
		pool:        opts.Pool,
		cipher:      opts.Cipher,
		codec:       opts.Codec,
		clock:       opts.Clock,
		dialer:      opts.Dialer,
		logger:      opts.Logger,
		timeout:     opts.Timeout,
		udpAttempts: opts.UDPAttempts,
		udpBackoff:  opts.UDPBackoff,
	}, nil
}

// Query resolves request and returns the textual form of one answer record.
// Cache hits never touch the network. On a miss the request is forwarded
// over proto, and every record of the reply is stored before returning.
func (r *Resolver) Query(ctx context.Context, request domain.Message, proto Protocol) (string, error) {
	q := request.Question
	if recs, ok := r.cached(ctx, q); ok {
		r.logger.Debug(map[string]any{"question": q.String()}, "cache hit")
		return recs[0].String(), nil
	}

	payload := r.codec.Encode(request)
	var (
		reply string
		err   error
	)
	switch proto {
	case ProtocolTCP:
		reply, err = r.exchangeTCP(ctx, payload)
	case ProtocolUDP:
		reply, err = r.exchangeUDP(ctx, payload)
	default:
		_, perr := ParseProtocol(string(proto))
		return "", domain.NewFailure(domain.FailureDecode, perr, "")
	}
	if err != nil {
		r.logger.Warn(map[string]any{
			"question": q.String(),
			"protocol": string(proto),
			"error":    err,
		}, "forwarding failed")
		return "", err
	}
	return r.accept(q, reply)
}

func (r *Resolver) cached(ctx context.Context, q domain.Question) ([]domain.ResourceRecord, bool) {
	if err := r.store.Refresh(ctx); err != nil {
		r.logger.Warn(map[string]any{"error": err}, "record store refresh failed")
	}
	recs, ok, err := r.store.Lookup(q)
	if err != nil {
		r.logger.Warn(map[string]any{"question": q.String(), "error": err}, "record store lookup failed")
		return nil, false
	}
	return recs, ok && len(recs) > 0
}

// accept turns a nameserver reply into the client answer.
func (r *Resolver) accept(q domain.Question, reply string) (string, error) {
	if reason, ok := wire.ParseFailure(reply); ok {
		return "", domain.NewFailure(domain.FailureUpstream, domain.ErrUpstream, reason)
	}
	resp, err := r.codec.Decode(reply)
	if err != nil {
		return "", domain.NewFailure(domain.FailureDecode, err, "")
	}

	if recs := resp.Records(); len(recs) > 0 {
		if err := r.store.Put(recs...); err != nil {
			r.logger.Warn(map[string]any{"question": q.String(), "error": err}, "failed to persist reply records")
		}
	}
	if len(resp.Answers) == 0 {
		return "", domain.ErrNoAnswerSection
	}
	return resp.Answers[0].String(), nil
}

func (r *Resolver) exchangeTCP(ctx context.Context, payload string) (string, error) {
	ep := r.pool.Next()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reply, err := r.roundTripTCP(ctx, ep, payload)
	if err != nil {
		return "", transportFailure(err.Error(), err)
	}
	r.logger.Debug(map[string]any{"nameserver": ep.TCPAddr()}, "TCP reply received")
	return reply, nil
}

func (r *Resolver) roundTripTCP(ctx context.Context, ep Endpoint, payload string) (string, error) {
	sealed, err := r.seal(payload)
	if err != nil {
		return "", err
	}
	conn, err := r.dialer.DialContext(ctx, "tcp", ep.TCPAddr())
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return "", err
		}
	}
	if err := transport.WriteFrame(conn, sealed); err != nil {
		return "", err
	}
	data, err := transport.ReadFrame(conn)
	if err != nil {
		return "", err
	}
	return r.open(data)
}

func (r *Resolver) exchangeUDP(ctx context.Context, payload string) (string, error) {
	var errs error
	for attempt := 1; attempt <= r.udpAttempts; attempt++ {
		ep := r.pool.Next()
		reply, err := r.attemptUDP(ctx, ep, payload)
		if err == nil {
			return reply, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("attempt %d via %s: %w", attempt, ep.UDPAddr(), err))
		r.logger.Debug(map[string]any{
			"attempt":    attempt,
			"nameserver": ep.UDPAddr(),
			"error":      err,
		}, "UDP attempt failed")

		if attempt < r.udpAttempts {
			if err := r.clock.Sleep(ctx, r.udpBackoff); err != nil {
				errs = multierr.Append(errs, err)
				break
			}
		}
	}
	return "", transportFailure(udpTimeoutReason, errs)
}

func (r *Resolver) attemptUDP(ctx context.Context, ep Endpoint, payload string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sealed, err := r.seal(payload)
	if err != nil {
		return "", err
	}
	conn, err := r.dialer.DialContext(ctx, "udp", ep.UDPAddr())
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return "", err
		}
	}
	if _, err := conn.Write(sealed); err != nil {
		return "", err
	}
	buf := make([]byte, transport.MaxUDPPayloadSize)
	n, err := conn.Read(buf)
	if err != nil {
		return "", err
	}
	text, err := r.open(buf[:n])
	if err != nil {
		return "", err
	}
	if err := wire.ValidateReply(text); err != nil {
		return "", domain.NewFailure(domain.FailureValidation, err, "")
	}
	return text, nil
}

func (r *Resolver) seal(text string) ([]byte, error) {
	if r.cipher == nil {
		return []byte(text), nil
	}
	return r.cipher.Seal(text)
}

func (r *Resolver) open(data []byte) (string, error) {
	if r.cipher == nil {
		return string(data), nil
	}
	return r.cipher.Open(data)
}

func transportFailure(reason string, cause error) *domain.Failure {
	reason = strings.ReplaceAll(reason, "\n", " ")
	if cause == nil {
		return domain.NewFailure(domain.FailureTransport, domain.ErrTransport, reason)
	}
	return domain.NewFailure(domain.FailureTransport, fmt.Errorf("%w: %w", domain.ErrTransport, cause), reason)
}
