// Package client sends one request line to a resolver over UDP and returns
// its reply, the way the rr-query tool and the HTTP bridge both do.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/haukened/rr-overlay/internal/dns/common/log"
	"github.com/haukened/rr-overlay/internal/dns/gateways/envelope"
)

// DefaultTimeout bounds one request/reply exchange with the resolver.
const DefaultTimeout = 2500 * time.Millisecond

// maxReplySize is the largest reply read from the resolver.
const maxReplySize = 65507

var (
	ErrTimeout       = errors.New("resolver did not answer in time")
	ErrEmptyResponse = errors.New("empty response")
	ErrBadRequest    = errors.New("invalid request")
)

// Request is one query for the resolver.
type Request struct {
	Domain   string
	Type     string
	Class    string
	Protocol string
}

// Line renders the request as "qname;qtype;qclass;protocol". Empty type,
// class and protocol default to A, IN and udp.
func (r Request) Line() string {
	qtype, qclass, proto := r.Type, r.Class, r.Protocol
	if qtype == "" {
		qtype = "A"
	}
	if qclass == "" {
		qclass = "IN"
	}
	if proto == "" {
		proto = "udp"
	}
	return strings.Join([]string{r.Domain, qtype, qclass, proto}, ";")
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Domain) == "" {
		return fmt.Errorf("%w: domain is required", ErrBadRequest)
	}
	for _, f := range []string{r.Domain, r.Type, r.Class, r.Protocol} {
		if strings.ContainsAny(f, ";\r\n") {
			return fmt.Errorf("%w: field %q contains a separator", ErrBadRequest, f)
		}
	}
	return nil
}

// Client talks to one resolver.
type Client struct {
	addr    string
	cipher  envelope.Cipher
	secure  bool
	timeout time.Duration
	logger  log.Logger
}

// Options configures a Client. Secure requests need a Cipher.
type Options struct {
	Addr    string
	Cipher  envelope.Cipher
	Secure  bool
	Timeout time.Duration
	Logger  log.Logger
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("client: resolver address is required")
	}
	if opts.Secure && opts.Cipher == nil {
		return nil, errors.New("client: secure requests need a cipher")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Client{
		addr:    opts.Addr,
		cipher:  opts.Cipher,
		secure:  opts.Secure,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}, nil
}

// Query sends req and returns the resolver's reply text, which is either an
// answer record or a failure line produced by the resolver. A missing reply
// fails with ErrTimeout.
func (c *Client) Query(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	payload, err := envelope.Wrap(c.cipher, req.Line(), c.secure)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	c.logger.Debug(map[string]any{"resolver": c.addr, "secure": c.secure, "request": req.Line()}, "sending query")
	if _, err := conn.Write(payload); err != nil {
		return "", err
	}

	buf := make([]byte, maxReplySize)
	n, err := conn.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", ErrTimeout
		}
		return "", err
	}

	reply, _, err := envelope.Unwrap(c.cipher, buf[:n])
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyResponse
	}
	c.logger.Debug(map[string]any{"resolver": c.addr, "reply": reply}, "reply received")
	return reply, nil
}

// Describe renders the outcome of Query as the single line shown to users.
func Describe(reply string, err error) string {
	switch {
	case err == nil:
		return reply
	case errors.Is(err, ErrTimeout):
		return "[EXCEPTION] Timeout"
	case errors.Is(err, ErrEmptyResponse):
		return "[ERROR] Empty response"
	default:
		return "[EXCEPTION] " + err.Error()
	}
}
