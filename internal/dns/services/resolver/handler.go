package resolver

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"

	"github.com/haukened/rr-overlay/internal/dns/domain"
	"github.com/haukened/rr-overlay/internal/dns/gateways/envelope"
	"github.com/haukened/rr-overlay/internal/dns/gateways/wire"
)

// Request is one parsed client request line.
type Request struct {
	Question domain.Question
	Protocol Protocol
}

// ParseRequest parses "qname;qtype;qclass;protocol".
func ParseRequest(line string) (Request, error) {
	line = strings.TrimSpace(line)
	i := strings.LastIndex(line, ";")
	if i < 0 {
		return Request{}, fmt.Errorf("%w: request %q: want qname;qtype;qclass;protocol", domain.ErrDecode, line)
	}
	proto, err := ParseProtocol(strings.ToLower(strings.TrimSpace(line[i+1:])))
	if err != nil {
		return Request{}, err
	}
	q, err := wire.DecodeQuestion(line[:i])
	if err != nil {
		return Request{}, err
	}
	return Request{Question: q, Protocol: proto}, nil
}

// HandlePacket serves one client datagram: it unwraps the envelope, parses
// the request line, resolves it and wraps the reply the same way the request
// arrived. Payloads whose envelope cannot be opened get no reply.
func (r *Resolver) HandlePacket(ctx context.Context, payload []byte, client net.Addr) ([]byte, error) {
	line, secure, err := envelope.Unwrap(r.cipher, payload)
	if err != nil {
		return nil, fmt.Errorf("open request from %v: %w", client, err)
	}

	var reply string
	req, err := ParseRequest(line)
	if err != nil {
		err = domain.NewFailure(domain.FailureDecode, err, "")
	} else {
		query := domain.NewQuery(uint16(rand.N(1<<16)), req.Question, true)
		reply, err = r.Query(ctx, query, req.Protocol)
	}

	fields := map[string]any{
		"client":  addrString(client),
		"request": line,
		"secure":  secure,
	}
	if err != nil {
		reply = domain.FormatFailure(err)
		fields["failure"] = domain.KindOf(err).String()
	}
	fields["reply"] = reply
	r.logger.Info(fields, "client request served")
	return envelope.Wrap(r.cipher, reply, secure)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
