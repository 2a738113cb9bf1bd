package nameserver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/haukened/rr-overlay/internal/dns/common/log"
	"github.com/haukened/rr-overlay/internal/dns/domain"
	"github.com/haukened/rr-overlay/internal/dns/gateways/envelope"
	"github.com/haukened/rr-overlay/internal/dns/gateways/wire"
)

// Handler adapts a QueryHandler to the transports: it opens the sealed
// payload, decodes it, runs the query and seals the encoded reply. Any
// resolution failure is answered with a failure line rather than silence.
type Handler struct {
	queries QueryHandler
	codec   wire.Codec
	cipher  envelope.Cipher
	logger  log.Logger
}

// HandlerOptions configures a Handler. A nil Cipher exchanges plain text.
type HandlerOptions struct {
	Queries QueryHandler
	Codec   wire.Codec
	Cipher  envelope.Cipher
	Logger  log.Logger
}

// NewHandler creates a Handler.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Queries == nil {
		return nil, errors.New("nameserver: query handler is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Codec == nil {
		opts.Codec = wire.NewTextCodec(opts.Logger)
	}
	return &Handler{
		queries: opts.Queries,
		codec:   opts.Codec,
		cipher:  opts.Cipher,
		logger:  opts.Logger,
	}, nil
}

// HandlePacket processes one request payload and returns the reply payload.
// A payload that cannot be opened gets no reply.
func (h *Handler) HandlePacket(ctx context.Context, payload []byte, client net.Addr) ([]byte, error) {
	text, err := h.open(payload)
	if err != nil {
		return nil, fmt.Errorf("open request from %v: %w", client, err)
	}

	var reply string
	query, err := h.codec.Decode(text)
	if err != nil {
		reply = h.codec.EncodeFailure(domain.NewFailure(domain.FailureDecode, err, ""))
	} else if resp, err := h.queries.HandleQuery(ctx, query); err != nil {
		h.logger.Debug(map[string]any{"client": addrString(client), "error": err}, "query failed")
		reply = h.codec.EncodeFailure(err)
	} else {
		reply = h.codec.Encode(resp)
	}
	return h.seal(reply)
}

func (h *Handler) open(payload []byte) (string, error) {
	if h.cipher == nil {
		return string(payload), nil
	}
	return h.cipher.Open(payload)
}

func (h *Handler) seal(text string) ([]byte, error) {
	if h.cipher == nil {
		return []byte(text), nil
	}
	return h.cipher.Seal(text)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
