// Package transport carries opaque overlay payloads over UDP datagrams and
// length-framed TCP connections. Payload interpretation is left to a
// PacketHandler supplied by the service layer.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/haukened/rr-overlay/internal/dns/common/log"
)

// PacketHandler processes one request payload. A nil reply means nothing is
// sent back; an error is logged by the transport and the loop continues.
type PacketHandler interface {
	HandlePacket(ctx context.Context, payload []byte, client net.Addr) ([]byte, error)
}

// PacketHandlerFunc adapts a function to PacketHandler.
type PacketHandlerFunc func(ctx context.Context, payload []byte, client net.Addr) ([]byte, error)

func (f PacketHandlerFunc) HandlePacket(ctx context.Context, payload []byte, client net.Addr) ([]byte, error) {
	return f(ctx, payload, client)
}

// ServerTransport is a listener that feeds payloads to a PacketHandler.
type ServerTransport interface {
	// Start binds the socket and serves in the background until ctx is
	// cancelled or Stop is called.
	Start(ctx context.Context, handler PacketHandler) error

	// Stop closes the socket and waits for in-flight requests.
	Stop() error

	// Address returns the bound address once started, the configured one before.
	Address() string
}

// TransportType names a supported transport.
type TransportType string

const (
	TransportUDP TransportType = "udp"
	TransportTCP TransportType = "tcp"
)

// Defaults applied by the constructors.
const (
	DefaultWorkers    = 64
	DefaultTimeout    = 2 * time.Second
	MaxUDPPayloadSize = 65507
)

// Options configures a transport.
type Options struct {
	Addr string
	// Workers bounds concurrently handled requests.
	Workers int
	// Timeout bounds one request: handler run plus socket I/O.
	Timeout time.Duration
	Logger  log.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = log.NewNoopLogger()
	}
	return o
}

// handle runs handler for one payload. A panic inside the handler is
// returned as an error so the listener keeps serving.
func handle(ctx context.Context, handler PacketHandler, payload []byte, client net.Addr) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.HandlePacket(ctx, payload, client)
}
