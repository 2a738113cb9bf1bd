package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/haukened/rr-overlay/internal/dns/common/log"
)

// TCPTransport serves one length-framed request per connection. Connections
// are handled concurrently up to Workers; each gets a deadline of Timeout and
// is always closed after the reply.
type TCPTransport struct {
	opts   Options
	ln     net.Listener
	sem    *semaphore.Weighted
	logger log.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewTCPTransport creates a new TCP transport instance.
func NewTCPTransport(opts Options) *TCPTransport {
	opts = opts.withDefaults()
	return &TCPTransport{
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
		logger: opts.Logger,
	}
}

// Start binds the TCP listener and starts the accept loop.
func (t *TCPTransport) Start(ctx context.Context, handler PacketHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("TCP transport already running")
	}
	ln, err := net.Listen("tcp", t.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind TCP listener on %s: %w", t.opts.Addr, err)
	}

	t.ln = ln
	t.running = true
	t.stopCh = make(chan struct{})

	t.logger.Info(map[string]any{
		"transport": "tcp",
		"address":   ln.Addr().String(),
		"workers":   t.opts.Workers,
	}, "transport started")

	t.wg.Add(1)
	go t.acceptLoop(ctx, ln, handler)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.Stop()
		case <-t.stopCh:
		}
	}()
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (t *TCPTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	closeErr := t.ln.Close()
	addr := t.ln.Addr().String()
	t.mu.Unlock()

	t.wg.Wait()
	if closeErr != nil {
		t.logger.Warn(map[string]any{"error": closeErr}, "error closing TCP listener")
	}
	t.logger.Info(map[string]any{
		"transport": "tcp",
		"address":   addr,
	}, "transport stopped")
	return closeErr
}

// Address returns the network address the transport is bound to.
func (t *TCPTransport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.ln != nil {
		return t.ln.Addr().String()
	}
	return t.opts.Addr
}

func (t *TCPTransport) acceptLoop(ctx context.Context, ln net.Listener, handler PacketHandler) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !t.isRunning() {
				return
			}
			t.logger.Warn(map[string]any{"error": err}, "failed to accept TCP connection")
			continue
		}
		if err := t.sem.Acquire(ctx, 1); err != nil {
			_ = conn.Close()
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.sem.Release(1)
			t.handleConn(ctx, conn, handler)
		}()
	}
}

func (t *TCPTransport) handleConn(ctx context.Context, conn net.Conn, handler PacketHandler) {
	defer conn.Close()
	client := conn.RemoteAddr()

	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		t.logger.Warn(map[string]any{"client": client.String(), "error": err}, "failed to set TCP deadline")
		return
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		t.logger.Warn(map[string]any{"client": client.String(), "error": err}, "failed to read TCP frame")
		return
	}
	t.logger.Debug(map[string]any{"client": client.String(), "size": len(payload)}, "received TCP payload")

	reply, err := handle(ctx, handler, payload, client)
	if err != nil {
		t.logger.Warn(map[string]any{"client": client.String(), "error": err}, "failed to handle TCP payload")
	}
	if len(reply) == 0 {
		return
	}
	if err := WriteFrame(conn, reply); err != nil {
		t.logger.Error(map[string]any{"client": client.String(), "error": err}, "failed to send TCP reply")
		return
	}
	t.logger.Debug(map[string]any{"client": client.String(), "size": len(reply)}, "sent TCP reply")
}

func (t *TCPTransport) isRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

var _ ServerTransport = (*TCPTransport)(nil)
