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

// UDPTransport serves one payload per datagram. Each datagram is handled on
// its own goroutine, bounded by the worker semaphore.
type UDPTransport struct {
	opts   Options
	conn   *net.UDPConn
	sem    *semaphore.Weighted
	logger log.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewUDPTransport creates a new UDP transport instance.
func NewUDPTransport(opts Options) *UDPTransport {
	opts = opts.withDefaults()
	return &UDPTransport{
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
		logger: opts.Logger,
	}
}

// Start binds the UDP socket and starts the read loop.
func (t *UDPTransport) Start(ctx context.Context, handler PacketHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("UDP transport already running")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", t.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", t.opts.Addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket on %s: %w", t.opts.Addr, err)
	}

	t.conn = conn
	t.running = true
	t.stopCh = make(chan struct{})

	t.logger.Info(map[string]any{
		"transport": "udp",
		"address":   conn.LocalAddr().String(),
	}, "transport started")

	t.wg.Add(1)
	go t.listenLoop(ctx, conn, handler)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.Stop()
		case <-t.stopCh:
		}
	}()
	return nil
}

// Stop closes the socket and waits for in-flight datagrams.
func (t *UDPTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	closeErr := t.conn.Close()
	addr := t.conn.LocalAddr().String()
	t.mu.Unlock()

	t.wg.Wait()
	if closeErr != nil {
		t.logger.Warn(map[string]any{"error": closeErr}, "error closing UDP socket")
	}
	t.logger.Info(map[string]any{
		"transport": "udp",
		"address":   addr,
	}, "transport stopped")
	return closeErr
}

// Address returns the network address the transport is bound to.
func (t *UDPTransport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn != nil {
		return t.conn.LocalAddr().String()
	}
	return t.opts.Addr
}

func (t *UDPTransport) listenLoop(ctx context.Context, conn *net.UDPConn, handler PacketHandler) {
	defer t.wg.Done()
	buffer := make([]byte, MaxUDPPayloadSize)

	for {
		n, client, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !t.isRunning() {
				return
			}
			t.logger.Warn(map[string]any{"error": err}, "failed to read UDP packet")
			continue
		}

		packet := make([]byte, n)
		copy(packet, buffer[:n])

		if err := t.sem.Acquire(ctx, 1); err != nil {
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.sem.Release(1)
			t.handlePacket(ctx, conn, packet, client, handler)
		}()
	}
}

func (t *UDPTransport) handlePacket(ctx context.Context, conn *net.UDPConn, data []byte, client *net.UDPAddr, handler PacketHandler) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	t.logger.Debug(map[string]any{
		"client": client.String(),
		"size":   len(data),
	}, "received UDP payload")

	reply, err := handle(ctx, handler, data, client)
	if err != nil {
		t.logger.Warn(map[string]any{
			"client": client.String(),
			"error":  err,
		}, "failed to handle UDP payload")
	}
	if len(reply) == 0 {
		return
	}
	if len(reply) > MaxUDPPayloadSize {
		t.logger.Error(map[string]any{
			"client": client.String(),
			"size":   len(reply),
		}, "UDP reply too large")
		return
	}
	if _, err := conn.WriteToUDP(reply, client); err != nil {
		t.logger.Error(map[string]any{
			"client": client.String(),
			"error":  err,
		}, "failed to send UDP reply")
		return
	}
	t.logger.Debug(map[string]any{
		"client": client.String(),
		"size":   len(reply),
	}, "sent UDP reply")
}

func (t *UDPTransport) isRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

var _ ServerTransport = (*UDPTransport)(nil)
