package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/haukened/rr-overlay/internal/dns/common/clock"
	"github.com/haukened/rr-overlay/internal/dns/common/log"
	"github.com/haukened/rr-overlay/internal/dns/config"
	"github.com/haukened/rr-overlay/internal/dns/gateways/envelope"
	"github.com/haukened/rr-overlay/internal/dns/gateways/transport"
	"github.com/haukened/rr-overlay/internal/dns/gateways/wire"
	"github.com/haukened/rr-overlay/internal/dns/repos/recordstore"
	"github.com/haukened/rr-overlay/internal/dns/repos/recordstore/setup"
	"github.com/haukened/rr-overlay/internal/dns/services/resolver"
)

const (
	version = "0.1.0-dev"
	appName = "rr-resolverd"

	defaultShutdownTimeout = 10 * time.Second
)

// Application holds all the components of the resolver.
type Application struct {
	config    *config.ResolverConfig
	store     *recordstore.Repository
	resolver  *resolver.Resolver
	transport transport.ServerTransport
}

func main() {
	cfg, err := config.LoadResolver()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Configure(cfg.Env, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":      version,
		"env":          cfg.Env,
		"log_level":    cfg.LogLevel,
		"listen_ip":    cfg.ListenIP,
		"udp_port":     cfg.UDPPort,
		"store_path":   cfg.StorePath,
		"nameservers":  cfg.Nameservers,
		"udp_attempts": cfg.UDPAttempts,
	}, "Starting "+appName)

	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Server failed")
	}
	log.Info(nil, appName+" stopped gracefully")
}

// buildApplication constructs all components and wires them together.
func buildApplication(cfg *config.ResolverConfig) (*Application, error) {
	logger := log.GetLogger()
	clk := clock.RealClock{}

	endpoints, err := resolver.ParseEndpoints(cfg.Nameservers)
	if err != nil {
		return nil, err
	}
	pool, err := resolver.NewPool(endpoints)
	if err != nil {
		return nil, err
	}

	cipher, err := envelope.NewCipher(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	store, err := setup.Open(setup.Options{
		Path:      cfg.StorePath,
		CacheSize: cfg.CacheSize,
		FPRate:    cfg.BloomFPRate,
		Clock:     clk,
		Logger:    log.Component(logger, "recordstore"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	svc, err := resolver.NewResolver(resolver.Options{
		Store:       store,
		Pool:        pool,
		Cipher:      cipher,
		Codec:       wire.NewTextCodec(logger),
		Clock:       clk,
		Logger:      log.Component(logger, "resolver"),
		Timeout:     cfg.Timeout,
		UDPAttempts: cfg.UDPAttempts,
		UDPBackoff:  cfg.UDPBackoff,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Info(map[string]any{
		"nameservers": pool.Len(),
		"timeout":     cfg.Timeout,
		"backoff":     cfg.UDPBackoff,
	}, "Nameserver pool configured")

	// One client request may spend every UDP attempt and backoff.
	budget := time.Duration(cfg.UDPAttempts)*(cfg.Timeout+cfg.UDPBackoff) + cfg.Timeout

	udp := transport.NewUDPTransport(transport.Options{
		Addr:    net.JoinHostPort(cfg.ListenIP, strconv.Itoa(cfg.UDPPort)),
		Workers: cfg.Workers,
		Timeout: budget,
		Logger:  log.Component(logger, "udp"),
	})

	return &Application{
		config:    cfg,
		store:     store,
		resolver:  svc,
		transport: udp,
	}, nil
}

// Run starts the client-facing listener and blocks until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	if err := app.transport.Start(ctx, app.resolver); err != nil {
		_ = app.store.Close()
		return fmt.Errorf("failed to start UDP transport: %w", err)
	}
	log.Info(map[string]any{"address": app.transport.Address()}, "Resolver listening")

	<-ctx.Done()
	log.Info(nil, "Shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := app.transport.Stop()
		log.Info(app.store.Stats().Fields(), "Record store statistics")
		done <- multierr.Append(err, app.store.Close())
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn(map[string]any{"error": err}, "Errors during shutdown")
			return err
		}
		log.Info(nil, "Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout}, "Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout")
	}
}
