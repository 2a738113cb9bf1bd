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
	"github.com/haukened/rr-overlay/internal/dns/gateways/upstream"
	"github.com/haukened/rr-overlay/internal/dns/gateways/wire"
	"github.com/haukened/rr-overlay/internal/dns/repos/recordstore"
	"github.com/haukened/rr-overlay/internal/dns/repos/recordstore/setup"
	"github.com/haukened/rr-overlay/internal/dns/repos/zone"
	"github.com/haukened/rr-overlay/internal/dns/repos/zonecache"
	"github.com/haukened/rr-overlay/internal/dns/services/nameserver"
)

const (
	version = "0.1.0-dev"
	appName = "rr-nsd"

	defaultShutdownTimeout = 10 * time.Second

	// requestSlack covers the cache and zone tiers and the reply write.
	requestSlack = time.Second
)

// Application holds all the components of the nameserver.
type Application struct {
	config     *config.NameserverConfig
	store      *recordstore.Repository
	handler    transport.PacketHandler
	transports []transport.ServerTransport
}

func main() {
	cfg, err := config.LoadNameserver()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Configure(cfg.Env, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":    version,
		"env":        cfg.Env,
		"log_level":  cfg.LogLevel,
		"listen_ip":  cfg.ListenIP,
		"udp_port":   cfg.UDPPort,
		"tcp_port":   cfg.TCPPort,
		"store_path": cfg.StorePath,
		"zone_dir":   cfg.ZoneDir,
		"upstream":   cfg.Upstream,
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
func buildApplication(cfg *config.NameserverConfig) (*Application, error) {
	logger := log.GetLogger()

	store, err := setup.Open(setup.Options{
		Path:      cfg.StorePath,
		CacheSize: cfg.CacheSize,
		FPRate:    cfg.BloomFPRate,
		Clock:     clock.RealClock{},
		Logger:    log.Component(logger, "recordstore"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	log.Info(map[string]any{
		"path":       cfg.StorePath,
		"cache_size": cfg.CacheSize,
	}, "Record store opened")

	zones, err := buildZones(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	upstreamClient, err := upstream.NewResolver(upstream.Options{
		Servers:  cfg.Upstream,
		Timeout:  cfg.UpstreamTimeout,
		Parallel: cfg.UpstreamParallel,
		Logger:   log.Component(logger, "upstream"),
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create upstream client: %w", err)
	}
	log.Info(map[string]any{
		"servers":  cfg.Upstream,
		"timeout":  cfg.UpstreamTimeout,
		"parallel": cfg.UpstreamParallel,
	}, "Upstream DNS client configured")

	engine, err := nameserver.NewEngine(nameserver.Options{
		Store:    store,
		Zones:    zones,
		Upstream: upstreamClient,
		Logger:   log.Component(logger, "engine"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cipher, err := envelope.NewCipher(cfg.Secret)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	handler, err := nameserver.NewHandler(nameserver.HandlerOptions{
		Queries: engine,
		Codec:   wire.NewTextCodec(logger),
		Cipher:  cipher,
		Logger:  log.Component(logger, "handler"),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ports := map[transport.TransportType]int{
		transport.TransportUDP: cfg.UDPPort,
		transport.TransportTCP: cfg.TCPPort,
	}
	var transports []transport.ServerTransport
	for _, tt := range transport.GetSupportedTransports() {
		tr, err := transport.NewTransport(tt, transport.Options{
			Addr:    net.JoinHostPort(cfg.ListenIP, strconv.Itoa(ports[tt])),
			Workers: cfg.Workers,
			Timeout: requestTimeout(cfg),
			Logger:  log.Component(logger, string(tt)),
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		transports = append(transports, tr)
	}

	return &Application{
		config:     cfg,
		store:      store,
		handler:    handler,
		transports: transports,
	}, nil
}

// requestTimeout bounds one request so the whole upstream chain fits in it.
func requestTimeout(cfg *config.NameserverConfig) time.Duration {
	return cfg.UpstreamTimeout + requestSlack
}

// buildZones loads the zone directory into a zone cache.
func buildZones(cfg *config.NameserverConfig) (*zonecache.ZoneCache, error) {
	zones, err := zone.LoadZoneDirectory(cfg.ZoneDir, cfg.ZoneTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to load zone directory: %w", err)
	}
	zc := zonecache.New()
	zc.LoadZones(zones)

	log.Info(map[string]any{
		"zone_dir": cfg.ZoneDir,
		"zones":    len(zc.Zones()),
		"records":  zc.Count(),
	}, "Zone cache initialized")
	return zc, nil
}

// Run starts every transport and blocks until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	for i, tr := range app.transports {
		if err := tr.Start(ctx, app.handler); err != nil {
			for _, started := range app.transports[:i] {
				_ = started.Stop()
			}
			_ = app.store.Close()
			return fmt.Errorf("failed to start transport: %w", err)
		}
		log.Info(map[string]any{"address": tr.Address()}, "Nameserver listening")
	}

	<-ctx.Done()
	log.Info(nil, "Shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- app.shutdown()
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

func (app *Application) shutdown() error {
	log.Info(app.store.Stats().Fields(), "Record store statistics")
	var errs error
	for _, tr := range app.transports {
		errs = multierr.Append(errs, tr.Stop())
	}
	return multierr.Append(errs, app.store.Close())
}
