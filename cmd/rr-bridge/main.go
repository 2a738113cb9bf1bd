package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/haukened/rr-overlay/internal/dns/common/log"
	"github.com/haukened/rr-overlay/internal/dns/config"
	"github.com/haukened/rr-overlay/internal/dns/gateways/bridge"
	"github.com/haukened/rr-overlay/internal/dns/gateways/client"
	"github.com/haukened/rr-overlay/internal/dns/gateways/envelope"
)

const (
	version = "0.1.0-dev"
	appName = "rr-bridge"

	defaultShutdownTimeout = 10 * time.Second
)

// Application holds the HTTP bridge.
type Application struct {
	config *config.BridgeConfig
	server *http.Server
}

func main() {
	cfg, err := config.LoadBridge()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Configure(cfg.Env, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":       version,
		"env":           cfg.Env,
		"listen":        cfg.Listen,
		"resolver_ip":   cfg.ResolverIP,
		"resolver_port": cfg.ResolverPort,
		"secure":        cfg.Secure,
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

// buildApplication wires the resolver client into the HTTP API.
func buildApplication(cfg *config.BridgeConfig) (*Application, error) {
	logger := log.GetLogger()

	var cipher envelope.Cipher
	if cfg.Secure {
		c, err := envelope.NewCipher(cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		cipher = c
	}

	rc, err := client.New(client.Options{
		Addr:    net.JoinHostPort(cfg.ResolverIP, strconv.Itoa(cfg.ResolverPort)),
		Cipher:  cipher,
		Secure:  cfg.Secure,
		Timeout: cfg.Timeout,
		Logger:  log.Component(logger, "client"),
	})
	if err != nil {
		return nil, err
	}

	api := bridge.NewAPI(rc, log.Component(logger, "bridge"))
	return &Application{
		config: cfg,
		server: &http.Server{
			Addr:              cfg.Listen,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Run serves HTTP until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.server.Addr, err)
	}
	log.Info(map[string]any{"address": ln.Addr().String()}, "Bridge listening")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info(nil, "Shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		log.Warn(map[string]any{"error": err}, "Error during HTTP shutdown")
		return err
	}
	log.Info(nil, "Graceful shutdown completed")
	return nil
}
