package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-overlay/internal/dns/config"
	"github.com/haukened/rr-overlay/internal/dns/domain"
	"github.com/haukened/rr-overlay/internal/dns/gateways/envelope"
	"github.com/haukened/rr-overlay/internal/dns/gateways/transport"
	"github.com/haukened/rr-overlay/internal/dns/gateways/wire"
)

const testSecret = "rr-nsd-integration-secret"

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T) *config.NameserverConfig {
	t.Helper()
	zoneDir := t.TempDir()
	zoneContent := `zone_root: test.local
www:
  A: "127.0.0.1"
`
	require.NoError(t, os.WriteFile(filepath.Join(zoneDir, "test.yaml"), []byte(zoneContent), 0o644))

	t.Setenv("NS_ENV", "dev")
	t.Setenv("NS_LOG_LEVEL", "debug")
	t.Setenv("NS_LISTEN_IP", "127.0.0.1")
	t.Setenv("NS_UDP_PORT", strconv.Itoa(freePort(t)))
	t.Setenv("NS_TCP_PORT", strconv.Itoa(freePort(t)))
	t.Setenv("NS_STORE_PATH", filepath.Join(t.TempDir(), "records.db"))
	t.Setenv("NS_ZONE_DIR", zoneDir)
	t.Setenv("NS_UPSTREAM", "127.0.0.1:1")
	t.Setenv("NS_UPSTREAM_TIMEOUT", "200ms")
	t.Setenv("NS_SECRET", testSecret)

	cfg, err := config.LoadNameserver()
	require.NoError(t, err)
	return cfg
}

func startApp(t *testing.T, cfg *config.NameserverConfig) {
	t.Helper()
	app, err := buildApplication(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	appErr := make(chan error, 1)
	go func() { appErr <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-appErr:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("application did not stop")
		}
	})

	tcpAddr := net.JoinHostPort(cfg.ListenIP, strconv.Itoa(cfg.TCPPort))
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", tcpAddr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

func wwwQuery(t *testing.T) domain.Message {
	t.Helper()
	q, err := domain.NewQuestion("www.test.local", domain.RRTypeA, domain.RRClassIN)
	require.NoError(t, err)
	return domain.NewQuery(7, q, true)
}

func TestApplication_ServesZoneOverTCPAndUDP(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	cfg := testConfig(t)
	startApp(t, cfg)

	c, err := envelope.NewCipher(testSecret)
	require.NoError(t, err)
	sealed, err := c.Seal(wire.Encode(wwwQuery(t)))
	require.NoError(t, err)

	// TCP
	conn, err := net.Dial("tcp", net.JoinHostPort(cfg.ListenIP, strconv.Itoa(cfg.TCPPort)))
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, transport.WriteFrame(conn, sealed))
	data, err := transport.ReadFrame(conn)
	require.NoError(t, err)
	conn.Close()
	assertWWWAnswer(t, c, data)

	// UDP
	uconn, err := net.Dial("udp", net.JoinHostPort(cfg.ListenIP, strconv.Itoa(cfg.UDPPort)))
	require.NoError(t, err)
	defer uconn.Close()
	require.NoError(t, uconn.SetDeadline(time.Now().Add(2*time.Second)))
	_, err = uconn.Write(sealed)
	require.NoError(t, err)
	buf := make([]byte, transport.MaxUDPPayloadSize)
	n, err := uconn.Read(buf)
	require.NoError(t, err)
	assertWWWAnswer(t, c, buf[:n])
}

func assertWWWAnswer(t *testing.T, c envelope.Cipher, data []byte) {
	t.Helper()
	text, err := c.Open(data)
	require.NoError(t, err)
	resp, err := wire.Decode(text)
	require.NoError(t, err)
	assert.True(t, resp.Header.QR)
	assert.Equal(t, uint16(7), resp.Header.ID)
	require.Len(t, resp.Answers, 1)
	assert.Equal(t, "127.0.0.1", resp.Answers[0].RData)
}

func TestApplication_UpstreamFailureAnswersWithErrorLine(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	cfg := testConfig(t)
	startApp(t, cfg)

	c, err := envelope.NewCipher(testSecret)
	require.NoError(t, err)
	q, err := domain.NewQuestion("missing.example", domain.RRTypeA, domain.RRClassIN)
	require.NoError(t, err)
	sealed, err := c.Seal(wire.Encode(domain.NewQuery(8, q, true)))
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort(cfg.ListenIP, strconv.Itoa(cfg.TCPPort)))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, transport.WriteFrame(conn, sealed))
	data, err := transport.ReadFrame(conn)
	require.NoError(t, err)

	text, err := c.Open(data)
	require.NoError(t, err)
	_, isFailure := wire.ParseFailure(text)
	assert.True(t, isFailure, text)
}

func TestBuildApplication_ConfigurationVariations(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *config.NameserverConfig)
		wantErr bool
	}{
		{name: "persistent store", mutate: func(*config.NameserverConfig) {}},
		{name: "memory-only store", mutate: func(cfg *config.NameserverConfig) { cfg.StorePath = "" }},
		{name: "missing zone dir", mutate: func(cfg *config.NameserverConfig) { cfg.ZoneDir = "/nonexistent/zone.d" }},
		{name: "bad store path", mutate: func(cfg *config.NameserverConfig) { cfg.StorePath = "/nonexistent/dir/records.db" }, wantErr: true},
		{name: "short secret", mutate: func(cfg *config.NameserverConfig) { cfg.Secret = "short" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			app, err := buildApplication(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, app.transports, 2)
			assert.NoError(t, app.store.Close())
		})
	}
}

func TestBuildApplication_TransportsFollowConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.UpstreamTimeout = 5 * time.Second
	app, err := buildApplication(cfg)
	require.NoError(t, err)
	defer app.store.Close()

	var addrs []string
	for _, tr := range app.transports {
		addrs = append(addrs, tr.Address())
	}
	assert.ElementsMatch(t, []string{
		net.JoinHostPort(cfg.ListenIP, strconv.Itoa(cfg.UDPPort)),
		net.JoinHostPort(cfg.ListenIP, strconv.Itoa(cfg.TCPPort)),
	}, addrs)
	assert.Equal(t, 6*time.Second, requestTimeout(cfg))
}

func TestBuildZones(t *testing.T) {
	cfg := testConfig(t)
	zc, err := buildZones(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"test.local."}, zc.Zones())

	bad := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bad, "bad.yaml"), []byte("www:\n  A: 1.2.3.4\n"), 0o644))
	cfg.ZoneDir = bad
	_, err = buildZones(cfg)
	assert.Error(t, err)
}
