package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
)

const testSecret = "0123456789abcdef"

func TestLoadNameserver_Defaults(t *testing.T) {
	t.Setenv("NS_SECRET", testSecret)

	cfg, err := LoadNameserver()
	if err != nil {
		t.Fatalf("LoadNameserver() returned error: %v", err)
	}
	if cfg.Env != "prod" {
		t.Errorf("expected Env=prod, got %q", cfg.Env)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LogLevel=info, got %q", cfg.LogLevel)
	}
	if cfg.UDPPort != 53 || cfg.TCPPort != 53 {
		t.Errorf("expected ports 53/53, got %d/%d", cfg.UDPPort, cfg.TCPPort)
	}
	if cfg.ZoneTTL != 300*time.Second {
		t.Errorf("expected ZoneTTL=5m, got %v", cfg.ZoneTTL)
	}
	if cfg.UpstreamTimeout != 2*time.Second {
		t.Errorf("expected UpstreamTimeout=2s, got %v", cfg.UpstreamTimeout)
	}
	if len(cfg.Upstream) != 1 || cfg.Upstream[0] != "8.8.8.8:53" {
		t.Errorf("expected Upstream=[8.8.8.8:53], got %v", cfg.Upstream)
	}
	if cfg.Secret != testSecret {
		t.Errorf("expected Secret from env, got %q", cfg.Secret)
	}
}

func TestLoadNameserver_RequiresSecret(t *testing.T) {
	_, err := LoadNameserver()
	if err == nil {
		t.Fatal("expected validation error without NS_SECRET")
	}

	t.Setenv("NS_SECRET", "short")
	_, err = LoadNameserver()
	if err == nil {
		t.Fatal("expected validation error for a secret shorter than 16 characters")
	}
}

func TestLoadNameserver_ValidOverrides(t *testing.T) {
	t.Setenv("NS_ENV", "dev")
	t.Setenv("NS_LOG_LEVEL", "debug")
	t.Setenv("NS_LISTEN_IP", "127.0.0.1")
	t.Setenv("NS_UDP_PORT", "5353")
	t.Setenv("NS_TCP_PORT", "5354")
	t.Setenv("NS_STORE_PATH", "")
	t.Setenv("NS_CACHE_SIZE", "2000")
	t.Setenv("NS_BLOOM_FP_RATE", "0.001")
	t.Setenv("NS_ZONE_DIR", "/tmp/zone.d/")
	t.Setenv("NS_ZONE_TTL", "1h")
	t.Setenv("NS_UPSTREAM", "1.1.1.1:53, 9.9.9.9:53")
	t.Setenv("NS_UPSTREAM_TIMEOUT", "750ms")
	t.Setenv("NS_UPSTREAM_PARALLEL", "true")
	t.Setenv("NS_SECRET", testSecret)
	t.Setenv("NS_WORKERS", "8")

	cfg, err := LoadNameserver()
	if err != nil {
		t.Fatalf("LoadNameserver() returned error: %v", err)
	}
	if cfg.Env != "dev" || cfg.LogLevel != "debug" {
		t.Errorf("expected dev/debug, got %s/%s", cfg.Env, cfg.LogLevel)
	}
	if cfg.ListenIP != "127.0.0.1" || cfg.UDPPort != 5353 || cfg.TCPPort != 5354 {
		t.Errorf("unexpected listen settings: %s %d %d", cfg.ListenIP, cfg.UDPPort, cfg.TCPPort)
	}
	if cfg.StorePath != "" {
		t.Errorf("expected empty StorePath, got %q", cfg.StorePath)
	}
	if cfg.CacheSize != 2000 {
		t.Errorf("expected CacheSize=2000, got %d", cfg.CacheSize)
	}
	if cfg.BloomFPRate != 0.001 {
		t.Errorf("expected BloomFPRate=0.001, got %v", cfg.BloomFPRate)
	}
	if cfg.ZoneTTL != time.Hour {
		t.Errorf("expected ZoneTTL=1h, got %v", cfg.ZoneTTL)
	}
	want := []string{"1.1.1.1:53", "9.9.9.9:53"}
	if len(cfg.Upstream) != len(want) {
		t.Fatalf("expected Upstream length %d, got %d", len(want), len(cfg.Upstream))
	}
	for i, v := range want {
		if cfg.Upstream[i] != v {
			t.Errorf("expected Upstream[%d]=%q, got %q", i, v, cfg.Upstream[i])
		}
	}
	if cfg.UpstreamTimeout != 750*time.Millisecond {
		t.Errorf("expected UpstreamTimeout=750ms, got %v", cfg.UpstreamTimeout)
	}
	if !cfg.UpstreamParallel {
		t.Error("expected UpstreamParallel=true")
	}
	if cfg.Workers != 8 {
		t.Errorf("expected Workers=8, got %d", cfg.Workers)
	}
}

func TestLoadNameserver_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"NS_ENV":           "staging",
		"NS_LOG_LEVEL":     "trace",
		"NS_LISTEN_IP":     "localhost",
		"NS_UDP_PORT":      "99999",
		"NS_TCP_PORT":      "not_a_number",
		"NS_CACHE_SIZE":    "0",
		"NS_BLOOM_FP_RATE": "1.5",
		"NS_UPSTREAM":      "not_a_server",
		"NS_WORKERS":       "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("NS_SECRET", testSecret)
			t.Setenv(key, value)
			if _, err := LoadNameserver(); err == nil {
				t.Fatalf("expected error for %s=%q, got nil", key, value)
			}
		})
	}
}

func TestLoadResolver_Defaults(t *testing.T) {
	t.Setenv("RESOLVER_SECRET", testSecret)

	cfg, err := LoadResolver()
	if err != nil {
		t.Fatalf("LoadResolver() returned error: %v", err)
	}
	if cfg.UDPPort != 9292 {
		t.Errorf("expected UDPPort=9292, got %d", cfg.UDPPort)
	}
	if cfg.Timeout != 2*time.Second {
		t.Errorf("expected Timeout=2s, got %v", cfg.Timeout)
	}
	if cfg.UDPAttempts != 2 {
		t.Errorf("expected UDPAttempts=2, got %d", cfg.UDPAttempts)
	}
	if cfg.UDPBackoff != time.Second {
		t.Errorf("expected UDPBackoff=1s, got %v", cfg.UDPBackoff)
	}
	if len(cfg.Nameservers) != 1 || cfg.Nameservers[0] != "127.0.0.1:53:53" {
		t.Errorf("unexpected default Nameservers %v", cfg.Nameservers)
	}
}

func TestLoadResolver_ValidOverrides(t *testing.T) {
	t.Setenv("RESOLVER_SECRET", testSecret)
	t.Setenv("RESOLVER_NAMESERVERS", "10.0.0.1:53:53,10.0.0.2:5353:5354 [::1]:53:53")
	t.Setenv("RESOLVER_UDP_ATTEMPTS", "3")
	t.Setenv("RESOLVER_UDP_BACKOFF", "250ms")
	t.Setenv("RESOLVER_TIMEOUT", "1s")

	cfg, err := LoadResolver()
	if err != nil {
		t.Fatalf("LoadResolver() returned error: %v", err)
	}
	want := []string{"10.0.0.1:53:53", "10.0.0.2:5353:5354", "[::1]:53:53"}
	if len(cfg.Nameservers) != len(want) {
		t.Fatalf("expected %d nameservers, got %v", len(want), cfg.Nameservers)
	}
	for i, v := range want {
		if cfg.Nameservers[i] != v {
			t.Errorf("expected Nameservers[%d]=%q, got %q", i, v, cfg.Nameservers[i])
		}
	}
	if cfg.UDPAttempts != 3 || cfg.UDPBackoff != 250*time.Millisecond || cfg.Timeout != time.Second {
		t.Errorf("unexpected retry settings: %d %v %v", cfg.UDPAttempts, cfg.UDPBackoff, cfg.Timeout)
	}
}

func TestLoadResolver_InvalidNameserver(t *testing.T) {
	t.Setenv("RESOLVER_SECRET", testSecret)
	t.Setenv("RESOLVER_NAMESERVERS", "10.0.0.1:53")

	if _, err := LoadResolver(); err == nil {
		t.Fatal("expected error for a nameserver without a UDP port")
	}
}

func TestLoadResolver_ZeroBackoffRejected(t *testing.T) {
	t.Setenv("RESOLVER_SECRET", testSecret)
	t.Setenv("RESOLVER_UDP_BACKOFF", "0s")

	if _, err := LoadResolver(); err == nil {
		t.Fatal("expected error for a zero UDP backoff")
	}
}

func TestLoadBridge_Defaults(t *testing.T) {
	cfg, err := LoadBridge()
	if err != nil {
		t.Fatalf("LoadBridge() returned error: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8080" {
		t.Errorf("expected Listen=127.0.0.1:8080, got %q", cfg.Listen)
	}
	if cfg.ResolverPort != 9292 {
		t.Errorf("expected ResolverPort=9292, got %d", cfg.ResolverPort)
	}
	if cfg.Timeout != 2500*time.Millisecond {
		t.Errorf("expected Timeout=2.5s, got %v", cfg.Timeout)
	}
	if cfg.Secure {
		t.Error("expected Secure=false by default")
	}
}

func TestLoadBridge_SecureNeedsSecret(t *testing.T) {
	t.Setenv("BRIDGE_SECURE", "1")
	if _, err := LoadBridge(); err == nil {
		t.Fatal("expected error when secure is set without a secret")
	}

	t.Setenv("BRIDGE_SECRET", testSecret)
	cfg, err := LoadBridge()
	if err != nil {
		t.Fatalf("LoadBridge() returned error: %v", err)
	}
	if !cfg.Secure {
		t.Error("expected Secure=true")
	}
}

func TestLoad_WhenKoanfDefaultLoadFails(t *testing.T) {
	orig := defaultLoader
	defaultLoader = func(k *koanf.Koanf, defaults any) error { return errors.New("mocked error") }
	defer func() { defaultLoader = orig }()

	_, err := LoadBridge()
	if err == nil || !strings.Contains(err.Error(), "mocked error") {
		t.Fatal("expected error when loading defaults")
	}
}

func TestLoad_WhenKoanfEnvLoadFails(t *testing.T) {
	orig := envLoader
	envLoader = func(k *koanf.Koanf, prefix string) error { return errors.New("mocked error") }
	defer func() { envLoader = orig }()

	_, err := LoadBridge()
	if err == nil || !strings.Contains(err.Error(), "mocked error") {
		t.Fatal("expected error when loading env")
	}
}

func TestLoad_RegisterValidationFails(t *testing.T) {
	orig := registerValidation
	registerValidation = func(v *validator.Validate) error { return errors.New("mocked validation error") }
	defer func() { registerValidation = orig }()

	_, err := LoadBridge()
	if err == nil || !strings.Contains(err.Error(), "mocked validation error") {
		t.Fatal("expected error when registering validation")
	}
}

func TestValidIPPort(t *testing.T) {
	cases := []struct {
		input    string
		expected bool
	}{
		{"1.2.3.4:53", true},
		{"127.0.0.1:5353", true},
		{"::1:53", false},
		{"[::1]:53", true},
		{"192.168.1.1:", false},
		{":53", false},
		{"not_an_ip:53", false},
		{"1.2.3.4:notaport", false},
		{"1.2.3.4:0", false},
		{"", false},
		{"1.2.3.4", false},
	}

	validate := validator.New()
	_ = validate.RegisterValidation("ip_port", validIPPort)

	type S struct {
		Addr string `validate:"ip_port"`
	}
	for _, tc := range cases {
		err := validate.Struct(S{Addr: tc.input})
		if tc.expected && err != nil {
			t.Errorf("validIPPort(%q) = false, want true", tc.input)
		}
		if !tc.expected && err == nil {
			t.Errorf("validIPPort(%q) = true, want false", tc.input)
		}
	}
}

func TestValidNSEndpoint(t *testing.T) {
	cases := []struct {
		input    string
		expected bool
	}{
		{"10.0.0.1:53:53", true},
		{"10.0.0.1:5353:9292", true},
		{"[::1]:53:53", true},
		{"10.0.0.1:53", false},
		{"10.0.0.1::53", false},
		{"10.0.0.1:53:", false},
		{"ns1.example.com:53:53", false},
		{"10.0.0.1:0:53", false},
		{"10.0.0.1:53:65536", false},
		{"", false},
	}

	validate := validator.New()
	_ = validate.RegisterValidation("ns_endpoint", validNSEndpoint)

	type S struct {
		Endpoint string `validate:"ns_endpoint"`
	}
	for _, tc := range cases {
		err := validate.Struct(S{Endpoint: tc.input})
		if tc.expected && err != nil {
			t.Errorf("validNSEndpoint(%q) = false, want true", tc.input)
		}
		if !tc.expected && err == nil {
			t.Errorf("validNSEndpoint(%q) = true, want false", tc.input)
		}
	}
}

func TestDefaultLoader_LoadsDefaults(t *testing.T) {
	k := koanf.New(".")
	if err := defaultLoader(k, DEFAULT_RESOLVER_CONFIG); err != nil {
		t.Fatalf("defaultLoader returned error: %v", err)
	}

	var cfg ResolverConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if cfg.UDPPort != DEFAULT_RESOLVER_CONFIG.UDPPort {
		t.Errorf("expected UDPPort=%d, got %d", DEFAULT_RESOLVER_CONFIG.UDPPort, cfg.UDPPort)
	}
	if cfg.UDPBackoff != DEFAULT_RESOLVER_CONFIG.UDPBackoff {
		t.Errorf("expected UDPBackoff=%v, got %v", DEFAULT_RESOLVER_CONFIG.UDPBackoff, cfg.UDPBackoff)
	}
	if len(cfg.Nameservers) != len(DEFAULT_RESOLVER_CONFIG.Nameservers) {
		t.Fatalf("expected %d nameservers, got %d", len(DEFAULT_RESOLVER_CONFIG.Nameservers), len(cfg.Nameservers))
	}
}

func TestDefaultLoader_InvalidDefault_ValidationFails(t *testing.T) {
	orig := DEFAULT_NAMESERVER_CONFIG
	defer func() { DEFAULT_NAMESERVER_CONFIG = orig }()

	DEFAULT_NAMESERVER_CONFIG.Upstream = []string{"not_a_valid_ip_port"}
	t.Setenv("NS_SECRET", testSecret)

	if _, err := LoadNameserver(); err == nil {
		t.Fatal("expected validation error for invalid default Upstream")
	}
}
