// Package config loads daemon settings from environment variables on top of
// struct defaults, and validates them.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Environment variable prefixes, one per daemon.
const (
	NameserverPrefix = "NS_"
	ResolverPrefix   = "RESOLVER_"
	BridgePrefix     = "BRIDGE_"
)

// NameserverConfig configures rr-nsd.
type NameserverConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	ListenIP string `koanf:"listen_ip" validate:"required,ip"`
	UDPPort  int    `koanf:"udp_port" validate:"required,gte=1,lte=65535"`
	TCPPort  int    `koanf:"tcp_port" validate:"required,gte=1,lte=65535"`

	// StorePath is the bbolt file holding learned records. Empty keeps them
	// in memory only.
	StorePath   string  `koanf:"store_path"`
	CacheSize   int     `koanf:"cache_size" validate:"required,gte=1"`
	BloomFPRate float64 `koanf:"bloom_fp_rate" validate:"gt=0,lt=1"`

	// ZoneDir holds zone files. Empty or missing serves no zone data.
	ZoneDir string        `koanf:"zone_dir"`
	ZoneTTL time.Duration `koanf:"zone_ttl" validate:"gte=0"`

	// Upstream is a list of external DNS servers in ip:port format.
	Upstream         []string      `koanf:"upstream" validate:"required,dive,ip_port"`
	UpstreamTimeout  time.Duration `koanf:"upstream_timeout" validate:"gt=0"`
	UpstreamParallel bool          `koanf:"upstream_parallel"`

	Secret  string `koanf:"secret" validate:"required,min=16"`
	Workers int    `koanf:"workers" validate:"required,gte=1"`
}

// ResolverConfig configures rr-resolverd.
type ResolverConfig struct {
	Env      string `koanf:"env" validate:"required,oneof=dev prod"`
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	ListenIP string `koanf:"listen_ip" validate:"required,ip"`
	UDPPort  int    `koanf:"udp_port" validate:"required,gte=1,lte=65535"`

	StorePath   string  `koanf:"store_path"`
	CacheSize   int     `koanf:"cache_size" validate:"required,gte=1"`
	BloomFPRate float64 `koanf:"bloom_fp_rate" validate:"gt=0,lt=1"`

	// Nameservers is the forwarding pool in ip:tcp-port:udp-port format.
	Nameservers []string `koanf:"nameservers" validate:"required,dive,ns_endpoint"`

	Secret      string        `koanf:"secret" validate:"required,min=16"`
	Timeout     time.Duration `koanf:"timeout" validate:"gt=0"`
	UDPAttempts int           `koanf:"udp_attempts" validate:"required,gte=1"`
	UDPBackoff  time.Duration `koanf:"udp_backoff" validate:"gt=0"`
	Workers     int           `koanf:"workers" validate:"required,gte=1"`
}

// BridgeConfig configures rr-bridge.
type BridgeConfig struct {
	Env      string `koanf:"env" validate:"required,oneof=dev prod"`
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	Listen       string `koanf:"listen" validate:"required,hostname_port"`
	ResolverIP   string `koanf:"resolver_ip" validate:"required,ip"`
	ResolverPort int    `koanf:"resolver_port" validate:"required,gte=1,lte=65535"`

	// Secret is only needed when Secure is set.
	Secret  string        `koanf:"secret" validate:"required_if=Secure true,omitempty,min=16"`
	Secure  bool          `koanf:"secure"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// DEFAULT_NAMESERVER_CONFIG holds rr-nsd defaults. There is no default secret.
var DEFAULT_NAMESERVER_CONFIG = NameserverConfig{
	Env:              "prod",
	LogLevel:         "info",
	ListenIP:         "0.0.0.0",
	UDPPort:          53,
	TCPPort:          53,
	StorePath:        "/var/lib/rr-overlay/nameserver.db",
	CacheSize:        1000,
	BloomFPRate:      0.01,
	ZoneDir:          "/etc/rr-overlay/zone.d/",
	ZoneTTL:          300 * time.Second,
	Upstream:         []string{"8.8.8.8:53"},
	UpstreamTimeout:  2 * time.Second,
	UpstreamParallel: false,
	Workers:          64,
}

// DEFAULT_RESOLVER_CONFIG holds rr-resolverd defaults.
var DEFAULT_RESOLVER_CONFIG = ResolverConfig{
	Env:         "prod",
	LogLevel:    "info",
	ListenIP:    "0.0.0.0",
	UDPPort:     9292,
	StorePath:   "/var/lib/rr-overlay/resolver.db",
	CacheSize:   1000,
	BloomFPRate: 0.01,
	Nameservers: []string{"127.0.0.1:53:53"},
	Timeout:     2 * time.Second,
	UDPAttempts: 2,
	UDPBackoff:  time.Second,
	Workers:     64,
}

// DEFAULT_BRIDGE_CONFIG holds rr-bridge defaults.
var DEFAULT_BRIDGE_CONFIG = BridgeConfig{
	Env:          "prod",
	LogLevel:     "info",
	Listen:       "127.0.0.1:8080",
	ResolverIP:   "127.0.0.1",
	ResolverPort: 9292,
	Secure:       false,
	Timeout:      2500 * time.Millisecond,
}

// validIPPort validates whether the provided field value is a valid IP address and port combination.
// It expects the value to be in the format "IP:Port".
func validIPPort(fl validator.FieldLevel) bool {
	ip, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil || ip == "" || port == "" {
		return false
	}
	if net.ParseIP(ip) == nil {
		return false
	}
	return validPort(port)
}

// validNSEndpoint validates a nameserver pool entry "ip:tcp-port:udp-port".
// IPv6 addresses must be bracketed.
func validNSEndpoint(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return false
	}
	ip, tcp, err := net.SplitHostPort(s[:i])
	if err != nil || ip == "" {
		return false
	}
	if net.ParseIP(ip) == nil {
		return false
	}
	return validPort(tcp) && validPort(s[i+1:])
}

func validPort(s string) bool {
	n, err := strconv.ParseUint(s, 10, 16)
	return err == nil && n > 0
}

// splitList turns "a,b c" into a list; other values pass through trimmed.
func splitList(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	if strings.Contains(value, " ") || strings.Contains(value, ",") {
		return strings.FieldsFunc(value, func(r rune) bool {
			return r == ' ' || r == ','
		})
	}
	return value
}

// envLoader loads environment variables carrying prefix, lowercased with the
// prefix removed. It can be mocked in tests.
var envLoader = func(k *koanf.Koanf, prefix string) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: prefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, prefix))
			return key, splitList(value)
		},
	}), nil)
}

// defaultLoader loads a defaults struct through the structs provider.
var defaultLoader = func(k *koanf.Koanf, defaults any) error {
	return k.Load(structs.Provider(defaults, "koanf"), nil)
}

// registerValidation registers the custom "ip_port" and "ns_endpoint" tags.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
		return err
	}
	return v.RegisterValidation("ns_endpoint", validNSEndpoint)
}

// LoadNameserver reads NS_* variables over DEFAULT_NAMESERVER_CONFIG.
func LoadNameserver() (*NameserverConfig, error) {
	var cfg NameserverConfig
	if err := load(NameserverPrefix, DEFAULT_NAMESERVER_CONFIG, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadResolver reads RESOLVER_* variables over DEFAULT_RESOLVER_CONFIG.
func LoadResolver() (*ResolverConfig, error) {
	var cfg ResolverConfig
	if err := load(ResolverPrefix, DEFAULT_RESOLVER_CONFIG, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadBridge reads BRIDGE_* variables over DEFAULT_BRIDGE_CONFIG.
func LoadBridge() (*BridgeConfig, error) {
	var cfg BridgeConfig
	if err := load(BridgePrefix, DEFAULT_BRIDGE_CONFIG, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// load applies defaults, then the environment, then unmarshals into out and
// validates it.
func load(prefix string, defaults any, out any) error {
	k := koanf.New(".")

	if err := defaultLoader(k, defaults); err != nil {
		return fmt.Errorf("error loading default config: %w", err)
	}
	if err := envLoader(k, prefix); err != nil {
		return fmt.Errorf("error loading env: %w", err)
	}
	if err := k.Unmarshal("", out); err != nil {
		return fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return fmt.Errorf("error registering validation: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
