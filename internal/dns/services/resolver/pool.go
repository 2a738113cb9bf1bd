package resolver

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// ErrEmptyPool is returned when a pool is built without endpoints.
var ErrEmptyPool = errors.New("nameserver pool is empty")

// Endpoint is one nameserver reachable over TCP and UDP.
type Endpoint struct {
	IP      string
	TCPPort int
	UDPPort int
}

// ParseEndpoint parses "ip:tcp-port:udp-port". IPv6 addresses may be
// bracketed.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return Endpoint{}, fmt.Errorf("invalid nameserver endpoint %q: want ip:tcp:udp", s)
	}
	j := strings.LastIndex(s[:i], ":")
	if j < 0 {
		return Endpoint{}, fmt.Errorf("invalid nameserver endpoint %q: want ip:tcp:udp", s)
	}
	host := strings.TrimSuffix(strings.TrimPrefix(s[:j], "["), "]")
	if net.ParseIP(host) == nil {
		return Endpoint{}, fmt.Errorf("invalid nameserver endpoint %q: bad ip %q", s, host)
	}
	tcp, err := parsePort(s[j+1 : i])
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid nameserver endpoint %q: tcp port: %w", s, err)
	}
	udp, err := parsePort(s[i+1:])
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid nameserver endpoint %q: udp port: %w", s, err)
	}
	return Endpoint{IP: host, TCPPort: tcp, UDPPort: udp}, nil
}

// ParseEndpoints parses every entry of list.
func ParseEndpoints(list []string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(list))
	for _, s := range list {
		ep, err := ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}

func (e Endpoint) TCPAddr() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.TCPPort))
}

func (e Endpoint) UDPAddr() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.UDPPort))
}

func (e Endpoint) String() string {
	host := e.IP
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d:%d", host, e.TCPPort, e.UDPPort)
}

// Pool hands out nameservers in round-robin order. Every call to Next
// consumes one position, so retries move on to the following member.
type Pool struct {
	mu        sync.Mutex
	endpoints []Endpoint
	next      int
}

// NewPool creates a pool over endpoints, starting at the first one.
func NewPool(endpoints []Endpoint) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, ErrEmptyPool
	}
	eps := make([]Endpoint, len(endpoints))
	copy(eps, endpoints)
	return &Pool{endpoints: eps}, nil
}

// Next returns the current member and advances the index.
func (p *Pool) Next() Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep := p.endpoints[p.next]
	p.next = (p.next + 1) % len(p.endpoints)
	return ep
}

// Len returns the number of members.
func (p *Pool) Len() int {
	return len(p.endpoints)
}
