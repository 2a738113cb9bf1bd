package resolver

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-overlay/internal/dns/common/log"
	"github.com/haukened/rr-overlay/internal/dns/domain"
	"github.com/haukened/rr-overlay/internal/dns/gateways/envelope"
)

var testClient = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}

// fieldLog keeps the fields of every info entry.
type fieldLog struct {
	log.Logger
	mu      sync.Mutex
	entries []map[string]any
}

func (l *fieldLog) Info(fields map[string]any, _ string) {
	l.mu.Lock()
	l.entries = append(l.entries, fields)
	l.mu.Unlock()
}

func (l *fieldLog) last() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[len(l.entries)-1]
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Request
		wantErr bool
	}{
		{
			name: "udp",
			line: "Example.com;A;IN;udp",
			want: Request{Question: exampleQ, Protocol: ProtocolUDP},
		},
		{
			name: "tcp with trailing newline",
			line: "example.com.;MX;IN;TCP\n",
			want: Request{
				Question: domain.Question{Name: "example.com.", Type: domain.RRTypeMX, Class: domain.RRClassIN},
				Protocol: ProtocolTCP,
			},
		},
		{name: "missing protocol", line: "example.com;A;IN", wantErr: true},
		{name: "unknown protocol", line: "example.com;A;IN;http", wantErr: true},
		{name: "unknown type", line: "example.com;BOGUS;IN;udp", wantErr: true},
		{name: "too few fields", line: "example.com;udp", wantErr: true},
		{name: "empty", line: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest(tt.line)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrDecode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandlePacket_PlainRequestPlainReply(t *testing.T) {
	env := newTestResolver(t, testCipher(t), closedEndpoint(t))
	require.NoError(t, env.store.Put(exampleA))

	out, err := env.resolver.HandlePacket(context.Background(), []byte("non-encrypted\nexample.com;A;IN;udp"), testClient)
	require.NoError(t, err)
	assert.Equal(t, "non-encrypted\n"+exampleAnswer, string(out))
}

func TestHandlePacket_EncryptedRequestEncryptedReply(t *testing.T) {
	c := testCipher(t)
	env := newTestResolver(t, c, closedEndpoint(t))
	require.NoError(t, env.store.Put(exampleA))

	req, err := envelope.Wrap(c, "example.com;A;IN;tcp", true)
	require.NoError(t, err)

	out, err := env.resolver.HandlePacket(context.Background(), req, testClient)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "encrypted\n"))

	payload, secure, err := envelope.Unwrap(c, out)
	require.NoError(t, err)
	assert.True(t, secure)
	assert.Equal(t, exampleAnswer, payload)
}

func TestHandlePacket_MalformedRequest(t *testing.T) {
	env := newTestResolver(t, nil, closedEndpoint(t))

	out, err := env.resolver.HandlePacket(context.Background(), []byte("non-encrypted\nexample.com;A;IN;carrier-pigeon"), testClient)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "non-encrypted\n[EXCEPTION] "), string(out))
	assert.Zero(t, env.dials.Load())
}

func TestHandlePacket_ForwardingFailure(t *testing.T) {
	env := newTestResolver(t, nil, closedEndpoint(t))

	out, err := env.resolver.HandlePacket(context.Background(), []byte("non-encrypted\nexample.com;A;IN;tcp"), testClient)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "non-encrypted\nFailed-"), string(out))
}

func TestHandlePacket_LogsFailureKind(t *testing.T) {
	env := newTestResolver(t, nil, closedEndpoint(t))
	logs := &fieldLog{Logger: log.NewNoopLogger()}
	env.resolver.logger = logs

	_, err := env.resolver.HandlePacket(context.Background(), []byte("non-encrypted\nexample.com;A;IN;tcp"), testClient)
	require.NoError(t, err)
	assert.Equal(t, domain.FailureTransport.String(), logs.last()["failure"])

	_, err = env.resolver.HandlePacket(context.Background(), []byte("non-encrypted\nexample.com;A;IN;smoke"), testClient)
	require.NoError(t, err)
	assert.Equal(t, domain.FailureDecode.String(), logs.last()["failure"])

	require.NoError(t, env.store.Put(exampleA))
	_, err = env.resolver.HandlePacket(context.Background(), []byte("non-encrypted\nexample.com;A;IN;udp"), testClient)
	require.NoError(t, err)
	assert.NotContains(t, logs.last(), "failure")
	assert.Equal(t, exampleAnswer, logs.last()["reply"])
}

func TestHandlePacket_ResolvesThroughNameserver(t *testing.T) {
	c := testCipher(t)
	ep := startNameserver(t, engineHandler(t, c, exampleUpstream))
	env := newTestResolver(t, c, ep)

	req, err := envelope.Wrap(c, "example.com;A;IN;udp", true)
	require.NoError(t, err)
	out, err := env.resolver.HandlePacket(context.Background(), req, testClient)
	require.NoError(t, err)

	payload, _, err := envelope.Unwrap(c, out)
	require.NoError(t, err)
	assert.Equal(t, exampleAnswer, payload)
}

func TestHandlePacket_BadEnvelopeGetsNoReply(t *testing.T) {
	env := newTestResolver(t, testCipher(t), closedEndpoint(t))

	out, err := env.resolver.HandlePacket(context.Background(), []byte("no marker line"), testClient)
	assert.Error(t, err)
	assert.Nil(t, out)

	out, err = env.resolver.HandlePacket(context.Background(), []byte("encrypted\nnot-base64!"), testClient)
	assert.Error(t, err)
	assert.Nil(t, out)
}

func TestHandlePacket_EncryptedWithoutCipher(t *testing.T) {
	env := newTestResolver(t, nil, closedEndpoint(t))

	out, err := env.resolver.HandlePacket(context.Background(), []byte("encrypted\nAAAA"), testClient)
	assert.ErrorIs(t, err, envelope.ErrEnvelope)
	assert.Nil(t, out)
}
