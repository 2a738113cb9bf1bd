package setup

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-overlay/internal/dns/domain"
)

func TestOpen_Persistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	repo, err := Open(Options{Path: path, CacheSize: 16, FPRate: 0.01})
	require.NoError(t, err)
	require.NoError(t, repo.Refresh(context.Background()))

	rr := domain.ResourceRecord{Name: "example.com.", Type: domain.RRTypeA, Class: domain.RRClassIN, TTL: 300, RData: "93.184.216.34"}
	require.NoError(t, repo.Put(rr))
	require.NoError(t, repo.Close())

	reopened, err := Open(Options{Path: path, CacheSize: 16, FPRate: 0.01})
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Refresh(context.Background()))

	got, ok, err := reopened.Lookup(domain.Question{Name: "example.com.", Type: domain.RRTypeA, Class: domain.RRClassIN})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", got[0].RData)
}

func TestOpen_MemoryOnly(t *testing.T) {
	repo, err := Open(Options{CacheSize: 4})
	require.NoError(t, err)
	assert.Zero(t, repo.Stats().Store.Keys)
	assert.NoError(t, repo.Close())

	_, err = Open(Options{})
	assert.Error(t, err)
}

func TestOpen_BadPath(t *testing.T) {
	_, err := Open(Options{Path: filepath.Join(t.TempDir(), "nope", "records.db"), CacheSize: 1})
	assert.Error(t, err)
}
