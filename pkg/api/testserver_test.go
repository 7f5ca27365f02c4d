package api

import (
	"testing"

	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/pool"
	"github.com/cuemby/snops/pkg/store"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	trees, err := store.OpenTrees(db)
	require.NoError(t, err)

	bus := events.NewBus()
	bus.Start()
	return NewServer(pool.New(), trees, bus, pool.NewTokenIssuer([]byte("test-secret")))
}
