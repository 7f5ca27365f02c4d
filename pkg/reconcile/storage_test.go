package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/snops/pkg/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageReconcilerDownloadsMissingFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("genesis-block-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	monitor := transfer.NewMonitor()
	r := &StorageReconciler{Dir: dir, Monitor: monitor}

	status, err := r.Reconcile(context.Background(), []StorageFile{
		{Name: "genesis.block", URL: srv.URL + "/genesis.block"},
	})
	require.NoError(t, err)
	assert.NotNil(t, status.Inner)

	contents, err := os.ReadFile(filepath.Join(dir, "genesis.block"))
	require.NoError(t, err)
	assert.Equal(t, "genesis-block-bytes", string(contents))
}

func TestStorageReconcilerSkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "already-here"), []byte("x"), 0o644))

	r := &StorageReconciler{Dir: dir}
	status, err := r.Reconcile(context.Background(), []StorageFile{
		{Name: "already-here", URL: "http://example.invalid/should-not-be-fetched"},
	})
	require.NoError(t, err)
	assert.NotNil(t, status.Inner)
}

func TestStorageReconcilerPropagatesMissingFileCondition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := &StorageReconciler{Dir: dir}
	_, err := r.Reconcile(context.Background(), []StorageFile{
		{Name: "missing.bin", URL: srv.URL + "/missing.bin"},
	})
	require.Error(t, err)
}
