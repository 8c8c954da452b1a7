package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	catalogsync "github.com/wolfeidau/catalog-sync"
)

func TestFetchSnapshot(t *testing.T) {
	payload := []byte("sqlite file bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path, err := FetchSnapshot(context.Background(), nil, srv.URL+"/catalog-v3.db", "", dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestFetchSnapshotZstd(t *testing.T) {
	payload := []byte("sqlite file bytes, compressed in transit")

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(payload, nil)
	require.NoError(t, enc.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(compressed)
	}))
	defer srv.Close()

	path, err := FetchSnapshot(context.Background(), nil, srv.URL+"/catalog-v3.db.zst", "", t.TempDir())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestFetchSnapshotUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	dir := t.TempDir()
	_, err := FetchSnapshot(context.Background(), nil, srv.URL+"/catalog.db", "", dir)
	require.Error(t, err)

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchSnapshotVerifiesHash(t *testing.T) {
	payload := []byte("sqlite file bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	want := catalogsync.HashBytes(payload).String()
	path, err := FetchSnapshot(context.Background(), nil, srv.URL+"/catalog.db", want, t.TempDir())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestFetchSnapshotHashMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	want := catalogsync.HashBytes([]byte("expected bytes")).String()
	_, err := FetchSnapshot(context.Background(), nil, srv.URL+"/catalog.db", want, dir)
	require.ErrorContains(t, err, "snapshot hash mismatch")

	// The tampered file must not survive.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchSnapshotZstdHashCoversDecompressed(t *testing.T) {
	payload := []byte("sqlite file bytes, compressed in transit")

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(payload, nil)
	require.NoError(t, enc.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(compressed)
	}))
	defer srv.Close()

	want := catalogsync.HashBytes(payload).String()
	_, err = FetchSnapshot(context.Background(), nil, srv.URL+"/catalog.db.zst", want, t.TempDir())
	require.NoError(t, err)
}
