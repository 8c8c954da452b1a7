package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	catalogsync "github.com/wolfeidau/catalog-sync"
	"github.com/wolfeidau/catalog-sync/backend"
)

func newTestBackend(t *testing.T) *backend.ImageTree {
	t.Helper()
	tree, err := backend.NewImageTree(t.TempDir())
	require.NoError(t, err)
	return tree
}

func jobsFor(srvURL string, names ...string) []Job {
	jobs := make([]Job, 0, len(names))
	for _, name := range names {
		jobs = append(jobs, Job{URL: srvURL + "/" + name, Name: name})
	}
	return jobs
}

func TestRunDownloadsAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("content of " + r.URL.Path))
	}))
	defer srv.Close()

	tree := newTestBackend(t)
	d := NewDownloader(tree, WithConcurrency(4))

	res := d.Run(context.Background(), jobsFor(srv.URL, "a.jpg", "sub/b.jpg", "c.png"))

	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.Empty(t, res.Errors)
	assert.Len(t, res.Hashes, 3)

	rc, err := tree.Read(context.Background(), "sub/b.jpg")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "content of /sub/b.jpg", string(data))
}

func TestRunBoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()

		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	var names []string
	for i := 0; i < 10; i++ {
		names = append(names, fmt.Sprintf("img-%d.jpg", i))
	}

	d := NewDownloader(newTestBackend(t), WithConcurrency(2))
	res := d.Run(context.Background(), jobsFor(srv.URL, names...))

	assert.Equal(t, 10, res.Succeeded)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxInFlight, 2)
	assert.Greater(t, maxInFlight, 0)
}

func TestRunPartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "bad") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	names := []string{"a.jpg", "bad-1.jpg", "b.jpg", "bad-2.jpg", "c.jpg", "bad-3.jpg", "d.jpg", "e.jpg", "f.jpg", "g.jpg"}

	tree := newTestBackend(t)
	d := NewDownloader(tree, WithConcurrency(4))
	res := d.Run(context.Background(), jobsFor(srv.URL, names...))

	assert.Equal(t, 7, res.Succeeded)
	assert.Equal(t, 3, res.Failed)
	assert.Len(t, res.Errors, 3)
	assert.Len(t, res.Hashes, 7)
	assert.NotContains(t, res.Hashes, "bad-1.jpg")

	exists, err := tree.Exists(context.Background(), "bad-1.jpg")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRunRecordsDeclaredHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pixels"))
	}))
	defer srv.Close()

	d := NewDownloader(newTestBackend(t))
	res := d.Run(context.Background(), []Job{
		{URL: srv.URL + "/a.jpg", Name: "a.jpg", ExpectedHash: "declared-hash"},
		{URL: srv.URL + "/b.jpg", Name: "b.jpg"},
	})

	require.Equal(t, 2, res.Succeeded)
	assert.Equal(t, "declared-hash", res.Hashes["a.jpg"])
	// Undeclared hashes fall back to the hash of the downloaded bytes.
	assert.Equal(t, catalogsync.HashBytes([]byte("pixels")).String(), res.Hashes["b.jpg"])
}

func TestRunVerifyDiscardsMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pixels"))
	}))
	defer srv.Close()

	tree := newTestBackend(t)
	d := NewDownloader(tree, WithVerifyDownloads(true))

	good := catalogsync.HashBytes([]byte("pixels")).String()
	res := d.Run(context.Background(), []Job{
		{URL: srv.URL + "/ok.jpg", Name: "ok.jpg", ExpectedHash: good},
		{URL: srv.URL + "/tampered.jpg", Name: "tampered.jpg", ExpectedHash: strings.Repeat("0", 64)},
	})

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	exists, err := tree.Exists(context.Background(), "tampered.jpg")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = tree.Exists(context.Background(), "ok.jpg")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDownloader(newTestBackend(t), WithConcurrency(2))
	res := d.Run(ctx, jobsFor(srv.URL, "a.jpg", "b.jpg", "c.jpg"))

	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 3, res.Failed)
}

func TestConcurrencyFromEnv(t *testing.T) {
	t.Setenv(ConcurrencyEnvVar, "")
	assert.Equal(t, DefaultConcurrency, ConcurrencyFromEnv())

	t.Setenv(ConcurrencyEnvVar, "4")
	assert.Equal(t, 4, ConcurrencyFromEnv())

	t.Setenv(ConcurrencyEnvVar, "not-a-number")
	assert.Equal(t, DefaultConcurrency, ConcurrencyFromEnv())

	t.Setenv(ConcurrencyEnvVar, "0")
	assert.Equal(t, DefaultConcurrency, ConcurrencyFromEnv())
}
