// Package download fetches manifest-listed images into the local mirror
// with bounded concurrency, and pulls database snapshots for installation.
package download

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	catalogsync "github.com/wolfeidau/catalog-sync"
	"github.com/wolfeidau/catalog-sync/backend"
	"github.com/wolfeidau/catalog-sync/telemetry"
)

const (
	// DefaultConcurrency is the download fan-out ceiling when neither the
	// option nor the environment overrides it.
	DefaultConcurrency = 16

	// ConcurrencyEnvVar overrides the fan-out ceiling.
	ConcurrencyEnvVar = "CATALOG_SYNC_CONCURRENCY"

	// DefaultTimeout bounds one image request end to end.
	DefaultTimeout = 60 * time.Second
)

// Job is one image to fetch. Jobs are built per sync cycle and discarded
// after the run.
type Job struct {
	// URL is the fully resolved download URL.
	URL string

	// Name is the manifest-relative filename, used as the storage key.
	Name string

	// ExpectedHash is the manifest-declared SHA-256, empty when the
	// manifest does not declare one.
	ExpectedHash string
}

// Result summarises one download run. Per-file failures are counted and
// listed, never returned as errors; siblings keep downloading.
type Result struct {
	Succeeded int
	Failed    int

	// Hashes maps each successfully stored name to the hash recorded for
	// it: the declared hash when the manifest carries one, otherwise the
	// hash of the downloaded bytes.
	Hashes map[string]string

	Errors []string
}

// Downloader fetches images concurrently into a backend. The concurrency
// ceiling is a hard gate: at most limit requests are in flight at once.
type Downloader struct {
	backend backend.Backend
	client  *http.Client
	limit   int
	verify  bool
	logger  *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient sets the HTTP client used for image requests.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		d.client = client
	}
}

// WithConcurrency sets the fan-out ceiling. Values below 1 keep the
// default.
func WithConcurrency(n int) Option {
	return func(d *Downloader) {
		if n >= 1 {
			d.limit = n
		}
	}
}

// WithVerifyDownloads re-hashes downloaded bytes against the declared hash
// and discards mismatches. Off by default; the manifest is trusted.
func WithVerifyDownloads(verify bool) Option {
	return func(d *Downloader) {
		d.verify = verify
	}
}

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// ConcurrencyFromEnv resolves the fan-out ceiling from the environment,
// falling back to DefaultConcurrency for unset or unusable values.
func ConcurrencyFromEnv() int {
	raw := os.Getenv(ConcurrencyEnvVar)
	if raw == "" {
		return DefaultConcurrency
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return DefaultConcurrency
	}
	return n
}

// NewDownloader creates a Downloader writing into b.
func NewDownloader(b backend.Backend, opts ...Option) *Downloader {
	d := &Downloader{
		backend: b,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "image"),
		},
		limit:  ConcurrencyFromEnv(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run downloads all jobs and blocks until every task finishes. Cancelling
// ctx stops tasks that have not started; in-flight requests run to their
// own deadline. The returned Result is only touched after the join, so the
// caller can hand its hashes to a single serialized cache write.
func (d *Downloader) Run(ctx context.Context, jobs []Job) *Result {
	res := &Result{Hashes: make(map[string]string, len(jobs))}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(d.limit)

	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				res.Failed++
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", job.Name, err))
				mu.Unlock()
				return nil
			}

			hash, err := d.fetchOne(ctx, job)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", job.Name, err))
				d.logger.Warn("image download failed", "name", job.Name, "error", err)
				return nil
			}
			res.Succeeded++
			res.Hashes[job.Name] = hash
			return nil
		})
	}

	_ = g.Wait()
	return res
}

// fetchOne downloads a single image and stores it atomically. Returns the
// hash to record for the file.
func (d *Downloader) fetchOne(ctx context.Context, job Job) (string, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		telemetry.RecordDownload(ctx, "error", time.Since(start), 0)
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		telemetry.RecordDownload(ctx, "error", time.Since(start), 0)
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		telemetry.RecordDownload(ctx, "error", time.Since(start), 0)
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	hr := catalogsync.NewHashingReader(resp.Body)
	if err := d.backend.Write(ctx, job.Name, hr); err != nil {
		telemetry.RecordDownload(ctx, "error", time.Since(start), 0)
		return "", fmt.Errorf("failed to store image: %w", err)
	}

	computed := hr.Sum().String()
	if d.verify && job.ExpectedHash != "" && computed != job.ExpectedHash {
		_ = d.backend.Delete(ctx, job.Name)
		telemetry.RecordDownload(ctx, "error", time.Since(start), hr.BytesRead())
		return "", fmt.Errorf("hash mismatch: got %s want %s", computed, job.ExpectedHash)
	}

	telemetry.RecordDownload(ctx, "success", time.Since(start), hr.BytesRead())
	telemetry.RecordImageWrite(ctx, hr.BytesRead(), true)

	if job.ExpectedHash != "" {
		return job.ExpectedHash, nil
	}
	return computed, nil
}
