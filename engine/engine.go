// Package engine orchestrates catalog synchronization: manifest
// acquisition, version-gated database snapshot installation, bounded image
// downloads, cache bookkeeping and the cleanup and indexing operations
// built on top of them.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/catalog-sync/backend"
	"github.com/wolfeidau/catalog-sync/download"
	"github.com/wolfeidau/catalog-sync/manifest"
	"github.com/wolfeidau/catalog-sync/match"
	"github.com/wolfeidau/catalog-sync/reconcile"
	"github.com/wolfeidau/catalog-sync/store/catalogdb"
	"github.com/wolfeidau/catalog-sync/telemetry"
)

// SyncResult summarises one sync cycle.
type SyncResult struct {
	UpdatedDB        bool  `json:"updated_db"`
	DownloadedImages int   `json:"downloaded_images"`
	FailedImages     int   `json:"failed_images"`
	DBVersion        int64 `json:"db_version"`
}

// Outcome is the completion event of a background sync.
type Outcome struct {
	Result *SyncResult
	Err    error
}

// Engine ties the sync collaborators together. Concurrent Sync calls for
// the same manifest ref share one cycle.
type Engine struct {
	store   *catalogdb.Store
	tree    *backend.ImageTree
	fetcher *manifest.Fetcher

	downloader *download.Downloader
	matcher    *match.Matcher
	reconciler *reconcile.Reconciler

	snapshotClient *http.Client
	downloadOpts   []download.Option
	indexOnSync    bool
	logger         *slog.Logger

	group singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithDownloadOptions passes options through to the image downloader.
func WithDownloadOptions(opts ...download.Option) Option {
	return func(e *Engine) {
		e.downloadOpts = append(e.downloadOpts, opts...)
	}
}

// WithSnapshotClient sets the HTTP client used for snapshot downloads.
func WithSnapshotClient(client *http.Client) Option {
	return func(e *Engine) {
		e.snapshotClient = client
	}
}

// WithIndexOnSync links manifest-listed filenames to products at the end
// of every sync cycle.
func WithIndexOnSync(index bool) Option {
	return func(e *Engine) {
		e.indexOnSync = index
	}
}

// New creates an Engine over an opened store, image tree and fetcher.
func New(store *catalogdb.Store, tree *backend.ImageTree, fetcher *manifest.Fetcher, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		tree:    tree,
		fetcher: fetcher,
		snapshotClient: &http.Client{
			Timeout:   download.DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "snapshot"),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	instrumented := backend.NewInstrumentedBackend(tree, "images")
	e.downloader = download.NewDownloader(instrumented, append([]download.Option{download.WithLogger(e.logger)}, e.downloadOpts...)...)
	e.matcher = match.NewMatcher(catalogAdapter{store: store})
	e.reconciler = reconcile.New(instrumented, reconcile.WithLogger(e.logger))

	return e
}

// State returns the persisted sync state.
func (e *Engine) State(ctx context.Context) (catalogdb.SyncState, error) {
	return e.store.State(ctx)
}

// ImageRoot returns the image mirror root directory.
func (e *Engine) ImageRoot() string {
	return e.tree.Root()
}

// Sync runs one sync cycle for the manifest ref. Concurrent calls with the
// same ref share a single cycle; each caller still honors its own context.
func (e *Engine) Sync(ctx context.Context, ref string) (*SyncResult, error) {
	ch := e.group.DoChan(ref, func() (any, error) {
		// Detached so one caller's cancellation does not abort the cycle
		// for other waiters.
		return e.syncCycle(context.WithoutCancel(ctx), ref)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SyncResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SyncInBackground starts a sync cycle on its own goroutine and returns a
// channel delivering the completion event.
func (e *Engine) SyncInBackground(ctx context.Context, ref string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		res, err := e.Sync(ctx, ref)
		ch <- Outcome{Result: res, Err: err}
	}()
	return ch
}

func (e *Engine) syncCycle(ctx context.Context, ref string) (*SyncResult, error) {
	start := time.Now()
	logger := e.logger.With("run_id", uuid.NewString(), "ref", ref)

	m, fp, err := e.fetcher.Fetch(ctx, ref)
	if err != nil {
		outcome := "failed"
		if errors.Is(err, manifest.ErrUnavailable) {
			outcome = "unavailable"
		}
		telemetry.RecordSyncRun(ctx, outcome, time.Since(start))
		return nil, err
	}

	state, err := e.store.State(ctx)
	if err != nil {
		telemetry.RecordSyncRun(ctx, "failed", time.Since(start))
		return nil, err
	}

	updated := false
	if m.DB.Version > state.DBVersion {
		if err := e.installSnapshot(ctx, logger, m); err != nil {
			telemetry.RecordSyncRun(ctx, "failed", time.Since(start))
			return nil, err
		}
		updated = true

		// A version change invalidates any half-finished staging content
		// from earlier runs.
		if err := e.tree.RemoveSubtree(ctx, "staging"); err != nil {
			logger.Warn("failed to clear staging area", "error", err)
		}

		// Re-read: the installed snapshot replaced the whole meta table.
		state, err = e.store.State(ctx)
		if err != nil {
			telemetry.RecordSyncRun(ctx, "failed", time.Since(start))
			return nil, err
		}
	} else {
		telemetry.RecordDBReplacement(ctx, "skipped_version")
	}

	fingerprintChanged := fp.String() != state.ManifestHash

	jobs, err := e.planJobs(ctx, m, fingerprintChanged)
	if err != nil {
		telemetry.RecordSyncRun(ctx, "failed", time.Since(start))
		return nil, err
	}

	dlRes := e.downloader.Run(ctx, jobs)

	// Single serialized write after the join barrier; download tasks never
	// touch the database.
	if err := e.store.PutHashes(ctx, dlRes.Hashes); err != nil {
		telemetry.RecordSyncRun(ctx, "failed", time.Since(start))
		return nil, err
	}

	if err := e.store.SetManifestHash(ctx, fp.String()); err != nil {
		telemetry.RecordSyncRun(ctx, "failed", time.Since(start))
		return nil, err
	}

	if e.indexOnSync && m.HasImages() {
		names := make([]string, 0, len(m.Images.Files))
		for _, f := range m.Images.Files {
			names = append(names, f.File)
		}
		if res, err := e.matcher.IndexFiles(ctx, names); err != nil {
			logger.Warn("failed to index manifest files", "error", err)
		} else {
			logger.Info("indexed manifest files", "scanned", res.Scanned, "matched", res.Matched, "inserted", res.Inserted)
		}
	}

	result := &SyncResult{
		UpdatedDB:        updated,
		DownloadedImages: dlRes.Succeeded,
		FailedImages:     dlRes.Failed,
		DBVersion:        state.DBVersion,
	}

	outcome := "completed"
	if dlRes.Failed > 0 {
		outcome = "partial"
	}
	telemetry.RecordSyncRun(ctx, outcome, time.Since(start))

	logger.Info("sync complete",
		"updated_db", result.UpdatedDB,
		"db_version", result.DBVersion,
		"planned", len(jobs),
		"downloaded", result.DownloadedImages,
		"failed", result.FailedImages,
		"duration", time.Since(start))

	return result, nil
}

// installSnapshot downloads and atomically installs the manifest's
// database snapshot. Any failure leaves the local database untouched.
func (e *Engine) installSnapshot(ctx context.Context, logger *slog.Logger, m *manifest.Manifest) error {
	dataDir := filepath.Dir(e.store.Path())

	tmpPath, err := download.FetchSnapshot(ctx, e.snapshotClient, m.DB.URL, m.DB.SHA256, dataDir)
	if err != nil {
		telemetry.RecordDBReplacement(ctx, "failed")
		return err
	}

	if err := e.store.InstallSnapshot(ctx, tmpPath, m.DB.Version); err != nil {
		_ = os.Remove(tmpPath)
		telemetry.RecordDBReplacement(ctx, "failed")
		return err
	}

	telemetry.RecordDBReplacement(ctx, "installed")
	logger.Info("installed snapshot", "version", m.DB.Version)
	return nil
}

// planJobs builds the download list for a cycle in a single read pass: a
// file is fetched when it is missing locally, when its declared hash
// differs from the cached one, or when it declares no hash and the
// manifest fingerprint changed.
func (e *Engine) planJobs(ctx context.Context, m *manifest.Manifest, fingerprintChanged bool) ([]download.Job, error) {
	if !m.HasImages() {
		return nil, nil
	}

	var jobs []download.Job
	for _, f := range m.Images.Files {
		name := manifest.CleanPath(f.File)
		if name == "" {
			continue
		}

		exists, err := e.tree.Exists(ctx, name)
		if err != nil {
			return nil, err
		}

		need := false
		switch {
		case !exists:
			need = true
		case f.SHA256 != "":
			cached, ok, err := e.store.CachedHash(ctx, name)
			if err != nil {
				return nil, err
			}
			need = !ok || cached != f.SHA256
		default:
			need = fingerprintChanged
		}

		if need {
			jobs = append(jobs, download.Job{
				URL:          f.URL(m.Images.BaseURL),
				Name:         name,
				ExpectedHash: f.SHA256,
			})
		}
	}

	return jobs, nil
}

// Cleanup fetches the manifest and removes local images it no longer
// lists. The staging area is exempt.
func (e *Engine) Cleanup(ctx context.Context, ref string) (*reconcile.Result, error) {
	m, _, err := e.fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.reconciler.Run(ctx, m)
}

// IndexManifest links manifest-listed filenames to products by code.
func (e *Engine) IndexManifest(ctx context.Context, ref string) (*match.Result, error) {
	m, _, err := e.fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}

	var names []string
	if m.HasImages() {
		names = make([]string, 0, len(m.Images.Files))
		for _, f := range m.Images.Files {
			names = append(names, f.File)
		}
	}
	return e.matcher.IndexFiles(ctx, names)
}

// IndexTree links every image in the local mirror to products by code.
func (e *Engine) IndexTree(ctx context.Context) (*match.Result, error) {
	return e.matcher.IndexTree(ctx, e.tree.Root())
}

// catalogAdapter exposes the store as the matcher's catalog surface.
type catalogAdapter struct {
	store *catalogdb.Store
}

func (a catalogAdapter) CodeToProduct(ctx context.Context, code string) (int64, error) {
	id, err := a.store.ProductIDByCode(ctx, code)
	if errors.Is(err, catalogdb.ErrNotFound) {
		return 0, match.ErrNotFound
	}
	return id, err
}

func (a catalogAdapter) LinkImage(ctx context.Context, productID int64, filename string) (bool, error) {
	return a.store.InsertProductImage(ctx, productID, filename)
}
