// Package reconcile removes local images that the manifest no longer lists.
// The manifest is the source of truth for the image mirror: anything on
// disk outside its file set is stale and gets deleted, with one exception
// for staging areas that hold work in progress.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wolfeidau/catalog-sync/backend"
	"github.com/wolfeidau/catalog-sync/manifest"
	"github.com/wolfeidau/catalog-sync/telemetry"
)

// ErrNoManifestImages is returned when the manifest lists no images. An
// empty file set would mark the entire mirror stale, so the reconciler
// refuses to run against it.
var ErrNoManifestImages = errors.New("manifest lists no images")

// StagingPrefix is the path component exempt from reconciliation. Files
// below it are neither counted as orphans nor deleted.
const StagingPrefix = "staging/"

// Result contains the results of a reconcile run.
type Result struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	TotalScanned   int           `json:"total_scanned"`
	ManifestFiles  int           `json:"manifest_files"`
	Removed        int           `json:"removed"`
	Kept           int           `json:"kept"`
	SkippedStaging int           `json:"skipped_staging"`
	Errors         []string      `json:"errors,omitempty"`
}

// Reconciler deletes stale images from a backend.
type Reconciler struct {
	backend backend.Backend
	logger  *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger for the reconciler.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// New creates a Reconciler over the given backend.
func New(b backend.Backend, opts ...Option) *Reconciler {
	r := &Reconciler{
		backend: b,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run walks the whole mirror and deletes every file the manifest does not
// list. Per-file delete failures are recorded and the walk continues.
func (r *Reconciler) Run(ctx context.Context, m *manifest.Manifest) (*Result, error) {
	keep := m.FileSet()
	if len(keep) == 0 {
		return nil, ErrNoManifestImages
	}

	res := &Result{
		StartedAt:     time.Now(),
		ManifestFiles: len(keep),
	}

	keys, err := r.backend.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list mirror: %w", err)
	}

	for _, key := range keys {
		res.TotalScanned++

		norm := manifest.NormalizePath(key)
		if strings.HasPrefix(norm, StagingPrefix) {
			res.SkippedStaging++
			continue
		}

		if _, ok := keep[norm]; ok {
			res.Kept++
			continue
		}

		if err := r.backend.Delete(ctx, key); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", key, err))
			r.logger.Warn("failed to remove stale image", "key", key, "error", err)
			continue
		}
		res.Removed++
		r.logger.Debug("removed stale image", "key", key)
	}

	res.Duration = time.Since(res.StartedAt)
	telemetry.RecordReconcileCycle(ctx, res.Removed, res.Kept, res.Duration)

	r.logger.Info("reconcile complete",
		"scanned", res.TotalScanned,
		"removed", res.Removed,
		"kept", res.Kept,
		"skipped_staging", res.SkippedStaging,
		"errors", len(res.Errors))

	return res, nil
}
