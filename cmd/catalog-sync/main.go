// Command catalog-sync mirrors a remote product catalog: a versioned
// SQLite snapshot plus the image files its manifest lists. It runs either
// as a one-shot CLI (sync, cleanup, index) or as an HTTP service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/catalog-sync/backend"
	"github.com/wolfeidau/catalog-sync/download"
	"github.com/wolfeidau/catalog-sync/engine"
	"github.com/wolfeidau/catalog-sync/imagecrypt"
	"github.com/wolfeidau/catalog-sync/manifest"
	"github.com/wolfeidau/catalog-sync/server"
	"github.com/wolfeidau/catalog-sync/store/catalogdb"
	"github.com/wolfeidau/catalog-sync/telemetry"
)

var version = "dev"

var cli struct {
	DataDir     string `help:"Directory holding the catalog database and image mirror." default:"./data" env:"CATALOG_SYNC_DATA_DIR"`
	ManifestRef string `help:"Manifest URL or local file path." env:"CATALOG_SYNC_MANIFEST" required:""`
	SeedPath    string `help:"Bundled seed manifest used when the remote manifest is unreachable." env:"CATALOG_SYNC_SEED"`
	Concurrency int    `help:"Concurrent image downloads (0 uses ${env} or the built-in default)." env:"CATALOG_SYNC_CONCURRENCY"`
	Verify      bool   `help:"Verify downloaded images against their declared hashes."`
	LogLevel    string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat   string `help:"Log format (text, json)." default:"text" enum:"text,json"`

	Sync    syncCmd    `cmd:"" help:"Run one sync cycle against the manifest."`
	Cleanup cleanupCmd `cmd:"" help:"Remove local images the manifest no longer lists."`
	Index   indexCmd   `cmd:"" help:"Link image filenames to products by code."`
	Serve   serveCmd   `cmd:"" help:"Run the HTTP service."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// app carries the wired components into command Run methods.
type app struct {
	engine   *engine.Engine
	store    *catalogdb.Store
	keychain *imagecrypt.Keychain
	logger   *slog.Logger
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("catalog-sync"),
		kong.Description("Catalog snapshot and image mirror synchronizer."),
		kong.Vars{
			"version": version,
			"env":     download.ConcurrencyEnvVar,
		},
	)

	logger, err := buildLogger()
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	a, cleanup, err := buildApp(logger)
	kctx.FatalIfErrorf(err)
	defer cleanup()

	kctx.FatalIfErrorf(kctx.Run(a))
}

func buildLogger() (*slog.Logger, error) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	}

	return slog.New(handler), nil
}

func buildApp(logger *slog.Logger) (*app, func(), error) {
	store, err := catalogdb.Open(filepath.Join(cli.DataDir, "catalog.db"), catalogdb.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("opening catalog database: %w", err)
	}

	tree, err := newImageTree(cli.DataDir)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	fetcherOpts := []manifest.FetcherOption{manifest.WithLogger(logger)}
	if cli.SeedPath != "" {
		fetcherOpts = append(fetcherOpts, manifest.WithSeedPath(cli.SeedPath))
	}
	fetcher := manifest.NewFetcher(fetcherOpts...)

	concurrency := cli.Concurrency
	if concurrency < 1 {
		concurrency = download.ConcurrencyFromEnv()
	}
	downloadOpts := []download.Option{download.WithConcurrency(concurrency)}
	if cli.Verify {
		downloadOpts = append(downloadOpts, download.WithVerifyDownloads(true))
	}

	kc, err := imagecrypt.LoadKeychain(imagecrypt.DefaultKeyConfig(cli.DataDir))
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("loading decryption key: %w", err)
	}

	e := engine.New(store, tree, fetcher,
		engine.WithLogger(logger),
		engine.WithDownloadOptions(downloadOpts...),
	)

	a := &app{
		engine:   e,
		store:    store,
		keychain: kc,
		logger:   logger,
	}
	return a, func() { _ = store.Close() }, nil
}

func newImageTree(dataDir string) (*backend.ImageTree, error) {
	tree, err := backend.NewImageTree(filepath.Join(dataDir, "images"))
	if err != nil {
		return nil, fmt.Errorf("creating image mirror: %w", err)
	}
	return tree, nil
}

type syncCmd struct {
	Index bool `help:"Also link manifest filenames to products after the sync."`
}

func (c *syncCmd) Run(a *app) error {
	ctx := signalContext()

	res, err := a.engine.Sync(ctx, cli.ManifestRef)
	if err != nil {
		return err
	}
	if c.Index {
		if _, err := a.engine.IndexManifest(ctx, cli.ManifestRef); err != nil {
			return err
		}
	}
	return printJSON(res)
}

type cleanupCmd struct{}

func (c *cleanupCmd) Run(a *app) error {
	res, err := a.engine.Cleanup(signalContext(), cli.ManifestRef)
	if err != nil {
		return err
	}
	return printJSON(res)
}

type indexCmd struct {
	Source string `help:"Filename source." default:"tree" enum:"tree,manifest"`
}

func (c *indexCmd) Run(a *app) error {
	ctx := signalContext()

	if c.Source == "manifest" {
		res, err := a.engine.IndexManifest(ctx, cli.ManifestRef)
		if err != nil {
			return err
		}
		return printJSON(res)
	}

	res, err := a.engine.IndexTree(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}

type serveCmd struct {
	Address      string        `help:"Address to listen on." default:":8080" env:"CATALOG_SYNC_ADDR"`
	AuthToken    string        `help:"Bearer token required on control endpoints." env:"CATALOG_SYNC_AUTH_TOKEN"`
	SyncInterval time.Duration `help:"Periodic background sync interval (0 disables)." default:"0"`
	Metrics      bool          `help:"Enable the Prometheus /metrics endpoint."`
	OTLPEndpoint string        `help:"OTLP gRPC endpoint for metric export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func (c *serveCmd) Run(a *app) error {
	ctx := signalContext()

	if c.Metrics || c.OTLPEndpoint != "" {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "catalog-sync",
			ServiceVersion:   version,
			OTLPEndpoint:     c.OTLPEndpoint,
			EnablePrometheus: c.Metrics,
		})
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	srv, err := server.New(a.engine, a.store, a.keychain, server.Config{
		Address:     c.Address,
		ManifestRef: cli.ManifestRef,
		AuthToken:   c.AuthToken,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if c.SyncInterval > 0 {
		go c.periodicSync(ctx, a)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	a.logger.Info("server started", "address", srv.Address(), "version", version)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (c *serveCmd) periodicSync(ctx context.Context, a *app) {
	ticker := time.NewTicker(c.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out := <-a.engine.SyncInBackground(ctx, cli.ManifestRef)
			if out.Err != nil {
				a.logger.Error("periodic sync failed", "error", out.Err)
			}
		}
	}
}

func signalContext() context.Context {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	_ = cancel // released on process exit
	return ctx
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
