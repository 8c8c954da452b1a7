// Package catalogdb provides the SQLite-backed catalog store: the product
// catalog delivered via database snapshots, the sync state recorded in the
// meta table, and the image hash cache used for download planning.
//
// The whole database file is replaceable: a snapshot install atomically
// renames a downloaded file over the live one and re-runs migrations, so
// every piece of local state that must survive a snapshot lives in here.
package catalogdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	metaDBVersionKey    = "db_version"
	metaManifestHashKey = "manifest_hash"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps the catalog database connection.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open creates or opens the catalog database at the given path, applies
// pragmas and runs migrations. Safe to call on a freshly installed
// snapshot; migrations are idempotent.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	s.db = db

	if err := s.migrateLocked(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// handle returns the current connection under a read lock. The returned
// release function must be called when the caller is done with it.
func (s *Store) handle() (*sql.DB, func(), error) {
	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return nil, nil, fmt.Errorf("store is closed")
	}
	return s.db, s.mu.RUnlock, nil
}

// InstallSnapshot atomically replaces the live database file with a
// downloaded snapshot: close, rename over the live file, reopen and
// re-migrate. The recorded db_version is advanced to version only if the
// snapshot's own recorded version is still behind it.
func (s *Store) InstallSnapshot(ctx context.Context, snapshotPath string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database for install: %w", err)
		}
		s.db = nil
	}

	// WAL sidecars belong to the old file.
	_ = os.Remove(s.path + "-wal")
	_ = os.Remove(s.path + "-shm")

	if err := os.Rename(snapshotPath, s.path); err != nil {
		// Reopen the old file so the store stays usable.
		if db, openErr := openDB(s.path); openErr == nil {
			s.db = db
		}
		return fmt.Errorf("failed to install snapshot: %w", err)
	}

	db, err := openDB(s.path)
	if err != nil {
		return fmt.Errorf("failed to reopen database after install: %w", err)
	}

	if err := s.migrateLocked(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate installed snapshot: %w", err)
	}

	current, err := readDBVersion(ctx, db)
	if err != nil {
		_ = db.Close()
		return err
	}
	if current < version {
		if err := writeMeta(ctx, db, metaDBVersionKey, fmt.Sprintf("%d", version)); err != nil {
			_ = db.Close()
			return err
		}
	}

	s.db = db
	s.logger.Info("installed database snapshot", "path", s.path, "version", version)
	return nil
}
