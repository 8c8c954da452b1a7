package catalogdb

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one ordered schema step. Steps must be idempotent: snapshots
// arrive from the publisher with an unknown subset of the schema already in
// place, so every step re-checks before altering.
type migration struct {
	version int64
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "catalog tables",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);
				CREATE TABLE IF NOT EXISTS brands (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE);
				CREATE TABLE IF NOT EXISTS vehicles (id INTEGER PRIMARY KEY, name TEXT NOT NULL UNIQUE);
				CREATE TABLE IF NOT EXISTS products (
					id INTEGER PRIMARY KEY, brand_id INTEGER NOT NULL, code TEXT NOT NULL UNIQUE,
					description TEXT NOT NULL, application TEXT,
					FOREIGN KEY(brand_id) REFERENCES brands(id)
				);
				CREATE TABLE IF NOT EXISTS product_vehicles (
					product_id INTEGER NOT NULL, vehicle_id INTEGER NOT NULL,
					PRIMARY KEY (product_id, vehicle_id)
				);
				CREATE TABLE IF NOT EXISTS images (
					id INTEGER PRIMARY KEY, product_id INTEGER NOT NULL, filename TEXT NOT NULL,
					UNIQUE(product_id, filename)
				)`)
			return err
		},
	},
	{
		version: 2,
		name:    "product detail columns",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			for _, col := range []string{"details", "oem", "similar", "pgroup"} {
				ok, err := columnExists(ctx, tx, "products", col)
				if err != nil {
					return err
				}
				if ok {
					continue
				}
				if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE products ADD COLUMN %s TEXT", col)); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		version: 3,
		name:    "image hash cache",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS image_cache (
					filename TEXT PRIMARY KEY, sha256 TEXT NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_images_product ON images(product_id)`)
			return err
		},
	},
}

// migrateLocked runs all pending migrations on db. The caller must hold the
// store lock (or be in Open before the store is shared).
func (s *Store) migrateLocked(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && m.version <= current.Int64 {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		if err := m.apply(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations(version, name) VALUES(?, ?)", m.version, m.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		s.logger.Debug("applied migration", "version", m.version, "name", m.name)
	}

	// Seed db_version only when absent; a snapshot carries its own.
	var exists int
	err := db.QueryRowContext(ctx, "SELECT 1 FROM meta WHERE key = ?", metaDBVersionKey).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.ExecContext(ctx, "INSERT INTO meta(key, value) VALUES(?, '0')", metaDBVersionKey); err != nil {
			return fmt.Errorf("failed to seed db_version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to check db_version: %w", err)
	}

	return nil
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &primaryKey); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}

	return false, rows.Err()
}
