package catalogdb

import (
	"context"
	"database/sql"
	"fmt"
)

// CachedHash returns the recorded hash for an image filename, if any.
func (s *Store) CachedHash(ctx context.Context, filename string) (string, bool, error) {
	db, release, err := s.handle()
	if err != nil {
		return "", false, err
	}
	defer release()

	var hash string
	err = db.QueryRowContext(ctx, "SELECT sha256 FROM image_cache WHERE filename = ?", filename).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read image cache: %w", err)
	}

	return hash, true, nil
}

// PutHashes records the hashes of successfully downloaded images in a
// single transaction. This is the one write pass after a download run;
// concurrent download tasks never touch the database.
func (s *Store) PutHashes(ctx context.Context, hashes map[string]string) error {
	if len(hashes) == 0 {
		return nil
	}

	db, release, err := s.handle()
	if err != nil {
		return err
	}
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin image cache write: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO image_cache(filename, sha256) VALUES(?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare image cache write: %w", err)
	}
	defer stmt.Close()

	for filename, hash := range hashes {
		if _, err := stmt.ExecContext(ctx, filename, hash); err != nil {
			return fmt.Errorf("failed to cache hash for %s: %w", filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit image cache write: %w", err)
	}
	return nil
}
