package catalogdb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// SyncState is the persisted synchronization state from the meta table.
type SyncState struct {
	// DBVersion is the installed catalog snapshot version. Starts at 0 and
	// only ever advances.
	DBVersion int64

	// ManifestHash is the fingerprint of the last fully processed
	// manifest, hex-encoded. Empty before the first completed cycle.
	ManifestHash string
}

// State reads the current sync state.
func (s *Store) State(ctx context.Context) (SyncState, error) {
	db, release, err := s.handle()
	if err != nil {
		return SyncState{}, err
	}
	defer release()

	version, err := readDBVersion(ctx, db)
	if err != nil {
		return SyncState{}, err
	}

	var hash string
	err = db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", metaManifestHashKey).Scan(&hash)
	if err != nil && err != sql.ErrNoRows {
		return SyncState{}, fmt.Errorf("failed to read manifest hash: %w", err)
	}

	return SyncState{DBVersion: version, ManifestHash: hash}, nil
}

// SetDBVersion records a new snapshot version.
func (s *Store) SetDBVersion(ctx context.Context, version int64) error {
	db, release, err := s.handle()
	if err != nil {
		return err
	}
	defer release()

	return writeMeta(ctx, db, metaDBVersionKey, strconv.FormatInt(version, 10))
}

// SetManifestHash records the fingerprint of a fully processed manifest.
func (s *Store) SetManifestHash(ctx context.Context, hash string) error {
	db, release, err := s.handle()
	if err != nil {
		return err
	}
	defer release()

	return writeMeta(ctx, db, metaManifestHashKey, hash)
}

func readDBVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var raw sql.NullString
	err := db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", metaDBVersionKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read db_version: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return 0, nil
	}

	version, err := strconv.ParseInt(raw.String, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed db_version %q: %w", raw.String, err)
	}
	return version, nil
}

func writeMeta(ctx context.Context, db *sql.DB, key, value string) error {
	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO meta(key, value) VALUES(?, ?)", key, value); err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}
