package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/chazu/kestrel/jit"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	fingerprint INTEGER NOT NULL,
	name        TEXT    NOT NULL,
	data        BLOB    NOT NULL,
	updated     INTEGER NOT NULL,
	PRIMARY KEY (fingerprint, name)
)`

// SQLite stores profiles in a SQLite database.
type SQLite struct {
	db   *sql.DB
	path string
}

// Entry describes a stored profile.
type Entry struct {
	Key     jit.ProfileKey
	Sites   int
	Updated time.Time
}

// OpenSQLite opens or creates the profile database at path. The special
// path ":memory:" keeps the database in memory.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One connection keeps an in-memory database shared.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema in %s: %w", path, err)
	}
	log.Debugf("opened profile database %s", path)
	return &SQLite{db: db, path: path}, nil
}

// Path returns the database path.
func (s *SQLite) Path() string { return s.path }

// LoadProfile implements jit.ProfileStore.
func (s *SQLite) LoadProfile(ctx context.Context, key jit.ProfileKey) (jit.ProfileSnapshot, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM profiles WHERE fingerprint = ? AND name = ?`,
		int64(key.Fingerprint), key.Name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return jit.ProfileSnapshot{}, false, nil
	}
	if err != nil {
		return jit.ProfileSnapshot{}, false, fmt.Errorf("store: load %s: %w", key.Name, err)
	}
	snap, err := UnmarshalProfile(data)
	var ve *VersionError
	if errors.As(err, &ve) {
		log.Noticef("%s: ignoring stale profile: %s", key.Name, err)
		return jit.ProfileSnapshot{}, false, nil
	}
	if err != nil {
		return jit.ProfileSnapshot{}, false, err
	}
	return snap, true, nil
}

// SaveProfile implements jit.ProfileStore.
func (s *SQLite) SaveProfile(ctx context.Context, key jit.ProfileKey, snap jit.ProfileSnapshot) error {
	data, err := MarshalProfile(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles (fingerprint, name, data, updated) VALUES (?, ?, ?, ?)
		 ON CONFLICT (fingerprint, name) DO UPDATE SET data = excluded.data, updated = excluded.updated`,
		int64(key.Fingerprint), key.Name, data, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store: save %s: %w", key.Name, err)
	}
	return nil
}

// List returns every stored profile ordered by name.
func (s *SQLite) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint, name, data, updated FROM profiles ORDER BY name, fingerprint`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			fp      int64
			e       Entry
			data    []byte
			updated int64
		)
		if err := rows.Scan(&fp, &e.Key.Name, &data, &updated); err != nil {
			return nil, fmt.Errorf("store: list: %w", err)
		}
		e.Key.Fingerprint = uint64(fp)
		e.Updated = time.Unix(0, updated)
		if snap, err := UnmarshalProfile(data); err == nil {
			e.Sites = len(snap.Sites)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes the profile stored under key.
func (s *SQLite) Delete(ctx context.Context, key jit.ProfileKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE fingerprint = ? AND name = ?`,
		int64(key.Fingerprint), key.Name)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", key.Name, err)
	}
	return nil
}

// Prune removes profiles not updated since before and returns how many
// were removed.
func (s *SQLite) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE updated < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
