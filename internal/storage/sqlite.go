// Package storage persists volumes and archives accepted track points.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"traffic_engine/internal/errors"
	"traffic_engine/internal/volume"
)

// SQLiteVolumes is a volume.Repository backed by a single SQLite file.
type SQLiteVolumes struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite database at the given path.
func OpenSQLite(path string) (*SQLiteVolumes, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// WAL lets the feed read while the store writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "enable WAL")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}

	if err := createSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create schema")
	}

	return &SQLiteVolumes{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteVolumes) Close() error {
	return s.db.Close()
}

func createSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS volumes (
		id         TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		flight_id  TEXT,
		kind       TEXT NOT NULL,
		state      TEXT NOT NULL,
		version    INTEGER NOT NULL,
		body       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_volumes_flight ON volumes(flight_id);
	CREATE INDEX IF NOT EXISTS idx_volumes_state ON volumes(state);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return migrateSQLiteSchema(db)
}

// migrateSQLiteSchema adds columns introduced after the first release.
func migrateSQLiteSchema(db *sql.DB) error {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('volumes') WHERE name = 'invalid'`).Scan(&count)
	if err != nil {
		return err
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE volumes ADD COLUMN invalid INTEGER NOT NULL DEFAULT 0`); err != nil {
			return err
		}
	}
	return nil
}

// SaveVolume writes v unless the stored copy is at the same or a newer version.
func (s *SQLiteVolumes) SaveVolume(ctx context.Context, v *volume.Volume) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode volume %s", v.ID)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO volumes (id, owner, flight_id, kind, state, version, body, updated_at, invalid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			version = excluded.version,
			body = excluded.body,
			updated_at = excluded.updated_at,
			invalid = excluded.invalid
		WHERE volumes.version < excluded.version
	`, v.ID, v.Owner, v.FlightID, string(v.Kind), string(v.State), v.Version, string(body),
		v.UpdatedAt.UTC().Format(time.RFC3339Nano), v.Invalid)
	if err != nil {
		return errors.Wrapf(err, "save volume %s", v.ID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.VersionConflictf("volume %s: version %d is not newer than stored", v.ID, v.Version)
	}
	return nil
}

// LoadVolumes returns every stored volume.
func (s *SQLiteVolumes) LoadVolumes(ctx context.Context) ([]*volume.Volume, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM volumes ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query volumes")
	}
	defer rows.Close()

	var out []*volume.Volume
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "scan volume")
		}
		v, err := decodeVolume([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountByState returns the number of stored volumes per lifecycle state.
func (s *SQLiteVolumes) CountByState(ctx context.Context) (map[volume.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM volumes GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "count volumes")
	}
	defer rows.Close()

	out := make(map[volume.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		out[volume.State(state)] = n
	}
	return out, rows.Err()
}

func decodeVolume(body []byte) (*volume.Volume, error) {
	var v volume.Volume
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, errors.Wrap(err, "decode volume")
	}
	return &v, nil
}
