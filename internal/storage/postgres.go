package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"traffic_engine/internal/config"
	"traffic_engine/internal/errors"
	"traffic_engine/internal/volume"
)

// PostgresVolumes is a volume.Repository backed by a PostgreSQL pool. It is
// the driver for deployments that run more than one engine replica against
// shared state.
type PostgresVolumes struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL and creates the schema.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*PostgresVolumes, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres config")
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	p := &PostgresVolumes{pool: pool}
	if err := p.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close closes the connection pool.
func (p *PostgresVolumes) Close() error {
	p.pool.Close()
	return nil
}

// CreateSchema creates the volume tables.
func (p *PostgresVolumes) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS volumes (
		id          TEXT PRIMARY KEY,
		owner       TEXT NOT NULL,
		flight_id   TEXT,
		kind        TEXT NOT NULL,
		state       TEXT NOT NULL,
		version     BIGINT NOT NULL,
		invalid     BOOLEAN NOT NULL DEFAULT FALSE,
		body        JSONB NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_volumes_flight ON volumes(flight_id);
	CREATE INDEX IF NOT EXISTS idx_volumes_state ON volumes(state);
	`
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "create postgres schema")
	}
	return nil
}

// SaveVolume upserts v. The WHERE clause makes the write a no-op when the
// stored version is the same or newer, which is reported as a version conflict.
func (p *PostgresVolumes) SaveVolume(ctx context.Context, v *volume.Volume) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO volumes (id, owner, flight_id, kind, state, version, invalid, body, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			version = EXCLUDED.version,
			invalid = EXCLUDED.invalid,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at
		WHERE volumes.version < EXCLUDED.version
	`, v.ID, v.Owner, v.FlightID, string(v.Kind), string(v.State), v.Version, v.Invalid, v, v.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "save volume %s", v.ID)
	}
	if tag.RowsAffected() == 0 {
		return errors.VersionConflictf("volume %s: version %d is not newer than stored", v.ID, v.Version)
	}
	return nil
}

// LoadVolumes returns every stored volume.
func (p *PostgresVolumes) LoadVolumes(ctx context.Context) ([]*volume.Volume, error) {
	rows, err := p.pool.Query(ctx, `SELECT body FROM volumes ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query volumes")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*volume.Volume, error) {
		var body []byte
		if err := row.Scan(&body); err != nil {
			return nil, err
		}
		return decodeVolume(body)
	})
	if err != nil {
		return nil, errors.Wrap(err, "load volumes")
	}
	return out, nil
}

// GetVolume loads a single volume by ID.
func (p *PostgresVolumes) GetVolume(ctx context.Context, id string) (*volume.Volume, error) {
	var body []byte
	err := p.pool.QueryRow(ctx, `SELECT body FROM volumes WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFoundf("volume %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get volume %s", id)
	}
	return decodeVolume(body)
}
