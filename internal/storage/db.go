package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"traffic_engine/internal/config"
	"traffic_engine/internal/errors"
	"traffic_engine/internal/volume"
)

// Backends holds the storage connections selected by configuration.
type Backends struct {
	// Volumes is nil for the memory driver.
	Volumes volume.Repository
	// Writers receive archived track points.
	Writers []BatchWriter
	// Redis is set when the Redis track log is enabled and can be shared
	// with the alert publisher.
	Redis redis.UniversalClient

	closers []func() error
}

// Open connects every configured backend. retention bounds the Redis log.
func Open(ctx context.Context, cfg config.StorageConfig, retention time.Duration) (*Backends, error) {
	b := &Backends{}

	switch cfg.Driver {
	case "", "memory":
	case "sqlite":
		db, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite")
		}
		b.Volumes = db
		b.closers = append(b.closers, db.Close)
	case "postgres":
		pg, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, "postgres")
		}
		b.Volumes = pg
		b.closers = append(b.closers, pg.Close)
	default:
		return nil, errors.Validationf("unknown storage driver %q", cfg.Driver)
	}

	if cfg.ClickHouse.Enabled {
		ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			_ = b.Close()
			return nil, errors.Wrap(err, "clickhouse")
		}
		b.Writers = append(b.Writers, ch)
		b.closers = append(b.closers, ch.Close)
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			_ = b.Close()
			return nil, errors.Wrap(err, "ping redis")
		}
		b.Redis = rdb
		b.Writers = append(b.Writers, NewRedisTrackLog(rdb, cfg.Redis.Stream, retention))
		b.closers = append(b.closers, rdb.Close)
	}

	return b, nil
}

// Close closes every opened backend.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	if len(errs) > 0 {
		return errors.Newf("close storage: %v", errs)
	}
	return nil
}
