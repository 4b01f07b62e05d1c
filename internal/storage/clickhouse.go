package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"traffic_engine/internal/config"
	"traffic_engine/internal/errors"
	"traffic_engine/internal/track"
)

// ClickHouseArchive stores accepted track points for replay and analysis.
type ClickHouseArchive struct {
	conn driver.Conn
}

// OpenClickHouse opens a connection to ClickHouse and creates the schema.
func OpenClickHouse(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouseArchive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open clickhouse")
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "ping clickhouse")
	}

	a := &ClickHouseArchive{conn: conn}
	if err := a.CreateSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return a, nil
}

// Close closes the connection.
func (a *ClickHouseArchive) Close() error {
	return a.conn.Close()
}

// CreateSchema creates the point table. Rows expire after 30 days.
func (a *ClickHouseArchive) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS track_points (
		flight_id   String,
		timestamp   DateTime64(3, 'UTC'),
		source      LowCardinality(String),
		quality     UInt8,
		lat         Float64,
		lon         Float64,
		altitude_m  Float64,
		accuracy_m  Float64
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMMDD(timestamp)
	ORDER BY (flight_id, timestamp)
	TTL toDateTime(timestamp) + INTERVAL 30 DAY
	`
	if err := a.conn.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "create track_points")
	}
	return nil
}

// WriteBatch inserts points in a single batch.
func (a *ClickHouseArchive) WriteBatch(ctx context.Context, points []track.TrackPoint) error {
	if len(points) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO track_points (flight_id, timestamp, source, quality, lat, lon, altitude_m, accuracy_m)
	`)
	if err != nil {
		return errors.Wrap(err, "prepare batch")
	}

	for _, p := range points {
		err := batch.Append(p.FlightID, p.Timestamp.UTC(), p.Source, uint8(p.Quality),
			p.Position.Lat, p.Position.Lon, p.Position.AltitudeM, p.AccuracyM)
		if err != nil {
			_ = batch.Abort()
			return errors.Wrap(err, "append to batch")
		}
	}

	if err := batch.Send(); err != nil {
		return errors.Wrap(err, "send batch")
	}
	return nil
}

// Range returns archived points of one flight in [from, to], oldest first.
func (a *ClickHouseArchive) Range(ctx context.Context, flightID string, from, to time.Time) ([]track.TrackPoint, error) {
	rows, err := a.conn.Query(ctx, `
		SELECT flight_id, timestamp, source, quality, lat, lon, altitude_m, accuracy_m
		FROM track_points
		WHERE flight_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp
	`, flightID, from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "query track_points")
	}
	defer rows.Close()

	var out []track.TrackPoint
	for rows.Next() {
		var p track.TrackPoint
		var q uint8
		if err := rows.Scan(&p.FlightID, &p.Timestamp, &p.Source, &q,
			&p.Position.Lat, &p.Position.Lon, &p.Position.AltitudeM, &p.AccuracyM); err != nil {
			return nil, errors.Wrap(err, "scan track point")
		}
		p.Quality = track.Quality(q)
		out = append(out, p)
	}
	return out, rows.Err()
}
