package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"traffic_engine/internal/errors"
	"traffic_engine/internal/track"
)

// RedisTrackLog keeps a short rolling log of accepted points in a Redis
// stream so other processes can tail recent traffic. Stream IDs are assigned
// by Redis at write time, so Range selects by arrival rather than point
// timestamp. Entries older than the retention window are trimmed on write.
type RedisTrackLog struct {
	rdb       redis.UniversalClient
	stream    string
	retention time.Duration
}

// NewRedisTrackLog creates a log writing to stream.
func NewRedisTrackLog(rdb redis.UniversalClient, stream string, retention time.Duration) *RedisTrackLog {
	return &RedisTrackLog{rdb: rdb, stream: stream, retention: retention}
}

// WriteBatch appends points in one pipeline.
func (l *RedisTrackLog) WriteBatch(ctx context.Context, points []track.TrackPoint) error {
	if len(points) == 0 {
		return nil
	}
	minID := ""
	if l.retention > 0 {
		minID = strconv.FormatInt(time.Now().Add(-l.retention).UnixMilli(), 10)
	}

	pipe := l.rdb.Pipeline()
	for _, p := range points {
		data, err := json.Marshal(p)
		if err != nil {
			return errors.Wrapf(err, "encode point %s", p)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: l.stream,
			MinID:  minID,
			Approx: minID != "",
			Values: map[string]any{"flight_id": p.FlightID, "point": data},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "append to %s", l.stream)
	}
	return nil
}

// Range returns points written in [from, to]. An empty
// flightID returns every flight.
func (l *RedisTrackLog) Range(ctx context.Context, flightID string, from, to time.Time) ([]track.TrackPoint, error) {
	msgs, err := l.rdb.XRange(ctx, l.stream,
		strconv.FormatInt(from.UnixMilli(), 10),
		strconv.FormatInt(to.UnixMilli(), 10)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "range %s", l.stream)
	}

	var out []track.TrackPoint
	for _, m := range msgs {
		if flightID != "" && m.Values["flight_id"] != flightID {
			continue
		}
		raw, ok := m.Values["point"].(string)
		if !ok {
			continue
		}
		var p track.TrackPoint
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
