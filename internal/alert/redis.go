package alert

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"traffic_engine/internal/errors"
)

// RedisPublisher publishes alerts as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "encode alert")
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return errors.Wrapf(err, "publish alert %s", a.ID)
	}
	return nil
}

// Subscribe decodes alerts from the channel until ctx is cancelled.
func (p *RedisPublisher) Subscribe(ctx context.Context, fn func(Alert)) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrapf(err, "subscribe %s", p.channel)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var a Alert
			if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
				continue
			}
			fn(a)
		}
	}
}
