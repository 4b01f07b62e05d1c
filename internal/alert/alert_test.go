package alert

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic_engine/internal/errors"
	"traffic_engine/internal/metrics"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type capture struct {
	mu   sync.Mutex
	got  []Alert
	fail bool
}

func (c *capture) Publish(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, a)
	if c.fail {
		return errors.New("broker down")
	}
	return nil
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestDispatcherStampsAndRecords(t *testing.T) {
	rec := NewRecorder(10)
	d := NewDispatcher(rec, metrics.New(), nil)
	d.SetClock(func() time.Time { return t0 })

	a := d.Raise(context.Background(), Alert{Kind: KindLeaseConflict, VolumeID: "v2", ConflictingVolumeIDs: []string{"v1"}})
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, t0, a.At)

	all := rec.All()
	require.Len(t, all, 1)
	assert.Equal(t, []string{"v1"}, all[0].ConflictingVolumeIDs)
}

func TestDispatcherDeliversDespiteFailures(t *testing.T) {
	broken := &capture{fail: true}
	ok := &capture{}
	d := NewDispatcher(nil, nil, nil, broken, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	d.Raise(ctx, Alert{Kind: KindNonconforming, FlightID: "F1"})
	d.Raise(ctx, Alert{Kind: KindConformanceRestored, FlightID: "F1"})

	require.Eventually(t, func() bool { return ok.len() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, broken.len())

	cancel()
	<-done
}

func TestRecorderRing(t *testing.T) {
	r := NewRecorder(3)
	for i := 0; i < 5; i++ {
		r.Add(Alert{ID: string(rune('a' + i)), At: t0.Add(time.Duration(i) * time.Second)})
	}

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "e", all[2].ID)

	recent := r.Since(t0.Add(3 * time.Second))
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].ID)
}

func TestNATSPublisherSubject(t *testing.T) {
	p := NewNATSPublisher(nil, "traffic.alerts")
	assert.Equal(t, "traffic.alerts.LeaseConflict", p.Subject(Alert{Kind: KindLeaseConflict}))
}

func TestNATSPublisherRoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Timeout(500*time.Millisecond))
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("test.alerts.>", msgs)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	p := NewNATSPublisher(nc, "test.alerts")
	require.NoError(t, p.Publish(context.Background(), Alert{ID: "a1", Kind: KindTelemetryLost, FlightID: "F1"}))

	select {
	case m := <-msgs:
		var a Alert
		require.NoError(t, json.Unmarshal(m.Data, &a))
		assert.Equal(t, "a1", a.ID)
		assert.Equal(t, "test.alerts.TelemetryLost", m.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert received")
	}
}

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisPublisherRoundTrip(t *testing.T) {
	rdb := setupTestRedis(t)
	p := NewRedisPublisher(rdb, "test:alerts")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got := make(chan Alert, 1)
	go func() {
		_ = p.Subscribe(ctx, func(a Alert) { got <- a })
	}()

	require.Eventually(t, func() bool {
		_ = p.Publish(ctx, Alert{ID: "r1", Kind: KindGeofenceBreach})
		select {
		case a := <-got:
			return a.ID == "r1"
		default:
			return false
		}
	}, 2*time.Second, 50*time.Millisecond)
}
