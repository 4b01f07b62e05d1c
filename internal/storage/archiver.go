package storage

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"traffic_engine/internal/logger"
	"traffic_engine/internal/metrics"
	"traffic_engine/internal/track"
)

// BatchWriter persists a batch of points.
type BatchWriter interface {
	WriteBatch(ctx context.Context, points []track.TrackPoint) error
}

// Archiver buffers accepted points and flushes them to every writer in
// batches. When the buffer is full new points are dropped and counted; the
// ingest path never waits on storage.
type Archiver struct {
	writers []BatchWriter
	in      chan track.TrackPoint
	batch   int
	flush   time.Duration
	timeout time.Duration
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	dropped atomic.Uint64
}

// NewArchiver creates an archiver flushing every batch points or every flush
// interval, whichever comes first.
func NewArchiver(batch int, flush time.Duration, m *metrics.Metrics, log *zap.SugaredLogger, writers ...BatchWriter) *Archiver {
	if batch < 1 {
		batch = 1
	}
	if flush <= 0 {
		flush = time.Second
	}
	return &Archiver{
		writers: writers,
		in:      make(chan track.TrackPoint, batch*4),
		batch:   batch,
		flush:   flush,
		timeout: 10 * time.Second,
		metrics: m,
		log:     logger.Named(log, "archiver"),
	}
}

// Enqueue hands p to the archiver without blocking.
func (a *Archiver) Enqueue(p track.TrackPoint) {
	select {
	case a.in <- p:
	default:
		a.drop(1)
	}
}

// Dropped returns how many points were lost to a full queue or a failed write.
func (a *Archiver) Dropped() uint64 {
	return a.dropped.Load()
}

func (a *Archiver) drop(n int) {
	a.dropped.Add(uint64(n))
	for range n {
		a.metrics.ArchiveDropped()
	}
}

// Run flushes batches until ctx is cancelled, then drains what is buffered.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.flush)
	defer ticker.Stop()

	buf := make([]track.TrackPoint, 0, a.batch)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case p := <-a.in:
					buf = append(buf, p)
				default:
					a.write(context.Background(), buf)
					return nil
				}
			}
		case p := <-a.in:
			buf = append(buf, p)
			if len(buf) >= a.batch {
				a.write(ctx, buf)
				buf = make([]track.TrackPoint, 0, a.batch)
			}
		case <-ticker.C:
			if len(buf) > 0 {
				a.write(ctx, buf)
				buf = make([]track.TrackPoint, 0, a.batch)
			}
		}
	}
}

// write fans the batch out to every writer. A failing writer loses the batch
// and does not affect the others.
func (a *Archiver) write(ctx context.Context, points []track.TrackPoint) {
	if len(points) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var g errgroup.Group
	for _, w := range a.writers {
		g.Go(func() error {
			start := time.Now()
			if err := w.WriteBatch(ctx, points); err != nil {
				a.log.Warnw("archive batch failed", "points", len(points), "error", err)
				a.drop(len(points))
			}
			a.metrics.ObserveRemoteCall("archive", start)
			return nil
		})
	}
	_ = g.Wait()
}
