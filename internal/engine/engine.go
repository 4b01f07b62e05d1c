// Package engine is the core boundary: it owns every component, routes track
// submissions to flight partitions and runs the background units.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"traffic_engine/internal/alert"
	"traffic_engine/internal/config"
	"traffic_engine/internal/conformance"
	"traffic_engine/internal/dss"
	"traffic_engine/internal/errors"
	"traffic_engine/internal/feed"
	"traffic_engine/internal/ingest"
	"traffic_engine/internal/logger"
	"traffic_engine/internal/metrics"
	"traffic_engine/internal/registry"
	"traffic_engine/internal/track"
	"traffic_engine/internal/volume"
)

const alertHistory = 1024

// TrackSink receives every accepted point for out-of-band persistence.
// Enqueue must not block.
type TrackSink interface {
	Enqueue(p track.TrackPoint)
	Run(ctx context.Context) error
}

type job struct {
	point track.TrackPoint
	reply chan result
}

type result struct {
	point track.TrackPoint
	err   error
}

// Engine wires the volume store, ingest, conformance, deconfliction, feed
// and alerting together.
type Engine struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time

	registry   *registry.Registry
	store      *volume.Store
	ingester   *ingest.Ingester
	evaluator  *conformance.Evaluator
	recorder   *alert.Recorder
	dispatcher *alert.Dispatcher
	sync       *dss.Synchronizer
	feed       *feed.Aggregator
	sinks      []TrackSink

	partitions []chan job

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	running bool
	// ready is set once persisted volumes are loaded.
	ready   bool
	stopped chan struct{}
}

type options struct {
	repo       volume.Repository
	client     dss.Client
	publishers []alert.Publisher
	sinks      []TrackSink
	registry   *registry.Registry
	metrics    *metrics.Metrics
	log        *zap.SugaredLogger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*options)

// WithRepository persists volumes and leases.
func WithRepository(r volume.Repository) Option { return func(o *options) { o.repo = r } }

// WithDirectory replaces the directory client chosen from the sync config.
func WithDirectory(c dss.Client) Option { return func(o *options) { o.client = c } }

// WithPublishers adds external alert channels.
func WithPublishers(p ...alert.Publisher) Option {
	return func(o *options) { o.publishers = append(o.publishers, p...) }
}

// WithTrackSink adds a sink for accepted points.
func WithTrackSink(s TrackSink) Option { return func(o *options) { o.sinks = append(o.sinks, s) } }

// WithRegistry replaces the default source adapter registry.
func WithRegistry(r *registry.Registry) Option { return func(o *options) { o.registry = r } }

// WithMetrics shares a metrics instance.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(o *options) { o.log = l } }

// WithClock replaces time.Now for the volume store, ingest, alerts, the
// synchronizer and the in-memory directory the engine creates when none is
// given. A directory passed through WithDirectory keeps its own clock.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New builds an engine from cfg. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if o.registry == nil {
		o.registry = registry.Default()
	}
	log := logger.Named(o.log, "engine")

	if o.client == nil {
		switch cfg.Sync.Mode {
		case "http":
			o.client = dss.NewHTTPClient(cfg.Sync, o.metrics)
		default:
			dir := dss.NewDirectory()
			dir.SetClock(o.now)
			o.client = dir
		}
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		metrics:  o.metrics,
		now:      o.now,
		registry: o.registry,
		sinks:    o.sinks,
		runCtx:   context.Background(),
	}

	storeOpts := []volume.Option{volume.WithClock(o.now), volume.WithLogger(o.log)}
	if o.repo != nil {
		storeOpts = append(storeOpts, volume.WithRepository(o.repo))
	}
	e.store = volume.NewStore(storeOpts...)

	e.recorder = alert.NewRecorder(alertHistory)
	e.dispatcher = alert.NewDispatcher(e.recorder, o.metrics, o.log, o.publishers...)
	e.dispatcher.SetClock(o.now)

	e.ingester = ingest.New(o.registry, cfg.Ingest, o.metrics, o.log)
	e.ingester.SetClock(o.now)
	e.evaluator = conformance.New(e.store, e.dispatcher, cfg.Conformance, o.metrics, o.log)
	e.sync = dss.NewSynchronizer(e.store, o.client, e.dispatcher, cfg.Sync, o.metrics, o.log)
	e.sync.SetClock(o.now)
	e.feed = feed.New(e.ingester, e.evaluator, e.store, e.recorder, cfg.Feed, o.metrics, o.log)

	e.ingester.Subscribe(e.onTrack)

	e.partitions = make([]chan job, cfg.Ingest.Partitions)
	for i := range e.partitions {
		e.partitions[i] = make(chan job, cfg.Ingest.QueueDepth)
	}
	return e, nil
}

// onTrack runs inside the flight's exclusive section.
func (e *Engine) onTrack(p track.TrackPoint) {
	e.evaluator.Evaluate(e.context(), p.FlightID, p)
	for _, s := range e.sinks {
		s.Enqueue(p)
	}
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

// Run loads persisted volumes and runs the partition workers, the
// synchronizer, alert delivery, sinks and the periodic sweeps until ctx is
// cancelled or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.runCtx, e.cancel, e.running = ctx, cancel, true
	e.stopped = make(chan struct{})
	stopped := e.stopped
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.running, e.ready = false, false
		e.runCtx = context.Background()
		e.mu.Unlock()
		close(stopped)
	}()

	n, err := e.store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "load volumes")
	}
	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
	e.log.Infow("engine starting", logger.FieldCount, n, "partitions", len(e.partitions))

	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range e.partitions {
		g.Go(func() error { return e.worker(gctx, i, ch) })
	}
	g.Go(func() error { return e.dispatcher.Run(gctx) })
	g.Go(func() error { return e.sync.Run(gctx) })
	for _, s := range e.sinks {
		g.Go(func() error { return s.Run(gctx) })
	}
	g.Go(func() error {
		return every(gctx, e.cfg.Conformance.SweepInterval, func() {
			if n := e.evaluator.Sweep(gctx, e.now()); n > 0 {
				e.log.Infow("telemetry lost", logger.FieldCount, n)
			}
		})
	})
	g.Go(func() error {
		// hold time is wall time, whatever clock the engine runs on
		return every(gctx, e.reorderInterval(), func() {
			e.ingester.Release(time.Now())
		})
	})
	g.Go(func() error {
		return every(gctx, e.retentionSweepInterval(), func() {
			if n := e.ingester.Sweep(e.now()); n > 0 {
				e.log.Debugw("retention sweep", logger.FieldCount, n)
			}
		})
	})

	err = g.Wait()
	e.log.Infow("engine stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// reorderInterval paces the release of points held for reordering. Zero skew
// tolerance publishes on accept and needs no ticker.
func (e *Engine) reorderInterval() time.Duration {
	skew := e.cfg.Ingest.SkewTolerance
	if skew <= 0 {
		return 0
	}
	d := skew / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func (e *Engine) retentionSweepInterval() time.Duration {
	d := e.cfg.Ingest.RetentionWindow / 4
	if d < time.Second {
		d = time.Second
	}
	return d
}

// every calls fn at each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn()
		}
	}
}

func (e *Engine) worker(ctx context.Context, idx int, jobs <-chan job) error {
	log := e.log.With(logger.FieldPartition, idx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-jobs:
			p, err := e.ingester.Accept(j.point)
			if err != nil && !errors.Is(err, errors.ErrStaleRecord) {
				log.Debugw("track rejected", logger.FieldFlightID, j.point.FlightID, logger.FieldError, err)
			}
			j.reply <- result{point: p, err: err}
		}
	}
}

// Running reports whether Run is active and accepting tracks.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running && e.ready
}

// Close stops a running engine and waits for its units to finish.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel, stopped, running := e.cancel, e.stopped, e.running
	e.mu.Unlock()
	if !running {
		return nil
	}
	cancel()
	<-stopped
	return nil
}

// SubmitTrack normalises a raw record and hands it to the partition that
// owns its flight. Points of one flight are never processed concurrently.
func (e *Engine) SubmitTrack(ctx context.Context, rec track.RawRecord) (track.TrackPoint, error) {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = e.now()
	}
	p, err := e.registry.Normalize(rec)
	if err != nil {
		e.metrics.TrackRejected(metrics.ReasonMalformed)
		return track.TrackPoint{}, err
	}

	e.mu.Lock()
	ready, stopped := e.running && e.ready, e.stopped
	e.mu.Unlock()
	if !ready {
		return track.TrackPoint{}, errors.Unavailable(errors.New("engine is not running"))
	}

	j := job{point: p, reply: make(chan result, 1)}
	select {
	case e.partitions[track.Partition(p.FlightID, len(e.partitions))] <- j:
	default:
		e.metrics.TrackRejected(metrics.ReasonOverload)
		return track.TrackPoint{}, errors.Unavailable(errors.Newf("partition queue full for flight %s", p.FlightID))
	}

	select {
	case r := <-j.reply:
		return r.point, r.err
	case <-ctx.Done():
		return track.TrackPoint{}, ctx.Err()
	case <-stopped:
		return track.TrackPoint{}, errors.Unavailable(errors.New("engine stopped"))
	}
}

// DeclareVolume stores a new volume as Proposed. Flight declarations are
// registered with the directory in the background and become Accepted once
// a lease is held.
func (e *Engine) DeclareVolume(ctx context.Context, v *volume.Volume) (string, error) {
	return e.store.Declare(ctx, v)
}

// ImportGeofences declares and activates every feature of a GeoJSON
// FeatureCollection as a geofence. Geofences need no lease.
func (e *Engine) ImportGeofences(ctx context.Context, data []byte, owner string) ([]string, error) {
	fences, err := volume.ParseGeofences(data, owner)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(fences))
	for _, gf := range fences {
		id, err := e.store.Declare(ctx, gf)
		if err != nil {
			return ids, errors.Wrapf(err, "geofence %q", gf.Name)
		}
		if _, err := e.store.Accept(ctx, id); err != nil {
			return ids, err
		}
		if _, err := e.store.Activate(ctx, id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ActivateVolume moves an Accepted volume to Activated.
func (e *Engine) ActivateVolume(ctx context.Context, id string) (*volume.Volume, error) {
	return e.store.Activate(ctx, id)
}

// EndVolume ends a volume; its lease is released in the background.
func (e *Engine) EndVolume(ctx context.Context, id string) (*volume.Volume, error) {
	return e.store.End(ctx, id)
}

// WithdrawVolume withdraws a volume; its lease is released in the background.
func (e *Engine) WithdrawVolume(ctx context.Context, id string) (*volume.Volume, error) {
	return e.store.Withdraw(ctx, id)
}

func (e *Engine) GetVolume(id string) (*volume.Volume, error) {
	return e.store.Get(id)
}

// ListVolumes returns every volume, or only those in state when it is set.
func (e *Engine) ListVolumes(state volume.State) []*volume.Volume {
	if state == "" {
		return e.store.List(nil)
	}
	return e.store.List(func(v *volume.Volume) bool { return v.State == state })
}

// Snapshot returns the feed at at.
func (e *Engine) Snapshot(at time.Time) feed.FeedView {
	return e.feed.Snapshot(at)
}

// Conformance returns the conformance records of a flight.
func (e *Engine) Conformance(flightID string) []conformance.Record {
	return e.evaluator.RecordsFor(flightID)
}

// Track returns the stored points of a flight between from and to.
func (e *Engine) Track(flightID string, from, to time.Time) []track.TrackPoint {
	return e.ingester.Range(flightID, from, to)
}

// Flush evaluates every accepted point still held for reordering. Replays
// call it once the input is exhausted.
func (e *Engine) Flush() int {
	return e.ingester.Flush()
}

// Latest returns the most recent point of a flight.
func (e *Engine) Latest(flightID string) (track.TrackPoint, bool) {
	return e.ingester.Latest(flightID)
}

// Alerts returns retained alerts raised at or after since.
func (e *Engine) Alerts(since time.Time) []alert.Alert {
	return e.recorder.Since(since)
}

// Trace reports how every source adapter handles a raw record.
func (e *Engine) Trace(rec track.RawRecord) []registry.TraceResult {
	return e.registry.Trace(rec)
}

// Metrics returns the engine's metrics.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Now returns the engine's clock reading.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() *config.Config {
	return e.cfg
}
