// Package ingest normalises raw position reports and keeps a bounded,
// timestamp-ordered point log per flight.
package ingest

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"traffic_engine/internal/config"
	"traffic_engine/internal/errors"
	"traffic_engine/internal/logger"
	"traffic_engine/internal/metrics"
	"traffic_engine/internal/track"
)

const shardCount = 32

// Normalizer turns a raw record into a track point.
type Normalizer interface {
	Normalize(rec track.RawRecord) (track.TrackPoint, error)
}

// Subscriber receives accepted points. It is called inside the flight's
// exclusive section, so it never runs concurrently with ingestion of another
// point for the same flight, and points of one flight arrive in
// non-decreasing timestamp order.
type Subscriber func(p track.TrackPoint)

// held is an accepted point waiting in the reorder buffer.
type held struct {
	point   track.TrackPoint
	arrived time.Time
}

type flightLog struct {
	mu            sync.Mutex
	points        []track.TrackPoint // ascending by timestamp
	pending       []held             // ascending by timestamp, not yet published
	lastAccepted  time.Time
	lastPublished time.Time
	bySource      map[string]track.TrackPoint
	// removed is set by Sweep when the log is dropped from its shard.
	removed bool
}

type shard struct {
	mu      sync.RWMutex
	flights map[string]*flightLog
}

// Ingester owns the per-flight point logs.
type Ingester struct {
	norm      Normalizer
	skew      time.Duration
	retention time.Duration
	now       func() time.Time
	wall      func() time.Time // measures how long points are held
	metrics   *metrics.Metrics
	log       *zap.SugaredLogger

	shards [shardCount]shard

	subMu sync.RWMutex
	subs  []Subscriber
}

// New creates an Ingester.
func New(norm Normalizer, cfg config.IngestConfig, m *metrics.Metrics, log *zap.SugaredLogger) *Ingester {
	in := &Ingester{
		norm:      norm,
		skew:      cfg.SkewTolerance,
		retention: cfg.RetentionWindow,
		now:       time.Now,
		wall:      time.Now,
		metrics:   m,
		log:       logger.Named(log, "ingest"),
	}
	for i := range in.shards {
		in.shards[i].flights = make(map[string]*flightLog)
	}
	return in
}

// SetClock replaces time.Now. Only for tests.
func (in *Ingester) SetClock(now func() time.Time) {
	in.now = now
}

// Subscribe registers fn for every accepted point.
func (in *Ingester) Subscribe(fn Subscriber) {
	in.subMu.Lock()
	in.subs = append(in.subs, fn)
	in.subMu.Unlock()
}

// Ingest normalises rec and appends the resulting point to its flight's log.
func (in *Ingester) Ingest(rec track.RawRecord) (track.TrackPoint, error) {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = in.now()
	}
	p, err := in.norm.Normalize(rec)
	if err != nil {
		in.metrics.TrackRejected(metrics.ReasonMalformed)
		return track.TrackPoint{}, err
	}
	return in.Accept(p)
}

// Accept appends an already normalised point. It fails with
// ErrMalformedRecord on missing identity, timestamp or position, and with
// ErrStaleRecord when the point is older than the flight's last accepted
// point by more than the skew tolerance, older than a point already
// published, or duplicates a stored point.
//
// Accepted points pass through a per-flight reorder buffer. A point is
// published once the flight's newest point is at least the skew tolerance
// ahead of it, or once it has been held for the skew tolerance in wall time
// (see Release).
func (in *Ingester) Accept(p track.TrackPoint) (track.TrackPoint, error) {
	if err := checkPoint(p); err != nil {
		in.metrics.TrackRejected(metrics.ReasonMalformed)
		return track.TrackPoint{}, err
	}

	fl := in.lockFlight(p.FlightID)
	defer fl.mu.Unlock()

	if !fl.lastAccepted.IsZero() && p.Timestamp.Before(fl.lastAccepted.Add(-in.skew)) {
		in.metrics.TrackRejected(metrics.ReasonStale)
		return track.TrackPoint{}, errors.Stalef("flight %s: point at %s is %s behind last accepted",
			p.FlightID, p.Timestamp.Format(time.RFC3339Nano), fl.lastAccepted.Sub(p.Timestamp))
	}
	if p.Timestamp.Before(fl.lastPublished) {
		in.metrics.TrackRejected(metrics.ReasonStale)
		return track.TrackPoint{}, errors.Stalef("flight %s: point at %s arrived after %s was published",
			p.FlightID, p.Timestamp.Format(time.RFC3339Nano), fl.lastPublished.Format(time.RFC3339Nano))
	}

	idx := sort.Search(len(fl.points), func(i int) bool {
		return fl.points[i].Timestamp.After(p.Timestamp)
	})
	for i := idx - 1; i >= 0 && fl.points[i].Timestamp.Equal(p.Timestamp); i-- {
		if fl.points[i].Source == p.Source {
			in.metrics.TrackRejected(metrics.ReasonStale)
			return track.TrackPoint{}, errors.Stalef("flight %s: duplicate point at %s from %s",
				p.FlightID, p.Timestamp.Format(time.RFC3339Nano), p.Source)
		}
	}

	fl.points = append(fl.points, track.TrackPoint{})
	copy(fl.points[idx+1:], fl.points[idx:])
	fl.points[idx] = p

	if p.Timestamp.After(fl.lastAccepted) {
		fl.lastAccepted = p.Timestamp
	}
	if prev, ok := fl.bySource[p.Source]; !ok || p.Timestamp.After(prev.Timestamp) {
		if fl.bySource == nil {
			fl.bySource = make(map[string]track.TrackPoint)
		}
		fl.bySource[p.Source] = p
	}
	fl.evictBefore(fl.lastAccepted.Add(-in.retention))
	in.metrics.TrackIngested(p.Source)

	fl.hold(p, in.wall())
	in.release(fl, fl.lastAccepted.Add(-in.skew), in.wall().Add(-in.skew))
	return p, nil
}

// hold inserts p into the reorder buffer after any point with the same
// timestamp. Caller holds fl.mu.
func (fl *flightLog) hold(p track.TrackPoint, arrived time.Time) {
	i := sort.Search(len(fl.pending), func(i int) bool {
		return fl.pending[i].point.Timestamp.After(p.Timestamp)
	})
	fl.pending = append(fl.pending, held{})
	copy(fl.pending[i+1:], fl.pending[i:])
	fl.pending[i] = held{point: p, arrived: arrived}
}

// release publishes buffered points from the front while they are at or
// before watermark or arrived at or before arrivedBy. Caller holds fl.mu.
func (in *Ingester) release(fl *flightLog, watermark, arrivedBy time.Time) int {
	n := 0
	for n < len(fl.pending) {
		h := fl.pending[n]
		if h.point.Timestamp.After(watermark) && h.arrived.After(arrivedBy) {
			break
		}
		n++
	}
	if n == 0 {
		return 0
	}
	out := fl.pending[:n]
	fl.pending = append(fl.pending[:0:0], fl.pending[n:]...)
	for _, h := range out {
		fl.lastPublished = h.point.Timestamp
		in.publish(h.point)
	}
	return n
}

// Release publishes buffered points held for at least the skew tolerance as
// of now, a wall-clock time. It returns the number of points published.
func (in *Ingester) Release(now time.Time) int {
	n := 0
	in.eachFlight(func(_ string, fl *flightLog) {
		fl.mu.Lock()
		n += in.release(fl, fl.lastAccepted.Add(-in.skew), now.Add(-in.skew))
		fl.mu.Unlock()
	})
	return n
}

// Flush publishes every buffered point. Points older than the newest
// published point of their flight are rejected as stale afterwards.
func (in *Ingester) Flush() int {
	n := 0
	in.eachFlight(func(_ string, fl *flightLog) {
		fl.mu.Lock()
		if len(fl.pending) > 0 {
			last := fl.pending[len(fl.pending)-1]
			n += in.release(fl, last.point.Timestamp, last.arrived)
		}
		fl.mu.Unlock()
	})
	return n
}

// Pending returns the number of buffered points across all flights.
func (in *Ingester) Pending() int {
	n := 0
	in.eachFlight(func(_ string, fl *flightLog) {
		fl.mu.Lock()
		n += len(fl.pending)
		fl.mu.Unlock()
	})
	return n
}

// eachFlight calls fn for a snapshot of the live flight logs.
func (in *Ingester) eachFlight(fn func(id string, fl *flightLog)) {
	for i := range in.shards {
		sh := &in.shards[i]
		sh.mu.RLock()
		logs := make(map[string]*flightLog, len(sh.flights))
		for id, fl := range sh.flights {
			logs[id] = fl
		}
		sh.mu.RUnlock()
		for id, fl := range logs {
			fn(id, fl)
		}
	}
}

func (in *Ingester) publish(p track.TrackPoint) {
	in.subMu.RLock()
	subs := in.subs
	in.subMu.RUnlock()

	for _, fn := range subs {
		in.deliver(fn, p)
	}
}

// deliver isolates subscriber panics so one bad consumer cannot take down
// ingestion for the flight.
func (in *Ingester) deliver(fn Subscriber, p track.TrackPoint) {
	defer func() {
		if r := recover(); r != nil {
			in.log.Errorw("track subscriber panicked", logger.FieldFlightID, p.FlightID, "panic", r)
		}
	}()
	fn(p)
}

func checkPoint(p track.TrackPoint) error {
	switch {
	case p.FlightID == "":
		return errors.Malformedf("missing flight identity")
	case p.Timestamp.IsZero():
		return errors.Malformedf("flight %s: missing timestamp", p.FlightID)
	case math.IsNaN(p.Position.Lat) || math.IsNaN(p.Position.Lon) || math.IsNaN(p.Position.AltitudeM):
		return errors.Malformedf("flight %s: position is not a number", p.FlightID)
	case p.Position.Lat < -90 || p.Position.Lat > 90 || p.Position.Lon < -180 || p.Position.Lon > 180:
		return errors.Malformedf("flight %s: position (%v, %v) out of range", p.FlightID, p.Position.Lat, p.Position.Lon)
	}
	return nil
}

func (in *Ingester) shardFor(flightID string) *shard {
	return &in.shards[track.Partition(flightID, shardCount)]
}

func (in *Ingester) flight(flightID string, create bool) *flightLog {
	sh := in.shardFor(flightID)
	sh.mu.RLock()
	fl, ok := sh.flights[flightID]
	sh.mu.RUnlock()
	if ok || !create {
		return fl
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if fl, ok = sh.flights[flightID]; ok {
		return fl
	}
	fl = &flightLog{bySource: make(map[string]track.TrackPoint)}
	sh.flights[flightID] = fl
	return fl
}

// lockFlight returns the live log of a flight with its lock held.
func (in *Ingester) lockFlight(flightID string) *flightLog {
	for {
		fl := in.flight(flightID, true)
		fl.mu.Lock()
		if !fl.removed {
			return fl
		}
		fl.mu.Unlock()
	}
}

// evictBefore drops points older than cutoff. Caller holds fl.mu.
func (fl *flightLog) evictBefore(cutoff time.Time) int {
	n := sort.Search(len(fl.points), func(i int) bool {
		return !fl.points[i].Timestamp.Before(cutoff)
	})
	if n == 0 {
		return 0
	}
	fl.points = append(fl.points[:0:0], fl.points[n:]...)
	for src, p := range fl.bySource {
		if p.Timestamp.Before(cutoff) {
			delete(fl.bySource, src)
		}
	}
	return n
}

// Latest returns the most recent point of a flight.
func (in *Ingester) Latest(flightID string) (track.TrackPoint, bool) {
	fl := in.flight(flightID, false)
	if fl == nil {
		return track.TrackPoint{}, false
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if len(fl.points) == 0 {
		return track.TrackPoint{}, false
	}
	return fl.points[len(fl.points)-1], true
}

// LatestBySource returns, for every flight, the most recent point from each
// source, ordered by source tag.
func (in *Ingester) LatestBySource() map[string][]track.TrackPoint {
	out := make(map[string][]track.TrackPoint)
	in.eachFlight(func(id string, fl *flightLog) {
		fl.mu.Lock()
		pts := make([]track.TrackPoint, 0, len(fl.bySource))
		for _, p := range fl.bySource {
			pts = append(pts, p)
		}
		fl.mu.Unlock()
		if len(pts) == 0 {
			return
		}
		sort.Slice(pts, func(a, b int) bool { return pts[a].Source < pts[b].Source })
		out[id] = pts
	})
	return out
}

// Range returns a flight's points with from <= timestamp <= to.
func (in *Ingester) Range(flightID string, from, to time.Time) []track.TrackPoint {
	fl := in.flight(flightID, false)
	if fl == nil {
		return nil
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()

	lo := sort.Search(len(fl.points), func(i int) bool { return !fl.points[i].Timestamp.Before(from) })
	hi := sort.Search(len(fl.points), func(i int) bool { return fl.points[i].Timestamp.After(to) })
	if lo >= hi {
		return nil
	}
	out := make([]track.TrackPoint, hi-lo)
	copy(out, fl.points[lo:hi])
	return out
}

// Flights returns the identities of flights with at least one stored point.
func (in *Ingester) Flights() []string {
	var out []string
	for i := range in.shards {
		sh := &in.shards[i]
		sh.mu.RLock()
		for id := range sh.flights {
			out = append(out, id)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Sweep evicts points older than the retention window relative to now and
// forgets flights left empty. Buffered points that are due, or that fall
// outside the window, are published first. It returns the number of evicted
// points.
func (in *Ingester) Sweep(now time.Time) int {
	cutoff := now.Add(-in.retention)
	evicted := 0
	for i := range in.shards {
		sh := &in.shards[i]
		sh.mu.RLock()
		logs := make(map[string]*flightLog, len(sh.flights))
		for id, fl := range sh.flights {
			logs[id] = fl
		}
		sh.mu.RUnlock()

		for id, fl := range logs {
			fl.mu.Lock()
			watermark := fl.lastAccepted.Add(-in.skew)
			if cutoff.After(watermark) {
				watermark = cutoff
			}
			in.release(fl, watermark, in.wall().Add(-in.skew))
			evicted += fl.evictBefore(cutoff)
			if len(fl.points) == 0 && len(fl.pending) == 0 {
				sh.mu.Lock()
				if sh.flights[id] == fl {
					delete(sh.flights, id)
					fl.removed = true
				}
				sh.mu.Unlock()
			}
			fl.mu.Unlock()
		}
	}
	if evicted > 0 {
		in.log.Debugw("retention sweep", logger.FieldCount, evicted)
	}
	return evicted
}
