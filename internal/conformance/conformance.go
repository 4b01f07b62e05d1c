// Package conformance checks reported positions against the flight's active
// operational volumes and owns the resulting conformance state.
package conformance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"traffic_engine/internal/alert"
	"traffic_engine/internal/config"
	"traffic_engine/internal/errors"
	"traffic_engine/internal/logger"
	"traffic_engine/internal/metrics"
	"traffic_engine/internal/track"
	"traffic_engine/internal/volume"
)

// State is a conformance state.
type State string

const (
	StateConforming    State = "Conforming"
	StateNonconforming State = "Nonconforming"
	StateUnknown       State = "Unknown"
)

// Record is the conformance of one flight against one volume. A record with
// an empty VolumeID and state Unknown means the flight had no Activated
// volume at its last evaluation.
type Record struct {
	FlightID       string    `json:"flight_id"`
	VolumeID       string    `json:"volume_id,omitempty"`
	State          State     `json:"state"`
	EnteredAt      time.Time `json:"entered_at"`
	ConsecutiveOut int       `json:"consecutive_out"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// Volumes is the slice of the volume store the evaluator reads and writes.
type Volumes interface {
	Get(id string) (*volume.Volume, error)
	ListForFlight(flightID string, at time.Time) []*volume.Volume
	ListGeofences(at time.Time) []*volume.Volume
	ListActive(at time.Time) []*volume.Volume
	MarkInvalid(ctx context.Context, id, reason string) (*volume.Volume, error)
}

type pairKey struct {
	flight string
	volume string
}

// Evaluator is the only writer of conformance records.
type Evaluator struct {
	vols             Volumes
	alerts           alert.Raiser
	threshold        int
	geometryTimeout  time.Duration
	telemetryTimeout time.Duration
	metrics          *metrics.Metrics
	log              *zap.SugaredLogger

	mu       sync.RWMutex
	records  map[string]map[string]Record // flight -> volume -> record
	breached map[pairKey]bool             // flight inside geofence
	lost     map[pairKey]bool             // telemetry-lost alert raised
}

// New creates an Evaluator.
func New(vols Volumes, alerts alert.Raiser, cfg config.ConformanceConfig, m *metrics.Metrics, log *zap.SugaredLogger) *Evaluator {
	threshold := cfg.Threshold
	if threshold < 1 {
		threshold = 1
	}
	return &Evaluator{
		vols:             vols,
		alerts:           alerts,
		threshold:        threshold,
		geometryTimeout:  cfg.GeometryTimeout,
		telemetryTimeout: cfg.TelemetryTimeout,
		metrics:          m,
		log:              logger.Named(log, "conformance"),
		records:          make(map[string]map[string]Record),
		breached:         make(map[pairKey]bool),
		lost:             make(map[pairKey]bool),
	}
}

// Evaluate checks p against every Activated volume of the flight whose window
// contains p's timestamp, updates the hysteresis counters and returns the
// flight's records. Callers must not evaluate the same flight concurrently.
func (e *Evaluator) Evaluate(ctx context.Context, flightID string, p track.TrackPoint) []Record {
	at := p.Timestamp
	e.checkGeofences(ctx, flightID, p)

	var active []*volume.Volume
	for _, v := range e.vols.ListForFlight(flightID, at) {
		if !v.Invalid {
			active = append(active, v)
		}
	}

	e.mu.RLock()
	prev := e.records[flightID]
	e.mu.RUnlock()

	next := make(map[string]Record, len(active))
	for _, v := range active {
		in, err := e.contains(ctx, v, p)
		if err != nil {
			if errors.Is(err, errors.ErrGeometry) {
				e.invalidate(ctx, v, flightID, err)
			} else {
				e.log.Warnw("containment check skipped", logger.FieldVolumeID, v.ID,
					logger.FieldFlightID, flightID, logger.FieldError, err)
				if r, ok := prev[v.ID]; ok {
					next[v.ID] = r
				}
			}
			continue
		}
		next[v.ID] = e.step(ctx, prev[v.ID], flightID, v.ID, in, at)
	}

	if len(next) == 0 {
		r, ok := prev[""]
		if !ok {
			r = Record{FlightID: flightID, State: StateUnknown, EnteredAt: at}
		}
		r.EvaluatedAt = at
		next[""] = r
	}

	e.mu.Lock()
	e.records[flightID] = next
	for id := range next {
		delete(e.lost, pairKey{flightID, id})
	}
	e.mu.Unlock()

	return sortedRecords(next)
}

// step applies one sample to a record: a sample outside increments the
// counter and declares Nonconforming only when it reaches the threshold; a
// sample inside clears it at once.
func (e *Evaluator) step(ctx context.Context, r Record, flightID, volumeID string, inside bool, at time.Time) Record {
	if r.VolumeID == "" {
		r = Record{FlightID: flightID, VolumeID: volumeID, State: StateConforming, EnteredAt: at}
	}
	r.EvaluatedAt = at

	if inside {
		r.ConsecutiveOut = 0
		if r.State != StateConforming {
			from := r.State
			r.State = StateConforming
			r.EnteredAt = at
			e.metrics.ConformanceTransition(string(StateConforming))
			if from == StateNonconforming {
				e.alerts.Raise(ctx, alert.Alert{
					Kind:     alert.KindConformanceRestored,
					FlightID: flightID,
					VolumeID: volumeID,
					Message:  fmt.Sprintf("flight %s back inside volume %s", flightID, volumeID),
					At:       at,
				})
			}
		}
		return r
	}

	r.ConsecutiveOut++
	if r.ConsecutiveOut >= e.threshold && r.State != StateNonconforming {
		r.State = StateNonconforming
		r.EnteredAt = at
		e.metrics.ConformanceTransition(string(StateNonconforming))
		e.alerts.Raise(ctx, alert.Alert{
			Kind:     alert.KindNonconforming,
			FlightID: flightID,
			VolumeID: volumeID,
			Message: fmt.Sprintf("flight %s outside volume %s for %d consecutive samples",
				flightID, volumeID, r.ConsecutiveOut),
			At: at,
		})
	}
	return r
}

func (e *Evaluator) checkGeofences(ctx context.Context, flightID string, p track.TrackPoint) {
	for _, gf := range e.vols.ListGeofences(p.Timestamp) {
		if gf.Invalid {
			continue
		}
		in, err := e.contains(ctx, gf, p)
		if err != nil {
			if errors.Is(err, errors.ErrGeometry) {
				e.invalidate(ctx, gf, flightID, err)
			}
			continue
		}

		key := pairKey{flightID, gf.ID}
		e.mu.Lock()
		was := e.breached[key]
		if in {
			e.breached[key] = true
		} else {
			delete(e.breached, key)
		}
		e.mu.Unlock()

		if in && !was {
			name := gf.Name
			if name == "" {
				name = gf.ID
			}
			e.alerts.Raise(ctx, alert.Alert{
				Kind:     alert.KindGeofenceBreach,
				FlightID: flightID,
				VolumeID: gf.ID,
				Message:  fmt.Sprintf("flight %s entered geofence %s", flightID, name),
				At:       p.Timestamp,
			})
		}
	}
}

// contains evaluates containment under the geometry timeout. Panics from the
// geometry code are reported as geometry errors.
func (e *Evaluator) contains(ctx context.Context, v *volume.Volume, p track.TrackPoint) (bool, error) {
	type result struct {
		in  bool
		err error
	}
	eval := func() (res result) {
		defer func() {
			if r := recover(); r != nil {
				res = result{err: errors.Geometryf("volume %s: geometry evaluation panicked: %v", v.ID, r)}
			}
		}()
		for _, sv := range v.SubVolumesAt(p.Timestamp) {
			in, err := sv.Contains(p.Position.Point(), p.Position.AltitudeM)
			if err != nil {
				return result{err: errors.Wrapf(err, "volume %s", v.ID)}
			}
			if in {
				return result{in: true}
			}
		}
		return result{}
	}

	if e.geometryTimeout <= 0 {
		r := eval()
		return r.in, r.err
	}

	ctx, cancel := context.WithTimeout(ctx, e.geometryTimeout)
	defer cancel()
	done := make(chan result, 1)
	go func() { done <- eval() }()

	select {
	case r := <-done:
		return r.in, r.err
	case <-ctx.Done():
		return false, errors.Wrapf(ctx.Err(), "volume %s: geometry evaluation", v.ID)
	}
}

func (e *Evaluator) invalidate(ctx context.Context, v *volume.Volume, flightID string, cause error) {
	if _, err := e.vols.MarkInvalid(ctx, v.ID, cause.Error()); err != nil {
		e.log.Errorw("mark volume invalid", logger.FieldVolumeID, v.ID, logger.FieldError, err)
	}
	e.alerts.Raise(ctx, alert.Alert{
		Kind:     alert.KindGeometryError,
		FlightID: flightID,
		VolumeID: v.ID,
		Message:  cause.Error(),
	})
}

// Sweep raises TelemetryLost once for each Activated flight declaration whose
// flight has not been evaluated within the telemetry timeout while inside
// the volume window, and prunes records for volumes that are no longer
// Activated. It returns the number of alerts raised.
func (e *Evaluator) Sweep(ctx context.Context, now time.Time) int {
	e.prune(now)
	if e.telemetryTimeout <= 0 {
		return 0
	}

	raised := 0
	for _, v := range e.vols.ListActive(now) {
		if v.Kind != volume.KindFlightDeclaration || v.Invalid {
			continue
		}
		key := pairKey{v.FlightID, v.ID}

		last := e.lastSeen(v, now)
		if now.Sub(last) < e.telemetryTimeout {
			continue
		}

		e.mu.Lock()
		already := e.lost[key]
		e.lost[key] = true
		e.mu.Unlock()
		if already {
			continue
		}

		raised++
		e.alerts.Raise(ctx, alert.Alert{
			Kind:     alert.KindTelemetryLost,
			FlightID: v.FlightID,
			VolumeID: v.ID,
			Message:  fmt.Sprintf("no telemetry from flight %s since %s", v.FlightID, last.UTC().Format(time.RFC3339)),
			At:       now,
		})
	}
	return raised
}

// lastSeen is the last evaluation of the flight against v, or the later of
// the active window start and the volume's last change when there is none.
func (e *Evaluator) lastSeen(v *volume.Volume, now time.Time) time.Time {
	e.mu.RLock()
	r, ok := e.records[v.FlightID][v.ID]
	e.mu.RUnlock()
	if ok {
		return r.EvaluatedAt
	}

	var start time.Time
	for _, sv := range v.SubVolumesAt(now) {
		if start.IsZero() || sv.Start.Before(start) {
			start = sv.Start
		}
	}
	if v.UpdatedAt.After(start) {
		return v.UpdatedAt
	}
	return start
}

func (e *Evaluator) prune(now time.Time) {
	e.mu.RLock()
	type ref struct{ flight, volume string }
	var refs []ref
	for flight, recs := range e.records {
		for id := range recs {
			refs = append(refs, ref{flight, id})
		}
	}
	e.mu.RUnlock()

	var drop []ref
	for _, r := range refs {
		if r.volume == "" {
			e.mu.RLock()
			rec := e.records[r.flight][""]
			e.mu.RUnlock()
			if e.telemetryTimeout > 0 && now.Sub(rec.EvaluatedAt) > e.telemetryTimeout {
				drop = append(drop, r)
			}
			continue
		}
		v, err := e.vols.Get(r.volume)
		if err != nil || v.State != volume.StateActivated || v.Invalid || !v.ActiveAt(now) {
			drop = append(drop, r)
		}
	}
	if len(drop) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range drop {
		recs := e.records[r.flight]
		delete(recs, r.volume)
		if len(recs) == 0 {
			delete(e.records, r.flight)
		}
	}
	for key := range e.lost {
		if v, err := e.vols.Get(key.volume); err != nil || v.State != volume.StateActivated {
			delete(e.lost, key)
		}
	}
	for key := range e.breached {
		if v, err := e.vols.Get(key.volume); err != nil || v.State != volume.StateActivated || !v.ActiveAt(now) {
			delete(e.breached, key)
		}
	}
}

// Records returns every record, ordered by flight then volume.
func (e *Evaluator) Records() []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Record
	for _, recs := range e.records {
		for _, r := range recs {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FlightID != out[j].FlightID {
			return out[i].FlightID < out[j].FlightID
		}
		return out[i].VolumeID < out[j].VolumeID
	})
	return out
}

// RecordsFor returns the records of one flight.
func (e *Evaluator) RecordsFor(flightID string) []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedRecords(e.records[flightID])
}

// FlightState summarises a flight: Nonconforming if any record is,
// otherwise Conforming if any record is, otherwise Unknown.
func (e *Evaluator) FlightState(flightID string) State {
	return Summarize(e.RecordsFor(flightID))
}

// Summarize folds records into a single state.
func Summarize(recs []Record) State {
	st := StateUnknown
	for _, r := range recs {
		switch r.State {
		case StateNonconforming:
			return StateNonconforming
		case StateConforming:
			st = StateConforming
		}
	}
	return st
}

func sortedRecords(m map[string]Record) []Record {
	out := make([]Record, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VolumeID < out[j].VolumeID })
	return out
}
