// Package alert raises conformance and lease alerts and hands them to
// external delivery channels.
package alert

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"traffic_engine/internal/logger"
	"traffic_engine/internal/metrics"
)

// Kind classifies an alert.
type Kind string

const (
	KindNonconforming       Kind = "Nonconforming"
	KindConformanceRestored Kind = "ConformanceRestored"
	KindGeometryError       Kind = "GeometryError"
	KindGeofenceBreach      Kind = "GeofenceBreach"
	KindTelemetryLost       Kind = "TelemetryLost"
	KindLeaseConflict       Kind = "LeaseConflict"
	KindLeaseLost           Kind = "LeaseLost"
	KindLeaseRestored       Kind = "LeaseRestored"
	KindRemoteError         Kind = "RemoteError"
)

// Alert is a single notification.
type Alert struct {
	ID                   string    `json:"id"`
	Kind                 Kind      `json:"kind"`
	FlightID             string    `json:"flight_id,omitempty"`
	VolumeID             string    `json:"volume_id,omitempty"`
	ConflictingVolumeIDs []string  `json:"conflicting_volume_ids,omitempty"`
	Message              string    `json:"message"`
	At                   time.Time `json:"at"`
}

// Publisher delivers alerts to an external channel.
type Publisher interface {
	Publish(ctx context.Context, a Alert) error
}

// Raiser is what components use to raise alerts.
type Raiser interface {
	Raise(ctx context.Context, a Alert) Alert
}

// Dispatcher stamps alerts, records them and forwards them to publishers on
// a background worker, so slow delivery never blocks the caller.
type Dispatcher struct {
	recorder   *Recorder
	publishers []Publisher
	queue      chan Alert
	metrics    *metrics.Metrics
	log        *zap.SugaredLogger
	now        func() time.Time
}

// NewDispatcher creates a dispatcher. recorder may be nil.
func NewDispatcher(recorder *Recorder, m *metrics.Metrics, log *zap.SugaredLogger, publishers ...Publisher) *Dispatcher {
	return &Dispatcher{
		recorder:   recorder,
		publishers: publishers,
		queue:      make(chan Alert, 1024),
		metrics:    m,
		log:        logger.Named(log, "alerts"),
		now:        time.Now,
	}
}

// SetClock replaces time.Now. Only for tests.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Raise assigns an ID and timestamp when missing, records the alert and
// queues it for delivery. It never blocks on delivery.
func (d *Dispatcher) Raise(ctx context.Context, a Alert) Alert {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = d.now()
	}
	d.metrics.AlertPublished(string(a.Kind))
	d.log.Infow("alert", logger.FieldAlertKind, a.Kind, logger.FieldAlertID, a.ID,
		logger.FieldFlightID, a.FlightID, logger.FieldVolumeID, a.VolumeID, "message", a.Message)

	if d.recorder != nil {
		d.recorder.Add(a)
	}
	if len(d.publishers) == 0 {
		return a
	}
	select {
	case d.queue <- a:
	default:
		d.log.Warnw("alert queue full, delivery dropped", logger.FieldAlertID, a.ID, logger.FieldAlertKind, a.Kind)
	}
	return a
}

// Run delivers queued alerts until ctx is cancelled. Delivery errors are
// logged and do not stop the worker.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-d.queue:
			for _, p := range d.publishers {
				if err := p.Publish(ctx, a); err != nil {
					d.log.Warnw("alert delivery failed", logger.FieldAlertID, a.ID, logger.FieldError, err)
				}
			}
		}
	}
}
