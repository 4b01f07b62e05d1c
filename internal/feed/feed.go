// Package feed merges tracks, conformance and volumes into display snapshots.
package feed

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"traffic_engine/internal/alert"
	"traffic_engine/internal/config"
	"traffic_engine/internal/conformance"
	"traffic_engine/internal/logger"
	"traffic_engine/internal/metrics"
	"traffic_engine/internal/track"
	"traffic_engine/internal/volume"
)

// Tracks supplies the latest point per flight and source.
type Tracks interface {
	LatestBySource() map[string][]track.TrackPoint
}

// Conformance supplies the current conformance records.
type Conformance interface {
	Records() []conformance.Record
}

// Volumes supplies the volumes active at an instant.
type Volumes interface {
	ListActive(at time.Time) []*volume.Volume
}

// Alerts supplies recently raised alerts.
type Alerts interface {
	Since(t time.Time) []alert.Alert
}

// FeedView is a point-in-time merge. Field names are part of the client
// contract.
type FeedView struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Horizon     time.Duration `json:"horizon_ns"`
	Flights     []FlightView  `json:"flights"`
	Volumes     []VolumeView  `json:"volumes"`
	Alerts      []alert.Alert `json:"alerts,omitempty"`
}

// FlightView is the selected point of one flight and its conformance.
type FlightView struct {
	FlightID    string               `json:"flight_id"`
	Position    track.Position       `json:"position"`
	Timestamp   time.Time            `json:"timestamp"`
	Source      string               `json:"source"`
	Quality     string               `json:"quality"`
	AccuracyM   float64              `json:"accuracy_m,omitempty"`
	Conformance conformance.State    `json:"conformance"`
	VolumeIDs   []string             `json:"volume_ids,omitempty"`
	Records     []conformance.Record `json:"records,omitempty"`
}

// VolumeView is the display form of an active volume.
type VolumeView struct {
	ID             string       `json:"id"`
	FlightID       string       `json:"flight_id,omitempty"`
	Kind           volume.Kind  `json:"kind"`
	Name           string       `json:"name,omitempty"`
	State          volume.State `json:"state"`
	Version        int64        `json:"version"`
	Start          time.Time    `json:"start"`
	End            time.Time    `json:"end"`
	LeaseExpiresAt *time.Time   `json:"lease_expires_at,omitempty"`
	Invalid        bool         `json:"invalid,omitempty"`
}

// Aggregator builds snapshots. It takes no global lock; each source is read
// once per snapshot.
type Aggregator struct {
	tracks  Tracks
	conf    Conformance
	vols    Volumes
	alerts  Alerts
	cfg     config.FeedConfig
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

// New creates an Aggregator. alerts may be nil.
func New(tracks Tracks, conf Conformance, vols Volumes, alerts Alerts, cfg config.FeedConfig, m *metrics.Metrics, log *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		tracks:  tracks,
		conf:    conf,
		vols:    vols,
		alerts:  alerts,
		cfg:     cfg,
		metrics: m,
		log:     logger.Named(log, "feed"),
	}
}

// Snapshot returns the feed at the given instant. Flights whose freshest
// point is older than at minus the horizon are left out.
func (a *Aggregator) Snapshot(at time.Time) FeedView {
	view := FeedView{
		GeneratedAt: at,
		Horizon:     a.cfg.Horizon,
		Flights:     []FlightView{},
		Volumes:     []VolumeView{},
	}
	cutoff := at.Add(-a.cfg.Horizon)

	records := make(map[string][]conformance.Record)
	for _, r := range a.conf.Records() {
		records[r.FlightID] = append(records[r.FlightID], r)
	}

	for flight, points := range a.tracks.LatestBySource() {
		fresh := points[:0:0]
		for _, p := range points {
			if !p.Timestamp.Before(cutoff) {
				fresh = append(fresh, p)
			}
		}
		best, ok := Select(fresh, a.cfg.CoincidenceWindow)
		if !ok {
			continue
		}

		recs := records[flight]
		fv := FlightView{
			FlightID:    flight,
			Position:    best.Position,
			Timestamp:   best.Timestamp,
			Source:      best.Source,
			Quality:     best.Quality.String(),
			AccuracyM:   best.AccuracyM,
			Conformance: conformance.Summarize(recs),
			Records:     recs,
		}
		for _, r := range recs {
			if r.VolumeID != "" {
				fv.VolumeIDs = append(fv.VolumeIDs, r.VolumeID)
			}
		}
		view.Flights = append(view.Flights, fv)
	}
	sort.Slice(view.Flights, func(i, j int) bool { return view.Flights[i].FlightID < view.Flights[j].FlightID })

	for _, v := range a.vols.ListActive(at) {
		start, end := v.Window()
		vv := VolumeView{
			ID:       v.ID,
			FlightID: v.FlightID,
			Kind:     v.Kind,
			Name:     v.Name,
			State:    v.State,
			Version:  v.Version,
			Start:    start,
			End:      end,
			Invalid:  v.Invalid,
		}
		if v.Lease != nil {
			exp := v.Lease.ExpiresAt
			vv.LeaseExpiresAt = &exp
		}
		view.Volumes = append(view.Volumes, vv)
	}

	if a.alerts != nil {
		view.Alerts = a.alerts.Since(cutoff)
	}

	a.metrics.SetFeedFlights(len(view.Flights))
	return view
}

// Select picks one point among a flight's per-source latest points. Points
// within window of the freshest compete on quality, then timestamp, then
// source tag; older points never win.
func Select(points []track.TrackPoint, window time.Duration) (track.TrackPoint, bool) {
	if len(points) == 0 {
		return track.TrackPoint{}, false
	}
	freshest := points[0].Timestamp
	for _, p := range points[1:] {
		if p.Timestamp.After(freshest) {
			freshest = p.Timestamp
		}
	}

	var best track.TrackPoint
	found := false
	for _, p := range points {
		if freshest.Sub(p.Timestamp) > window {
			continue
		}
		if !found || better(p, best) {
			best, found = p, true
		}
	}
	return best, found
}

func better(a, b track.TrackPoint) bool {
	if a.Quality != b.Quality {
		return a.Quality > b.Quality
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Source < b.Source
}
