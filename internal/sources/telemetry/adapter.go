// Package telemetry normalises operator-submitted aircraft state telemetry.
package telemetry

import (
	"bytes"
	"encoding/json"
	"time"

	"traffic_engine/internal/errors"
	"traffic_engine/internal/registry"
	"traffic_engine/internal/track"
)

// Record is one aircraft state from an operator's telemetry submission.
type Record struct {
	FlightDetails struct {
		ID string `json:"id"`
	} `json:"flight_details"`
	CurrentState *State `json:"current_state"`
}

// State is the aircraft state part of a telemetry record.
type State struct {
	Timestamp struct {
		Value  string `json:"value"`
		Format string `json:"format"`
	} `json:"timestamp"`
	OperationalStatus string `json:"operational_status,omitempty"`
	Position          *struct {
		Lat       *float64 `json:"lat"`
		Lng       *float64 `json:"lng"`
		Alt       *float64 `json:"alt"`
		AccuracyH string   `json:"accuracy_h"`
		AccuracyV string   `json:"accuracy_v,omitempty"`
	} `json:"position"`
	Track *float64 `json:"track,omitempty"`
	Speed *float64 `json:"speed,omitempty"`
}

// horizontalAccuracy maps ASTM horizontal accuracy codes to metres.
var horizontalAccuracy = map[string]float64{
	"HA10NM":  18520,
	"HA4NM":   7408,
	"HA2NM":   3704,
	"HA1NM":   1852,
	"HA05NM":  926,
	"HA03NM":  555.6,
	"HA01NM":  185.2,
	"HA005NM": 92.6,
	"HA30m":   30,
	"HA10m":   10,
	"HA3m":    3,
	"HA1m":    1,
}

// Adapter normalises telemetry records.
type Adapter struct{}

func init() {
	registry.Register(&Adapter{})
}

func (a *Adapter) Name() string  { return track.SourceTelemetry }
func (a *Adapter) Priority() int { return 20 }

func (a *Adapter) QuickCheck(payload []byte) bool {
	return bytes.Contains(payload, []byte(`"current_state"`))
}

func (a *Adapter) Normalize(rec track.RawRecord) (track.TrackPoint, error) {
	var r Record
	if err := json.Unmarshal(rec.Payload, &r); err != nil {
		return track.TrackPoint{}, errors.Malformedf("decode telemetry: %v", err)
	}
	if r.FlightDetails.ID == "" {
		return track.TrackPoint{}, errors.Malformedf("missing flight_details.id")
	}
	s := r.CurrentState
	if s == nil {
		return track.TrackPoint{}, errors.Malformedf("missing current_state")
	}
	if s.Timestamp.Value == "" {
		return track.TrackPoint{}, errors.Malformedf("missing timestamp")
	}
	ts, err := time.Parse(time.RFC3339Nano, s.Timestamp.Value)
	if err != nil {
		return track.TrackPoint{}, errors.Malformedf("timestamp %q: %v", s.Timestamp.Value, err)
	}
	if s.Position == nil || s.Position.Lat == nil || s.Position.Lng == nil || s.Position.Alt == nil {
		return track.TrackPoint{}, errors.Malformedf("missing position")
	}

	p := track.TrackPoint{
		FlightID:  r.FlightDetails.ID,
		Position:  track.Position{Lat: *s.Position.Lat, Lon: *s.Position.Lng, AltitudeM: *s.Position.Alt},
		Timestamp: ts.UTC(),
		Source:    track.SourceTelemetry,
	}
	if acc, ok := horizontalAccuracy[s.Position.AccuracyH]; ok {
		p.AccuracyM = acc
		p.Quality = qualityForAccuracy(acc)
	}
	return p, nil
}

func qualityForAccuracy(m float64) track.Quality {
	switch {
	case m <= 10:
		return track.QualityHigh
	case m <= 92.6:
		return track.QualityMedium
	default:
		return track.QualityLow
	}
}
