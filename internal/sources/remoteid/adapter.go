// Package remoteid normalises broadcast Remote ID observations relayed by
// ground receivers.
package remoteid

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"traffic_engine/internal/errors"
	"traffic_engine/internal/registry"
	"traffic_engine/internal/track"
)

// Observation is a single receiver observation. Altitude is in millimetres
// and the timestamp in Unix milliseconds.
type Observation struct {
	ICAOAddress   string         `json:"icao_address"`
	LatDD         *float64       `json:"lat_dd"`
	LonDD         *float64       `json:"lon_dd"`
	AltitudeMM    *float64       `json:"altitude_mm"`
	TrafficSource int            `json:"traffic_source"`
	SourceType    int            `json:"source_type,omitempty"`
	Timestamp     int64          `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Adapter normalises Remote ID observations.
type Adapter struct{}

func init() {
	registry.Register(&Adapter{})
}

func (a *Adapter) Name() string  { return track.SourceRemoteID }
func (a *Adapter) Priority() int { return 30 }

func (a *Adapter) QuickCheck(payload []byte) bool {
	return bytes.Contains(payload, []byte(`"icao_address"`))
}

func (a *Adapter) Normalize(rec track.RawRecord) (track.TrackPoint, error) {
	var o Observation
	if err := json.Unmarshal(rec.Payload, &o); err != nil {
		return track.TrackPoint{}, errors.Malformedf("decode observation: %v", err)
	}
	id := strings.ToUpper(strings.TrimSpace(o.ICAOAddress))
	switch {
	case id == "":
		return track.TrackPoint{}, errors.Malformedf("missing icao_address")
	case o.Timestamp <= 0:
		return track.TrackPoint{}, errors.Malformedf("observation %s has no timestamp", id)
	case o.LatDD == nil || o.LonDD == nil || o.AltitudeMM == nil:
		return track.TrackPoint{}, errors.Malformedf("observation %s has no position", id)
	}

	return track.TrackPoint{
		FlightID:  id,
		Position:  track.Position{Lat: *o.LatDD, Lon: *o.LonDD, AltitudeM: *o.AltitudeMM / 1000},
		Timestamp: time.UnixMilli(o.Timestamp).UTC(),
		Source:    track.SourceRemoteID,
		Quality:   track.QualityMedium,
	}, nil
}
