// Package track defines the raw and normalised position records shared by
// ingest, conformance and the feed.
package track

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
)

// Source tags for the built-in adapters.
const (
	SourceADSB      = "adsb"
	SourceTelemetry = "telemetry"
	SourceRemoteID  = "remoteid"
)

// RawRecord is a position report as received from a producer. Source may be
// empty, in which case the adapter is chosen by content.
type RawRecord struct {
	Source     string    `json:"source,omitempty"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Quality ranks how much a report can be trusted. Higher is better.
type Quality int

const (
	QualityUnknown Quality = iota
	QualityLow
	QualityMedium
	QualityHigh
)

func (q Quality) String() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Position is a WGS84 location with altitude in metres.
type Position struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AltitudeM float64 `json:"altitude_m"`
}

// Point returns the horizontal position as an orb point.
func (p Position) Point() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

// TrackPoint is a normalised, immutable position report for one flight.
type TrackPoint struct {
	FlightID  string    `json:"flight_id"`
	Position  Position  `json:"position"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Quality   Quality   `json:"quality"`
	// AccuracyM is the horizontal accuracy bound when the source reports one.
	AccuracyM float64 `json:"accuracy_m,omitempty"`
}

func (p TrackPoint) String() string {
	return fmt.Sprintf("%s@%s[%s](%.6f,%.6f,%.1fm)",
		p.FlightID, p.Timestamp.UTC().Format(time.RFC3339Nano), p.Source,
		p.Position.Lat, p.Position.Lon, p.Position.AltitudeM)
}
