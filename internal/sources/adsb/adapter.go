// Package adsb normalises ADS-B aircraft records in the readsb/dump1090
// aircraft.json shape.
package adsb

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"

	"traffic_engine/internal/errors"
	"traffic_engine/internal/registry"
	"traffic_engine/internal/track"
)

const feetToMetres = 0.3048

// Aircraft is one entry of readsb's aircraft list, with the file-level
// "now" copied in so each record is self-contained.
type Aircraft struct {
	Now     float64  `json:"now"`
	Hex     string   `json:"hex"`
	Flight  string   `json:"flight,omitempty"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	AltBaro any      `json:"alt_baro,omitempty"` // feet, or the string "ground"
	AltGeom *float64 `json:"alt_geom,omitempty"`
	NACp    *int     `json:"nac_p,omitempty"`
	SeenPos float64  `json:"seen_pos,omitempty"`
}

// epuByNACp maps navigation accuracy category to the estimated position
// uncertainty bound in metres.
var epuByNACp = map[int]float64{
	11: 3,
	10: 10,
	9:  30,
	8:  92.6,
	7:  185.2,
	6:  555.6,
	5:  926,
	4:  1852,
	3:  3704,
	2:  7408,
	1:  18520,
}

// Adapter normalises ADS-B records.
type Adapter struct{}

func init() {
	registry.Register(&Adapter{})
}

func (a *Adapter) Name() string  { return track.SourceADSB }
func (a *Adapter) Priority() int { return 10 }

func (a *Adapter) QuickCheck(payload []byte) bool {
	return bytes.Contains(payload, []byte(`"hex"`))
}

func (a *Adapter) Normalize(rec track.RawRecord) (track.TrackPoint, error) {
	var ac Aircraft
	if err := json.Unmarshal(rec.Payload, &ac); err != nil {
		return track.TrackPoint{}, errors.Malformedf("decode aircraft: %v", err)
	}

	hex := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(ac.Hex), "~"))
	if hex == "" {
		return track.TrackPoint{}, errors.Malformedf("missing hex address")
	}
	if ac.Lat == nil || ac.Lon == nil {
		return track.TrackPoint{}, errors.Malformedf("aircraft %s has no position", hex)
	}
	if ac.Now <= 0 {
		return track.TrackPoint{}, errors.Malformedf("aircraft %s has no timestamp", hex)
	}
	alt, ok := altitude(ac)
	if !ok {
		return track.TrackPoint{}, errors.Malformedf("aircraft %s has no altitude", hex)
	}

	ts := unixFloat(ac.Now - ac.SeenPos)
	p := track.TrackPoint{
		FlightID:  hex,
		Position:  track.Position{Lat: *ac.Lat, Lon: *ac.Lon, AltitudeM: alt},
		Timestamp: ts,
		Source:    track.SourceADSB,
	}
	if ac.NACp != nil {
		p.Quality = qualityForNACp(*ac.NACp)
		p.AccuracyM = epuByNACp[*ac.NACp]
	}
	return p, nil
}

// altitude prefers geometric altitude and falls back to barometric.
func altitude(ac Aircraft) (float64, bool) {
	if ac.AltGeom != nil {
		return *ac.AltGeom * feetToMetres, true
	}
	switch v := ac.AltBaro.(type) {
	case float64:
		return v * feetToMetres, true
	case string:
		if v == "ground" {
			return 0, true
		}
	}
	return 0, false
}

func qualityForNACp(nacp int) track.Quality {
	switch {
	case nacp >= 9:
		return track.QualityHigh
	case nacp >= 7:
		return track.QualityMedium
	case nacp >= 1:
		return track.QualityLow
	default:
		return track.QualityUnknown
	}
}

func unixFloat(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e3))*int64(time.Millisecond)).UTC()
}
