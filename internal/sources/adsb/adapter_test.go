package adsb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic_engine/internal/errors"
	"traffic_engine/internal/track"
)

func TestNormalize(t *testing.T) {
	a := &Adapter{}

	tests := []struct {
		name        string
		payload     string
		wantAlt     float64
		wantQuality track.Quality
		wantAcc     float64
	}{
		{"geometric altitude wins", `{"now":100,"hex":"abc","lat":1,"lon":2,"alt_baro":1000,"alt_geom":2000,"nac_p":10}`, 609.6, track.QualityHigh, 10},
		{"barometric fallback", `{"now":100,"hex":"abc","lat":1,"lon":2,"alt_baro":1000,"nac_p":8}`, 304.8, track.QualityMedium, 92.6},
		{"on ground", `{"now":100,"hex":"abc","lat":1,"lon":2,"alt_baro":"ground","nac_p":3}`, 0, track.QualityLow, 3704},
		{"no nacp", `{"now":100,"hex":"abc","lat":1,"lon":2,"alt_baro":0}`, 0, track.QualityUnknown, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := a.Normalize(track.RawRecord{Payload: []byte(tt.payload)})
			require.NoError(t, err)
			assert.Equal(t, "ABC", p.FlightID)
			assert.InDelta(t, tt.wantAlt, p.Position.AltitudeM, 0.001)
			assert.Equal(t, tt.wantQuality, p.Quality)
			assert.Equal(t, tt.wantAcc, p.AccuracyM)
		})
	}
}

func TestNormalizeSeenPos(t *testing.T) {
	p, err := (&Adapter{}).Normalize(track.RawRecord{Payload: []byte(
		`{"now":100.75,"hex":"~abc","lat":1,"lon":2,"alt_baro":0,"seen_pos":0.25}`)})
	require.NoError(t, err)
	assert.Equal(t, "ABC", p.FlightID)
	assert.Equal(t, int64(100500), p.Timestamp.UnixMilli())
}

func TestNormalizeMalformed(t *testing.T) {
	tests := map[string]string{
		"bad json":    `{`,
		"no hex":      `{"now":100,"lat":1,"lon":2,"alt_baro":0}`,
		"no position": `{"now":100,"hex":"abc","alt_baro":0}`,
		"no time":     `{"hex":"abc","lat":1,"lon":2,"alt_baro":0}`,
		"no altitude": `{"now":100,"hex":"abc","lat":1,"lon":2}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := (&Adapter{}).Normalize(track.RawRecord{Payload: []byte(payload)})
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrMalformedRecord))
		})
	}
}

func TestQuickCheck(t *testing.T) {
	a := &Adapter{}
	assert.True(t, a.QuickCheck([]byte(`{"hex":"abc"}`)))
	assert.False(t, a.QuickCheck([]byte(`{"icao_address":"abc"}`)))
}
