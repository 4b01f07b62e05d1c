package feed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic_engine/internal/alert"
	"traffic_engine/internal/config"
	"traffic_engine/internal/conformance"
	"traffic_engine/internal/geo"
	"traffic_engine/internal/metrics"
	"traffic_engine/internal/track"
	"traffic_engine/internal/volume"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTracks map[string][]track.TrackPoint

func (f fakeTracks) LatestBySource() map[string][]track.TrackPoint { return f }

type fakeConformance []conformance.Record

func (f fakeConformance) Records() []conformance.Record { return f }

type fakeVolumes []*volume.Volume

func (f fakeVolumes) ListActive(time.Time) []*volume.Volume { return f }

type fakeAlerts []alert.Alert

func (f fakeAlerts) Since(t time.Time) []alert.Alert {
	var out []alert.Alert
	for _, a := range f {
		if !a.At.Before(t) {
			out = append(out, a)
		}
	}
	return out
}

func pt(flight, source string, q track.Quality, at time.Time) track.TrackPoint {
	return track.TrackPoint{
		FlightID:  flight,
		Position:  track.Position{Lat: 47.3, Lon: 8.5, AltitudeM: 80},
		Timestamp: at,
		Source:    source,
		Quality:   q,
	}
}

func TestSelect(t *testing.T) {
	window := 500 * time.Millisecond
	tests := []struct {
		name   string
		points []track.TrackPoint
		want   string
	}{
		{
			"higher quality wins inside window",
			[]track.TrackPoint{
				pt("F", "a", track.QualityHigh, t0),
				pt("F", "b", track.QualityLow, t0.Add(200*time.Millisecond)),
			},
			"a",
		},
		{
			"newer wins on equal quality",
			[]track.TrackPoint{
				pt("F", "a", track.QualityMedium, t0),
				pt("F", "b", track.QualityMedium, t0.Add(100*time.Millisecond)),
			},
			"b",
		},
		{
			"source tag breaks full ties",
			[]track.TrackPoint{
				pt("F", "zeta", track.QualityMedium, t0),
				pt("F", "alpha", track.QualityMedium, t0),
			},
			"alpha",
		},
		{
			"older point outside window loses despite quality",
			[]track.TrackPoint{
				pt("F", "a", track.QualityHigh, t0),
				pt("F", "b", track.QualityLow, t0.Add(2*time.Second)),
			},
			"b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Select(tt.points, window)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.Source)
		})
	}

	_, ok := Select(nil, window)
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	at := t0.Add(time.Minute)
	tracks := fakeTracks{
		"F1":    {pt("F1", "adsb", track.QualityLow, at.Add(-1200*time.Millisecond)), pt("F1", "telemetry", track.QualityHigh, at.Add(-time.Second))},
		"STALE": {pt("STALE", "adsb", track.QualityHigh, at.Add(-31*time.Second))},
		"F2":    {pt("F2", "remoteid", track.QualityMedium, at.Add(-29*time.Second))},
	}
	recs := fakeConformance{
		{FlightID: "F1", VolumeID: "v1", State: conformance.StateNonconforming},
		{FlightID: "F2", State: conformance.StateUnknown},
	}
	v := &volume.Volume{
		ID:       "v1",
		FlightID: "F1",
		Kind:     volume.KindFlightDeclaration,
		State:    volume.StateActivated,
		Version:  4,
		SubVolumes: []volume.SubVolume{{
			Footprint: geo.NewCircle(orb.Point{8.5, 47.3}, 100),
			Altitude:  geo.AltitudeBand{UpperM: 120},
			Start:     t0,
			End:       t0.Add(time.Hour),
		}},
		Lease: &volume.Lease{ExpiresAt: at.Add(time.Minute)},
	}
	alerts := fakeAlerts{
		{ID: "old", At: at.Add(-time.Hour)},
		{ID: "new", At: at.Add(-time.Second)},
	}

	m := metrics.New()
	agg := New(tracks, recs, fakeVolumes{v}, alerts, config.FeedConfig{
		Horizon:           30 * time.Second,
		CoincidenceWindow: 500 * time.Millisecond,
	}, m, nil)

	view := agg.Snapshot(at)
	require.Len(t, view.Flights, 2)
	assert.Equal(t, "F1", view.Flights[0].FlightID)
	assert.Equal(t, "telemetry", view.Flights[0].Source)
	assert.Equal(t, "high", view.Flights[0].Quality)
	assert.Equal(t, conformance.StateNonconforming, view.Flights[0].Conformance)
	assert.Equal(t, []string{"v1"}, view.Flights[0].VolumeIDs)
	assert.Equal(t, "F2", view.Flights[1].FlightID)
	assert.Equal(t, conformance.StateUnknown, view.Flights[1].Conformance)

	for _, f := range view.Flights {
		assert.LessOrEqual(t, at.Sub(f.Timestamp), view.Horizon)
	}

	require.Len(t, view.Volumes, 1)
	assert.Equal(t, t0, view.Volumes[0].Start)
	require.NotNil(t, view.Volumes[0].LeaseExpiresAt)

	require.Len(t, view.Alerts, 1)
	assert.Equal(t, "new", view.Alerts[0].ID)
}

func TestFeedViewJSONFieldNames(t *testing.T) {
	view := FeedView{
		GeneratedAt: t0,
		Flights:     []FlightView{{FlightID: "F1", Conformance: conformance.StateConforming}},
		Volumes:     []VolumeView{{ID: "v1"}},
	}
	data, err := json.Marshal(view)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"generated_at", "horizon_ns", "flights", "volumes"} {
		assert.Contains(t, raw, key)
	}
	flight := raw["flights"].([]any)[0].(map[string]any)
	for _, key := range []string{"flight_id", "position", "timestamp", "source", "quality", "conformance"} {
		assert.Contains(t, flight, key)
	}
}
