package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic_engine/internal/alert"
	"traffic_engine/internal/config"
	"traffic_engine/internal/conformance"
	"traffic_engine/internal/dss"
	"traffic_engine/internal/errors"
	"traffic_engine/internal/geo"
	_ "traffic_engine/internal/sources"
	"traffic_engine/internal/track"
	"traffic_engine/internal/volume"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Ingest.Partitions = 4
	cfg.Ingest.SkewTolerance = 200 * time.Millisecond
	cfg.Conformance.SweepInterval = 50 * time.Millisecond
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, opts...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	require.Eventually(t, e.Running, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		require.NoError(t, e.Close())
		require.NoError(t, <-done)
	})
	return e
}

func telemetry(flight string, lat, lon, alt float64, at time.Time) track.RawRecord {
	payload := fmt.Sprintf(`{"flight_details":{"id":%q},"current_state":{"timestamp":{"value":%q,"format":"RFC3339"},`+
		`"position":{"lat":%f,"lng":%f,"alt":%f,"accuracy_h":"HA3m"}}}`,
		flight, at.UTC().Format(time.RFC3339Nano), lat, lon, alt)
	return track.RawRecord{Source: track.SourceTelemetry, Payload: []byte(payload)}
}

func declaration(flight string, center orb.Point) *volume.Volume {
	now := time.Now()
	return &volume.Volume{
		Owner:    "op-1",
		FlightID: flight,
		Kind:     volume.KindFlightDeclaration,
		SubVolumes: []volume.SubVolume{{
			Footprint: geo.NewCircle(center, 100),
			Altitude:  geo.AltitudeBand{LowerM: 0, UpperM: 50},
			Start:     now.Add(-time.Minute),
			End:       now.Add(time.Hour),
		}},
	}
}

func waitState(t *testing.T, e *Engine, id string, want volume.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := e.GetVolume(id)
		return err == nil && v.State == want
	}, 2*time.Second, 10*time.Millisecond, "volume %s never reached %s", id, want)
}

func hasAlert(e *Engine, kind alert.Kind) bool {
	for _, a := range e.Alerts(time.Time{}) {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

func TestConformanceScenario(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, testConfig())

	id, err := e.DeclareVolume(ctx, declaration("op-1", orb.Point{0, 0}))
	require.NoError(t, err)
	waitState(t, e, id, volume.StateAccepted)
	_, err = e.ActivateVolume(ctx, id)
	require.NoError(t, err)

	base := time.Now()
	steps := []struct {
		lat   float64
		state conformance.State
		out   int
	}{
		{0.0005, conformance.StateConforming, 0},
		{0.002, conformance.StateConforming, 1},
		{0.002, conformance.StateConforming, 2},
		{0.002, conformance.StateNonconforming, 3},
		{0.0005, conformance.StateConforming, 0},
	}
	for i, st := range steps {
		_, err := e.SubmitTrack(ctx, telemetry("op-1", st.lat, 0, 30, base.Add(time.Duration(i)*100*time.Millisecond)))
		require.NoError(t, err, "step %d", i+1)
		e.Flush()

		recs := e.Conformance("op-1")
		require.Len(t, recs, 1)
		assert.Equal(t, st.state, recs[0].State, "step %d", i+1)
		assert.Equal(t, st.out, recs[0].ConsecutiveOut, "step %d", i+1)
	}

	assert.True(t, hasAlert(e, alert.KindNonconforming))
	assert.True(t, hasAlert(e, alert.KindConformanceRestored))

	view := e.Snapshot(time.Now())
	require.Len(t, view.Flights, 1)
	assert.Equal(t, conformance.StateConforming, view.Flights[0].Conformance)
	require.Len(t, view.Volumes, 1)
	assert.Equal(t, id, view.Volumes[0].ID)
}

func TestLatePointCountsTowardHysteresis(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, testConfig())

	id, err := e.DeclareVolume(ctx, declaration("op-6", orb.Point{0, 0}))
	require.NoError(t, err)
	waitState(t, e, id, volume.StateAccepted)
	_, err = e.ActivateVolume(ctx, id)
	require.NoError(t, err)

	base := time.Now()
	for _, at := range []time.Duration{0, 400 * time.Millisecond, 200 * time.Millisecond} {
		_, err := e.SubmitTrack(ctx, telemetry("op-6", 0.002, 0, 30, base.Add(at)))
		require.NoError(t, err, "point at +%s", at)
	}

	require.Eventually(t, func() bool {
		recs := e.Conformance("op-6")
		return len(recs) == 1 && recs[0].State == conformance.StateNonconforming
	}, 2*time.Second, 10*time.Millisecond)
	recs := e.Conformance("op-6")
	assert.Equal(t, 3, recs[0].ConsecutiveOut)
	require.Eventually(t, func() bool { return hasAlert(e, alert.KindNonconforming) }, time.Second, 10*time.Millisecond)
}

func TestSubmitTrackErrors(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	idle, err := New(cfg)
	require.NoError(t, err)
	_, err = idle.SubmitTrack(ctx, telemetry("op-1", 0, 0, 10, time.Now()))
	assert.True(t, errors.Is(err, errors.ErrRemoteUnavailable), "engine not running")

	e := startEngine(t, cfg)
	_, err = e.SubmitTrack(ctx, track.RawRecord{Payload: []byte(`{"nothing":"here"}`)})
	assert.True(t, errors.Is(err, errors.ErrMalformedRecord))

	now := time.Now()
	_, err = e.SubmitTrack(ctx, telemetry("op-2", 0, 0, 10, now))
	require.NoError(t, err)
	_, err = e.SubmitTrack(ctx, telemetry("op-2", 0, 0, 10, now.Add(-time.Minute)))
	assert.True(t, errors.Is(err, errors.ErrStaleRecord))

	p, ok := e.Latest("op-2")
	require.True(t, ok)
	assert.True(t, now.Round(time.Microsecond).Equal(p.Timestamp.Round(time.Microsecond)))
}

func TestLeaseConflictWithdrawsVolume(t *testing.T) {
	ctx := context.Background()
	dir := dss.NewDirectory()
	other := declaration("other", orb.Point{0, 0})
	other.ID = "other-operator-volume"
	dir.Register(other, time.Hour)

	e := startEngine(t, testConfig(), WithDirectory(dir))
	id, err := e.DeclareVolume(ctx, declaration("op-3", orb.Point{0.0005, 0}))
	require.NoError(t, err)

	waitState(t, e, id, volume.StateWithdrawn)
	var found bool
	for _, a := range e.Alerts(time.Time{}) {
		if a.Kind == alert.KindLeaseConflict && a.VolumeID == id {
			found = true
			assert.Equal(t, []string{"other-operator-volume"}, a.ConflictingVolumeIDs)
		}
	}
	assert.True(t, found)
}

func TestImportGeofencesAndBreach(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, testConfig())

	now := time.Now().UTC()
	fc := fmt.Sprintf(`{"type":"FeatureCollection","features":[{"type":"Feature","id":"stadium",
		"properties":{"name":"Stadium","lower_limit":0,"upper_limit":200,"start_time":%q,"end_time":%q},
		"geometry":{"type":"Polygon","coordinates":[[[0.01,0.01],[0.02,0.01],[0.02,0.02],[0.01,0.02],[0.01,0.01]]]}}]}`,
		now.Add(-time.Minute).Format(time.RFC3339), now.Add(time.Hour).Format(time.RFC3339))

	ids, err := e.ImportGeofences(ctx, []byte(fc), "authority")
	require.NoError(t, err)
	require.Equal(t, []string{"stadium"}, ids)
	waitState(t, e, "stadium", volume.StateActivated)

	_, err = e.SubmitTrack(ctx, telemetry("op-4", 0.015, 0.015, 50, time.Now()))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hasAlert(e, alert.KindGeofenceBreach) },
		2*time.Second, 10*time.Millisecond, "held point is evaluated once released")

	assert.Len(t, e.ListVolumes(volume.StateActivated), 1)
}

func TestWithdrawReleasesDirectoryReference(t *testing.T) {
	ctx := context.Background()
	dir := dss.NewDirectory()
	e := startEngine(t, testConfig(), WithDirectory(dir))

	id, err := e.DeclareVolume(ctx, declaration("op-5", orb.Point{1, 1}))
	require.NoError(t, err)
	waitState(t, e, id, volume.StateAccepted)
	require.Equal(t, 1, dir.Len())

	_, err = e.WithdrawVolume(ctx, id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dir.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
