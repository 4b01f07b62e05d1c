package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic_engine/internal/config"
	"traffic_engine/internal/engine"
	"traffic_engine/internal/errors"
	"traffic_engine/internal/feed"
	_ "traffic_engine/internal/sources"
	"traffic_engine/internal/volume"
)

func startEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Ingest.Partitions = 2
	cfg.Ingest.SkewTolerance = 100 * time.Millisecond
	e, err := engine.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	require.Eventually(t, e.Running, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func newTestServer(t *testing.T, cfg config.APIConfig) (*engine.Engine, http.Handler) {
	t.Helper()
	e := startEngine(t)
	s := NewServer(e, cfg, 20*time.Millisecond, e.Metrics().Handler(), nil)
	return e, s.Router()
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func telemetryPayload(flight string, lat, lon, alt float64, at time.Time) []byte {
	return []byte(fmt.Sprintf(`{"flight_details":{"id":%q},"current_state":{"timestamp":{"value":%q,"format":"RFC3339"},`+
		`"position":{"lat":%f,"lng":%f,"alt":%f,"accuracy_h":"HA3m"}}}`,
		flight, at.UTC().Format(time.RFC3339Nano), lat, lon, alt))
}

func declarationBody(flight string) []byte {
	now := time.Now().UTC()
	return []byte(fmt.Sprintf(`{"owner":"op-1","flight_id":%q,"sub_volumes":[{
		"footprint":{"circle":{"center":[0,0],"radius_m":100}},
		"altitude":{"lower_m":0,"upper_m":50},
		"start":%q,"end":%q}]}`,
		flight, now.Add(-time.Minute).Format(time.RFC3339), now.Add(time.Hour).Format(time.RFC3339)))
}

func TestHealthEndpoint(t *testing.T) {
	_, h := newTestServer(t, config.APIConfig{})
	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestServer(t, config.APIConfig{})
	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAuthMiddleware(t *testing.T) {
	_, h := newTestServer(t, config.APIConfig{
		AuthEnabled: true,
		APIKeys:     []string{"test-key-123", "another-key"},
	})

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
	}{
		{"no key", "", "", http.StatusUnauthorized},
		{"invalid key", "X-API-Key", "wrong-key", http.StatusForbidden},
		{"valid key via X-API-Key", "X-API-Key", "test-key-123", http.StatusOK},
		{"valid key via Bearer", "Authorization", "Bearer another-key", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/volumes", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}

	// Health stays open.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code)
}

func TestSubmitTrackAndErrors(t *testing.T) {
	_, h := newTestServer(t, config.APIConfig{})
	now := time.Now()

	rec := do(t, h, http.MethodPost, "/api/v1/tracks?source=telemetry", telemetryPayload("F1", 0, 0, 30, now))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"flight_id":"F1"`)

	rec = do(t, h, http.MethodPost, "/api/v1/tracks", telemetryPayload("F1", 0, 0, 30, now.Add(-time.Minute)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/tracks", []byte(`{"nothing":"here"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/tracks", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/flights/F1/track", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var points []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	assert.Len(t, points, 1)

	rec = do(t, h, http.MethodPost, "/api/v1/tracks/trace", telemetryPayload("F2", 0, 0, 30, now))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"matched":true`)
}

func TestVolumeLifecycle(t *testing.T) {
	e, h := newTestServer(t, config.APIConfig{})

	rec := do(t, h, http.MethodPost, "/api/v1/volumes", declarationBody("F1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created volume.Volume
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, volume.StateProposed, created.State)
	assert.Equal(t, "/api/v1/volumes/"+created.ID, rec.Header().Get("Location"))

	require.Eventually(t, func() bool {
		v, err := e.GetVolume(created.ID)
		return err == nil && v.State == volume.StateAccepted
	}, 2*time.Second, 10*time.Millisecond)

	rec = do(t, h, http.MethodPost, "/api/v1/volumes/"+created.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/v1/volumes?state=Activated", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID)

	rec = do(t, h, http.MethodPost, "/api/v1/volumes/"+created.ID+"/end", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Ended is terminal.
	rec = do(t, h, http.MethodPost, "/api/v1/volumes/"+created.ID+"/activate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/volumes/missing", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/volumes?state=Flying", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/volumes", []byte(`{"owner":"x"`)).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/volumes", []byte(`{"owner":"x"}`)).Code)
}

func TestGeofencesAndFeed(t *testing.T) {
	_, h := newTestServer(t, config.APIConfig{})
	now := time.Now().UTC()
	fc := fmt.Sprintf(`{"type":"FeatureCollection","features":[{"type":"Feature","id":"park",
		"properties":{"name":"Park","lower_limit":0,"upper_limit":200,"start_time":%q,"end_time":%q},
		"geometry":{"type":"Polygon","coordinates":[[[0.01,0.01],[0.02,0.01],[0.02,0.02],[0.01,0.02],[0.01,0.01]]]}}]}`,
		now.Add(-time.Minute).Format(time.RFC3339), now.Add(time.Hour).Format(time.RFC3339))

	rec := do(t, h, http.MethodPost, "/api/v1/geofences?owner=city", []byte(fc))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"ids":["park"]}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/v1/tracks", telemetryPayload("F9", 0.015, 0.015, 50, time.Now()))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/feed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view feed.FeedView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.Flights, 1)
	assert.Equal(t, "F9", view.Flights[0].FlightID)
	require.Len(t, view.Volumes, 1)

	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/api/v1/alerts", nil)
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), "GeofenceBreach")
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/feed?at=yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/geofences", []byte(`{}`)).Code)
}

func TestFeedStream(t *testing.T) {
	_, h := newTestServer(t, config.APIConfig{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/feed/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var view feed.FeedView
		require.NoError(t, conn.ReadJSON(&view))
		assert.False(t, view.GeneratedAt.IsZero())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.Validationf("bad"), http.StatusBadRequest},
		{errors.Malformedf("bad"), http.StatusBadRequest},
		{errors.NotFoundf("x"), http.StatusNotFound},
		{errors.VersionConflictf("x"), http.StatusConflict},
		{errors.InvalidTransitionf("x"), http.StatusConflict},
		{errors.NewConflict("overlap", "v1"), http.StatusConflict},
		{errors.Stalef("late"), http.StatusUnprocessableEntity},
		{errors.Unavailable(errors.New("down")), http.StatusServiceUnavailable},
		{errors.Wrap(context.DeadlineExceeded, "wait"), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
