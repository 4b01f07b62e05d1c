package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"traffic_engine/internal/alert"
	"traffic_engine/internal/errors"
	"traffic_engine/internal/track"
	"traffic_engine/internal/volume"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readRecord builds a raw record from the request body. The adapter is
// chosen by the source query parameter or, when absent, by content.
func (s *Server) readRecord(r *http.Request) (track.RawRecord, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return track.RawRecord{}, errors.Validationf("read body: %v", err)
	}
	if len(body) == 0 {
		return track.RawRecord{}, errors.Validationf("empty body")
	}
	return track.RawRecord{
		Source:     r.URL.Query().Get("source"),
		Payload:    body,
		ReceivedAt: s.engine.Now(),
	}, nil
}

// handleSubmitTrack handles POST /api/v1/tracks.
func (s *Server) handleSubmitTrack(w http.ResponseWriter, r *http.Request) {
	rec, err := s.readRecord(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	p, err := s.engine.SubmitTrack(r.Context(), rec)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

// handleTrace handles POST /api/v1/tracks/trace.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	rec, err := s.readRecord(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Trace(rec))
}

// handleFlightTrack handles GET /api/v1/flights/{flight_id}/track.
func (s *Server) handleFlightTrack(w http.ResponseWriter, r *http.Request) {
	flightID := chi.URLParam(r, "flight_id")
	now := s.engine.Now()

	from, err := parseTime(r, "from", time.Time{})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	to, err := parseTime(r, "to", now)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	points := s.engine.Track(flightID, from, to)
	if points == nil {
		points = []track.TrackPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// handleFlightConformance handles GET /api/v1/flights/{flight_id}/conformance.
func (s *Server) handleFlightConformance(w http.ResponseWriter, r *http.Request) {
	recs := s.engine.Conformance(chi.URLParam(r, "flight_id"))
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, "no conformance records")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleListVolumes handles GET /api/v1/volumes?state=.
func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	state := volume.State(r.URL.Query().Get("state"))
	if state != "" && !state.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state "+string(state))
		return
	}
	vols := s.engine.ListVolumes(state)
	if vols == nil {
		vols = []*volume.Volume{}
	}
	writeJSON(w, http.StatusOK, vols)
}

// handleDeclareVolume handles POST /api/v1/volumes.
func (s *Server) handleDeclareVolume(w http.ResponseWriter, r *http.Request) {
	var v volume.Volume
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if v.Kind == "" {
		v.Kind = volume.KindFlightDeclaration
	}

	id, err := s.engine.DeclareVolume(r.Context(), &v)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	created, err := s.engine.GetVolume(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/volumes/"+id)
	writeJSON(w, http.StatusCreated, created)
}

// handleGetVolume handles GET /api/v1/volumes/{id}.
func (s *Server) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.GetVolume(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleTransition serves POST /api/v1/volumes/{id}/{activate,end,withdraw}.
func (s *Server) handleTransition(fn func(ctx context.Context, id string) (*volume.Volume, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fn(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// handleImportGeofences handles POST /api/v1/geofences with a GeoJSON
// FeatureCollection body.
func (s *Server) handleImportGeofences(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = "authority"
	}

	ids, err := s.engine.ImportGeofences(r.Context(), body, owner)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string][]string{"ids": ids})
}

// handleFeed handles GET /api/v1/feed?at=.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	at, err := parseTime(r, "at", s.engine.Now())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot(at))
}

// handleAlerts handles GET /api/v1/alerts?since=.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	since, err := parseTime(r, "since", time.Time{})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	alerts := s.engine.Alerts(since)
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}
