package dss

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"traffic_engine/internal/config"
	"traffic_engine/internal/errors"
	"traffic_engine/internal/metrics"
	"traffic_engine/internal/volume"
)

const referencePath = "/dss/v1/operational_intent_references/"

// HTTPClient talks to a remote directory over its REST interface. Every call
// waits on a shared rate limiter and carries a bearer token.
type HTTPClient struct {
	baseURL    string
	token      string
	ussBaseURL string
	http       *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewHTTPClient creates a client from the sync configuration.
func NewHTTPClient(cfg config.SyncConfig, m *metrics.Metrics) *HTTPClient {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		ussBaseURL: cfg.USSBaseURL,
		http:       &http.Client{Timeout: cfg.CallTimeout},
		limiter:    rate.NewLimiter(limit, burst),
		metrics:    m,
		now:        time.Now,
	}
}

type wireTime struct {
	Value  string `json:"value"`
	Format string `json:"format"`
}

type wireAltitude struct {
	Value     float64 `json:"value"`
	Reference string  `json:"reference"`
	Units     string  `json:"units"`
}

type wireLatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type wireCircle struct {
	Center wireLatLng `json:"center"`
	Radius struct {
		Value float64 `json:"value"`
		Units string  `json:"units"`
	} `json:"radius"`
}

type wirePolygon struct {
	Vertices []wireLatLng `json:"vertices"`
}

type wireVolume struct {
	OutlineCircle  *wireCircle  `json:"outline_circle,omitempty"`
	OutlinePolygon *wirePolygon `json:"outline_polygon,omitempty"`
	AltitudeLower  wireAltitude `json:"altitude_lower"`
	AltitudeUpper  wireAltitude `json:"altitude_upper"`
}

type wireVolume4D struct {
	Volume    wireVolume `json:"volume"`
	TimeStart wireTime   `json:"time_start"`
	TimeEnd   wireTime   `json:"time_end"`
}

type wireSubscription struct {
	USSBaseURL           string `json:"uss_base_url"`
	NotifyForConstraints bool   `json:"notify_for_constraints"`
}

type referenceRequest struct {
	Extents         []wireVolume4D    `json:"extents"`
	Key             []string          `json:"key"`
	State           string            `json:"state"`
	USSBaseURL      string            `json:"uss_base_url"`
	NewSubscription *wireSubscription `json:"new_subscription,omitempty"`
}

type referenceResponse struct {
	Reference struct {
		ID  string `json:"id"`
		OVN string `json:"ovn"`
	} `json:"operational_intent_reference"`
}

type conflictResponse struct {
	Message string `json:"message"`
	Missing []struct {
		ID string `json:"id"`
	} `json:"missing_operational_intents"`
}

func (c *HTTPClient) CreateReference(ctx context.Context, v *volume.Volume, ttl time.Duration) (Reference, error) {
	id := uuid.NewString()
	body := c.request(v)
	body.NewSubscription = &wireSubscription{USSBaseURL: c.ussBaseURL, NotifyForConstraints: true}

	var resp referenceResponse
	if err := c.do(ctx, "create", http.MethodPut, referencePath+id, body, &resp); err != nil {
		return Reference{}, err
	}
	return c.reference(resp, id, ttl)
}

func (c *HTTPClient) UpdateReference(ctx context.Context, ref Reference, v *volume.Volume, ttl time.Duration) (Reference, error) {
	var resp referenceResponse
	if err := c.do(ctx, "update", http.MethodPut, referencePath+ref.ID+"/"+ref.Token, c.request(v), &resp); err != nil {
		return Reference{}, err
	}
	return c.reference(resp, ref.ID, ttl)
}

func (c *HTTPClient) DeleteReference(ctx context.Context, ref Reference) error {
	err := c.do(ctx, "delete", http.MethodDelete, referencePath+ref.ID+"/"+ref.Token, nil, nil)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	return err
}

// reference builds the lease reference from a successful response. Every
// later update and delete addresses the reference by its OVN, so a response
// without one is treated as a failed call.
func (c *HTTPClient) reference(resp referenceResponse, id string, ttl time.Duration) (Reference, error) {
	if resp.Reference.ID != "" {
		id = resp.Reference.ID
	}
	if resp.Reference.OVN == "" {
		return Reference{}, errors.Unavailable(errors.Newf("reference %s: response carries no ovn", id))
	}
	return Reference{ID: id, Token: resp.Reference.OVN, ExpiresAt: c.now().Add(ttl)}, nil
}

func (c *HTTPClient) request(v *volume.Volume) referenceRequest {
	req := referenceRequest{
		Key:        []string{},
		State:      string(volume.StateAccepted),
		USSBaseURL: c.ussBaseURL,
	}
	if v == nil {
		return req
	}
	if v.State == volume.StateActivated || v.State == volume.StateContingent {
		req.State = string(v.State)
	}
	for _, sv := range v.SubVolumes {
		req.Extents = append(req.Extents, toWire(sv))
	}
	return req
}

func toWire(sv volume.SubVolume) wireVolume4D {
	out := wireVolume4D{
		Volume: wireVolume{
			AltitudeLower: wireAltitude{Value: sv.Altitude.LowerM, Reference: "W84", Units: "M"},
			AltitudeUpper: wireAltitude{Value: sv.Altitude.UpperM, Reference: "W84", Units: "M"},
		},
		TimeStart: wireTime{Value: sv.Start.UTC().Format(time.RFC3339Nano), Format: "RFC3339"},
		TimeEnd:   wireTime{Value: sv.End.UTC().Format(time.RFC3339Nano), Format: "RFC3339"},
	}
	if c := sv.Footprint.Circle; c != nil {
		wc := &wireCircle{Center: wireLatLng{Lat: c.Center.Lat(), Lng: c.Center.Lon()}}
		wc.Radius.Value = c.RadiusM
		wc.Radius.Units = "M"
		out.Volume.OutlineCircle = wc
		return out
	}
	if len(sv.Footprint.Polygon) > 0 {
		ring := sv.Footprint.Polygon[0]
		if ring.Closed() {
			ring = ring[:len(ring)-1]
		}
		wp := &wirePolygon{}
		for _, p := range ring {
			wp.Vertices = append(wp.Vertices, wireLatLng{Lat: p.Lat(), Lng: p.Lon()})
		}
		out.Volume.OutlinePolygon = wp
	}
	return out
}

// do sends one request and maps the response onto the error taxonomy.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Unavailable(errors.Wrapf(err, "%s: rate limiter", op))
	}
	start := c.now()
	defer c.metrics.ObserveRemoteCall(op, start)

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "%s: encode request", op)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrapf(err, "%s: build request", op)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Unavailable(errors.Wrapf(err, "%s %s", method, path))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Unavailable(errors.Wrapf(err, "%s: read response", op))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return errors.Wrapf(err, "%s: decode response", op)
			}
		}
		return nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		var cr conflictResponse
		_ = json.Unmarshal(data, &cr)
		ids := make([]string, 0, len(cr.Missing))
		for _, m := range cr.Missing {
			ids = append(ids, m.ID)
		}
		reason := cr.Message
		if reason == "" {
			reason = fmt.Sprintf("%s rejected with status %d", op, resp.StatusCode)
		}
		return errors.NewConflict(reason, ids...)
	case resp.StatusCode == http.StatusNotFound:
		return errors.NotFoundf("%s %s", method, path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.Unavailable(errors.Newf("%s: status %d: %s", op, resp.StatusCode, truncate(data)))
	default:
		return errors.Newf("%s: status %d: %s", op, resp.StatusCode, truncate(data))
	}
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
