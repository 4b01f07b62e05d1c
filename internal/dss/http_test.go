package dss

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic_engine/internal/config"
	"traffic_engine/internal/errors"
)

func testHTTPClient(url string) *HTTPClient {
	return NewHTTPClient(config.SyncConfig{
		BaseURL:     url,
		Token:       "secret",
		USSBaseURL:  "http://uss.example",
		CallTimeout: time.Second,
	}, nil)
}

func TestHTTPClientCreate(t *testing.T) {
	reqs := make(chan referenceRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.True(t, strings.HasPrefix(r.URL.Path, referencePath))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var in referenceRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		reqs <- in

		id := strings.TrimPrefix(r.URL.Path, referencePath)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"operational_intent_reference":{"id":"` + id + `","ovn":"ovn-1"},"subscribers":[]}`))
	}))
	defer srv.Close()

	c := testHTTPClient(srv.URL)
	ref, err := c.CreateReference(context.Background(), testVolume("v1", orb.Point{8.5, 47.3}), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "ovn-1", ref.Token)
	assert.NotEmpty(t, ref.ID)

	got := <-reqs
	require.Len(t, got.Extents, 1)
	circle := got.Extents[0].Volume.OutlineCircle
	require.NotNil(t, circle)
	assert.Equal(t, 47.3, circle.Center.Lat)
	assert.Equal(t, 8.5, circle.Center.Lng)
	assert.Equal(t, 500.0, circle.Radius.Value)
	assert.Equal(t, "Accepted", got.State)
	require.NotNil(t, got.NewSubscription)
	assert.Equal(t, "http://uss.example", got.NewSubscription.USSBaseURL)
}

func TestHTTPClientUpdateAndDeletePaths(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"operational_intent_reference":{"id":"ref-1","ovn":"ovn-2"}}`))
	}))
	defer srv.Close()

	c := testHTTPClient(srv.URL)
	ref := Reference{ID: "ref-1", Token: "ovn-1"}
	next, err := c.UpdateReference(context.Background(), ref, testVolume("v1", orb.Point{0, 0}), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "ovn-2", next.Token)

	require.NoError(t, c.DeleteReference(context.Background(), next), "404 on delete is success")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"PUT " + referencePath + "ref-1/ovn-1",
		"DELETE " + referencePath + "ref-1/ovn-2",
	}, paths)
}

func TestHTTPClientErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		conflict  bool
		retryable bool
	}{
		{"conflict", http.StatusConflict, `{"message":"overlap","missing_operational_intents":[{"id":"other-1"}]}`, true, false},
		{"precondition", http.StatusPreconditionFailed, `{}`, true, false},
		{"rate limited", http.StatusTooManyRequests, `{}`, false, true},
		{"server error", http.StatusBadGateway, `oops`, false, true},
		{"bad request", http.StatusBadRequest, `{}`, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := testHTTPClient(srv.URL).CreateReference(context.Background(), testVolume("v1", orb.Point{0, 0}), time.Minute)
			require.Error(t, err)
			assert.Equal(t, tt.conflict, errors.Is(err, errors.ErrRemoteConflict))
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
			if tt.name == "conflict" {
				assert.Equal(t, []string{"other-1"}, errors.ConflictingVolumes(err))
			}
		})
	}
}

func TestHTTPClientNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := testHTTPClient(url).CreateReference(context.Background(), testVolume("v1", orb.Point{0, 0}), time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestHTTPClientRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"operational_intent_reference":{"id":"r","ovn":"o"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(config.SyncConfig{BaseURL: srv.URL, RateLimit: 1, RateBurst: 1, CallTimeout: time.Second}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := c.CreateReference(ctx, testVolume("v1", orb.Point{0, 0}), time.Minute)
	require.NoError(t, err)
	_, err = c.CreateReference(ctx, testVolume("v2", orb.Point{0, 0}), time.Minute)
	require.Error(t, err, "second call exceeds the limit within the deadline")
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientRequiresOVN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"operational_intent_reference":{"id":"ref-1"}}`))
	}))
	defer srv.Close()

	c := testHTTPClient(srv.URL)
	_, err := c.CreateReference(context.Background(), testVolume("v1", orb.Point{0, 0}), time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))

	_, err = c.UpdateReference(context.Background(), Reference{ID: "ref-1", Token: "ovn-1"}, testVolume("v1", orb.Point{0, 0}), time.Minute)
	require.Error(t, err)
}
