package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"newswire/internal/config"
	"newswire/internal/core"
	"newswire/internal/monitor"
	"newswire/internal/poller"
	"newswire/internal/store"
)

func testServer(t *testing.T) (*Server, *store.Memory, *poller.Poller) {
	t.Helper()
	mem := store.NewMemory()

	fd := core.FeedDescriptor{
		FeedID:   "test-feed",
		FeedURL:  "https://example.com/rss",
		SourceID: "testsource",
	}
	p, err := poller.New(mem, config.Poller{
		Concurrency:           1,
		TimeoutSeconds:        5,
		IntervalMinutes:       5,
		BurstPerSecond:        5,
		BreakerThreshold:      3,
		BreakerCooldownMins:   30,
		BreakerCooldownCapMul: 8,
		QueueSize:             16,
	}, []core.FeedDescriptor{fd})
	if err != nil {
		t.Fatalf("poller.New failed: %v", err)
	}

	m := monitor.New(mem, config.Breaking{
		IntervalMinutes: 2,
		WindowMinutes:   30,
		SourceThreshold: 4,
		CooldownHours:   4,
		ArchiveAgeDays:  7,
	})

	srv := New(mem, config.Server{Host: "127.0.0.1", Port: 0}, Components{
		Poller:  p,
		Monitor: m,
	})
	return srv, mem, p
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	if _, ok := body["uptime_seconds"].(float64); !ok {
		t.Errorf("uptime_seconds = %v, want a number", body["uptime_seconds"])
	}
	stats, ok := body["stats"].(map[string]any)
	if !ok {
		t.Fatalf("stats = %v, want an object", body["stats"])
	}
	for _, key := range []string{"poller", "monitor", "change_streams"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("health stats missing %q", key)
		}
	}
}

// failingStore simulates a store the process can no longer reach.
type failingStore struct{ store.Store }

func (failingStore) Lag(context.Context, string, string) (int64, error) {
	return 0, errors.New("database is closed")
}

func TestHealthEndpointUnhealthyStore(t *testing.T) {
	srv := New(failingStore{store.NewMemory()}, config.Server{Host: "127.0.0.1", Port: 0}, Components{})

	rec := doRequest(t, srv, http.MethodGet, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /health = %d, want 503", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("status = %v, want unhealthy", body["status"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /stats = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	for _, key := range []string{"poller", "feeds", "monitor", "change_streams"} {
		if _, ok := body[key]; !ok {
			t.Errorf("stats response missing %q", key)
		}
	}
}

func TestBreakerResetEndpoint(t *testing.T) {
	srv, mem, _ := testServer(t)
	ctx := context.Background()

	until := time.Now().UTC().Add(time.Hour)
	state := core.FeedPollState{
		FeedID:              "test-feed",
		FeedURL:             "https://example.com/rss",
		ConsecutiveFailures: 3,
		CircuitOpenUntil:    &until,
		CircuitBreaks:       1,
	}
	if err := store.UpsertFeedState(ctx, mem, state); err != nil {
		t.Fatalf("UpsertFeedState failed: %v", err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/circuit-breaker/reset/test-feed")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST reset = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	got, err := store.GetFeedState(ctx, mem, "test-feed")
	if err != nil {
		t.Fatalf("GetFeedState failed: %v", err)
	}
	if got.CircuitOpenUntil != nil {
		t.Error("circuit breaker still open after reset")
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0", got.ConsecutiveFailures)
	}
}

func TestBreakerResetUnknownFeed(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/circuit-breaker/reset/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("POST reset unknown feed = %d, want 404", rec.Code)
	}
}

func TestBreakerResetWithoutPoller(t *testing.T) {
	mem := store.NewMemory()
	srv := New(mem, config.Server{Host: "127.0.0.1", Port: 0}, Components{})

	rec := doRequest(t, srv, http.MethodPost, "/circuit-breaker/reset/test-feed")
	if rec.Code != http.StatusConflict {
		t.Fatalf("POST reset without poller = %d, want 409", rec.Code)
	}
}
