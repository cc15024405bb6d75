package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"newswire/internal/config"
	"newswire/internal/core"
	"newswire/internal/store"
)

const testFeedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Test Feed</title>
    <link>https://example.com</link>
    <item>
      <title>Quake Strikes Coastal Region Hundreds Feared Dead</title>
      <link>https://example.com/quake</link>
      <pubDate>Mon, 24 Aug 2026 10:00:00 GMT</pubDate>
      <description>A strong earthquake struck the coastal region early this morning.</description>
    </item>
    <item>
      <title>Sponsored: Ten Gadgets Worth Buying This Week</title>
      <link>https://example.com/gadgets</link>
      <pubDate>Mon, 24 Aug 2026 09:00:00 GMT</pubDate>
      <description>Deals and more deals.</description>
    </item>
  </channel>
</rss>`

func testPollerConfig() config.Poller {
	return config.Poller{
		Concurrency:           2,
		TimeoutSeconds:        5,
		IntervalMinutes:       5,
		BurstPerSecond:        5,
		BreakerThreshold:      3,
		BreakerCooldownMins:   30,
		BreakerCooldownCapMul: 8,
		UserAgent:             "newswire-test/1.0",
		QueueSize:             64,
	}
}

func testPoller(t *testing.T, feedURL string) (*Poller, *store.Memory, core.FeedDescriptor) {
	t.Helper()
	mem := store.NewMemory()
	fd := core.FeedDescriptor{
		FeedID:       "test-feed",
		FeedURL:      feedURL,
		SourceID:     "testsource",
		CategoryHint: core.CategoryWorld,
	}
	p, err := New(mem, testPollerConfig(), []core.FeedDescriptor{fd})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p, mem, fd
}

// drainQueue runs queued entries through the normalizer inline so tests
// do not need the background workers.
func drainQueue(ctx context.Context, p *Poller) {
	for {
		select {
		case item := <-p.queue:
			p.normalizeEntry(ctx, item)
		default:
			return
		}
	}
}

func TestPollFeedStoresArticlesAndDropsJunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(testFeedXML))
	}))
	defer server.Close()

	p, mem, fd := testPoller(t, server.URL)
	ctx := context.Background()

	p.pollFeed(ctx, fd)
	drainQueue(ctx, p)

	stats := p.Stats()
	if stats.Stored != 1 {
		t.Errorf("stored = %d, want 1", stats.Stored)
	}
	if stats.Junk != 1 {
		t.Errorf("junk = %d, want 1 (sponsored entry)", stats.Junk)
	}

	docs, err := mem.Query(ctx, store.ColArticles, store.Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("stored articles = %d, want 1", len(docs))
	}

	state, err := store.GetFeedState(ctx, mem, fd.FeedID)
	if err != nil {
		t.Fatalf("GetFeedState failed: %v", err)
	}
	if state.LastSuccessAt.IsZero() {
		t.Error("LastSuccessAt was not recorded")
	}
}

func TestPollFeedAppliesDenyPatterns(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testFeedXML))
	}))
	defer server.Close()

	mem := store.NewMemory()
	fd := core.FeedDescriptor{
		FeedID:       "test-feed",
		FeedURL:      server.URL,
		SourceID:     "testsource",
		CategoryHint: core.CategoryWorld,
	}
	cfg := testPollerConfig()
	cfg.DenyPatterns = []string{`(?i)\bquake\b`}
	p, err := New(mem, cfg, []core.FeedDescriptor{fd})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	p.pollFeed(ctx, fd)
	drainQueue(ctx, p)

	// Both entries drop: one to the configured pattern, one to the
	// built-in sponsored filter.
	stats := p.Stats()
	if stats.Stored != 0 {
		t.Errorf("stored = %d, want 0", stats.Stored)
	}
	if stats.Junk != 2 {
		t.Errorf("junk = %d, want 2", stats.Junk)
	}
}

func TestNewRejectsInvalidDenyPattern(t *testing.T) {
	cfg := testPollerConfig()
	cfg.DenyPatterns = []string{"("}
	if _, err := New(store.NewMemory(), cfg, nil); err == nil {
		t.Fatal("New accepted an invalid deny pattern")
	}
}

func TestPollFeedCountsClientErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p, mem, fd := testPoller(t, server.URL)
	ctx := context.Background()

	p.pollFeed(ctx, fd)

	stats := p.Stats()
	if stats.ClientErrors != 1 {
		t.Errorf("client errors = %d, want 1", stats.ClientErrors)
	}
	if stats.Failures != 1 {
		t.Errorf("failures = %d, want 1 (4xx still counts toward the breaker)", stats.Failures)
	}
	state, err := store.GetFeedState(ctx, mem, fd.FeedID)
	if err != nil {
		t.Fatalf("GetFeedState failed: %v", err)
	}
	if state.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", state.ConsecutiveFailures)
	}
}

func TestCycleBlocksOnFullQueue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testFeedXML))
	}))
	defer server.Close()

	mem := store.NewMemory()
	fd := core.FeedDescriptor{
		FeedID:       "test-feed",
		FeedURL:      server.URL,
		SourceID:     "testsource",
		CategoryHint: core.CategoryWorld,
	}
	cfg := testPollerConfig()
	cfg.QueueSize = 1
	p, err := New(mem, cfg, []core.FeedDescriptor{fd})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		p.Cycle(ctx)
		close(done)
	}()

	// The feed carries two entries but the queue holds one, so the cycle
	// must stall on the second enqueue until a consumer drains it.
	select {
	case <-done:
		t.Fatal("cycle finished with the queue full")
	case <-time.After(100 * time.Millisecond):
	}

	for {
		select {
		case item := <-p.queue:
			p.normalizeEntry(ctx, item)
			continue
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("cycle did not finish after the queue drained")
		}
		break
	}
}

func TestPollFeedConditionalGet(t *testing.T) {
	const etag = `"v1"`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Write([]byte(testFeedXML))
	}))
	defer server.Close()

	p, mem, fd := testPoller(t, server.URL)
	ctx := context.Background()

	p.pollFeed(ctx, fd)
	drainQueue(ctx, p)
	p.pollFeed(ctx, fd)

	stats := p.Stats()
	if stats.Fetched != 1 {
		t.Errorf("fetched = %d, want 1", stats.Fetched)
	}
	if stats.NotModified != 1 {
		t.Errorf("not modified = %d, want 1", stats.NotModified)
	}

	state, err := store.GetFeedState(ctx, mem, fd.FeedID)
	if err != nil {
		t.Fatalf("GetFeedState failed: %v", err)
	}
	if state.LastETag != etag {
		t.Errorf("stored etag = %q, want %q", state.LastETag, etag)
	}
}

func TestPollFeedRepollSkipsDuplicates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testFeedXML))
	}))
	defer server.Close()

	p, _, fd := testPoller(t, server.URL)
	ctx := context.Background()

	p.pollFeed(ctx, fd)
	drainQueue(ctx, p)
	p.pollFeed(ctx, fd)
	drainQueue(ctx, p)

	stats := p.Stats()
	if stats.Stored != 1 {
		t.Errorf("stored = %d, want 1", stats.Stored)
	}
	if stats.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", stats.Duplicates)
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p, mem, fd := testPoller(t, server.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p.pollFeed(ctx, fd)
	}

	state, err := store.GetFeedState(ctx, mem, fd.FeedID)
	if err != nil {
		t.Fatalf("GetFeedState failed: %v", err)
	}
	if state.ConsecutiveFailures != 3 {
		t.Errorf("consecutive failures = %d, want 3", state.ConsecutiveFailures)
	}
	if state.CircuitOpenUntil == nil {
		t.Fatal("circuit breaker did not open")
	}
	if state.CircuitBreaks != 1 {
		t.Errorf("circuit breaks = %d, want 1", state.CircuitBreaks)
	}

	// While the breaker is open, polls are skipped entirely.
	p.pollFeed(ctx, fd)
	if p.Stats().BreakerSkips != 1 {
		t.Errorf("breaker skips = %d, want 1", p.Stats().BreakerSkips)
	}
	if p.Stats().Failures != 3 {
		t.Errorf("failures = %d, want 3 (skip must not fetch)", p.Stats().Failures)
	}
}

func TestCircuitBreakerCooldownGrows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p, mem, fd := testPoller(t, server.URL)
	ctx := context.Background()

	clock := time.Now().UTC()
	p.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		p.pollFeed(ctx, fd)
	}
	state, _ := store.GetFeedState(ctx, mem, fd.FeedID)
	firstCooldown := state.CircuitOpenUntil.Sub(clock)
	if firstCooldown != 30*time.Minute {
		t.Errorf("first cooldown = %s, want 30m", firstCooldown)
	}

	// The breaker expires, the feed fails again, the cooldown doubles.
	clock = clock.Add(31 * time.Minute)
	p.pollFeed(ctx, fd)
	state, _ = store.GetFeedState(ctx, mem, fd.FeedID)
	second := state.CircuitOpenUntil.Sub(clock)
	if second != 60*time.Minute {
		t.Errorf("second cooldown = %s, want 60m", second)
	}
	if state.CircuitBreaks != 2 {
		t.Errorf("circuit breaks = %d, want 2", state.CircuitBreaks)
	}

	// Cooldown growth is capped at the configured multiple.
	for i := 0; i < 10; i++ {
		clock = clock.Add(10 * time.Hour)
		p.pollFeed(ctx, fd)
	}
	state, _ = store.GetFeedState(ctx, mem, fd.FeedID)
	last := state.CircuitOpenUntil.Sub(clock)
	if last != 8*30*time.Minute {
		t.Errorf("capped cooldown = %s, want %s", last, 8*30*time.Minute)
	}
}

func TestResetBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p, mem, fd := testPoller(t, server.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p.pollFeed(ctx, fd)
	}
	if err := p.ResetBreaker(ctx, fd.FeedID); err != nil {
		t.Fatalf("ResetBreaker failed: %v", err)
	}

	state, err := store.GetFeedState(ctx, mem, fd.FeedID)
	if err != nil {
		t.Fatalf("GetFeedState failed: %v", err)
	}
	if state.CircuitOpenUntil != nil {
		t.Error("circuit breaker still open after reset")
	}
	if state.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0", state.ConsecutiveFailures)
	}

	// The feed is polled again on the next pass.
	p.pollFeed(ctx, fd)
	if p.Stats().BreakerSkips != 0 {
		t.Errorf("breaker skips = %d, want 0 after reset", p.Stats().BreakerSkips)
	}
}

func TestCycleRecoversFeedAfterSuccess(t *testing.T) {
	healthy := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(testFeedXML))
	}))
	defer server.Close()

	p, mem, fd := testPoller(t, server.URL)
	ctx := context.Background()

	p.pollFeed(ctx, fd)
	p.pollFeed(ctx, fd)
	healthy = true
	p.pollFeed(ctx, fd)

	state, err := store.GetFeedState(ctx, mem, fd.FeedID)
	if err != nil {
		t.Fatalf("GetFeedState failed: %v", err)
	}
	if state.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0 after recovery", state.ConsecutiveFailures)
	}
	if state.CircuitOpenUntil != nil {
		t.Error("breaker open after successful fetch")
	}
}
