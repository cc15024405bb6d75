// Package poller schedules feed fetches: a fixed-interval cycle staggers
// dispatch across the configured feeds, a weighted semaphore bounds
// concurrent fetches, and a per-feed circuit breaker persisted in the
// feed's poll state keeps dead feeds from burning the budget. Fetched
// entries flow through a bounded queue into the normalizer, so a slow
// store pushes back on fetching instead of growing memory.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"newswire/internal/config"
	"newswire/internal/core"
	"newswire/internal/feeds"
	"newswire/internal/logger"
	"newswire/internal/normalize"
	"newswire/internal/store"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// normalizeWorkers drains the entry queue. Normalization is cheap next to
// fetching; two workers keep the queue moving without racing the store.
const normalizeWorkers = 2

// Stats is a snapshot of the poller's counters.
type Stats struct {
	Cycles       int64 `json:"cycles"`
	Fetched      int64 `json:"feeds_fetched"`
	NotModified  int64 `json:"not_modified"`
	Stored       int64 `json:"articles_stored"`
	Duplicates   int64 `json:"duplicates_skipped"`
	Junk         int64 `json:"junk_dropped"`
	Failures     int64 `json:"fetch_failures"`
	ClientErrors int64 `json:"client_errors"`
	BreakerSkips int64 `json:"breaker_skips"`
	QueueDepth   int   `json:"queue_depth"`
}

// FeedCounters are the in-memory per-feed counters behind the ops surface.
type FeedCounters struct {
	Polls    int64 `json:"polls"`
	Items    int64 `json:"items"`
	Stored   int64 `json:"stored"`
	Failures int64 `json:"failures"`
}

type queuedEntry struct {
	entry feeds.Entry
	feed  core.FeedDescriptor
}

// Poller runs the polling pipeline for a fixed set of feeds.
type Poller struct {
	store      store.Store
	fetcher    *feeds.Fetcher
	normalizer *normalize.Normalizer
	cfg        config.Poller
	feeds      []core.FeedDescriptor
	queue      chan queuedEntry
	sem        *semaphore.Weighted
	now        func() time.Time

	cycles       atomic.Int64
	fetched      atomic.Int64
	notModified  atomic.Int64
	stored       atomic.Int64
	duplicates   atomic.Int64
	junk         atomic.Int64
	failures     atomic.Int64
	clientErrors atomic.Int64
	breakerSkips atomic.Int64

	mu      sync.Mutex
	perFeed map[string]*FeedCounters
}

// New creates a poller for the configured feeds.
func New(s store.Store, cfg config.Poller, descriptors []core.FeedDescriptor) (*Poller, error) {
	normalizer, err := normalize.New(cfg.DenyPatterns)
	if err != nil {
		return nil, err
	}

	perFeed := make(map[string]*FeedCounters, len(descriptors))
	for _, fd := range descriptors {
		perFeed[fd.FeedID] = &FeedCounters{}
	}

	return &Poller{
		store:      s,
		fetcher:    feeds.NewFetcher(cfg.Timeout(), cfg.UserAgent),
		normalizer: normalizer,
		cfg:        cfg,
		feeds:      descriptors,
		queue:      make(chan queuedEntry, cfg.QueueSize),
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		now:        time.Now,
		perFeed:    perFeed,
	}, nil
}

// Stats returns a snapshot of the poller's counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Cycles:       p.cycles.Load(),
		Fetched:      p.fetched.Load(),
		NotModified:  p.notModified.Load(),
		Stored:       p.stored.Load(),
		Duplicates:   p.duplicates.Load(),
		Junk:         p.junk.Load(),
		Failures:     p.failures.Load(),
		ClientErrors: p.clientErrors.Load(),
		BreakerSkips: p.breakerSkips.Load(),
		QueueDepth:   len(p.queue),
	}
}

// FeedStats returns a copy of the per-feed counters.
func (p *Poller) FeedStats() map[string]FeedCounters {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]FeedCounters, len(p.perFeed))
	for id, c := range p.perFeed {
		out[id] = *c
	}
	return out
}

// bumpFeed mutates one feed's counters under the lock.
func (p *Poller) bumpFeed(feedID string, mutate func(*FeedCounters)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.perFeed[feedID]
	if !ok {
		c = &FeedCounters{}
		p.perFeed[feedID] = c
	}
	mutate(c)
}

// Run polls on the configured interval until ctx is cancelled. The first
// cycle starts immediately.
func (p *Poller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < normalizeWorkers; i++ {
		g.Go(func() error { return p.normalizeLoop(ctx) })
	}
	g.Go(func() error { return p.pollLoop(ctx) })
	return g.Wait()
}

func (p *Poller) pollLoop(ctx context.Context) error {
	logger.Get().Info("feed poller started",
		"feeds", len(p.feeds), "interval", p.cfg.Interval().String(),
		"concurrency", p.cfg.Concurrency)

	ticker := time.NewTicker(p.cfg.Interval())
	defer ticker.Stop()

	p.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Cycle(ctx)
		}
	}
}

// Cycle dispatches one poll of every feed, staggered to the configured
// burst rate, and waits for the fetches to finish.
func (p *Poller) Cycle(ctx context.Context) {
	p.cycles.Add(1)

	burst := p.cfg.BurstPerSecond
	if burst < 1 {
		burst = 1
	}

	var wg sync.WaitGroup
	for i, fd := range p.feeds {
		if i > 0 && i%burst == 0 {
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			case <-time.After(time.Second):
			}
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(fd core.FeedDescriptor) {
			defer wg.Done()
			defer p.sem.Release(1)
			p.pollFeed(ctx, fd)
		}(fd)
	}
	wg.Wait()
}

// pollFeed fetches one feed, honoring and maintaining its circuit
// breaker, and queues any entries for normalization.
func (p *Poller) pollFeed(ctx context.Context, fd core.FeedDescriptor) {
	log := logger.Get()
	now := p.now().UTC()

	state, err := store.GetFeedState(ctx, p.store, fd.FeedID)
	if errors.Is(err, store.ErrNotFound) {
		state = core.FeedPollState{FeedID: fd.FeedID, FeedURL: fd.FeedURL}
	} else if err != nil {
		log.Error("failed to read feed poll state", "feed_id", fd.FeedID, "error", err)
		return
	}

	if state.CircuitOpenUntil != nil && now.Before(*state.CircuitOpenUntil) {
		p.breakerSkips.Add(1)
		log.Debug("skipping feed, circuit open", "feed_id", fd.FeedID, "until", state.CircuitOpenUntil)
		return
	}

	p.bumpFeed(fd.FeedID, func(c *FeedCounters) { c.Polls++ })
	state.LastPolledAt = now

	result, err := p.fetcher.Fetch(ctx, fd.FeedURL, state.LastETag, state.LastModified)
	if err != nil {
		p.failures.Add(1)
		p.bumpFeed(fd.FeedID, func(c *FeedCounters) { c.Failures++ })
		p.recordFailure(&state, now)
		// Both outcomes count toward the breaker, but a 4xx means the
		// request itself is wrong and is not worth a retry this cycle,
		// while 5xx and timeouts are the server's problem and back off.
		if feeds.IsClientError(err) {
			p.clientErrors.Add(1)
			log.Warn("feed rejected the request", "feed_id", fd.FeedID,
				"consecutive_failures", state.ConsecutiveFailures, "error", err)
		} else {
			log.Warn("feed fetch failed, backing off", "feed_id", fd.FeedID,
				"consecutive_failures", state.ConsecutiveFailures, "error", err)
		}
		p.saveState(ctx, state)
		return
	}

	state.ConsecutiveFailures = 0
	state.CircuitOpenUntil = nil
	state.LastSuccessAt = now

	if result.NotModified {
		p.notModified.Add(1)
		p.saveState(ctx, state)
		return
	}

	p.fetched.Add(1)
	state.LastETag = result.ETag
	state.LastModified = result.LastModified
	p.saveState(ctx, state)

	p.bumpFeed(fd.FeedID, func(c *FeedCounters) { c.Items += int64(len(result.Entries)) })
	for _, entry := range result.Entries {
		select {
		case <-ctx.Done():
			return
		case p.queue <- queuedEntry{entry: entry, feed: fd}:
		}
	}
}

// recordFailure counts a failure and opens the breaker once the threshold
// is reached. The cooldown doubles with every failure past the threshold,
// capped at the configured multiple of the base cooldown; failures only
// reset on a successful fetch, so a flapping feed backs off further each
// time the breaker re-opens.
func (p *Poller) recordFailure(state *core.FeedPollState, now time.Time) {
	state.ConsecutiveFailures++
	if state.ConsecutiveFailures < p.cfg.BreakerThreshold {
		return
	}

	multiplier := 1
	for i := p.cfg.BreakerThreshold; i < state.ConsecutiveFailures && multiplier < p.cfg.BreakerCooldownCapMul; i++ {
		multiplier *= 2
	}
	if multiplier > p.cfg.BreakerCooldownCapMul {
		multiplier = p.cfg.BreakerCooldownCapMul
	}

	until := now.Add(p.cfg.BreakerCooldown() * time.Duration(multiplier))
	state.CircuitOpenUntil = &until
	state.CircuitBreaks++
	logger.Get().Warn("feed circuit breaker opened",
		"feed_id", state.FeedID, "until", until, "total_breaks", state.CircuitBreaks)
}

func (p *Poller) saveState(ctx context.Context, state core.FeedPollState) {
	if err := store.UpsertFeedState(ctx, p.store, state); err != nil {
		logger.Get().Error("failed to save feed poll state", "feed_id", state.FeedID, "error", err)
	}
}

// ResetBreaker force-closes a feed's circuit breaker. Backs the ops
// endpoint; the next cycle polls the feed again immediately.
func (p *Poller) ResetBreaker(ctx context.Context, feedID string) error {
	state, err := store.GetFeedState(ctx, p.store, feedID)
	if err != nil {
		return err
	}
	state.CircuitOpenUntil = nil
	state.ConsecutiveFailures = 0
	if err := store.UpsertFeedState(ctx, p.store, state); err != nil {
		return fmt.Errorf("failed to reset circuit breaker for feed %s: %w", feedID, err)
	}
	logger.Get().Info("circuit breaker reset", "feed_id", feedID)
	return nil
}

// FeedStates reads every configured feed's persisted poll state.
func (p *Poller) FeedStates(ctx context.Context) ([]core.FeedPollState, error) {
	states := make([]core.FeedPollState, 0, len(p.feeds))
	for _, fd := range p.feeds {
		state, err := store.GetFeedState(ctx, p.store, fd.FeedID)
		if errors.Is(err, store.ErrNotFound) {
			state = core.FeedPollState{FeedID: fd.FeedID, FeedURL: fd.FeedURL}
		} else if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// normalizeLoop drains the entry queue: clean, junk-filter, dedup, store.
func (p *Poller) normalizeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-p.queue:
			p.normalizeEntry(ctx, item)
		}
	}
}

func (p *Poller) normalizeEntry(ctx context.Context, item queuedEntry) {
	log := logger.Get()
	article, err := p.normalizer.Normalize(item.entry, item.feed)
	if err != nil {
		var junk *normalize.JunkError
		if errors.As(err, &junk) {
			p.junk.Add(1)
			log.Debug("dropped junk entry", "feed_id", item.feed.FeedID, "reason", junk.Reason)
			return
		}
		log.Warn("failed to normalize entry", "feed_id", item.feed.FeedID, "link", item.entry.Link, "error", err)
		return
	}

	exists, err := store.ArticleExists(ctx, p.store, article.ArticleID)
	if err != nil {
		log.Error("failed to check article existence", "article_id", article.ArticleID, "error", err)
		return
	}
	if exists {
		p.duplicates.Add(1)
		return
	}

	if err := store.UpsertArticle(ctx, p.store, article); err != nil {
		log.Error("failed to store article", "article_id", article.ArticleID, "error", err)
		return
	}
	p.stored.Add(1)
	p.bumpFeed(item.feed.FeedID, func(c *FeedCounters) { c.Stored++ })
}
