// Package summarize keeps story summaries and headlines current. A
// realtime path follows the stories change stream for VERIFIED and
// BREAKING stories; a batch path sweeps everything the realtime path
// deferred or skipped, at batch pricing. Both paths write through the
// same etag-guarded apply step, so summary versions only ever increase.
package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"newswire/internal/config"
	"newswire/internal/core"
	"newswire/internal/llm"
	"newswire/internal/logger"
	"newswire/internal/store"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Consumer is the change-stream lease name for the orchestrator.
const Consumer = "summarize"

const (
	// summarySystem opens the cacheable prompt prefix. Category and tags
	// are appended to it per story, so repeated calls for the same story
	// present an identical prefix the provider-side cache can reuse.
	summarySystem = "You are a news wire summarization service. You write neutral, factual prose."

	// realtimeRetries bounds transient retries before a story is
	// deferred to the batch path.
	realtimeRetries = 2

	// batchUnitSize is how many requests ride in one batch unit before
	// binary splitting kicks in.
	batchUnitSize = 8

	// summaryMaxTokens caps generation; a 180 word summary fits well
	// inside it.
	summaryMaxTokens = 512
)

// Stats is a snapshot of the orchestrator's counters.
type Stats struct {
	Summarized      int64   `json:"summarized"`
	Fallbacks       int64   `json:"fallbacks"`
	Deferred        int64   `json:"deferred"`
	HeadlineChanges int64   `json:"headline_changes"`
	CostMicroUSD    int64   `json:"cost_micro_usd"`
	CacheHitRate    float64 `json:"cache_hit_rate"`
}

// deferral parks a story for the batch path. NotBefore holds back stories
// the provider rate limited until its Retry-After hint has passed.
type deferral struct {
	Category  core.Category
	NotBefore time.Time
}

// Orchestrator drives summary and headline generation.
type Orchestrator struct {
	store    store.Store
	provider llm.Provider
	cfg      config.Summarize
	now      func() time.Time

	mu       sync.Mutex
	lastEval map[string]time.Time // story id -> last headline re-eval
	deferred map[string]deferral  // story id -> deferral, drained by the batch tick

	summarized      atomic.Int64
	fallbacks       atomic.Int64
	deferredCount   atomic.Int64
	headlineChanges atomic.Int64
	costMicro       atomic.Int64
	promptTokens    atomic.Int64
	cachedTokens    atomic.Int64
}

// New creates an orchestrator over the given store and provider.
func New(s store.Store, provider llm.Provider, cfg config.Summarize) *Orchestrator {
	return &Orchestrator{
		store:    s,
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
		lastEval: make(map[string]time.Time),
		deferred: make(map[string]deferral),
	}
}

// Stats returns a snapshot of the orchestrator's counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Summarized:      o.summarized.Load(),
		Fallbacks:       o.fallbacks.Load(),
		Deferred:        o.deferredCount.Load(),
		HeadlineChanges: o.headlineChanges.Load(),
		CostMicroUSD:    o.costMicro.Load(),
		CacheHitRate:    o.cacheHitRate(),
	}
}

// cacheHitRate is the fraction of prompt tokens served from the
// provider-side prompt cache across all calls so far.
func (o *Orchestrator) cacheHitRate() float64 {
	prompt := o.promptTokens.Load()
	if prompt == 0 {
		return 0
	}
	return float64(o.cachedTokens.Load()) / float64(prompt)
}

// Run starts the realtime consumer and the batch ticker and blocks until
// ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.runRealtime(ctx) })
	g.Go(func() error { return o.runBatch(ctx) })
	return g.Wait()
}

// runRealtime consumes the stories change stream. Each change is handled
// to completion before its sequence commits.
func (o *Orchestrator) runRealtime(ctx context.Context) error {
	log := logger.Get()

	stream, err := o.store.ChangeStream(ctx, store.ColStories, Consumer)
	if err != nil {
		return fmt.Errorf("failed to open stories change stream: %w", err)
	}
	defer stream.Close()

	log.Info("summarization realtime path started", "model", o.provider.ModelID())
	for {
		ch, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stories change stream failed: %w", err)
		}

		var st core.Story
		if err := json.Unmarshal(ch.Data, &st); err != nil {
			log.Warn("skipping undecodable story change", "doc_id", ch.ID, "error", err)
		} else {
			o.handleStory(ctx, st)
		}

		if err := stream.Commit(ctx, ch.Seq); err != nil && ctx.Err() == nil {
			log.Error("failed to commit change stream checkpoint", "seq", ch.Seq, "error", err)
		}
	}
}

// handleStory summarizes and re-headlines one story on the realtime path.
func (o *Orchestrator) handleStory(ctx context.Context, st core.Story) {
	if st.Status != core.StatusVerified && st.Status != core.StatusBreaking {
		return
	}

	// Re-read for the current state and etag; the change payload may be
	// stale by the time we get here.
	cur, err := store.GetStory(ctx, o.store, st.Category, st.StoryID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Get().Warn("failed to read story for summarization", "story_id", st.StoryID, "error", err)
		}
		return
	}

	if needsSummary(&cur) {
		o.summarizeRealtime(ctx, cur)
	}
	o.maybeRefreshHeadline(ctx, cur.Category, cur.StoryID)
}

// needsSummary reports whether a story has no summary or sources newer
// than its current one.
func needsSummary(st *core.Story) bool {
	if st.Status != core.StatusVerified && st.Status != core.StatusBreaking {
		return false
	}
	if st.Summary == nil {
		return true
	}
	return st.SourcesAddedSince(st.Summary.GeneratedAt) > 0
}

// summarizeRealtime generates a summary with bounded retries, deferring
// to the batch path when the provider pushes back.
func (o *Orchestrator) summarizeRealtime(ctx context.Context, st core.Story) {
	log := logger.Get()
	req := o.buildSummaryRequest(ctx, &st)

	var res llm.Result
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout())
		res = o.provider.Generate(callCtx, req)
		cancel()

		if res.Kind != llm.Transient || attempt >= realtimeRetries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}

	switch res.Kind {
	case llm.Ok:
		o.applySummary(ctx, st.Category, st.StoryID, res, "realtime")
	case llm.Refusal:
		log.Warn("summarization refused, writing extractive fallback", "story_id", st.StoryID, "reason", res.Reason)
		o.applyFallback(ctx, st.Category, st.StoryID, "model refused request")
	case llm.RateLimited, llm.Transient:
		var notBefore time.Time
		if res.Kind == llm.RateLimited && res.RetryAfter > 0 {
			notBefore = o.now().Add(res.RetryAfter)
		}
		log.Warn("summarization deferred to batch path", "story_id", st.StoryID, "kind", res.Kind.String(), "reason", res.Reason)
		o.deferToBatch(st.StoryID, st.Category, notBefore)
	}
}

func (o *Orchestrator) deferToBatch(storyID string, category core.Category, notBefore time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.deferred[storyID]; !dup {
		o.deferred[storyID] = deferral{Category: category, NotBefore: notBefore}
		o.deferredCount.Add(1)
	}
}

// runBatch ticks the batch path: drain deferred stories plus anything
// eligible the realtime path missed, and summarize them at batch pricing.
func (o *Orchestrator) runBatch(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.BatchInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.batchTick(ctx)
		}
	}
}

type batchItem struct {
	category core.Category
	storyID  string
	req      llm.Request
}

func (o *Orchestrator) batchTick(ctx context.Context) {
	log := logger.Get()

	items := o.collectBatchItems(ctx)
	if len(items) == 0 {
		return
	}
	log.Info("batch summarization tick", "stories", len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for start := 0; start < len(items); start += batchUnitSize {
		end := start + batchUnitSize
		if end > len(items) {
			end = len(items)
		}
		unit := items[start:end]
		g.Go(func() error {
			o.processBatchUnit(gctx, unit)
			return nil
		})
	}
	_ = g.Wait()
}

// collectBatchItems gathers deferred stories plus eligible stories that
// still lack a current summary, deduped, with prompts built up front.
// Rate-limited deferrals whose Retry-After has not passed yet stay parked
// for a later tick.
func (o *Orchestrator) collectBatchItems(ctx context.Context) []batchItem {
	now := o.now()

	o.mu.Lock()
	pending := make(map[string]deferral, len(o.deferred))
	for id, d := range o.deferred {
		if d.NotBefore.After(now) {
			continue
		}
		pending[id] = d
		delete(o.deferred, id)
	}
	o.mu.Unlock()

	for _, status := range []core.Status{core.StatusVerified, core.StatusBreaking} {
		stories, err := store.StoriesByStatus(ctx, o.store, status)
		if err != nil {
			logger.Get().Warn("failed to list stories for batch tick", "status", status, "error", err)
			continue
		}
		for i := range stories {
			if needsSummary(&stories[i]) && !o.isParked(stories[i].StoryID, now) {
				pending[stories[i].StoryID] = deferral{Category: stories[i].Category}
			}
		}
	}

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]batchItem, 0, len(ids))
	for _, id := range ids {
		st, err := store.GetStory(ctx, o.store, pending[id].Category, id)
		if err != nil || !needsSummary(&st) {
			continue
		}
		items = append(items, batchItem{
			category: st.Category,
			storyID:  st.StoryID,
			req:      o.buildSummaryRequest(ctx, &st),
		})
	}
	return items
}

// isParked reports whether a story sits in the deferred map with a
// Retry-After hold that is still in the future.
func (o *Orchestrator) isParked(storyID string, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.deferred[storyID]
	return ok && d.NotBefore.After(now)
}

// processBatchUnit submits one unit, splitting it in half on failure
// until single failing requests get an extractive fallback.
func (o *Orchestrator) processBatchUnit(ctx context.Context, unit []batchItem) {
	if len(unit) == 0 || ctx.Err() != nil {
		return
	}

	reqs := make([]llm.Request, len(unit))
	for i, item := range unit {
		reqs[i] = item.req
	}
	results, err := o.provider.GenerateBatch(ctx, reqs)
	if err != nil {
		if len(unit) == 1 {
			logger.Get().Warn("batch request failed, writing extractive fallback", "story_id", unit[0].storyID, "error", err)
			o.applyFallback(ctx, unit[0].category, unit[0].storyID, "batch generation failed")
			return
		}
		half := len(unit) / 2
		o.processBatchUnit(ctx, unit[:half])
		o.processBatchUnit(ctx, unit[half:])
		return
	}

	for i, res := range results {
		switch res.Kind {
		case llm.Ok:
			o.applySummary(ctx, unit[i].category, unit[i].storyID, res, "batch")
		case llm.Refusal:
			o.applyFallback(ctx, unit[i].category, unit[i].storyID, "model refused request")
		}
	}
}

// applySummary writes a generated summary onto the story, bumping the
// version, auditing the superseded one and logging cost.
func (o *Orchestrator) applySummary(ctx context.Context, category core.Category, storyID string, res llm.Result, path string) {
	cost := llm.Cost(o.provider.ModelID(), res.InputTokens, res.OutputTokens, path == "batch")

	err := o.mutateStory(ctx, category, storyID, func(st *core.Story) bool {
		version := 1
		if st.Summary != nil {
			version = st.Summary.Version + 1
			o.auditSummary(ctx, st)
		}
		st.Summary = &core.Summary{
			Text:         res.Text,
			Version:      version,
			WordCount:    len(strings.Fields(res.Text)),
			GeneratedAt:  o.now().UTC(),
			ModelID:      o.provider.ModelID(),
			CostMicroUSD: cost,
		}
		return true
	})
	if err != nil {
		logger.Get().Error("failed to write summary", "story_id", storyID, "error", err)
		return
	}

	o.summarized.Add(1)
	o.costMicro.Add(cost)
	o.logCost(ctx, storyID, res, cost, path)
}

// applyFallback writes an extractive summary assembled from the story's
// own sources, marked with the fallback reason.
func (o *Orchestrator) applyFallback(ctx context.Context, category core.Category, storyID, reason string) {
	err := o.mutateStory(ctx, category, storyID, func(st *core.Story) bool {
		text := o.extractiveSummary(ctx, st)
		if text == "" {
			return false
		}
		version := 1
		if st.Summary != nil {
			version = st.Summary.Version + 1
			o.auditSummary(ctx, st)
		}
		st.Summary = &core.Summary{
			Text:           text,
			Version:        version,
			WordCount:      len(strings.Fields(text)),
			GeneratedAt:    o.now().UTC(),
			ModelID:        "extractive",
			FallbackReason: reason,
		}
		return true
	})
	if err != nil {
		logger.Get().Error("failed to write fallback summary", "story_id", storyID, "error", err)
		return
	}
	o.fallbacks.Add(1)
}

// maybeRefreshHeadline re-evaluates the story headline, rate limited per
// story by the configured minimum gap.
func (o *Orchestrator) maybeRefreshHeadline(ctx context.Context, category core.Category, storyID string) {
	now := o.now()
	o.mu.Lock()
	if last, ok := o.lastEval[storyID]; ok && now.Sub(last) < o.cfg.MinGap() {
		o.mu.Unlock()
		return
	}
	o.lastEval[storyID] = now
	o.mu.Unlock()

	st, err := store.GetStory(ctx, o.store, category, storyID)
	if err != nil {
		return
	}
	if len(st.SourceArticles) < 2 {
		// A single-source headline is the publisher's own; nothing to
		// reconcile yet.
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout())
	res := o.provider.Generate(callCtx, o.buildHeadlineRequest(&st))
	cancel()
	if res.Kind != llm.Ok {
		return
	}

	// Every completed call costs tokens, including one that keeps the
	// current headline, so it is recorded before the outcome is applied.
	cost := llm.Cost(o.provider.ModelID(), res.InputTokens, res.OutputTokens, false)
	o.costMicro.Add(cost)
	o.logCost(ctx, storyID, res, cost, "realtime")

	headline := strings.TrimSpace(strings.Trim(strings.TrimSpace(res.Text), `"`))
	if headline == "" || strings.EqualFold(headline, llm.KeepCurrent) || headline == st.Title {
		return
	}

	err = o.mutateStory(ctx, category, storyID, func(cur *core.Story) bool {
		if cur.Title == headline {
			return false
		}
		cur.Title = headline
		return true
	})
	if err != nil {
		logger.Get().Error("failed to write headline", "story_id", storyID, "error", err)
		return
	}
	o.headlineChanges.Add(1)
}

// mutateStory applies mutate under etag protection, re-reading and
// reapplying on conflict. mutate returning false skips the write.
// LastUpdated is left alone: it moves only when a source is added, since
// the monitor's demotion and archival clocks key off it.
func (o *Orchestrator) mutateStory(ctx context.Context, category core.Category, storyID string, mutate func(*core.Story) bool) error {
	operation := func() error {
		st, err := store.GetStory(ctx, o.store, category, storyID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !mutate(&st) {
			return nil
		}
		st.ImportanceScore = core.ImportanceScore(&st, o.now().UTC())
		if _, err := store.ReplaceStory(ctx, o.store, st); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 2 * time.Second
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, 5), ctx))
}

func (o *Orchestrator) auditSummary(ctx context.Context, st *core.Story) {
	payload, err := json.Marshal(st.Summary)
	if err != nil {
		return
	}
	if err := o.store.AppendSummaryAudit(ctx, st.StoryID, st.Summary.Version, payload); err != nil {
		logger.Get().Warn("failed to archive superseded summary", "story_id", st.StoryID, "error", err)
	}
}

func (o *Orchestrator) logCost(ctx context.Context, storyID string, res llm.Result, cost int64, path string) {
	o.promptTokens.Add(int64(res.InputTokens))
	o.cachedTokens.Add(int64(res.CachedTokens))

	err := o.store.AppendCost(ctx, store.CostRecordRow{
		StoryID:      storyID,
		Timestamp:    o.now().UTC(),
		ModelID:      o.provider.ModelID(),
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		CostMicroUSD: cost,
		Path:         path,
	})
	if err != nil {
		logger.Get().Warn("failed to append cost record", "story_id", storyID, "error", err)
	}

	logger.Get().Debug("llm call recorded",
		"story_id", storyID,
		"path", path,
		"input_tokens", res.InputTokens,
		"cached_tokens", res.CachedTokens,
		"cache_hit_rate", o.cacheHitRate(),
		"cost_micro_usd", cost)
}
