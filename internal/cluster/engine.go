// Package cluster groups normalized articles into stories. The engine
// consumes the articles change stream and runs a three-stage matching
// cascade: exact fingerprint, fuzzy title similarity, then an entity
// overlap rule for near-threshold scores. Attaches are etag-guarded and
// retried, so concurrent writers converge without losing sources.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"newswire/internal/config"
	"newswire/internal/core"
	"newswire/internal/logger"
	"newswire/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Consumer is the change-stream lease name for the clustering engine.
const Consumer = "cluster"

const (
	// attachRetries bounds etag conflict retries before the change is
	// redelivered by the stream.
	attachRetries = 5
	// handleRetries bounds transient store error retries before a change
	// is dead-lettered.
	handleRetries = 3
)

// RejectError marks an article the engine refuses to cluster. Rejected
// changes are dead-lettered, not retried.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("article rejected: %s", e.Reason)
}

// Stats is a snapshot of the engine's counters.
type Stats struct {
	Processed    int64 `json:"processed"`
	Created      int64 `json:"stories_created"`
	Attached     int64 `json:"articles_attached"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Engine assigns articles to stories.
type Engine struct {
	store store.Store
	cfg   config.Cluster
	now   func() time.Time

	processed    atomic.Int64
	created      atomic.Int64
	attached     atomic.Int64
	deadLettered atomic.Int64
}

// New creates a clustering engine over the given store.
func New(s store.Store, cfg config.Cluster) *Engine {
	return &Engine{store: s, cfg: cfg, now: time.Now}
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Processed:    e.processed.Load(),
		Created:      e.created.Load(),
		Attached:     e.attached.Load(),
		DeadLettered: e.deadLettered.Load(),
	}
}

// Run consumes the articles change stream until ctx is cancelled. Each
// change is processed to completion before its sequence is committed, so a
// crash replays at most the in-flight change.
func (e *Engine) Run(ctx context.Context) error {
	log := logger.Get()

	stream, err := e.store.ChangeStream(ctx, store.ColArticles, Consumer)
	if err != nil {
		return fmt.Errorf("failed to open articles change stream: %w", err)
	}
	defer stream.Close()

	log.Info("clustering engine started")
	for {
		ch, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("clustering engine stopped", "stats", e.Stats())
				return ctx.Err()
			}
			return fmt.Errorf("articles change stream failed: %w", err)
		}

		e.handleChange(ctx, ch)

		if err := stream.Commit(ctx, ch.Seq); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("failed to commit change stream checkpoint", "seq", ch.Seq, "error", err)
		}
	}
}

// handleChange processes one change, retrying transient failures and
// dead-lettering poison ones. It never returns an error: by the time it
// returns the change is either applied or dead-lettered, and the caller
// commits either way.
func (e *Engine) handleChange(ctx context.Context, ch store.Change) {
	log := logger.Get()
	e.processed.Add(1)

	var article core.Article
	if err := json.Unmarshal(ch.Data, &article); err != nil {
		e.deadLetter(ctx, ch.ID, "undecodable article: "+err.Error(), ch.Data)
		return
	}

	var lastErr error
	for attempt := 0; attempt < handleRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		_, err := e.Assign(ctx, article)
		if err == nil {
			return
		}
		var reject *RejectError
		if errors.As(err, &reject) {
			e.deadLetter(ctx, ch.ID, reject.Reason, ch.Data)
			return
		}
		lastErr = err
		log.Warn("clustering attempt failed", "article_id", article.ArticleID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		}
	}
	e.deadLetter(ctx, ch.ID, "exhausted retries: "+lastErr.Error(), ch.Data)
}

func (e *Engine) deadLetter(ctx context.Context, docID, reason string, payload []byte) {
	e.deadLettered.Add(1)
	logger.Get().Error("dead-lettering article change", "doc_id", docID, "reason", reason)
	if err := e.store.DeadLetter(ctx, Consumer, docID, reason, payload); err != nil {
		logger.Get().Error("failed to record dead letter", "doc_id", docID, "error", err)
	}
}

// Assign clusters one article: match an existing story or found a new one,
// then stamp the story id back onto the article. Safe to call repeatedly
// with the same article; redeliveries settle on the first assignment.
func (e *Engine) Assign(ctx context.Context, article core.Article) (string, error) {
	if article.ClusterID != "" {
		return article.ClusterID, nil
	}
	stored, err := store.GetArticle(ctx, e.store, article.ArticleID)
	if err == nil && stored.ClusterID != "" {
		return stored.ClusterID, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if err := validateArticle(article); err != nil {
		return "", err
	}

	since := e.now().UTC().Add(-e.cfg.RecencyWindow())
	match, err := e.findMatch(ctx, article, since)
	if err != nil {
		return "", err
	}

	var st core.Story
	if match == nil {
		st, err = e.createStory(ctx, article)
		if err == nil {
			e.created.Add(1)
		}
	} else {
		st, err = e.attach(ctx, *match, article)
		if err == nil {
			e.attached.Add(1)
		}
	}
	if err != nil {
		return "", err
	}

	if err := e.markClustered(ctx, article, st.StoryID); err != nil {
		return "", err
	}
	return st.StoryID, nil
}

func validateArticle(a core.Article) error {
	switch {
	case a.ArticleID == "":
		return &RejectError{Reason: "missing article_id"}
	case a.SourceID == "":
		return &RejectError{Reason: "missing source_id"}
	case strings.TrimSpace(a.Title) == "":
		return &RejectError{Reason: "missing title"}
	case a.Fingerprint == "":
		return &RejectError{Reason: "missing fingerprint"}
	}
	for _, c := range core.Categories {
		if a.Category == c {
			return nil
		}
	}
	return &RejectError{Reason: fmt.Sprintf("unknown category %q", a.Category)}
}

// findMatch runs the matching cascade and returns the story to attach to,
// or nil when the article should found a new story.
func (e *Engine) findMatch(ctx context.Context, a core.Article, since time.Time) (*core.Story, error) {
	exact, err := store.StoriesByFingerprint(ctx, e.store, a.Fingerprint, since)
	if err != nil {
		return nil, err
	}
	if len(exact) == 1 && exact[0].Status != core.StatusArchived {
		return &exact[0], nil
	}
	// Zero hits or an ambiguous set of exact hits both fall through to
	// the fuzzy pass, which picks deterministically by score.

	candidates, err := store.RecentStoriesByCategory(ctx, e.store, a.Category, since, e.cfg.CandidateLimit)
	if err != nil {
		return nil, err
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].LastUpdated.Equal(candidates[j].LastUpdated) {
			return candidates[i].LastUpdated.After(candidates[j].LastUpdated)
		}
		return candidates[i].StoryID < candidates[j].StoryID
	})

	var best *core.Story
	bestScore := 0.0
	for i := range candidates {
		if candidates[i].Status == core.StatusArchived {
			continue
		}
		score := TextSimilarity(a.Title, candidates[i].Title)
		if score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}
	if best == nil {
		return nil, nil
	}
	if TopicConflict(a.Title, best.Title, e.cfg.TopicConflictSets) {
		return nil, nil
	}
	if bestScore >= e.cfg.FuzzyThreshold {
		return best, nil
	}
	if bestScore >= e.cfg.EntityMatchFloor &&
		sharedEntityWeight(a.Entities, best.Tags) >= float64(e.cfg.EntityMatchMinShared) {
		return best, nil
	}
	return nil, nil
}

// sharedEntityWeight sums the weight of article entities present in the
// story's tags. People and organizations count full, locations and the
// rest count half, so place names alone cannot force a merge.
func sharedEntityWeight(entities []core.Entity, tags []string) float64 {
	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[strings.ToLower(t)] = struct{}{}
	}
	seen := make(map[string]struct{}, len(entities))
	weight := 0.0
	for _, ent := range entities {
		key := strings.ToLower(ent.Text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := tagSet[key]; !ok {
			continue
		}
		if ent.Type == core.EntityPerson || ent.Type == core.EntityOrg {
			weight += 1
		} else {
			weight += 0.5
		}
	}
	return weight
}

// NewStoryID builds a story id from the founding time plus a random
// suffix. The timestamp prefix keeps ids roughly sortable in listings.
func NewStoryID(now time.Time) string {
	return now.UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}

func (e *Engine) createStory(ctx context.Context, a core.Article) (core.Story, error) {
	now := e.now().UTC()
	st := core.Story{
		StoryID:           NewStoryID(now),
		Title:             a.Title,
		Category:          a.Category,
		Fingerprint:       a.Fingerprint,
		Status:            core.StatusMonitoring,
		VerificationLevel: 1,
		SourceArticles:    []core.SourceRef{sourceRef(a)},
		Tags:              mergeTags(nil, a.Entities, e.cfg.TagCap),
		FirstSeen:         now,
		LastUpdated:       now,
	}
	st.ImportanceScore = core.ImportanceScore(&st, now)

	inserted, err := store.InsertStory(ctx, e.store, st)
	if err != nil {
		return core.Story{}, fmt.Errorf("failed to create story for article %s: %w", a.ArticleID, err)
	}
	return inserted, nil
}

// attach adds the article to the story under etag protection. On conflict
// the story is re-read and the mutation reapplied, so a concurrent attach
// of a different source is never overwritten.
func (e *Engine) attach(ctx context.Context, match core.Story, a core.Article) (core.Story, error) {
	var result core.Story
	operation := func() error {
		cur, err := store.GetStory(ctx, e.store, match.Category, match.StoryID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !e.applyAttach(&cur, a) {
			result = cur
			return nil
		}
		replaced, err := store.ReplaceStory(ctx, e.store, cur)
		if errors.Is(err, store.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		result = replaced
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 2 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, attachRetries), ctx)); err != nil {
		return core.Story{}, fmt.Errorf("failed to attach article %s to story %s: %w", a.ArticleID, match.StoryID, err)
	}
	return result, nil
}

// applyAttach mutates the story in place and reports whether anything
// changed. A source already on the story leaves it untouched, which makes
// the whole attach idempotent under redelivery.
func (e *Engine) applyAttach(st *core.Story, a core.Article) bool {
	if st.HasSource(a.SourceID) {
		return false
	}
	now := e.now().UTC()

	st.SourceArticles = append(st.SourceArticles, sourceRef(a))
	st.VerificationLevel = st.DistinctSources()
	st.Tags = mergeTags(st.Tags, a.Entities, e.cfg.TagCap)

	// Corroboration never demotes: a BREAKING story stays BREAKING until
	// the monitor cools it down.
	if st.Status != core.StatusBreaking {
		if next := statusForSources(st.VerificationLevel); next != st.Status && core.CanTransition(st.Status, next) {
			st.Status = next
		}
	}

	st.LastUpdated = now
	st.ImportanceScore = core.ImportanceScore(st, now)
	return true
}

// statusForSources maps corroboration depth to lifecycle status.
func statusForSources(sources int) core.Status {
	switch {
	case sources >= 3:
		return core.StatusVerified
	case sources == 2:
		return core.StatusDeveloping
	default:
		return core.StatusMonitoring
	}
}

func sourceRef(a core.Article) core.SourceRef {
	return core.SourceRef{
		ArticleID:   a.ArticleID,
		SourceID:    a.SourceID,
		PublishedAt: a.PublishedAt,
		Title:       a.Title,
		URL:         a.ArticleURL,
	}
}

// mergeTags unions entity texts into the tag list, case-insensitively
// deduped and capped. Existing tags keep their position so early tags are
// never evicted by later arrivals.
func mergeTags(tags []string, entities []core.Entity, limit int) []string {
	out := make([]string, 0, len(tags)+len(entities))
	seen := make(map[string]struct{}, len(tags)+len(entities))
	for _, t := range tags {
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	for _, ent := range entities {
		key := strings.ToLower(ent.Text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ent.Text)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// markClustered stamps the story id onto the stored article. The resulting
// change-stream entry is skipped by Assign since the cluster id is set.
func (e *Engine) markClustered(ctx context.Context, a core.Article, storyID string) error {
	stored, err := store.GetArticle(ctx, e.store, a.ArticleID)
	if errors.Is(err, store.ErrNotFound) {
		stored = a
	} else if err != nil {
		return err
	}
	if stored.ClusterID == storyID {
		return nil
	}
	stored.ClusterID = storyID
	return store.UpsertArticle(ctx, e.store, stored)
}
