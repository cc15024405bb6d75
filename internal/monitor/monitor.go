// Package monitor runs the breaking-news lifecycle: VERIFIED stories
// gathering sources fast enough get promoted to BREAKING with one queued
// notification per episode, stale BREAKING stories cool down to VERIFIED,
// and long-idle VERIFIED stories are archived.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"newswire/internal/config"
	"newswire/internal/core"
	"newswire/internal/logger"
	"newswire/internal/store"

	"github.com/cenkalti/backoff/v4"
)

// Stats is a snapshot of the monitor's counters.
type Stats struct {
	Promoted int64 `json:"promoted"`
	Demoted  int64 `json:"demoted"`
	Archived int64 `json:"archived"`
	Notified int64 `json:"notifications_queued"`
}

// Monitor drives the breaking-news lifecycle on a fixed tick.
type Monitor struct {
	store store.Store
	cfg   config.Breaking
	now   func() time.Time

	promoted atomic.Int64
	demoted  atomic.Int64
	archived atomic.Int64
	notified atomic.Int64
}

// New creates a monitor over the given store.
func New(s store.Store, cfg config.Breaking) *Monitor {
	return &Monitor{store: s, cfg: cfg, now: time.Now}
}

// Stats returns a snapshot of the monitor's counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Promoted: m.promoted.Load(),
		Demoted:  m.demoted.Load(),
		Archived: m.archived.Load(),
		Notified: m.notified.Load(),
	}
}

// Run ticks the monitor until ctx is cancelled. The first tick fires
// immediately so a restart does not delay pending promotions.
func (m *Monitor) Run(ctx context.Context) error {
	logger.Get().Info("breaking-news monitor started", "interval", m.cfg.Interval().String())

	ticker := time.NewTicker(m.cfg.Interval())
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one full pass: promotions, demotions, archival.
func (m *Monitor) Tick(ctx context.Context) {
	m.promote(ctx)
	m.demote(ctx)
	m.archive(ctx)
}

// promote scans VERIFIED stories for velocity: enough distinct sources
// added inside the window move a story to BREAKING and queue exactly one
// notification for the new episode. Stories still in MONITORING or
// DEVELOPING must earn VERIFIED through source count first.
func (m *Monitor) promote(ctx context.Context) {
	log := logger.Get()
	cutoff := m.now().Add(-m.cfg.Window())

	stories, err := store.StoriesByStatus(ctx, m.store, core.StatusVerified)
	if err != nil {
		log.Warn("failed to list stories for promotion scan", "error", err)
		return
	}
	for i := range stories {
		st := stories[i]
		if st.SourcesAddedSince(cutoff) < m.cfg.SourceThreshold {
			continue
		}
		promoted, err := m.promoteStory(ctx, st.Category, st.StoryID)
		if err != nil {
			log.Error("failed to promote story", "story_id", st.StoryID, "error", err)
			continue
		}
		if promoted == nil {
			continue
		}
		m.promoted.Add(1)
		log.Info("story promoted to BREAKING",
			"story_id", promoted.StoryID, "episode", promoted.BreakingEpisode,
			"sources", promoted.VerificationLevel)
		m.queueNotification(ctx, promoted)
	}
}

// promoteStory flips one story to BREAKING under etag protection. It
// returns nil when a concurrent writer already promoted it.
func (m *Monitor) promoteStory(ctx context.Context, category core.Category, storyID string) (*core.Story, error) {
	var result *core.Story
	cutoff := m.now().Add(-m.cfg.Window())

	operation := func() error {
		st, err := store.GetStory(ctx, m.store, category, storyID)
		if err != nil {
			return backoff.Permanent(err)
		}
		// Re-check under the fresh read; the story may have been
		// promoted or archived since the scan.
		if st.Status == core.StatusBreaking || !core.CanTransition(st.Status, core.StatusBreaking) {
			result = nil
			return nil
		}
		if st.SourcesAddedSince(cutoff) < m.cfg.SourceThreshold {
			result = nil
			return nil
		}

		now := m.now().UTC()
		st.Status = core.StatusBreaking
		st.BreakingEpisode++
		st.BreakingSentAt = &now
		st.ImportanceScore = core.ImportanceScore(&st, now)

		replaced, err := store.ReplaceStory(ctx, m.store, st)
		if errors.Is(err, store.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		result = &replaced
		return nil
	}

	if err := m.retry(ctx, operation); err != nil {
		return nil, err
	}
	return result, nil
}

// queueNotification enqueues the breaking notification for the story's
// current episode. The (story, episode) key makes the insert at most
// once, so a redundant call after a crash is a no-op.
func (m *Monitor) queueNotification(ctx context.Context, st *core.Story) {
	created, err := store.EnqueueNotification(ctx, m.store, core.NotificationQueueEntry{
		StoryID:  st.StoryID,
		Episode:  st.BreakingEpisode,
		QueuedAt: m.now().UTC(),
		Payload: core.NotificationPayload{
			Title:       st.Title,
			Category:    st.Category,
			SourceCount: st.DistinctSources(),
		},
	})
	if err != nil {
		logger.Get().Error("failed to queue breaking notification", "story_id", st.StoryID, "error", err)
		return
	}
	if created {
		m.notified.Add(1)
	}
}

// demote cools BREAKING stories down to VERIFIED once no new source has
// arrived for the cooldown period.
func (m *Monitor) demote(ctx context.Context) {
	log := logger.Get()
	stories, err := store.StoriesByStatus(ctx, m.store, core.StatusBreaking)
	if err != nil {
		log.Warn("failed to list BREAKING stories", "error", err)
		return
	}

	for i := range stories {
		st := stories[i]
		if m.now().Sub(st.LastUpdated) < m.cfg.Cooldown() {
			continue
		}
		err := m.transition(ctx, st.Category, st.StoryID, core.StatusBreaking, core.StatusVerified)
		if err != nil {
			log.Error("failed to demote story", "story_id", st.StoryID, "error", err)
			continue
		}
		m.demoted.Add(1)
		log.Info("story demoted to VERIFIED", "story_id", st.StoryID)
	}
}

// archive retires VERIFIED stories idle past the archive age.
func (m *Monitor) archive(ctx context.Context) {
	log := logger.Get()
	stories, err := store.StoriesByStatus(ctx, m.store, core.StatusVerified)
	if err != nil {
		log.Warn("failed to list VERIFIED stories", "error", err)
		return
	}

	for i := range stories {
		st := stories[i]
		if m.now().Sub(st.LastUpdated) < m.cfg.ArchiveAge() {
			continue
		}
		err := m.transition(ctx, st.Category, st.StoryID, core.StatusVerified, core.StatusArchived)
		if err != nil {
			log.Error("failed to archive story", "story_id", st.StoryID, "error", err)
			continue
		}
		m.archived.Add(1)
		log.Info("story archived", "story_id", st.StoryID)
	}
}

// transition moves a story from one status to another under etag
// protection. The move is skipped if a concurrent writer changed the
// status first. LastUpdated is deliberately left alone: lifecycle moves
// are not content updates and must not reset the idle clocks.
func (m *Monitor) transition(ctx context.Context, category core.Category, storyID string, from, to core.Status) error {
	operation := func() error {
		st, err := store.GetStory(ctx, m.store, category, storyID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if st.Status != from {
			return nil
		}
		if !core.CanTransition(st.Status, to) {
			return backoff.Permanent(fmt.Errorf("illegal transition %s -> %s for story %s", st.Status, to, storyID))
		}
		st.Status = to
		st.ImportanceScore = core.ImportanceScore(&st, m.now().UTC())

		_, err = store.ReplaceStory(ctx, m.store, st)
		if errors.Is(err, store.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	return m.retry(ctx, operation)
}

func (m *Monitor) retry(ctx context.Context, operation func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 2 * time.Second
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, 5), ctx))
}
