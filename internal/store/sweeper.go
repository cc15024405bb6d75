package store

import (
	"context"
	"time"

	"newswire/internal/logger"
)

// notificationRetention is how long delivered notifications are kept.
const notificationRetention = 7 * 24 * time.Hour

// Sweeper enforces retention: articles expire a fixed window after
// publication, stories after a quiet period, delivered notifications after
// a week. Retention is enforced here rather than by the store engine.
type Sweeper struct {
	store          Store
	articleTTL     time.Duration
	storyRetention time.Duration
	interval       time.Duration
}

// NewSweeper builds a sweeper with the configured retention windows.
func NewSweeper(s Store, articleTTL, storyRetention, interval time.Duration) *Sweeper {
	return &Sweeper{store: s, articleTTL: articleTTL, storyRetention: storyRetention, interval: interval}
}

// Run sweeps on a timer until ctx is done. The first sweep happens
// immediately so a restarted process catches up.
func (sw *Sweeper) Run(ctx context.Context) error {
	sw.sweep(ctx)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	now := time.Now().UTC()
	log := logger.Get()

	if n, err := sw.store.SweepBefore(ctx, ColArticles, now.Add(-sw.articleTTL)); err != nil {
		log.Warn("article sweep failed", "error", err.Error())
	} else if n > 0 {
		log.Info("swept expired articles", "count", n)
	}

	if n, err := sw.store.SweepBefore(ctx, ColStories, now.Add(-sw.storyRetention)); err != nil {
		log.Warn("story sweep failed", "error", err.Error())
	} else if n > 0 {
		log.Info("swept retired stories", "count", n)
	}

	if n, err := sw.store.SweepBefore(ctx, ColNotifications, now.Add(-notificationRetention)); err != nil {
		log.Warn("notification sweep failed", "error", err.Error())
	} else if n > 0 {
		log.Info("swept delivered notifications", "count", n)
	}
}
