package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"newswire/internal/core"
)

// Typed accessors over the generic document contract. Components go through
// these so collection names and partition keys stay in one place.

// UpsertArticle persists an article, partitioned by publication day.
func UpsertArticle(ctx context.Context, s Store, a core.Article) error {
	_, err := s.Upsert(ctx, ColArticles, DayBucket(a.PublishedAt), a.ArticleID, a)
	return err
}

// ArticleExists reports whether an article id is already stored. The poller
// uses it to make re-polls idempotent.
func ArticleExists(ctx context.Context, s Store, articleID string) (bool, error) {
	var a core.Article
	_, err := s.Read(ctx, ColArticles, "", articleID, &a)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetArticle reads one article by id.
func GetArticle(ctx context.Context, s Store, articleID string) (core.Article, error) {
	var a core.Article
	_, err := s.Read(ctx, ColArticles, "", articleID, &a)
	return a, err
}

// GetStory reads one story by category and id, carrying the etag on the
// returned value for later Replace calls.
func GetStory(ctx context.Context, s Store, category core.Category, storyID string) (core.Story, error) {
	var st core.Story
	etag, err := s.Read(ctx, ColStories, string(category), storyID, &st)
	if err != nil {
		return core.Story{}, err
	}
	st.Etag = etag
	return st, nil
}

// InsertStory creates a new story document and returns it with its etag.
func InsertStory(ctx context.Context, s Store, st core.Story) (core.Story, error) {
	etag, err := s.Create(ctx, ColStories, string(st.Category), st.StoryID, st)
	if err != nil {
		return core.Story{}, err
	}
	st.Etag = etag
	return st, nil
}

// ReplaceStory overwrites a story guarded by the etag carried on it.
// ErrConflict surfaces unchanged so callers can re-read and retry.
func ReplaceStory(ctx context.Context, s Store, st core.Story) (core.Story, error) {
	etag, err := s.Replace(ctx, ColStories, string(st.Category), st.StoryID, st, st.Etag)
	if err != nil {
		return core.Story{}, err
	}
	st.Etag = etag
	return st, nil
}

func decodeStories(docs []RawDoc) ([]core.Story, error) {
	stories := make([]core.Story, 0, len(docs))
	for _, d := range docs {
		var st core.Story
		if err := json.Unmarshal(d.Data, &st); err != nil {
			return nil, fmt.Errorf("failed to decode story %s: %w", d.ID, err)
		}
		st.Etag = d.Etag
		stories = append(stories, st)
	}
	return stories, nil
}

// StoriesByFingerprint returns stories carrying the fingerprint updated
// after since.
func StoriesByFingerprint(ctx context.Context, s Store, fingerprint string, since time.Time) ([]core.Story, error) {
	docs, err := s.Query(ctx, ColStories, Filter{
		Equals:       map[string]string{"fingerprint": fingerprint},
		UpdatedAfter: since,
	})
	if err != nil {
		return nil, err
	}
	return decodeStories(docs)
}

// RecentStoriesByCategory returns stories in the category updated after
// since, capped at limit. Callers sort in memory.
func RecentStoriesByCategory(ctx context.Context, s Store, category core.Category, since time.Time, limit int) ([]core.Story, error) {
	docs, err := s.Query(ctx, ColStories, Filter{
		Equals:       map[string]string{"partition_key": string(category)},
		UpdatedAfter: since,
		Limit:        limit,
	})
	if err != nil {
		return nil, err
	}
	return decodeStories(docs)
}

// StoriesByStatus returns all stories in a lifecycle status.
func StoriesByStatus(ctx context.Context, s Store, status core.Status) ([]core.Story, error) {
	docs, err := s.Query(ctx, ColStories, Filter{
		Equals: map[string]string{"status": string(status)},
	})
	if err != nil {
		return nil, err
	}
	return decodeStories(docs)
}

// GetFeedState reads one feed's poll state, carrying the etag.
func GetFeedState(ctx context.Context, s Store, feedID string) (core.FeedPollState, error) {
	var st core.FeedPollState
	etag, err := s.Read(ctx, ColFeedStates, feedID, feedID, &st)
	if err != nil {
		return core.FeedPollState{}, err
	}
	st.Etag = etag
	return st, nil
}

// UpsertFeedState persists a feed's poll state. Poll state has a single
// writer per feed, so a plain upsert suffices.
func UpsertFeedState(ctx context.Context, s Store, st core.FeedPollState) error {
	_, err := s.Upsert(ctx, ColFeedStates, st.FeedID, st.FeedID, st)
	return err
}

// EnqueueNotification inserts a breaking-news notification keyed by
// (story_id, episode). Returns false without error when this episode was
// already enqueued, which makes the monitor's enqueue at-most-once.
func EnqueueNotification(ctx context.Context, s Store, entry core.NotificationQueueEntry) (bool, error) {
	id := fmt.Sprintf("%s#%d", entry.StoryID, entry.Episode)
	entry.ID = id
	_, err := s.Create(ctx, ColNotifications, entry.StoryID, id, entry)
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
