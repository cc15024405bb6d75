package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"newswire/internal/core"
)

func TestStoryEtagRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	st := testStory("s1", time.Now().UTC())
	inserted, err := InsertStory(ctx, m, st)
	if err != nil {
		t.Fatalf("InsertStory failed: %v", err)
	}
	if inserted.Etag == "" {
		t.Fatal("InsertStory returned no etag")
	}

	got, err := GetStory(ctx, m, st.Category, st.StoryID)
	if err != nil {
		t.Fatalf("GetStory failed: %v", err)
	}
	if got.Etag != inserted.Etag {
		t.Fatalf("GetStory etag = %q, want %q", got.Etag, inserted.Etag)
	}

	got.Title = "Quake Strikes Coastal Region, Hundreds Dead"
	replaced, err := ReplaceStory(ctx, m, got)
	if err != nil {
		t.Fatalf("ReplaceStory failed: %v", err)
	}
	if replaced.Etag == got.Etag {
		t.Error("ReplaceStory did not refresh the etag")
	}

	// The copy carrying the superseded etag loses the race.
	stale := inserted
	stale.Title = "some other rewrite"
	if _, err := ReplaceStory(ctx, m, stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("ReplaceStory with stale etag = %v, want ErrConflict", err)
	}
}

func TestInsertStoryRejectsDuplicateID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	st := testStory("s1", time.Now().UTC())
	if _, err := InsertStory(ctx, m, st); err != nil {
		t.Fatalf("first InsertStory failed: %v", err)
	}
	if _, err := InsertStory(ctx, m, st); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate InsertStory = %v, want ErrConflict", err)
	}
}

func TestStoriesByFingerprint(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	match := testStory("s1", now)
	other := testStory("s2", now)
	stale := testStory("s3", now.Add(-72*time.Hour))
	stale.Fingerprint = match.Fingerprint

	for _, st := range []core.Story{match, other, stale} {
		if _, err := InsertStory(ctx, m, st); err != nil {
			t.Fatalf("InsertStory %s failed: %v", st.StoryID, err)
		}
	}

	stories, err := StoriesByFingerprint(ctx, m, match.Fingerprint, now.Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("StoriesByFingerprint failed: %v", err)
	}
	if len(stories) != 1 || stories[0].StoryID != "s1" {
		t.Fatalf("got %d stories, want just s1", len(stories))
	}
	if stories[0].Etag == "" {
		t.Error("decoded story carries no etag")
	}
}

func TestStoriesByStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	verified := testStory("s1", now)
	verified.Status = core.StatusVerified
	monitoring := testStory("s2", now)

	for _, st := range []core.Story{verified, monitoring} {
		if _, err := InsertStory(ctx, m, st); err != nil {
			t.Fatalf("InsertStory failed: %v", err)
		}
	}

	stories, err := StoriesByStatus(ctx, m, core.StatusVerified)
	if err != nil {
		t.Fatalf("StoriesByStatus failed: %v", err)
	}
	if len(stories) != 1 || stories[0].StoryID != "s1" {
		t.Fatalf("got %d stories, want just s1", len(stories))
	}
}

func TestArticleExists(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a := core.Article{
		ArticleID:   "a1",
		SourceID:    "bbc",
		Title:       "Quake Strikes Coastal Region",
		ArticleURL:  "https://example.com/quake",
		PublishedAt: time.Now().UTC(),
		Category:    core.CategoryWorld,
		Fingerprint: "fp-a1",
	}

	ok, err := ArticleExists(ctx, m, "a1")
	if err != nil {
		t.Fatalf("ArticleExists failed: %v", err)
	}
	if ok {
		t.Fatal("article reported present before upsert")
	}

	if err := UpsertArticle(ctx, m, a); err != nil {
		t.Fatalf("UpsertArticle failed: %v", err)
	}

	ok, err = ArticleExists(ctx, m, "a1")
	if err != nil {
		t.Fatalf("ArticleExists failed: %v", err)
	}
	if !ok {
		t.Fatal("article reported absent after upsert")
	}

	got, err := GetArticle(ctx, m, "a1")
	if err != nil {
		t.Fatalf("GetArticle failed: %v", err)
	}
	if got.Fingerprint != "fp-a1" {
		t.Errorf("fingerprint = %q, want fp-a1", got.Fingerprint)
	}
}

func TestFeedStateRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := GetFeedState(ctx, m, "bbc-world"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetFeedState missing = %v, want ErrNotFound", err)
	}

	state := core.FeedPollState{
		FeedID:       "bbc-world",
		FeedURL:      "https://example.com/rss",
		LastETag:     `"v1"`,
		LastPolledAt: time.Now().UTC(),
	}
	if err := UpsertFeedState(ctx, m, state); err != nil {
		t.Fatalf("UpsertFeedState failed: %v", err)
	}

	got, err := GetFeedState(ctx, m, "bbc-world")
	if err != nil {
		t.Fatalf("GetFeedState failed: %v", err)
	}
	if got.LastETag != `"v1"` {
		t.Errorf("LastETag = %q, want %q", got.LastETag, `"v1"`)
	}
	if got.Etag == "" {
		t.Error("feed state carries no store etag")
	}
}

func TestEnqueueNotificationOncePerEpisode(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	entry := core.NotificationQueueEntry{
		StoryID:  "s1",
		Episode:  1,
		QueuedAt: time.Now().UTC(),
		Payload:  core.NotificationPayload{Title: "Quake Strikes Coastal Region", Category: core.CategoryWorld, SourceCount: 4},
	}

	sent, err := EnqueueNotification(ctx, m, entry)
	if err != nil {
		t.Fatalf("EnqueueNotification failed: %v", err)
	}
	if !sent {
		t.Fatal("first enqueue reported not sent")
	}

	sent, err = EnqueueNotification(ctx, m, entry)
	if err != nil {
		t.Fatalf("second EnqueueNotification failed: %v", err)
	}
	if sent {
		t.Fatal("same episode enqueued twice")
	}

	// A later promotion episode is a distinct notification.
	entry.Episode = 2
	sent, err = EnqueueNotification(ctx, m, entry)
	if err != nil {
		t.Fatalf("episode 2 EnqueueNotification failed: %v", err)
	}
	if !sent {
		t.Fatal("new episode was deduplicated")
	}

	var got core.NotificationQueueEntry
	if _, err := m.Read(ctx, ColNotifications, "s1", "s1#2", &got); err != nil {
		t.Fatalf("reading episode 2 entry failed: %v", err)
	}
	if got.Payload.SourceCount != 4 {
		t.Errorf("payload source count = %d, want 4", got.Payload.SourceCount)
	}
}

func TestDayBucket(t *testing.T) {
	ts := time.Date(2025, 3, 14, 23, 30, 0, 0, time.FixedZone("UTC+5", 5*3600))
	if got := DayBucket(ts); got != "2025-03-14" {
		t.Errorf("DayBucket = %q, want 2025-03-14", got)
	}
}
