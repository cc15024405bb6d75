package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"newswire/internal/core"
)

func testStory(id string, updated time.Time) core.Story {
	return core.Story{
		StoryID:     id,
		Title:       "Quake Strikes Coastal Region",
		Category:    core.CategoryWorld,
		Fingerprint: "fp-" + id,
		Status:      core.StatusMonitoring,
		FirstSeen:   updated,
		LastUpdated: updated,
	}
}

func TestUpsertReadRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	st := testStory("s1", time.Now().UTC())
	etag, err := m.Upsert(ctx, ColStories, string(st.Category), st.StoryID, st)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if etag == "" {
		t.Fatal("Upsert returned empty etag")
	}

	var got core.Story
	readEtag, err := m.Read(ctx, ColStories, string(st.Category), st.StoryID, &got)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if readEtag != etag {
		t.Errorf("read etag = %q, want %q", readEtag, etag)
	}
	if got.Title != st.Title || got.Fingerprint != st.Fingerprint {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestReadMissingDocument(t *testing.T) {
	m := NewMemory()

	var got core.Story
	_, err := m.Read(context.Background(), ColStories, "WORLD", "nope", &got)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read missing = %v, want ErrNotFound", err)
	}
}

func TestReplaceRequiresMatchingEtag(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	st := testStory("s1", time.Now().UTC())
	etag, err := m.Upsert(ctx, ColStories, string(st.Category), st.StoryID, st)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	st.Title = "Quake Strikes Coastal Region, Hundreds Dead"
	newEtag, err := m.Replace(ctx, ColStories, string(st.Category), st.StoryID, st, etag)
	if err != nil {
		t.Fatalf("Replace with current etag failed: %v", err)
	}
	if newEtag == etag {
		t.Error("Replace did not issue a new etag")
	}

	// The first etag is now stale.
	_, err = m.Replace(ctx, ColStories, string(st.Category), st.StoryID, st, etag)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Replace with stale etag = %v, want ErrConflict", err)
	}

	_, err = m.Replace(ctx, ColStories, string(st.Category), "absent", st, etag)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Replace missing doc = %v, want ErrNotFound", err)
	}

	_, err = m.Replace(ctx, ColStories, string(st.Category), st.StoryID, st, "")
	if err == nil {
		t.Fatal("Replace without if-match succeeded")
	}
}

func TestCreateIsInsertOnly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	st := testStory("s1", time.Now().UTC())
	if _, err := m.Create(ctx, ColStories, string(st.Category), st.StoryID, st); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	_, err := m.Create(ctx, ColStories, string(st.Category), st.StoryID, st)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second Create = %v, want ErrConflict", err)
	}
}

func TestQueryFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	old := testStory("s-old", now.Add(-72*time.Hour))
	recent := testStory("s-recent", now)
	recent.Status = core.StatusVerified
	tech := testStory("s-tech", now)
	tech.Category = core.CategoryTech

	for _, st := range []core.Story{old, recent, tech} {
		if _, err := m.Upsert(ctx, ColStories, string(st.Category), st.StoryID, st); err != nil {
			t.Fatalf("Upsert %s failed: %v", st.StoryID, err)
		}
	}

	docs, err := m.Query(ctx, ColStories, Filter{
		Equals:       map[string]string{"partition_key": string(core.CategoryWorld)},
		UpdatedAfter: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "s-recent" {
		t.Fatalf("partition+recency query returned %d docs, want just s-recent", len(docs))
	}

	docs, err = m.Query(ctx, ColStories, Filter{
		Equals: map[string]string{"fingerprint": "fp-s-tech"},
	})
	if err != nil {
		t.Fatalf("fingerprint query failed: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "s-tech" {
		t.Fatalf("fingerprint query returned %d docs, want just s-tech", len(docs))
	}

	docs, err = m.Query(ctx, ColStories, Filter{
		Equals: map[string]string{"status": string(core.StatusVerified)},
	})
	if err != nil {
		t.Fatalf("status query failed: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "s-recent" {
		t.Fatalf("status query returned %d docs, want just s-recent", len(docs))
	}
}

func TestChangeStreamRedeliversUntilCommit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	st := testStory("s1", time.Now().UTC())
	if _, err := m.Upsert(ctx, ColStories, string(st.Category), st.StoryID, st); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	stream, err := m.ChangeStream(ctx, ColStories, "test-consumer")
	if err != nil {
		t.Fatalf("ChangeStream failed: %v", err)
	}
	ch, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ch.ID != "s1" {
		t.Fatalf("change ID = %q, want s1", ch.ID)
	}
	stream.Close()

	// Not committed: a fresh stream sees the change again.
	stream, err = m.ChangeStream(ctx, ColStories, "test-consumer")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	again, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next after reopen failed: %v", err)
	}
	if again.Seq != ch.Seq {
		t.Fatalf("redelivered seq = %d, want %d", again.Seq, ch.Seq)
	}
	if err := stream.Commit(ctx, again.Seq); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	stream.Close()

	// Committed: the next read blocks until ctx expires.
	stream, err = m.ChangeStream(ctx, ColStories, "test-consumer")
	if err != nil {
		t.Fatalf("reopen after commit failed: %v", err)
	}
	defer stream.Close()
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := stream.Next(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next after commit = %v, want deadline exceeded", err)
	}
}

func TestChangeStreamConsumersAreIndependent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	st := testStory("s1", time.Now().UTC())
	if _, err := m.Upsert(ctx, ColStories, string(st.Category), st.StoryID, st); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	first, err := m.ChangeStream(ctx, ColStories, "consumer-a")
	if err != nil {
		t.Fatalf("ChangeStream a failed: %v", err)
	}
	defer first.Close()
	ch, err := first.Next(ctx)
	if err != nil {
		t.Fatalf("Next a failed: %v", err)
	}
	if err := first.Commit(ctx, ch.Seq); err != nil {
		t.Fatalf("Commit a failed: %v", err)
	}

	second, err := m.ChangeStream(ctx, ColStories, "consumer-b")
	if err != nil {
		t.Fatalf("ChangeStream b failed: %v", err)
	}
	defer second.Close()
	if _, err := second.Next(ctx); err != nil {
		t.Fatalf("consumer-b did not see the change: %v", err)
	}
}

func TestLagCountsUncommittedChanges(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"s1", "s2", "s3"} {
		st := testStory(id, now)
		if _, err := m.Upsert(ctx, ColStories, string(st.Category), st.StoryID, st); err != nil {
			t.Fatalf("Upsert %s failed: %v", id, err)
		}
	}

	lag, err := m.Lag(ctx, ColStories, "lag-consumer")
	if err != nil {
		t.Fatalf("Lag failed: %v", err)
	}
	if lag != 3 {
		t.Fatalf("lag = %d, want 3", lag)
	}

	stream, err := m.ChangeStream(ctx, ColStories, "lag-consumer")
	if err != nil {
		t.Fatalf("ChangeStream failed: %v", err)
	}
	defer stream.Close()
	ch, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if err := stream.Commit(ctx, ch.Seq); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	lag, err = m.Lag(ctx, ColStories, "lag-consumer")
	if err != nil {
		t.Fatalf("Lag after commit failed: %v", err)
	}
	if lag != 2 {
		t.Fatalf("lag after one commit = %d, want 2", lag)
	}
}

func TestSweepBeforeByRecency(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	stale := testStory("s-stale", now.Add(-100*24*time.Hour))
	fresh := testStory("s-fresh", now)
	for _, st := range []core.Story{stale, fresh} {
		if _, err := m.Upsert(ctx, ColStories, string(st.Category), st.StoryID, st); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	n, err := m.SweepBefore(ctx, ColStories, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("SweepBefore failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d docs, want 1", n)
	}

	var got core.Story
	if _, err := m.Read(ctx, ColStories, string(fresh.Category), "s-fresh", &got); err != nil {
		t.Fatalf("fresh story was swept: %v", err)
	}
	if _, err := m.Read(ctx, ColStories, string(stale.Category), "s-stale", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale story survived the sweep: %v", err)
	}
}

func TestSweepKeepsUndeliveredNotifications(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	queued := time.Now().UTC().Add(-30 * 24 * time.Hour)
	delivered := queued.Add(time.Minute)

	pending := core.NotificationQueueEntry{ID: "s1#1", StoryID: "s1", Episode: 1, QueuedAt: queued}
	done := core.NotificationQueueEntry{ID: "s2#1", StoryID: "s2", Episode: 1, QueuedAt: queued, DeliveredAt: &delivered}
	for _, e := range []core.NotificationQueueEntry{pending, done} {
		if _, err := m.Upsert(ctx, ColNotifications, e.StoryID, e.ID, e); err != nil {
			t.Fatalf("Upsert notification failed: %v", err)
		}
	}

	n, err := m.SweepBefore(ctx, ColNotifications, time.Now().UTC())
	if err != nil {
		t.Fatalf("SweepBefore failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d notifications, want 1", n)
	}

	var got core.NotificationQueueEntry
	if _, err := m.Read(ctx, ColNotifications, "s1", "s1#1", &got); err != nil {
		t.Fatalf("undelivered notification was swept: %v", err)
	}
}

func TestDeadLetterRecordsPayload(t *testing.T) {
	m := NewMemory()

	payload, _ := json.Marshal(map[string]string{"broken": "doc"})
	if err := m.DeadLetter(context.Background(), "cluster", "a1", "unmarshal failed", payload); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}

	rows := m.DeadLetters()
	if len(rows) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(rows))
	}
	if rows[0].Consumer != "cluster" || rows[0].DocID != "a1" {
		t.Errorf("dead letter row = %+v", rows[0])
	}
}
