// Package store provides the document store the pipeline runs against:
// etag-guarded documents in named collections, plus a lease-checkpointed
// change stream per collection. The sqlite implementation is the default;
// the in-memory implementation backs tests.
package store

import (
	"context"
	"errors"
	"time"
)

// Collection names. Change-stream leases are tracked per (collection,
// consumer) pair, so independent consumers keep independent checkpoints.
const (
	ColArticles      = "articles"
	ColStories       = "stories"
	ColFeedStates    = "feed_poll_states"
	ColNotifications = "notifications"
)

var (
	// ErrNotFound is returned when an expected document is absent.
	ErrNotFound = errors.New("store: document not found")
	// ErrConflict is returned when an etag precondition fails or a
	// Create hits an existing id.
	ErrConflict = errors.New("store: etag conflict")
)

// Filter narrows a Query. Equals matches indexed fields exactly;
// UpdatedAfter cuts on the collection's recency field. Results are not
// ordered; callers sort in memory when order matters.
type Filter struct {
	Equals       map[string]string
	UpdatedAfter time.Time
	Limit        int
}

// RawDoc is an undecoded query result.
type RawDoc struct {
	ID           string
	PartitionKey string
	Etag         string
	Data         []byte
}

// Change is one entry from a collection's change stream.
type Change struct {
	Seq          int64
	Collection   string
	ID           string
	PartitionKey string
	Data         []byte
}

// ChangeStream is a lease-checkpointed iterator over a collection's
// mutations. Delivery is at-least-once: a change is redelivered until the
// consumer commits a sequence number at or past it.
type ChangeStream interface {
	// Next blocks until a change is available or ctx is done.
	Next(ctx context.Context) (Change, error)
	// Commit checkpoints the lease at seq. Changes at or below seq are
	// not redelivered to this consumer.
	Commit(ctx context.Context, seq int64) error
	Close() error
}

// Store is the document store contract consumed by every component.
type Store interface {
	// Upsert writes the document, creating or replacing it, and returns
	// the new etag. A change-stream entry is recorded atomically.
	Upsert(ctx context.Context, collection, partitionKey, id string, doc any) (string, error)

	// Create inserts the document only if the id is absent; ErrConflict
	// otherwise. Used for at-most-once notification enqueueing.
	Create(ctx context.Context, collection, partitionKey, id string, doc any) (string, error)

	// Read decodes the document into out and returns its etag.
	// ErrNotFound when absent.
	Read(ctx context.Context, collection, partitionKey, id string, out any) (string, error)

	// Replace overwrites the document iff the stored etag equals
	// ifMatch; ErrConflict otherwise. Returns the new etag.
	Replace(ctx context.Context, collection, partitionKey, id string, doc any, ifMatch string) (string, error)

	// Query returns raw documents matching the filter, unordered.
	Query(ctx context.Context, collection string, f Filter) ([]RawDoc, error)

	// ChangeStream opens the collection's change stream for the named
	// consumer, resuming at its last committed checkpoint.
	ChangeStream(ctx context.Context, collection, consumer string) (ChangeStream, error)

	// Lag reports how many uncommitted changes the consumer is behind.
	Lag(ctx context.Context, collection, consumer string) (int64, error)

	// SweepBefore deletes documents whose recency field is older than
	// cutoff, returning the number removed. For notifications only
	// delivered entries are swept.
	SweepBefore(ctx context.Context, collection string, cutoff time.Time) (int64, error)

	// DeadLetter records a poison message for the named consumer.
	DeadLetter(ctx context.Context, consumer, docID, reason string, payload []byte) error

	// AppendCost appends one LLM cost record to the cost log.
	AppendCost(ctx context.Context, rec CostRecordRow) error

	// AppendSummaryAudit archives a superseded summary version.
	AppendSummaryAudit(ctx context.Context, storyID string, version int, payload []byte) error

	Close() error
}

// CostRecordRow is the flattened cost-log row shape shared by both
// implementations.
type CostRecordRow struct {
	StoryID      string
	Timestamp    time.Time
	ModelID      string
	InputTokens  int
	OutputTokens int
	CostMicroUSD int64
	Path         string
}

// DayBucket is the articles partition key: the UTC publication day.
func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
