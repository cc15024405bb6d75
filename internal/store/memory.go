package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store used by tests and local experiments. It
// honors the same etag and change-stream semantics as the sqlite store.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]map[string]memDoc // collection -> id -> doc
	changes []Change
	nextSeq int64
	leases  map[string]int64 // collection|consumer -> checkpoint

	deadLetters []DeadLetterRow
	costLog     []CostRecordRow
	audit       []AuditRow
}

type memDoc struct {
	partitionKey string
	etag         string
	data         []byte
	fingerprint  string
	status       string
	delivered    bool
	recency      int64
}

// DeadLetterRow is a recorded poison message (exported for test assertions).
type DeadLetterRow struct {
	Consumer string
	DocID    string
	Reason   string
	Payload  []byte
}

// AuditRow is one archived summary version (exported for test assertions).
type AuditRow struct {
	StoryID string
	Version int
	Payload []byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:   make(map[string]map[string]memDoc),
		leases: make(map[string]int64),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) write(collection, partitionKey, id string, doc any, ifMatch string, createOnly bool) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document %s/%s: %w", collection, id, err)
	}
	fingerprint, status, delivered, recency := extractIndexes(collection, data)

	m.mu.Lock()
	defer m.mu.Unlock()

	col := m.docs[collection]
	if col == nil {
		col = make(map[string]memDoc)
		m.docs[collection] = col
	}

	existing, ok := col[id]
	if ok && createOnly {
		return "", fmt.Errorf("create %s/%s: %w", collection, id, ErrConflict)
	}
	if ifMatch != "" {
		if !ok {
			return "", fmt.Errorf("replace %s/%s: %w", collection, id, ErrNotFound)
		}
		if existing.etag != ifMatch {
			return "", fmt.Errorf("replace %s/%s: %w", collection, id, ErrConflict)
		}
	}

	etag := uuid.NewString()
	col[id] = memDoc{
		partitionKey: partitionKey,
		etag:         etag,
		data:         data,
		fingerprint:  fingerprint,
		status:       status,
		delivered:    delivered == 1,
		recency:      recency,
	}

	m.nextSeq++
	m.changes = append(m.changes, Change{
		Seq:          m.nextSeq,
		Collection:   collection,
		ID:           id,
		PartitionKey: partitionKey,
		Data:         data,
	})

	return etag, nil
}

func (m *Memory) Upsert(_ context.Context, collection, partitionKey, id string, doc any) (string, error) {
	return m.write(collection, partitionKey, id, doc, "", false)
}

func (m *Memory) Create(_ context.Context, collection, partitionKey, id string, doc any) (string, error) {
	return m.write(collection, partitionKey, id, doc, "", true)
}

func (m *Memory) Replace(_ context.Context, collection, partitionKey, id string, doc any, ifMatch string) (string, error) {
	if ifMatch == "" {
		return "", fmt.Errorf("replace %s/%s: if-match etag is required", collection, id)
	}
	return m.write(collection, partitionKey, id, doc, ifMatch, false)
}

func (m *Memory) Read(_ context.Context, collection, partitionKey, id string, out any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[collection][id]
	if !ok {
		return "", fmt.Errorf("read %s/%s: %w", collection, id, ErrNotFound)
	}
	if err := json.Unmarshal(doc.data, out); err != nil {
		return "", fmt.Errorf("failed to unmarshal document %s/%s: %w", collection, id, err)
	}
	return doc.etag, nil
}

func (m *Memory) Query(_ context.Context, collection string, f Filter) ([]RawDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var docs []RawDoc
	for id, doc := range m.docs[collection] {
		if !m.matches(doc, f) {
			continue
		}
		docs = append(docs, RawDoc{ID: id, PartitionKey: doc.partitionKey, Etag: doc.etag, Data: doc.data})
		if f.Limit > 0 && len(docs) >= f.Limit {
			break
		}
	}
	return docs, nil
}

func (m *Memory) matches(doc memDoc, f Filter) bool {
	for field, value := range f.Equals {
		switch field {
		case "partition_key":
			if doc.partitionKey != value {
				return false
			}
		case "fingerprint":
			if doc.fingerprint != value {
				return false
			}
		case "status":
			if doc.status != value {
				return false
			}
		default:
			return false
		}
	}
	if !f.UpdatedAfter.IsZero() && doc.recency <= f.UpdatedAfter.UnixNano() {
		return false
	}
	return true
}

type memoryChangeStream struct {
	store      *Memory
	collection string
	consumer   string
	cursor     int64
}

func (m *Memory) ChangeStream(_ context.Context, collection, consumer string) (ChangeStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := collection + "|" + consumer
	checkpoint := m.leases[key]
	m.leases[key] = checkpoint
	return &memoryChangeStream{store: m, collection: collection, consumer: consumer, cursor: checkpoint}, nil
}

func (c *memoryChangeStream) Next(ctx context.Context) (Change, error) {
	for {
		c.store.mu.Lock()
		for _, ch := range c.store.changes {
			if ch.Collection == c.collection && ch.Seq > c.cursor {
				c.cursor = ch.Seq
				c.store.mu.Unlock()
				return ch, nil
			}
		}
		c.store.mu.Unlock()

		select {
		case <-ctx.Done():
			return Change{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (c *memoryChangeStream) Commit(_ context.Context, seq int64) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	key := c.collection + "|" + c.consumer
	if c.store.leases[key] < seq {
		c.store.leases[key] = seq
	}
	return nil
}

func (c *memoryChangeStream) Close() error { return nil }

func (m *Memory) Lag(_ context.Context, collection, consumer string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	checkpoint := m.leases[collection+"|"+consumer]
	var lag int64
	for _, ch := range m.changes {
		if ch.Collection == collection && ch.Seq > checkpoint {
			lag++
		}
	}
	return lag, nil
}

func (m *Memory) SweepBefore(_ context.Context, collection string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, doc := range m.docs[collection] {
		if doc.recency >= cutoff.UnixNano() {
			continue
		}
		if collection == ColNotifications && !doc.delivered {
			continue
		}
		delete(m.docs[collection], id)
		n++
	}
	return n, nil
}

func (m *Memory) DeadLetter(_ context.Context, consumer, docID, reason string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, DeadLetterRow{Consumer: consumer, DocID: docID, Reason: reason, Payload: payload})
	return nil
}

// DeadLetters returns a copy of the recorded poison messages.
func (m *Memory) DeadLetters() []DeadLetterRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetterRow, len(m.deadLetters))
	copy(out, m.deadLetters)
	return out
}

func (m *Memory) AppendCost(_ context.Context, rec CostRecordRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costLog = append(m.costLog, rec)
	return nil
}

// CostLog returns a copy of the appended cost records.
func (m *Memory) CostLog() []CostRecordRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CostRecordRow, len(m.costLog))
	copy(out, m.costLog)
	return out
}

func (m *Memory) AppendSummaryAudit(_ context.Context, storyID string, version int, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, AuditRow{StoryID: storyID, Version: version, Payload: payload})
	return nil
}

// SummaryAudit returns a copy of the archived summary versions.
func (m *Memory) SummaryAudit() []AuditRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditRow, len(m.audit))
	copy(out, m.audit)
	return out
}
