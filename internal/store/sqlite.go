package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// changePollInterval is how often an idle change stream re-checks for work.
const changePollInterval = 500 * time.Millisecond

// SQLite is the sqlite-backed document store.
type SQLite struct {
	db   *sql.DB
	path string
}

// NewSQLite opens (or creates) the store under dataDir.
func NewSQLite(dataDir string) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "newswire.db")
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLite{db: db, path: dbPath}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return s, nil
}

// initialize creates the necessary tables.
func (s *SQLite) initialize() error {
	documentsTable := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		etag TEXT NOT NULL,
		data TEXT NOT NULL,
		fingerprint TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		delivered INTEGER NOT NULL DEFAULT 0,
		recency INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (collection, id)
	);`

	changesTable := `
	CREATE TABLE IF NOT EXISTS changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		data TEXT NOT NULL
	);`

	leasesTable := `
	CREATE TABLE IF NOT EXISTS leases (
		collection TEXT NOT NULL,
		consumer TEXT NOT NULL,
		checkpoint INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME,
		PRIMARY KEY (collection, consumer)
	);`

	deadLettersTable := `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		consumer TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		payload TEXT,
		created_at DATETIME NOT NULL
	);`

	costLogTable := `
	CREATE TABLE IF NOT EXISTS cost_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		story_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		model_id TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_micro_usd INTEGER NOT NULL,
		path TEXT NOT NULL
	);`

	summaryAuditTable := `
	CREATE TABLE IF NOT EXISTS summary_audit (
		story_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		payload TEXT NOT NULL,
		archived_at DATETIME NOT NULL,
		PRIMARY KEY (story_id, version)
	);`

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_documents_partition ON documents (collection, partition_key, recency);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_fingerprint ON documents (collection, fingerprint);`,
		`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (collection, status);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_collection ON changes (collection, seq);`,
	}

	stmts := []string{documentsTable, changesTable, leasesTable, deadLettersTable, costLogTable, summaryAuditTable}
	stmts = append(stmts, indexes...)
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// indexProbe pulls the indexed fields out of a document regardless of its
// concrete type. Collections that lack a field leave it zero.
type indexProbe struct {
	PublishedAt  time.Time  `json:"published_at"`
	LastUpdated  time.Time  `json:"last_updated"`
	LastPolledAt time.Time  `json:"last_polled_at"`
	QueuedAt     time.Time  `json:"queued_at"`
	DeliveredAt  *time.Time `json:"delivered_at"`
	Fingerprint  string     `json:"fingerprint"`
	Status       string     `json:"status"`
}

func extractIndexes(collection string, data []byte) (fingerprint, status string, delivered int, recency int64) {
	var p indexProbe
	_ = json.Unmarshal(data, &p)

	switch collection {
	case ColArticles:
		recency = p.PublishedAt.UnixNano()
	case ColStories:
		recency = p.LastUpdated.UnixNano()
		fingerprint = p.Fingerprint
		status = p.Status
	case ColFeedStates:
		recency = p.LastPolledAt.UnixNano()
	case ColNotifications:
		recency = p.QueuedAt.UnixNano()
		if p.DeliveredAt != nil {
			delivered = 1
		}
	}
	// Stories index the fingerprint of the founding article; articles
	// index their own for idempotent re-poll lookups.
	if collection == ColArticles {
		fingerprint = p.Fingerprint
	}
	return
}

// Upsert writes the document and records a change entry atomically.
func (s *SQLite) Upsert(ctx context.Context, collection, partitionKey, id string, doc any) (string, error) {
	return s.write(ctx, collection, partitionKey, id, doc, "", false)
}

// Create inserts the document only if absent.
func (s *SQLite) Create(ctx context.Context, collection, partitionKey, id string, doc any) (string, error) {
	return s.write(ctx, collection, partitionKey, id, doc, "", true)
}

// Replace overwrites iff the stored etag matches.
func (s *SQLite) Replace(ctx context.Context, collection, partitionKey, id string, doc any, ifMatch string) (string, error) {
	if ifMatch == "" {
		return "", fmt.Errorf("replace %s/%s: if-match etag is required", collection, id)
	}
	return s.write(ctx, collection, partitionKey, id, doc, ifMatch, false)
}

func (s *SQLite) write(ctx context.Context, collection, partitionKey, id string, doc any, ifMatch string, createOnly bool) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document %s/%s: %w", collection, id, err)
	}
	fingerprint, status, delivered, recency := extractIndexes(collection, data)
	etag := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT etag FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if ifMatch != "" {
			return "", fmt.Errorf("replace %s/%s: %w", collection, id, ErrNotFound)
		}
	case err != nil:
		return "", fmt.Errorf("failed to read current etag: %w", err)
	default:
		if createOnly {
			return "", fmt.Errorf("create %s/%s: %w", collection, id, ErrConflict)
		}
		if ifMatch != "" && current != ifMatch {
			return "", fmt.Errorf("replace %s/%s: %w", collection, id, ErrConflict)
		}
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO documents (collection, id, partition_key, etag, data, fingerprint, status, delivered, recency)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (collection, id) DO UPDATE SET
		partition_key = excluded.partition_key,
		etag = excluded.etag,
		data = excluded.data,
		fingerprint = excluded.fingerprint,
		status = excluded.status,
		delivered = excluded.delivered,
		recency = excluded.recency`,
		collection, id, partitionKey, etag, string(data), fingerprint, status, delivered, recency)
	if err != nil {
		return "", fmt.Errorf("failed to write document: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO changes (collection, id, partition_key, data) VALUES (?, ?, ?, ?)`,
		collection, id, partitionKey, string(data))
	if err != nil {
		return "", fmt.Errorf("failed to record change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit write: %w", err)
	}
	return etag, nil
}

// Read decodes the document into out and returns its etag.
func (s *SQLite) Read(ctx context.Context, collection, partitionKey, id string, out any) (string, error) {
	var etag, data string
	err := s.db.QueryRowContext(ctx,
		`SELECT etag, data FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&etag, &data)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("read %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read document: %w", err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return "", fmt.Errorf("failed to unmarshal document %s/%s: %w", collection, id, err)
	}
	return etag, nil
}

// queryColumns maps filter field names to document columns.
var queryColumns = map[string]string{
	"partition_key": "partition_key",
	"fingerprint":   "fingerprint",
	"status":        "status",
}

// Query returns raw documents matching the filter, unordered.
func (s *SQLite) Query(ctx context.Context, collection string, f Filter) ([]RawDoc, error) {
	q := `SELECT id, partition_key, etag, data FROM documents WHERE collection = ?`
	args := []any{collection}

	for field, value := range f.Equals {
		col, ok := queryColumns[field]
		if !ok {
			return nil, fmt.Errorf("query %s: field %q is not indexed", collection, field)
		}
		q += fmt.Sprintf(" AND %s = ?", col)
		args = append(args, value)
	}
	if !f.UpdatedAfter.IsZero() {
		q += " AND recency > ?"
		args = append(args, f.UpdatedAfter.UnixNano())
	}
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []RawDoc
	for rows.Next() {
		var d RawDoc
		var data string
		if err := rows.Scan(&d.ID, &d.PartitionKey, &d.Etag, &data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		d.Data = []byte(data)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// sqliteChangeStream polls the changes table past its checkpoint.
type sqliteChangeStream struct {
	store      *SQLite
	collection string
	consumer   string
	cursor     int64
}

// ChangeStream opens the collection's change stream for the named consumer.
func (s *SQLite) ChangeStream(ctx context.Context, collection, consumer string) (ChangeStream, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO leases (collection, consumer, checkpoint, updated_at) VALUES (?, ?, 0, ?)`,
		collection, consumer, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to create lease: %w", err)
	}

	var checkpoint int64
	err = s.db.QueryRowContext(ctx,
		`SELECT checkpoint FROM leases WHERE collection = ? AND consumer = ?`,
		collection, consumer).Scan(&checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to read lease checkpoint: %w", err)
	}

	return &sqliteChangeStream{store: s, collection: collection, consumer: consumer, cursor: checkpoint}, nil
}

// Next blocks until a change past the cursor is available or ctx is done.
func (c *sqliteChangeStream) Next(ctx context.Context) (Change, error) {
	for {
		var ch Change
		var data string
		err := c.store.db.QueryRowContext(ctx, `
		SELECT seq, id, partition_key, data FROM changes
		WHERE collection = ? AND seq > ? ORDER BY seq LIMIT 1`,
			c.collection, c.cursor).Scan(&ch.Seq, &ch.ID, &ch.PartitionKey, &data)
		if err == nil {
			ch.Collection = c.collection
			ch.Data = []byte(data)
			c.cursor = ch.Seq
			return ch, nil
		}
		if err != sql.ErrNoRows {
			return Change{}, fmt.Errorf("failed to read change stream: %w", err)
		}

		select {
		case <-ctx.Done():
			return Change{}, ctx.Err()
		case <-time.After(changePollInterval):
		}
	}
}

// Commit checkpoints the lease at seq.
func (c *sqliteChangeStream) Commit(ctx context.Context, seq int64) error {
	_, err := c.store.db.ExecContext(ctx,
		`UPDATE leases SET checkpoint = ?, updated_at = ? WHERE collection = ? AND consumer = ? AND checkpoint < ?`,
		seq, time.Now().UTC(), c.collection, c.consumer, seq)
	if err != nil {
		return fmt.Errorf("failed to commit lease checkpoint: %w", err)
	}
	return nil
}

// Close releases the stream. The lease row itself is durable so another
// replica resumes at the last checkpoint.
func (c *sqliteChangeStream) Close() error { return nil }

// Lag reports how many uncommitted changes the consumer is behind.
func (s *SQLite) Lag(ctx context.Context, collection, consumer string) (int64, error) {
	var lag int64
	err := s.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM changes
	WHERE collection = ?
	  AND seq > COALESCE((SELECT checkpoint FROM leases WHERE collection = ? AND consumer = ?), 0)`,
		collection, collection, consumer).Scan(&lag)
	if err != nil {
		return 0, fmt.Errorf("failed to compute change-stream lag: %w", err)
	}
	return lag, nil
}

// SweepBefore deletes documents whose recency is older than cutoff. For
// notifications only delivered entries are removed. Fully consumed change
// entries are pruned opportunistically on every sweep.
func (s *SQLite) SweepBefore(ctx context.Context, collection string, cutoff time.Time) (int64, error) {
	q := `DELETE FROM documents WHERE collection = ? AND recency < ?`
	args := []any{collection, cutoff.UnixNano()}
	if collection == ColNotifications {
		q += ` AND delivered = 1`
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep %s: %w", collection, err)
	}
	n, _ := res.RowsAffected()

	// Prune change entries every lease has moved past.
	_, err = s.db.ExecContext(ctx, `
	DELETE FROM changes WHERE seq <= (
		SELECT COALESCE(MIN(checkpoint), 0) FROM leases WHERE collection = changes.collection
	) AND EXISTS (SELECT 1 FROM leases WHERE collection = changes.collection)`)
	if err != nil {
		return n, fmt.Errorf("failed to prune change log: %w", err)
	}

	return n, nil
}

// DeadLetter records a poison message for the named consumer.
func (s *SQLite) DeadLetter(ctx context.Context, consumer, docID, reason string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (consumer, doc_id, reason, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		consumer, docID, reason, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}
	return nil
}

// AppendCost appends one LLM cost record to the cost log.
func (s *SQLite) AppendCost(ctx context.Context, rec CostRecordRow) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO cost_log (story_id, timestamp, model_id, input_tokens, output_tokens, cost_micro_usd, path)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.StoryID, rec.Timestamp, rec.ModelID, rec.InputTokens, rec.OutputTokens, rec.CostMicroUSD, rec.Path)
	if err != nil {
		return fmt.Errorf("failed to append cost record: %w", err)
	}
	return nil
}

// AppendSummaryAudit archives a superseded summary version.
func (s *SQLite) AppendSummaryAudit(ctx context.Context, storyID string, version int, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT OR IGNORE INTO summary_audit (story_id, version, payload, archived_at) VALUES (?, ?, ?, ?)`,
		storyID, version, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append summary audit: %w", err)
	}
	return nil
}
