package core

import "time"

// Category classifies an article or story. The set is closed; anything the
// categorizer cannot place falls back to CategoryTopStories.
type Category string

const (
	CategoryPolitics      Category = "politics"
	CategoryBusiness      Category = "business"
	CategoryTech          Category = "tech"
	CategoryScience       Category = "science"
	CategoryHealth        Category = "health"
	CategorySports        Category = "sports"
	CategoryEntertainment Category = "entertainment"
	CategoryWorld         Category = "world"
	CategoryEnvironment   Category = "environment"
	CategoryTopStories    Category = "top_stories"
	CategoryOther         Category = "other"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryPolitics, CategoryBusiness, CategoryTech, CategoryScience,
	CategoryHealth, CategorySports, CategoryEntertainment, CategoryWorld,
	CategoryEnvironment, CategoryTopStories, CategoryOther,
}

// Status is the verification lifecycle of a story.
type Status string

const (
	StatusMonitoring Status = "MONITORING"
	StatusDeveloping Status = "DEVELOPING"
	StatusVerified   Status = "VERIFIED"
	StatusBreaking   Status = "BREAKING"
	StatusArchived   Status = "ARCHIVED"
)

// CanTransition reports whether a status change follows the allowed graph:
// forward MONITORING→DEVELOPING→VERIFIED, BREAKING reachable only from
// VERIFIED, plus the demotions BREAKING→VERIFIED and VERIFIED→ARCHIVED.
// Skipping DEVELOPING is allowed when a burst of sources lands at once.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusMonitoring:
		return to == StatusDeveloping || to == StatusVerified
	case StatusDeveloping:
		return to == StatusVerified
	case StatusVerified:
		return to == StatusBreaking || to == StatusArchived
	case StatusBreaking:
		return to == StatusVerified
	}
	return false
}

// EntityType classifies an extracted named entity.
type EntityType string

const (
	EntityPerson   EntityType = "PERSON"
	EntityOrg      EntityType = "ORG"
	EntityLocation EntityType = "LOCATION"
	EntityOther    EntityType = "OTHER"
)

// Entity is a named entity extracted from article text.
type Entity struct {
	Text string     `json:"text"` // Entity surface text as first seen
	Type EntityType `json:"type"` // PERSON, ORG, LOCATION or OTHER
}

// Article is one publisher's rendering of an event. Articles are immutable
// after ingest except for ClusterID, which the clustering engine sets.
type Article struct {
	ArticleID   string    `json:"article_id"`           // Deterministic id from (source_id, url, published_at)
	SourceID    string    `json:"source_id"`            // Stable publisher identifier (e.g. "bbc")
	Title       string    `json:"title"`                // Cleaned title
	Description string    `json:"description"`          // Cleaned description/summary
	Content     string    `json:"content,omitempty"`    // Cleaned full content when the feed carries it
	ArticleURL  string    `json:"article_url"`          // Canonical article URL
	ImageURL    string    `json:"image_url,omitempty"`  // Lead image, if any
	PublishedAt time.Time `json:"published_at"`         // Publisher timestamp (UTC)
	IngestedAt  time.Time `json:"ingested_at"`          // When the normalizer persisted it (UTC)
	Category    Category  `json:"category"`             // Closed category enum
	Entities    []Entity  `json:"entities"`             // Ordered, deduped named entities
	Fingerprint string    `json:"fingerprint"`          // Short stable clustering hash
	ClusterID   string    `json:"cluster_id,omitempty"` // Story this article was attached to
}

// SourceRef is the compact view of an article embedded in a story.
type SourceRef struct {
	ArticleID   string    `json:"article_id"`
	SourceID    string    `json:"source_id"`
	PublishedAt time.Time `json:"published_at"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
}

// Summary is the current AI summary attached to a story.
type Summary struct {
	Text           string    `json:"text"`                      // Summary body
	Version        int       `json:"version"`                   // Strictly increasing per story
	WordCount      int       `json:"word_count"`                // Words in Text
	GeneratedAt    time.Time `json:"generated_at"`              // When this version was written
	ModelID        string    `json:"model_id"`                  // Model that produced it ("extractive" for fallback)
	CostMicroUSD   int64     `json:"cost_micro_usd"`            // Cost of the producing call
	FallbackReason string    `json:"fallback_reason,omitempty"` // Set when Text is an extractive fallback
}

// Story is an evolving multi-source cluster of articles about one event.
type Story struct {
	StoryID           string      `json:"story_id"`
	Title             string      `json:"title"`       // Current headline; may be rewritten over time
	Category          Category    `json:"category"`    // Acts as partition key
	Fingerprint       string      `json:"fingerprint"` // Founding article's fingerprint, primary cluster key
	Status            Status      `json:"status"`
	VerificationLevel int         `json:"verification_level"` // Distinct sources attached
	SourceArticles    []SourceRef `json:"source_articles"`    // At most one entry per source_id
	Tags              []string    `json:"tags"`               // Deduped union of article entities, bounded
	Summary           *Summary    `json:"summary,omitempty"`
	FirstSeen         time.Time   `json:"first_seen"`
	LastUpdated       time.Time   `json:"last_updated"`
	ImportanceScore   float64     `json:"importance_score"` // 0-10
	BreakingSentAt    *time.Time  `json:"breaking_news_sent_at,omitempty"`
	BreakingEpisode   int         `json:"breaking_episode"` // Increments on each promotion to BREAKING
	Etag              string      `json:"-"`                // Store-issued optimistic concurrency token
}

// HasSource reports whether a source is already represented on the story.
func (s *Story) HasSource(sourceID string) bool {
	for _, ref := range s.SourceArticles {
		if ref.SourceID == sourceID {
			return true
		}
	}
	return false
}

// DistinctSources counts distinct source ids among the story's references.
func (s *Story) DistinctSources() int {
	seen := make(map[string]struct{}, len(s.SourceArticles))
	for _, ref := range s.SourceArticles {
		seen[ref.SourceID] = struct{}{}
	}
	return len(seen)
}

// SourcesAddedSince counts distinct sources whose reference was published
// after the cutoff. The breaking monitor uses this for velocity.
func (s *Story) SourcesAddedSince(cutoff time.Time) int {
	seen := make(map[string]struct{})
	for _, ref := range s.SourceArticles {
		if ref.PublishedAt.After(cutoff) {
			seen[ref.SourceID] = struct{}{}
		}
	}
	return len(seen)
}

// FeedDescriptor is the static configuration of one feed to poll.
type FeedDescriptor struct {
	FeedID           string   `json:"feed_id" mapstructure:"feed_id"`
	FeedURL          string   `json:"feed_url" mapstructure:"feed_url"`
	SourceID         string   `json:"source_id" mapstructure:"source_id"`
	CategoryHint     Category `json:"category_hint" mapstructure:"category_hint"`
	PollIntervalHint string   `json:"poll_interval_hint,omitempty" mapstructure:"poll_interval_hint"`
}

// FeedPollState is the per-feed polling state. It lives in its own
// collection, never mixed with stories.
type FeedPollState struct {
	FeedID              string     `json:"feed_id"`
	FeedURL             string     `json:"feed_url"`
	LastETag            string     `json:"last_etag,omitempty"`
	LastModified        string     `json:"last_modified,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CircuitOpenUntil    *time.Time `json:"circuit_open_until,omitempty"`
	CircuitBreaks       int        `json:"circuit_breaks"` // Total times the circuit has opened
	LastPolledAt        time.Time  `json:"last_polled_at"`
	LastSuccessAt       time.Time  `json:"last_success_at"`
	Etag                string     `json:"-"`
}

// NotificationPayload is the content of a queued breaking-news notification.
type NotificationPayload struct {
	Title       string   `json:"title"`
	Category    Category `json:"category"`
	SourceCount int      `json:"source_count"`
}

// NotificationQueueEntry is a queued breaking-news notification. The
// (story_id, episode) pair guards at-most-once delivery per episode.
type NotificationQueueEntry struct {
	ID          string              `json:"id"`
	StoryID     string              `json:"story_id"`
	Episode     int                 `json:"episode"`
	QueuedAt    time.Time           `json:"queued_at"`
	DeliveredAt *time.Time          `json:"delivered_at,omitempty"`
	Payload     NotificationPayload `json:"payload"`
}

// CostRecord is one line in the LLM cost log.
type CostRecord struct {
	StoryID      string    `json:"story_id"`
	Timestamp    time.Time `json:"timestamp"`
	ModelID      string    `json:"model_id"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostMicroUSD int64     `json:"cost_micro_usd"`
	Path         string    `json:"path"` // "realtime" or "batch"
}
