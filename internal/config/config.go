package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"newswire/internal/core"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration. It is built once at startup
// and passed by reference; nothing mutates it afterwards.
type Config struct {
	App       App                   `mapstructure:"app"`
	Store     Store                 `mapstructure:"store"`
	Poller    Poller                `mapstructure:"poller"`
	Cluster   Cluster               `mapstructure:"cluster"`
	Summarize Summarize             `mapstructure:"summarize"`
	Breaking  Breaking              `mapstructure:"breaking"`
	Server    Server                `mapstructure:"server"`
	Feeds     []core.FeedDescriptor `mapstructure:"feeds"`
}

// App holds general application configuration.
type App struct {
	LogLevel string `mapstructure:"log_level"`
	DataDir  string `mapstructure:"data_dir"`
}

// Store holds document store configuration.
type Store struct {
	Connection         string `mapstructure:"connection"`
	OpTimeoutSeconds   int    `mapstructure:"op_timeout_seconds"`
	ArticleTTLDays     int    `mapstructure:"article_ttl_days"`
	StoryRetentionDays int    `mapstructure:"story_retention_days"`
	SweepIntervalHours int    `mapstructure:"sweep_interval_hours"`
}

// OpTimeout returns the per-operation store timeout.
func (s Store) OpTimeout() time.Duration { return time.Duration(s.OpTimeoutSeconds) * time.Second }

// ArticleTTL returns how long articles are retained after publication.
func (s Store) ArticleTTL() time.Duration { return time.Duration(s.ArticleTTLDays) * 24 * time.Hour }

// StoryRetention returns how long stories are retained after last update.
func (s Store) StoryRetention() time.Duration {
	return time.Duration(s.StoryRetentionDays) * 24 * time.Hour
}

// SweepInterval returns how often the retention sweeper runs.
func (s Store) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalHours) * time.Hour
}

// Poller holds feed polling configuration. DenyPatterns are extra junk
// filters, regular expressions matched against entry titles on top of the
// built-in sponsored-content filter.
type Poller struct {
	Concurrency           int      `mapstructure:"concurrency"`
	TimeoutSeconds        int      `mapstructure:"timeout_seconds"`
	IntervalMinutes       int      `mapstructure:"interval_minutes"`
	BurstPerSecond        int      `mapstructure:"burst_per_second"`
	BreakerThreshold      int      `mapstructure:"circuit_breaker_threshold"`
	BreakerCooldownMins   int      `mapstructure:"circuit_breaker_cooldown_minutes"`
	BreakerCooldownCapMul int      `mapstructure:"circuit_breaker_cooldown_cap_multiplier"`
	UserAgent             string   `mapstructure:"user_agent"`
	QueueSize             int      `mapstructure:"queue_size"`
	DenyPatterns          []string `mapstructure:"deny_patterns"`
}

// Timeout returns the per-request feed fetch timeout.
func (p Poller) Timeout() time.Duration { return time.Duration(p.TimeoutSeconds) * time.Second }

// Interval returns the poll cycle interval.
func (p Poller) Interval() time.Duration { return time.Duration(p.IntervalMinutes) * time.Minute }

// BreakerCooldown returns the base circuit breaker cooldown.
func (p Poller) BreakerCooldown() time.Duration {
	return time.Duration(p.BreakerCooldownMins) * time.Minute
}

// Cluster holds clustering engine configuration.
type Cluster struct {
	FuzzyThreshold       float64             `mapstructure:"fuzzy_similarity_threshold"`
	EntityMatchFloor     float64             `mapstructure:"entity_match_floor"`
	EntityMatchMinShared int                 `mapstructure:"entity_match_min_shared"`
	RecencyWindowHours   int                 `mapstructure:"recency_window_hours"`
	CandidateLimit       int                 `mapstructure:"candidate_limit"`
	TagCap               int                 `mapstructure:"tag_cap"`
	TopicConflictSets    map[string][]string `mapstructure:"topic_conflict_sets"`
}

// RecencyWindow returns how far back matching candidates are considered.
func (c Cluster) RecencyWindow() time.Duration {
	return time.Duration(c.RecencyWindowHours) * time.Hour
}

// Summarize holds summarization orchestrator configuration.
type Summarize struct {
	Enabled              bool   `mapstructure:"enabled"`
	BatchIntervalMinutes int    `mapstructure:"batch_interval_minutes"`
	MinGapSeconds        int    `mapstructure:"min_gap_seconds"`
	Concurrency          int    `mapstructure:"llm_concurrency"`
	ModelID              string `mapstructure:"llm_model_id"`
	APIKey               string `mapstructure:"llm_api_key"`
	CallTimeoutSeconds   int    `mapstructure:"call_timeout_seconds"`
	BatchPollTimeoutHrs  int    `mapstructure:"batch_poll_timeout_hours"`
	MaxSources           int    `mapstructure:"max_sources"`
}

// BatchInterval returns the batch path tick interval.
func (s Summarize) BatchInterval() time.Duration {
	return time.Duration(s.BatchIntervalMinutes) * time.Minute
}

// MinGap returns the minimum gap between headline re-evaluations per story.
func (s Summarize) MinGap() time.Duration { return time.Duration(s.MinGapSeconds) * time.Second }

// CallTimeout returns the per-call LLM timeout.
func (s Summarize) CallTimeout() time.Duration {
	return time.Duration(s.CallTimeoutSeconds) * time.Second
}

// BatchPollTimeout returns the total time a batch is polled before abandon.
func (s Summarize) BatchPollTimeout() time.Duration {
	return time.Duration(s.BatchPollTimeoutHrs) * time.Hour
}

// Breaking holds breaking-news monitor configuration.
type Breaking struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
	WindowMinutes   int `mapstructure:"window_minutes"`
	SourceThreshold int `mapstructure:"source_threshold"`
	CooldownHours   int `mapstructure:"cooldown_hours"`
	ArchiveAgeDays  int `mapstructure:"archive_age_days"`
}

// Interval returns the monitor tick interval.
func (b Breaking) Interval() time.Duration { return time.Duration(b.IntervalMinutes) * time.Minute }

// Window returns the velocity detection window.
func (b Breaking) Window() time.Duration { return time.Duration(b.WindowMinutes) * time.Minute }

// Cooldown returns how long a BREAKING story idles before demotion.
func (b Breaking) Cooldown() time.Duration { return time.Duration(b.CooldownHours) * time.Hour }

// ArchiveAge returns how long a VERIFIED story idles before archival.
func (b Breaking) ArchiveAge() time.Duration {
	return time.Duration(b.ArchiveAgeDays) * 24 * time.Hour
}

// Server holds the operational HTTP surface configuration.
type Server struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Load loads the configuration from .env, an optional YAML file and the
// environment. It does not memoize; callers hold the returned pointer.
func Load(configFile string) (*Config, error) {
	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
		}
	}

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
		v.SetConfigName(".newswire")
		v.SetConfigType("yaml")
	}

	setDefaults(v)
	bindEnvironmentVariables(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := postProcessConfig(config); err != nil {
		return nil, fmt.Errorf("error post-processing config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// setDefaults sets default configuration values. Defaults track the
// documented pipeline defaults.
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.data_dir", ".newswire-data")

	// Store defaults
	v.SetDefault("store.connection", "")
	v.SetDefault("store.op_timeout_seconds", 10)
	v.SetDefault("store.article_ttl_days", 30)
	v.SetDefault("store.story_retention_days", 90)
	v.SetDefault("store.sweep_interval_hours", 6)

	// Poller defaults
	v.SetDefault("poller.concurrency", 10)
	v.SetDefault("poller.timeout_seconds", 30)
	v.SetDefault("poller.interval_minutes", 5)
	v.SetDefault("poller.burst_per_second", 5)
	v.SetDefault("poller.circuit_breaker_threshold", 3)
	v.SetDefault("poller.circuit_breaker_cooldown_minutes", 30)
	v.SetDefault("poller.circuit_breaker_cooldown_cap_multiplier", 8)
	v.SetDefault("poller.user_agent", "Newswire/1.0")
	v.SetDefault("poller.queue_size", 256)

	// Cluster defaults
	v.SetDefault("cluster.fuzzy_similarity_threshold", 0.70)
	v.SetDefault("cluster.entity_match_floor", 0.60)
	v.SetDefault("cluster.entity_match_min_shared", 3)
	v.SetDefault("cluster.recency_window_hours", 48)
	v.SetDefault("cluster.candidate_limit", 200)
	v.SetDefault("cluster.tag_cap", 24)

	// Summarize defaults
	v.SetDefault("summarize.enabled", true)
	v.SetDefault("summarize.batch_interval_minutes", 10)
	v.SetDefault("summarize.min_gap_seconds", 30)
	v.SetDefault("summarize.llm_concurrency", 4)
	v.SetDefault("summarize.llm_model_id", "gemini-flash-lite-latest")
	v.SetDefault("summarize.call_timeout_seconds", 60)
	v.SetDefault("summarize.batch_poll_timeout_hours", 6)
	v.SetDefault("summarize.max_sources", 10)

	// Breaking monitor defaults
	v.SetDefault("breaking.interval_minutes", 2)
	v.SetDefault("breaking.window_minutes", 30)
	v.SetDefault("breaking.source_threshold", 4)
	v.SetDefault("breaking.cooldown_hours", 4)
	v.SetDefault("breaking.archive_age_days", 7)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
}

// bindEnvironmentVariables sets up flexible environment variable binding.
func bindEnvironmentVariables(v *viper.Viper) {
	bindEnvKeys(v, "poller.concurrency", []string{"FEED_POLL_CONCURRENCY"})
	bindEnvKeys(v, "poller.timeout_seconds", []string{"FEED_TIMEOUT_SECONDS"})
	bindEnvKeys(v, "poller.circuit_breaker_threshold", []string{"CIRCUIT_BREAKER_THRESHOLD"})
	bindEnvKeys(v, "poller.circuit_breaker_cooldown_minutes", []string{"CIRCUIT_BREAKER_COOLDOWN_MINUTES"})

	bindEnvKeys(v, "cluster.fuzzy_similarity_threshold", []string{"FUZZY_SIMILARITY_THRESHOLD"})
	bindEnvKeys(v, "cluster.entity_match_floor", []string{"ENTITY_MATCH_FLOOR"})
	bindEnvKeys(v, "cluster.entity_match_min_shared", []string{"ENTITY_MATCH_MIN_SHARED"})

	bindEnvKeys(v, "breaking.window_minutes", []string{"BREAKING_WINDOW_MINUTES"})
	bindEnvKeys(v, "breaking.source_threshold", []string{"BREAKING_SOURCE_THRESHOLD"})
	bindEnvKeys(v, "breaking.cooldown_hours", []string{"BREAKING_COOLDOWN_HOURS"})
	bindEnvKeys(v, "breaking.archive_age_days", []string{"ARCHIVE_AGE_DAYS"})

	bindEnvKeys(v, "summarize.enabled", []string{"SUMMARIZATION_ENABLED"})
	bindEnvKeys(v, "summarize.batch_interval_minutes", []string{"SUMMARIZATION_BATCH_INTERVAL_MINUTES"})
	bindEnvKeys(v, "summarize.min_gap_seconds", []string{"SUMMARIZATION_MIN_GAP_SECONDS"})
	bindEnvKeys(v, "summarize.llm_concurrency", []string{"LLM_CONCURRENCY"})
	bindEnvKeys(v, "summarize.llm_model_id", []string{"LLM_MODEL_ID"})
	bindEnvKeys(v, "summarize.llm_api_key", []string{"LLM_API_KEY", "GEMINI_API_KEY", "GOOGLE_AI_API_KEY"})

	bindEnvKeys(v, "store.connection", []string{"STORE_CONNECTION"})
	bindEnvKeys(v, "store.article_ttl_days", []string{"ARTICLE_TTL_DAYS"})
	bindEnvKeys(v, "store.story_retention_days", []string{"STORY_RETENTION_DAYS"})
}

// bindEnvKeys binds multiple environment variable names to a config key.
func bindEnvKeys(v *viper.Viper, configKey string, envKeys []string) {
	for _, envKey := range envKeys {
		if value := os.Getenv(envKey); value != "" {
			v.Set(configKey, value)
			break
		}
	}
}

// postProcessConfig applies derived values after unmarshaling.
func postProcessConfig(config *Config) error {
	if config.Store.Connection == "" {
		config.Store.Connection = config.App.DataDir
	}

	if len(config.Cluster.TopicConflictSets) == 0 {
		config.Cluster.TopicConflictSets = defaultTopicConflictSets()
	}

	// TOPIC_CONFLICT_SETS carries the full set map as JSON and replaces
	// whatever the file configured.
	if raw := os.Getenv("TOPIC_CONFLICT_SETS"); raw != "" {
		sets := map[string][]string{}
		if err := json.Unmarshal([]byte(raw), &sets); err != nil {
			return fmt.Errorf("invalid TOPIC_CONFLICT_SETS: %w", err)
		}
		config.Cluster.TopicConflictSets = sets
	}

	// DENY_PATTERNS carries a comma-separated pattern list and replaces
	// whatever the file configured.
	if raw := os.Getenv("DENY_PATTERNS"); raw != "" {
		var patterns []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
		config.Poller.DenyPatterns = patterns
	}

	for i := range config.Feeds {
		if config.Feeds[i].CategoryHint == "" {
			config.Feeds[i].CategoryHint = core.CategoryTopStories
		}
	}

	return nil
}

// defaultTopicConflictSets enumerates the built-in incompatible keyword
// domains. Two titles dominated by different sets never cluster together.
func defaultTopicConflictSets() map[string][]string {
	return map[string][]string{
		"sports": {
			"championship", "tournament", "playoff", "league", "season",
			"coach", "quarterback", "goal", "touchdown", "inning", "match",
			"team", "wins", "defeat", "stadium", "olympics", "medal",
		},
		"tech": {
			"iphone", "android", "software", "startup", "app", "chip",
			"semiconductor", "algorithm", "cloud", "browser", "smartphone",
			"silicon", "api", "encryption", "gadget", "console",
		},
		"politics": {
			"senate", "congress", "parliament", "election", "ballot",
			"legislation", "minister", "governor", "campaign", "policy",
			"veto", "impeachment", "caucus", "referendum",
		},
		"entertainment": {
			"movie", "album", "celebrity", "premiere", "box office",
			"grammy", "oscar", "concert", "trailer", "sitcom", "streaming",
			"actress", "blockbuster",
		},
	}
}

// validateConfig checks required fields and value ranges.
func validateConfig(config *Config) error {
	if config.Poller.Concurrency < 1 {
		return fmt.Errorf("poller.concurrency must be at least 1")
	}
	if config.Cluster.FuzzyThreshold < 0 || config.Cluster.FuzzyThreshold > 1 {
		return fmt.Errorf("cluster.fuzzy_similarity_threshold must be in [0,1]")
	}
	if config.Cluster.EntityMatchFloor > config.Cluster.FuzzyThreshold {
		return fmt.Errorf("cluster.entity_match_floor must not exceed the fuzzy threshold")
	}
	if config.Summarize.Enabled && config.Summarize.APIKey == "" {
		return fmt.Errorf("summarization is enabled but no LLM API key is set (LLM_API_KEY)")
	}
	for _, pattern := range config.Poller.DenyPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid poller.deny_patterns entry %q: %w", pattern, err)
		}
	}

	seen := map[string]struct{}{}
	for _, fd := range config.Feeds {
		if fd.FeedID == "" || fd.FeedURL == "" || fd.SourceID == "" {
			return fmt.Errorf("feed descriptor requires feed_id, feed_url and source_id: %+v", fd)
		}
		if _, dup := seen[fd.FeedID]; dup {
			return fmt.Errorf("duplicate feed_id %q", fd.FeedID)
		}
		seen[fd.FeedID] = struct{}{}
	}

	return nil
}
