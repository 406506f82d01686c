// Package config loads and validates the job service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/corpus-jobs/internal/provider"
	"github.com/JakeFAU/corpus-jobs/internal/readwise"
	"github.com/JakeFAU/corpus-jobs/internal/store"
)

// EnvPrefix prefixes every environment override, e.g. CORPUS_SERVER_PORT.
const EnvPrefix = "CORPUS"

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Retry     RetryConfig     `mapstructure:"retry"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Embed     EmbedConfig     `mapstructure:"embed"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Readwise  readwise.Config `mapstructure:"readwise"`
	Events    EventsConfig    `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Auth            AuthConfig    `mapstructure:"auth"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// KeepAlive is the idle interval of stream keep-alive frames.
	KeepAlive time.Duration `mapstructure:"keep_alive"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StorageConfig selects the job, corpus and artifact backends.
type StorageConfig struct {
	Jobs      string          `mapstructure:"jobs"`
	Corpus    string          `mapstructure:"corpus"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
}

// SQLiteConfig locates the shared SQLite database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls the Postgres job store pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ArtifactsConfig selects where digest documents are written.
type ArtifactsConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// RunnerConfig controls checkpointing and restart reconciliation.
type RunnerConfig struct {
	CheckpointEvery    int           `mapstructure:"checkpoint_every"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	ReconcileTo        string        `mapstructure:"reconcile_to"`
	StreamBuffer       int           `mapstructure:"stream_buffer"`
}

// RetryConfig is the default retry schedule plus per job type overrides.
type RetryConfig struct {
	RetrySchedule `mapstructure:",squash"`
	Jobs          map[string]RetrySchedule `mapstructure:"jobs"`
}

// RetrySchedule bounds attempts and backoff. Zero fields inherit.
type RetrySchedule struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	TransientAttempts int           `mapstructure:"transient_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
}

// RateLimitConfig tunes the adaptive per-target limiter.
type RateLimitConfig struct {
	MinDelay   time.Duration `mapstructure:"min_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
}

// DedupConfig overrides per-field merge policies.
type DedupConfig struct {
	FieldPolicies map[string]string `mapstructure:"field_policies"`
}

// PricingConfig points at an optional YAML price table.
type PricingConfig struct {
	Path string `mapstructure:"path"`
}

// ProvidersConfig configures the embedding and chat capabilities. An empty
// provider leaves the dependent job types unregistered.
type ProvidersConfig struct {
	Embed provider.Config `mapstructure:"embed"`
	Chat  provider.Config `mapstructure:"chat"`
}

// EmbedConfig sizes chunks and embedding batches.
type EmbedConfig struct {
	ChunkTokens int `mapstructure:"chunk_tokens"`
	BatchSize   int `mapstructure:"batch_size"`
}

// FetcherConfig controls fulltext fetching.
type FetcherConfig struct {
	UserAgent        string         `mapstructure:"user_agent"`
	Timeout          time.Duration  `mapstructure:"timeout"`
	MaxBytes         int64          `mapstructure:"max_bytes"`
	MinContentLength int            `mapstructure:"min_content_length"`
	Headless         HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the browser used for script-rendered domains.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
}

// EventsConfig tunes the event hub and terminal notifications.
type EventsConfig struct {
	BufferSize     int             `mapstructure:"buffer_size"`
	MaxBatchEvents int             `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration   `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration   `mapstructure:"sink_timeout"`
	Publisher      PublisherConfig `mapstructure:"publisher"`
}

// PublisherConfig selects where terminal job events are published.
type PublisherConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.api_key", "")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.keep_alive", "15s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("storage.jobs", BackendMemory)
	v.SetDefault("storage.corpus", BackendMemory)
	v.SetDefault("storage.sqlite.path", "data/corpus.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", "jobs")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.postgres.min_conns", 0)
	v.SetDefault("storage.postgres.max_conn_lifetime", "30m")
	v.SetDefault("storage.artifacts.backend", BackendMemory)
	v.SetDefault("storage.artifacts.base_dir", "data/artifacts")
	v.SetDefault("storage.artifacts.bucket", "")

	v.SetDefault("runner.checkpoint_every", 10)
	v.SetDefault("runner.checkpoint_interval", "5s")
	v.SetDefault("runner.reconcile_to", string(store.StatusFailed))
	v.SetDefault("runner.stream_buffer", 256)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.transient_attempts", 0)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "60s")

	v.SetDefault("ratelimit.min_delay", "2s")
	v.SetDefault("ratelimit.max_delay", "10s")
	v.SetDefault("ratelimit.multiplier", 1.5)

	v.SetDefault("pricing.path", "")

	v.SetDefault("providers.embed.provider", "")
	v.SetDefault("providers.embed.model", "text-embedding-3-small")
	v.SetDefault("providers.embed.api_key", "")
	v.SetDefault("providers.embed.base_url", "")
	v.SetDefault("providers.embed.dimension", 1536)
	v.SetDefault("providers.chat.provider", "")
	v.SetDefault("providers.chat.model", "gpt-4.1-mini")
	v.SetDefault("providers.chat.api_key", "")
	v.SetDefault("providers.chat.base_url", "")
	v.SetDefault("providers.chat.json", true)

	v.SetDefault("embed.chunk_tokens", 1000)
	v.SetDefault("embed.batch_size", 200)

	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (compatible; corpusjobs/1.0)")
	v.SetDefault("fetcher.timeout", "30s")
	v.SetDefault("fetcher.max_bytes", 10<<20)
	v.SetDefault("fetcher.min_content_length", 200)
	v.SetDefault("fetcher.headless.enabled", false)
	v.SetDefault("fetcher.headless.max_parallel", 1)
	v.SetDefault("fetcher.headless.navigation_timeout", "45s")
	v.SetDefault("fetcher.headless.settle_delay", "500ms")

	v.SetDefault("readwise.token", "")
	v.SetDefault("readwise.base_url", readwise.DefaultBaseURL)
	v.SetDefault("readwise.timeout", "30s")

	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait", "500ms")
	v.SetDefault("events.sink_timeout", "10s")
	v.SetDefault("events.publisher.backend", BackendNone)
	v.SetDefault("events.publisher.project_id", "")
	v.SetDefault("events.publisher.topic", "corpus-jobs")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.APIKey == "" {
		return fmt.Errorf("server.auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Jobs {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set when storage.jobs is postgres")
		}
	default:
		return fmt.Errorf("storage.jobs must be memory, sqlite or postgres, got %q", c.Storage.Jobs)
	}
	switch c.Storage.Corpus {
	case BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("storage.corpus must be memory or sqlite, got %q", c.Storage.Corpus)
	}
	if c.usesSQLite() && strings.TrimSpace(c.Storage.SQLite.Path) == "" {
		return fmt.Errorf("storage.sqlite.path must be set when a sqlite backend is selected")
	}
	switch c.Storage.Artifacts.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Artifacts.BaseDir == "" {
			return fmt.Errorf("storage.artifacts.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.Artifacts.Bucket == "" {
			return fmt.Errorf("storage.artifacts.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.artifacts.backend must be memory, local or gcs, got %q", c.Storage.Artifacts.Backend)
	}
	switch store.Status(c.Runner.ReconcileTo) {
	case store.StatusFailed, store.StatusPaused:
	default:
		return fmt.Errorf("runner.reconcile_to must be failed or paused, got %q", c.Runner.ReconcileTo)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	for name := range c.Retry.Jobs {
		if _, err := store.ParseJobType(name); err != nil {
			return fmt.Errorf("retry.jobs: %w", err)
		}
	}
	if c.RateLimit.MaxDelay < c.RateLimit.MinDelay {
		return fmt.Errorf("ratelimit.max_delay must be >= ratelimit.min_delay")
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if c.Fetcher.Headless.Enabled && c.Fetcher.Headless.MaxParallel <= 0 {
		return fmt.Errorf("fetcher.headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Events.Publisher.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.Events.Publisher.ProjectID == "" || c.Events.Publisher.Topic == "" {
			return fmt.Errorf("events.publisher.project_id and topic must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("events.publisher.backend must be none, memory or pubsub, got %q", c.Events.Publisher.Backend)
	}
	return nil
}

func (c Config) usesSQLite() bool {
	return c.Storage.Jobs == BackendSQLite || c.Storage.Corpus == BackendSQLite
}

// ScheduleFor returns the retry schedule of a job type with its overrides
// applied on top of the defaults.
func (c RetryConfig) ScheduleFor(jobType store.JobType) RetrySchedule {
	out := c.RetrySchedule
	o, ok := c.Jobs[string(jobType)]
	if !ok {
		return out
	}
	if o.MaxAttempts > 0 {
		out.MaxAttempts = o.MaxAttempts
	}
	if o.TransientAttempts > 0 {
		out.TransientAttempts = o.TransientAttempts
	}
	if o.BaseDelay > 0 {
		out.BaseDelay = o.BaseDelay
	}
	if o.MaxDelay > 0 {
		out.MaxDelay = o.MaxDelay
	}
	return out
}
