package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Runner.CheckpointEvery != 10 || cfg.Runner.CheckpointInterval != 5*time.Second {
		t.Fatalf("unexpected runner defaults: %+v", cfg.Runner)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxDelay != time.Minute {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.RateLimit.MinDelay != 2*time.Second || cfg.RateLimit.MaxDelay != 10*time.Second || cfg.RateLimit.Multiplier != 1.5 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Fetcher.Timeout != 30*time.Second || cfg.Fetcher.MaxBytes != 10<<20 || cfg.Fetcher.MinContentLength != 200 {
		t.Fatalf("unexpected fetcher defaults: %+v", cfg.Fetcher)
	}
	if cfg.Storage.Jobs != BackendMemory || cfg.Storage.Artifacts.Backend != BackendMemory {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Providers.Embed.Model != "text-embedding-3-small" || cfg.Providers.Chat.Model != "gpt-4.1-mini" {
		t.Fatalf("unexpected provider defaults: %+v", cfg.Providers)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  auth:
    enabled: true
    api_key: secret
storage:
  jobs: sqlite
  corpus: sqlite
  sqlite:
    path: /tmp/corpus.db
  artifacts:
    backend: gcs
    bucket: digests
runner:
  checkpoint_every: 25
  reconcile_to: paused
retry:
  max_attempts: 3
  jobs:
    fetch:
      max_attempts: 1
    embed:
      max_delay: 2m
dedup:
  field_policies:
    title: authoritative
providers:
  embed:
    provider: ollama
    model: nomic-embed-text
    dimension: 768
events:
  publisher:
    backend: pubsub
    project_id: proj
    topic: jobs
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 || !cfg.Server.Auth.Enabled || cfg.Server.Auth.APIKey != "secret" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.Jobs != BackendSQLite || cfg.Storage.SQLite.Path != "/tmp/corpus.db" {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Runner.CheckpointEvery != 25 || cfg.Runner.ReconcileTo != "paused" {
		t.Fatalf("unexpected runner config: %+v", cfg.Runner)
	}
	if cfg.Dedup.FieldPolicies["title"] != "authoritative" {
		t.Fatalf("unexpected dedup config: %+v", cfg.Dedup)
	}
	if cfg.Providers.Embed.Provider != "ollama" || cfg.Providers.Embed.Dimension != 768 {
		t.Fatalf("unexpected embed provider: %+v", cfg.Providers.Embed)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}

	fetch := cfg.Retry.ScheduleFor(store.JobFetch)
	if fetch.MaxAttempts != 1 || fetch.BaseDelay != time.Second {
		t.Fatalf("unexpected fetch schedule: %+v", fetch)
	}
	embed := cfg.Retry.ScheduleFor(store.JobEmbed)
	if embed.MaxAttempts != 3 || embed.MaxDelay != 2*time.Minute {
		t.Fatalf("unexpected embed schedule: %+v", embed)
	}
	digest := cfg.Retry.ScheduleFor(store.JobDigest)
	if digest.MaxAttempts != 3 || digest.MaxDelay != time.Minute {
		t.Fatalf("unexpected digest schedule: %+v", digest)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CORPUS_SERVER_PORT", "7070")
	t.Setenv("CORPUS_READWISE_TOKEN", "tok")
	t.Setenv("CORPUS_RUNNER_CHECKPOINT_INTERVAL", "2s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port, got %d", cfg.Server.Port)
	}
	if cfg.Readwise.Token != "tok" {
		t.Fatalf("expected env token, got %q", cfg.Readwise.Token)
	}
	if cfg.Runner.CheckpointInterval != 2*time.Second {
		t.Fatalf("expected env interval, got %s", cfg.Runner.CheckpointInterval)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth without key", mutate: func(c *Config) { c.Server.Auth.Enabled = true }, want: "api_key"},
		{name: "jobs backend", mutate: func(c *Config) { c.Storage.Jobs = "mysql" }, want: "storage.jobs"},
		{name: "postgres dsn", mutate: func(c *Config) { c.Storage.Jobs = BackendPostgres }, want: "storage.postgres.dsn"},
		{name: "corpus backend", mutate: func(c *Config) { c.Storage.Corpus = BackendPostgres }, want: "storage.corpus"},
		{name: "sqlite path", mutate: func(c *Config) {
			c.Storage.Corpus = BackendSQLite
			c.Storage.SQLite.Path = ""
		}, want: "storage.sqlite.path"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Artifacts.Backend = BackendGCS }, want: "bucket"},
		{name: "reconcile status", mutate: func(c *Config) { c.Runner.ReconcileTo = "completed" }, want: "reconcile_to"},
		{name: "retry override type", mutate: func(c *Config) {
			c.Retry.Jobs = map[string]RetrySchedule{"crawl": {MaxAttempts: 1}}
		}, want: "retry.jobs"},
		{name: "rate limit bounds", mutate: func(c *Config) { c.RateLimit.MaxDelay = time.Second }, want: "ratelimit"},
		{name: "headless parallel", mutate: func(c *Config) {
			c.Fetcher.Headless.Enabled = true
			c.Fetcher.Headless.MaxParallel = 0
		}, want: "max_parallel"},
		{name: "pubsub topic", mutate: func(c *Config) { c.Events.Publisher.Backend = BackendPubSub }, want: "project_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Retry.Jobs = nil
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
