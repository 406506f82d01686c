// Package app initializes and holds long-lived application services, acting
// as the dependency injection container of the job service.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/corpus-jobs/internal/api"
	"github.com/JakeFAU/corpus-jobs/internal/clock/system"
	"github.com/JakeFAU/corpus-jobs/internal/config"
	"github.com/JakeFAU/corpus-jobs/internal/cost"
	"github.com/JakeFAU/corpus-jobs/internal/dedup"
	"github.com/JakeFAU/corpus-jobs/internal/fetcher"
	collyfetcher "github.com/JakeFAU/corpus-jobs/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/corpus-jobs/internal/fetcher/headless"
	"github.com/JakeFAU/corpus-jobs/internal/hash/sha256"
	"github.com/JakeFAU/corpus-jobs/internal/id/uuid"
	"github.com/JakeFAU/corpus-jobs/internal/metrics"
	"github.com/JakeFAU/corpus-jobs/internal/policy/ratelimit"
	"github.com/JakeFAU/corpus-jobs/internal/progress"
	"github.com/JakeFAU/corpus-jobs/internal/progress/sinks"
	"github.com/JakeFAU/corpus-jobs/internal/provider"
	memorypublisher "github.com/JakeFAU/corpus-jobs/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/corpus-jobs/internal/publisher/pubsub"
	"github.com/JakeFAU/corpus-jobs/internal/readwise"
	"github.com/JakeFAU/corpus-jobs/internal/retry"
	"github.com/JakeFAU/corpus-jobs/internal/runner"
	"github.com/JakeFAU/corpus-jobs/internal/storage/gcs"
	"github.com/JakeFAU/corpus-jobs/internal/storage/local"
	"github.com/JakeFAU/corpus-jobs/internal/storage/memory"
	"github.com/JakeFAU/corpus-jobs/internal/storage/postgres"
	"github.com/JakeFAU/corpus-jobs/internal/storage/sqlite"
	"github.com/JakeFAU/corpus-jobs/internal/store"
	"github.com/JakeFAU/corpus-jobs/internal/strategy"
)

const (
	userAgent = "corpusjobs/1.0"
	hashBytes = 16
)

// App holds the shared, long-lived services: stores, the event hub, the job
// manager and the HTTP server built over them. It is created once at startup
// and closed by the command that created it.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	jobs    store.JobRepository
	corpus  store.CorpusRepository
	hub     *progress.Hub
	manager *runner.Manager
	server  *api.Server
	types   []store.JobType

	registerer prometheus.Registerer
	closers    []func(ctx context.Context) error
}

// Option customizes App construction.
type Option func(*App)

// WithRegisterer registers job metrics on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Manager returns the job control surface.
func (a *App) Manager() *runner.Manager { return a.manager }

// Handler returns the HTTP handler of the control surface.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// JobTypes lists the job types whose dependencies are configured.
func (a *App) JobTypes() []store.JobType { return a.types }

// New builds every service from cfg. Job types whose external dependencies
// are not configured stay unregistered and are rejected by Start. It fails
// fast when a configured backend cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.build(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("jobs_backend", cfg.Storage.Jobs),
		zap.String("corpus_backend", cfg.Storage.Corpus),
		zap.Any("job_types", a.types),
	)
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	clock := system.New()

	if err := a.openStores(ctx); err != nil {
		return err
	}
	blobs, err := a.openArtifacts(ctx)
	if err != nil {
		return err
	}

	hubSinks, err := a.eventSinks(ctx)
	if err != nil {
		return err
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Events.BufferSize,
		MaxBatchEvents: cfg.Events.MaxBatchEvents,
		MaxBatchWait:   cfg.Events.MaxBatchWait,
		SinkTimeout:    cfg.Events.SinkTimeout,
		StreamBuffer:   cfg.Runner.StreamBuffer,
		Logger:         a.logger.Named("events"),
	}, hubSinks...)
	a.closers = append(a.closers, a.hub.Close)

	pricing, err := cost.LoadPricing(cfg.Pricing.Path)
	if err != nil {
		return fmt.Errorf("load pricing: %w", err)
	}
	policies, err := dedup.Override(cfg.Dedup.FieldPolicies)
	if err != nil {
		return fmt.Errorf("dedup policies: %w", err)
	}
	engine, err := dedup.NewEngine(a.corpus, sha256.New(hashBytes),
		dedup.WithPolicies(policies),
		dedup.WithClock(clock.Now),
		dedup.WithLogger(a.logger.Named("dedup")),
	)
	if err != nil {
		return fmt.Errorf("create dedup engine: %w", err)
	}

	opts := []runner.Option{
		runner.WithResolver(engine),
		runner.WithLimiter(ratelimit.New(ratelimit.Config{
			MinDelay:   cfg.RateLimit.MinDelay,
			MaxDelay:   cfg.RateLimit.MaxDelay,
			Multiplier: cfg.RateLimit.Multiplier,
		})),
		runner.WithPricing(pricing),
		runner.WithIDGenerator(uuid.New()),
		runner.WithClock(clock.Now),
		runner.WithLogger(a.logger.Named("runner")),
		runner.WithDefaultRetryPolicy(a.retryPolicy("")),
	}
	strategies, err := a.strategies(ctx, blobs, clock)
	if err != nil {
		return err
	}
	for _, jobType := range store.JobTypes {
		s, ok := strategies[jobType]
		if !ok {
			continue
		}
		a.types = append(a.types, jobType)
		opts = append(opts,
			runner.WithStrategy(jobType, s),
			runner.WithRetryPolicy(jobType, a.retryPolicy(jobType)),
		)
	}

	a.manager, err = runner.New(a.jobs, a.hub, runner.Config{
		CheckpointEvery:    cfg.Runner.CheckpointEvery,
		CheckpointInterval: cfg.Runner.CheckpointInterval,
		ReconcileTo:        store.Status(cfg.Runner.ReconcileTo),
	}, opts...)
	if err != nil {
		return fmt.Errorf("create job manager: %w", err)
	}

	apiKey := ""
	if cfg.Server.Auth.Enabled {
		apiKey = cfg.Server.Auth.APIKey
	}
	a.server = api.NewServer(a.manager, api.Options{
		APIKey:         apiKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		KeepAlive:      cfg.Server.KeepAlive,
		ReadyChecks: map[string]api.ReadyCheck{
			"jobs": func(ctx context.Context) error {
				_, err := a.jobs.ListRecent(ctx, "", 1)
				return err
			},
		},
		Logger: a.logger,
	})
	return nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.cfg.Storage
	var db *sql.DB
	if cfg.Jobs == config.BackendSQLite || cfg.Corpus == config.BackendSQLite {
		var err error
		db, err = sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		a.logger.Info("sqlite database opened", zap.String("path", cfg.SQLite.Path))
	}

	switch cfg.Jobs {
	case config.BackendSQLite:
		s, err := sqlite.NewJobStore(db, nil)
		if err != nil {
			return fmt.Errorf("create sqlite job store: %w", err)
		}
		a.jobs = s
	case config.BackendPostgres:
		s, err := postgres.NewJobStore(ctx, postgres.JobStoreConfig{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("create postgres job store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			s.Close()
			return nil
		})
		a.jobs = s
	default:
		a.jobs = memory.NewJobStore(nil)
	}

	switch cfg.Corpus {
	case config.BackendSQLite:
		s, err := sqlite.NewCorpusStore(db, nil)
		if err != nil {
			return fmt.Errorf("create sqlite corpus store: %w", err)
		}
		a.corpus = s
	default:
		a.corpus = memory.NewCorpusStore(nil)
	}
	return nil
}

func (a *App) openArtifacts(ctx context.Context) (store.BlobStore, error) {
	cfg := a.cfg.Storage.Artifacts
	switch cfg.Backend {
	case config.BackendLocal:
		s, err := local.New(cfg.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("create local artifact store: %w", err)
		}
		return s, nil
	case config.BackendGCS:
		client, err := gcsstorage.NewClient(ctx, option.WithUserAgent(userAgent))
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		s, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("create gcs artifact store: %w", err)
		}
		a.logger.Info("using gcs artifact store", zap.String("bucket", cfg.Bucket))
		return s, nil
	default:
		return memory.NewBlobStore(), nil
	}
}

func (a *App) eventSinks(ctx context.Context) ([]progress.Sink, error) {
	out := []progress.Sink{sinks.NewLogSink(a.logger.Named("events"))}
	prom, err := sinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return nil, fmt.Errorf("register job metrics: %w", err)
	}
	out = append(out, prom)

	cfg := a.cfg.Events.Publisher
	switch cfg.Backend {
	case config.BackendMemory:
		out = append(out, sinks.NewPublisherSink(memorypublisher.New(), cfg.Topic, a.logger.Named("publisher")))
	case config.BackendPubSub:
		pub, err := pubsubpublisher.New(ctx, cfg.ProjectID, cfg.Topic, option.WithUserAgent(userAgent))
		if err != nil {
			return nil, fmt.Errorf("create pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
		out = append(out, sinks.NewPublisherSink(pub, cfg.Topic, a.logger.Named("publisher")))
	}
	return out, nil
}

func (a *App) strategies(ctx context.Context, blobs store.BlobStore, clock *system.Clock) (map[store.JobType]runner.Strategy, error) {
	cfg := a.cfg
	out := make(map[store.JobType]runner.Strategy, len(store.JobTypes))

	if cfg.Readwise.Token != "" {
		client, err := readwise.New(cfg.Readwise, nil)
		if err != nil {
			return nil, fmt.Errorf("create readwise client: %w", err)
		}
		s, err := strategy.NewImport(client)
		if err != nil {
			return nil, err
		}
		out[store.JobImport] = s
	} else {
		a.logger.Warn("readwise token not configured; import jobs disabled")
	}

	f, err := a.contentFetcher(ctx)
	if err != nil {
		return nil, err
	}
	fetch, err := strategy.NewFetch(a.corpus, f)
	if err != nil {
		return nil, err
	}
	out[store.JobFetch] = fetch

	if cfg.Providers.Embed.Provider != "" {
		embedder, err := provider.NewEmbedder(cfg.Providers.Embed, a.logger.Named("embedder"))
		if err != nil {
			return nil, fmt.Errorf("create embedder: %w", err)
		}
		s, err := strategy.NewEmbed(a.corpus, embedder,
			strategy.WithChunkTokens(cfg.Embed.ChunkTokens),
			strategy.WithEmbedBatch(cfg.Embed.BatchSize),
		)
		if err != nil {
			return nil, err
		}
		out[store.JobEmbed] = s
	} else {
		a.logger.Warn("embedding provider not configured; embed jobs disabled")
	}

	if cfg.Providers.Chat.Provider != "" {
		generator, err := provider.NewGenerator(cfg.Providers.Chat)
		if err != nil {
			return nil, fmt.Errorf("create chat generator: %w", err)
		}
		s, err := strategy.NewDigest(a.corpus, generator,
			strategy.WithDigestClock(clock.Now),
			strategy.WithArtifacts(blobs),
		)
		if err != nil {
			return nil, err
		}
		out[store.JobDigest] = s
	} else {
		a.logger.Warn("chat provider not configured; digest jobs disabled")
	}
	return out, nil
}

func (a *App) contentFetcher(context.Context) (*fetcher.Fetcher, error) {
	cfg := a.cfg.Fetcher
	transport := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
		MaxBytes:  int(cfg.MaxBytes),
	}, nil)
	opts := []fetcher.Option{fetcher.WithLogger(a.logger.Named("fetcher"))}
	if cfg.Headless.Enabled {
		browser, err := headlessfetcher.New(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.Headless.NavigationTimeout,
			SettleDelay:       cfg.Headless.SettleDelay,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed; script-rendered domains will fail", zap.Error(err))
		} else {
			a.closers = append(a.closers, func(context.Context) error {
				browser.Close()
				return nil
			})
			opts = append(opts, fetcher.WithHeadless(browser))
		}
	}
	f, err := fetcher.New(fetcher.Config{
		MinContentLength: cfg.MinContentLength,
		MaxBytes:         cfg.MaxBytes,
	}, transport, opts...)
	if err != nil {
		return nil, fmt.Errorf("create content fetcher: %w", err)
	}
	return f, nil
}

// retryPolicy builds the retry schedule of a job type. The empty type gives
// the default schedule.
func (a *App) retryPolicy(jobType store.JobType) retry.Policy {
	sched := a.cfg.Retry.ScheduleFor(jobType)
	p := retry.DefaultPolicy()
	p.MaxAttempts = sched.MaxAttempts
	p.TransientAttempts = sched.TransientAttempts
	if sched.BaseDelay > 0 {
		p.BaseDelay = sched.BaseDelay
	}
	if sched.MaxDelay > 0 {
		p.MaxDelay = sched.MaxDelay
	}
	p.Classify = classifier
	p.Logger = a.logger.Named("retry")
	label := string(jobType)
	if label == "" {
		label = "default"
	}
	p.OnRetry = func(class retry.Class, _ int, _ time.Duration) {
		metrics.ObserveRetry(label, string(class))
	}
	return p
}

// classifier prefers explicit classifications and falls back to the
// provider message heuristics for unclassified errors.
func classifier(err error) (retry.Class, time.Duration) {
	var tagged *retry.Error
	var classified retry.Classified
	if errors.As(err, &tagged) || errors.As(err, &classified) {
		return retry.DefaultClassifier(err)
	}
	return provider.Classify(err), 0
}

// Reconcile settles records left running by a previous process.
func (a *App) Reconcile(ctx context.Context) (int, error) {
	n, err := a.manager.Reconcile(ctx)
	if err != nil {
		return n, fmt.Errorf("reconcile jobs: %w", err)
	}
	return n, nil
}

// Shutdown pauses live runs, then releases every service.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pause live runs: %w", err))
		}
	}
	a.Close(ctx)
	return errors.Join(errs...)
}

// Close releases services in reverse order of creation.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	// Sync errors on stderr/stdout are expected on some platforms.
	_ = a.logger.Sync()
}
