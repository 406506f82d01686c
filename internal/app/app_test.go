package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-jobs/internal/config"
	"github.com/JakeFAU/corpus-jobs/internal/retry"
	"github.com/JakeFAU/corpus-jobs/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Events.MaxBatchWait = 10 * time.Millisecond
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNewRegistersConfiguredJobTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []store.JobType
	}{
		{name: "defaults", mutate: func(*config.Config) {}, want: []store.JobType{store.JobFetch}},
		{name: "readwise token", mutate: func(c *config.Config) {
			c.Readwise.Token = "tok"
		}, want: []store.JobType{store.JobImport, store.JobFetch}},
		{name: "ollama embeddings", mutate: func(c *config.Config) {
			c.Providers.Embed.Provider = "ollama"
			c.Providers.Embed.Model = "nomic-embed-text"
		}, want: []store.JobType{store.JobFetch, store.JobEmbed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			tt.mutate(&cfg)
			a := newTestApp(t, cfg)
			require.Equal(t, tt.want, a.JobTypes())
		})
	}
}

func TestNewRejectsBadDedupPolicy(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Dedup.FieldPolicies = map[string]string{"title": "sometimes"}
	_, err := New(context.Background(), cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "dedup policies")
}

func TestFetchJobOverSQLite(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Jobs = config.BackendSQLite
	cfg.Storage.Corpus = config.BackendSQLite
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "corpus.db")
	a := newTestApp(t, cfg)

	n, err := a.Reconcile(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/fetch", nil))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		jobs, err := a.Manager().ListJobs(context.Background(), store.JobFetch, 1)
		return err == nil && len(jobs) == 1 && jobs[0].Status == store.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestClassifierPrefersExplicitClasses(t *testing.T) {
	t.Parallel()

	class, _ := classifier(retry.Client(errors.New("status 503 from upstream")))
	require.Equal(t, retry.ClassClient, class)

	class, _ = classifier(errors.New("429 Too Many Requests"))
	require.Equal(t, retry.ClassRateLimited, class)

	class, _ = classifier(errors.New("You exceeded your current quota (insufficient_quota)"))
	require.Equal(t, retry.ClassQuota, class)
}
