//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	_ = os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "corpus",
				"POSTGRES_PASSWORD": "corpus",
				"POSTGRES_DB":       "corpus",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://corpus:corpus@%s:%s/corpus?sslmode=disable", host, port.Port())
}

func TestJobStoreAgainstPostgres(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	jobs, err := NewJobStore(ctx, JobStoreConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	defer jobs.Close()
	require.NoError(t, jobs.Migrate(ctx))

	_, err = jobs.Create(ctx, "job-1", store.JobImport, []byte(`{"since":"2024-01-01"}`))
	require.NoError(t, err)
	_, err = jobs.Create(ctx, "job-2", store.JobImport, nil)
	require.ErrorIs(t, err, store.ErrConflict)

	total := int64(10)
	done := int64(5)
	_, err = jobs.Update(ctx, "job-1", store.Patch{
		Status:     store.StatusPtr(store.StatusRunning),
		ItemsTotal: &total,
		ItemsDone:  &done,
		Cursor:     &store.Cursor{Phase: "reader", Position: "5"},
	})
	require.NoError(t, err)
	_, err = jobs.Update(ctx, "job-1", store.Patch{Status: store.StatusPtr(store.StatusPaused)})
	require.NoError(t, err)

	resumable, err := jobs.GetResumable(ctx, store.JobImport)
	require.NoError(t, err)
	require.Equal(t, "job-1", resumable.ID)
	require.Equal(t, "5", resumable.Cursor.Position)
	require.Equal(t, int64(5), resumable.ItemsDone)

	_, err = jobs.Create(ctx, "job-3", store.JobImport, nil)
	require.NoError(t, err)
	_, err = jobs.Update(ctx, "job-1", store.Patch{Status: store.StatusPtr(store.StatusRunning)})
	require.ErrorIs(t, err, store.ErrConflict)

	recent, err := jobs.ListRecent(ctx, store.JobImport, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	pending, err := jobs.ListByStatus(ctx, store.StatusPending, store.StatusRunning)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "job-3", pending[0].ID)
}
