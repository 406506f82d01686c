package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

func steppingClock() func() time.Time {
	now := time.Unix(1700000000, 0).UTC()
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	jobs := NewJobStore(steppingClock())
	ctx := context.Background()

	rec, err := jobs.Create(ctx, "job-1", store.JobImport, json.RawMessage(`{"limit":5}`))
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, rec.Status)
	require.JSONEq(t, `{"limit":5}`, string(rec.Params))

	_, err = jobs.Create(ctx, "job-2", store.JobImport, nil)
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = jobs.Create(ctx, "job-3", store.JobFetch, nil)
	require.NoError(t, err, "other job types are independent")

	total := int64(10)
	done := int64(4)
	running, err := jobs.Update(ctx, "job-1", store.Patch{
		Status:     store.StatusPtr(store.StatusRunning),
		ItemsTotal: &total,
		ItemsDone:  &done,
		Cursor:     &store.Cursor{Phase: "reader", Position: "4"},
	})
	require.NoError(t, err)
	require.True(t, running.UpdatedAt.After(rec.UpdatedAt))

	got, err := jobs.GetRunning(ctx, store.JobImport)
	require.NoError(t, err)
	require.Equal(t, "4", got.Cursor.Position)

	_, err = jobs.Update(ctx, "job-1", store.Patch{Status: store.StatusPtr(store.StatusPending)})
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	tooMany := int64(11)
	_, err = jobs.Update(ctx, "job-1", store.Patch{ItemsDone: &tooMany})
	require.ErrorIs(t, err, store.ErrInvalidRecord)

	_, err = jobs.Update(ctx, "job-1", store.Patch{Status: store.StatusPtr(store.StatusPaused)})
	require.NoError(t, err)

	_, err = jobs.Create(ctx, "job-4", store.JobImport, nil)
	require.NoError(t, err, "paused jobs do not block new starts")

	_, err = jobs.Update(ctx, "job-1", store.Patch{Status: store.StatusPtr(store.StatusRunning)})
	require.ErrorIs(t, err, store.ErrConflict, "resume is blocked while another import is active")

	_, err = jobs.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestJobStoreListings(t *testing.T) {
	t.Parallel()

	jobs := NewJobStore(steppingClock())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := jobs.Create(ctx, id, store.JobEmbed, nil)
		require.NoError(t, err)
		_, err = jobs.Update(ctx, id, store.Patch{Status: store.StatusPtr(store.StatusRunning)})
		require.NoError(t, err)
		final := store.StatusCompleted
		if id == "b" {
			final = store.StatusFailed
		}
		_, err = jobs.Update(ctx, id, store.Patch{Status: &final})
		require.NoError(t, err)
	}

	recent, err := jobs.ListRecent(ctx, store.JobEmbed, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "c", recent[0].ID)
	require.Equal(t, "b", recent[1].ID)

	resumable, err := jobs.GetResumable(ctx, store.JobEmbed)
	require.NoError(t, err)
	require.Equal(t, "b", resumable.ID)

	_, err = jobs.GetResumable(ctx, store.JobDigest)
	require.ErrorIs(t, err, store.ErrNotFound)

	failed, err := jobs.ListByStatus(ctx, store.StatusFailed, store.StatusRunning)
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestJobStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	jobs := NewJobStore(nil)
	ctx := context.Background()
	_, err := jobs.Create(ctx, "job-1", store.JobDigest, nil)
	require.NoError(t, err)
	_, err = jobs.Update(ctx, "job-1", store.Patch{Cursor: &store.Cursor{State: json.RawMessage(`{"a":1}`)}})
	require.NoError(t, err)

	rec, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	rec.Cursor.State[2] = 'b'

	again, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(again.Cursor.State))
}
