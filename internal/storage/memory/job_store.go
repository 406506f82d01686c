// Package memory provides in-memory store implementations for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

// JobStore implements store.JobRepository with a mutex-guarded map. A single
// write lock serializes every mutation across jobs.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*jobEntry
	seq  int64
	now  func() time.Time
}

type jobEntry struct {
	rec store.Record
	seq int64
}

// NewJobStore constructs a JobStore. A nil clock defaults to UTC wall time.
func NewJobStore(now func() time.Time) *JobStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &JobStore{
		jobs: make(map[string]*jobEntry),
		now:  now,
	}
}

// Create stores a new pending record unless the job type is already active.
func (s *JobStore) Create(_ context.Context, id string, jobType store.JobType, params json.RawMessage) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return store.Record{}, fmt.Errorf("job %s already exists", id)
	}
	if s.activeLocked(jobType, "") {
		return store.Record{}, store.ErrConflict
	}
	now := s.now()
	rec := store.Record{
		ID:        id,
		Type:      jobType,
		Status:    store.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(params) > 0 {
		rec.Params = append(json.RawMessage(nil), params...)
	}
	s.seq++
	s.jobs[id] = &jobEntry{rec: rec, seq: s.seq}
	return rec.Clone(), nil
}

// Get returns a copy of the record.
func (s *JobStore) Get(_ context.Context, id string) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.jobs[id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return entry.rec.Clone(), nil
}

// Update applies the patch under the write lock.
func (s *JobStore) Update(_ context.Context, id string, patch store.Patch) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	if patch.Status != nil && patch.Status.Active() && s.activeLocked(entry.rec.Type, id) {
		return store.Record{}, store.ErrConflict
	}
	next, err := patch.Apply(entry.rec, s.now())
	if err != nil {
		return store.Record{}, err
	}
	entry.rec = next
	return next.Clone(), nil
}

// ListRecent returns records newest-first.
func (s *JobStore) ListRecent(_ context.Context, jobType store.JobType, limit int) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.sortedLocked(func(rec store.Record) bool {
		return jobType == "" || rec.Type == jobType
	})
	reverse(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return recordsOf(entries), nil
}

// GetRunning returns the running record for the type.
func (s *JobStore) GetRunning(_ context.Context, jobType store.JobType) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.jobs {
		if entry.rec.Type == jobType && entry.rec.Status == store.StatusRunning {
			return entry.rec.Clone(), nil
		}
	}
	return store.Record{}, store.ErrNotFound
}

// GetResumable returns the most recent paused or failed record for the type.
func (s *JobStore) GetResumable(_ context.Context, jobType store.JobType) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.sortedLocked(func(rec store.Record) bool {
		return rec.Type == jobType && (rec.Status == store.StatusPaused || rec.Status == store.StatusFailed)
	})
	if len(entries) == 0 {
		return store.Record{}, store.ErrNotFound
	}
	return entries[len(entries)-1].rec.Clone(), nil
}

// ListByStatus returns matching records oldest-first.
func (s *JobStore) ListByStatus(_ context.Context, statuses ...store.Status) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[store.Status]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	entries := s.sortedLocked(func(rec store.Record) bool {
		_, ok := want[rec.Status]
		return ok
	})
	return recordsOf(entries), nil
}

func (s *JobStore) activeLocked(jobType store.JobType, exceptID string) bool {
	for id, entry := range s.jobs {
		if id != exceptID && entry.rec.Type == jobType && entry.rec.Status.Active() {
			return true
		}
	}
	return false
}

func (s *JobStore) sortedLocked(keep func(store.Record) bool) []*jobEntry {
	out := make([]*jobEntry, 0, len(s.jobs))
	for _, entry := range s.jobs {
		if keep(entry.rec) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].rec.CreatedAt.Equal(out[j].rec.CreatedAt) {
			return out[i].rec.CreatedAt.Before(out[j].rec.CreatedAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func reverse(entries []*jobEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

func recordsOf(entries []*jobEntry) []store.Record {
	out := make([]store.Record, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.rec.Clone())
	}
	return out
}
