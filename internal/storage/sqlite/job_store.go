package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

const jobColumns = `id, job_type, status, params, cursor, items_total, items_done, items_failed,
	cost_usd, tokens_input, tokens_output, created_at, updated_at, last_error`

// JobStore implements store.JobRepository on SQLite.
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewJobStore wraps an opened database. A nil clock defaults to UTC wall time.
func NewJobStore(db *sql.DB, now func() time.Time) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &JobStore{db: db, now: now}, nil
}

// Create inserts a pending record; the partial unique index rejects a second active job.
func (s *JobStore) Create(ctx context.Context, id string, jobType store.JobType, params json.RawMessage) (store.Record, error) {
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
	cursor, err := json.Marshal(rec.Cursor)
	if err != nil {
		return store.Record{}, fmt.Errorf("marshal cursor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, status, params, cursor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Type), string(rec.Status), nullableJSON(rec.Params), string(cursor),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Record{}, store.ErrConflict
		}
		return store.Record{}, fmt.Errorf("insert job: %w", err)
	}
	return rec, nil
}

// Get loads one record.
func (s *JobStore) Get(ctx context.Context, id string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, fmt.Errorf("get job: %w", err)
	}
	return rec, nil
}

// Update reads, patches and writes the record inside one transaction.
func (s *JobStore) Update(ctx context.Context, id string, patch store.Patch) (store.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Record{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, fmt.Errorf("load job: %w", err)
	}
	next, err := patch.Apply(current, s.now())
	if err != nil {
		return store.Record{}, err
	}
	cursor, err := json.Marshal(next.Cursor)
	if err != nil {
		return store.Record{}, fmt.Errorf("marshal cursor: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, cursor = ?, items_total = ?, items_done = ?, items_failed = ?,
			cost_usd = ?, tokens_input = ?, tokens_output = ?, updated_at = ?, last_error = ?
		WHERE id = ?`,
		string(next.Status), string(cursor), next.ItemsTotal, next.ItemsDone, next.ItemsFailed,
		next.CostUSD, next.TokensInput, next.TokensOutput, formatTime(next.UpdatedAt), next.LastError,
		id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Record{}, store.ErrConflict
		}
		return store.Record{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return store.Record{}, fmt.Errorf("commit update: %w", err)
	}
	return next, nil
}

// ListRecent returns records newest-first.
func (s *JobStore) ListRecent(ctx context.Context, jobType store.JobType, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE (? = '' OR job_type = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, string(jobType), string(jobType), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// GetRunning returns the running record of the type.
func (s *JobStore) GetRunning(ctx context.Context, jobType store.JobType) (store.Record, error) {
	return s.first(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_type = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`, string(jobType), string(store.StatusRunning))
}

// GetResumable returns the latest paused or failed record of the type.
func (s *JobStore) GetResumable(ctx context.Context, jobType store.JobType) (store.Record, error) {
	return s.first(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_type = ? AND status IN (?, ?)
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		string(jobType), string(store.StatusPaused), string(store.StatusFailed))
}

// ListByStatus returns records in the statuses oldest-first.
func (s *JobStore) ListByStatus(ctx context.Context, statuses ...store.Status) ([]store.Record, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN (`+placeholders+`) ORDER BY created_at, rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectJobs(rows)
}

func (s *JobStore) first(ctx context.Context, query string, args ...any) (store.Record, error) {
	rec, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, fmt.Errorf("query job: %w", err)
	}
	return rec, nil
}

func collectJobs(rows *sql.Rows) ([]store.Record, error) {
	defer rows.Close()
	var out []store.Record
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return out, nil
}

func scanJob(row rowScanner) (store.Record, error) {
	var (
		rec                  store.Record
		jobType, status      string
		params               sql.NullString
		cursor               string
		total                sql.NullInt64
		createdAt, updatedAt string
		lastError            sql.NullString
	)
	err := row.Scan(
		&rec.ID, &jobType, &status, &params, &cursor, &total, &rec.ItemsDone, &rec.ItemsFailed,
		&rec.CostUSD, &rec.TokensInput, &rec.TokensOutput, &createdAt, &updatedAt, &lastError,
	)
	if err != nil {
		return store.Record{}, err
	}
	rec.Type = store.JobType(jobType)
	rec.Status = store.Status(status)
	if params.Valid && params.String != "" {
		rec.Params = json.RawMessage(params.String)
	}
	if err := json.Unmarshal([]byte(cursor), &rec.Cursor); err != nil {
		return store.Record{}, fmt.Errorf("decode cursor: %w", err)
	}
	rec.ItemsTotal = nullInt(total)
	rec.LastError = nullString(lastError)
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return store.Record{}, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return store.Record{}, err
	}
	return rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
