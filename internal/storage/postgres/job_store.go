// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/corpus-jobs/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const uniqueViolation = "23505"

// JobStoreConfig controls the Postgres connection pool used for job records.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// JobStore implements store.JobRepository on Postgres.
type JobStore struct {
	pool  pool
	table string
	now   func() time.Time
}

// NewJobStore connects a pool using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewJobStoreWithPool(p, cfg.Table, nil)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string, now func() time.Time) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &JobStore{pool: p, table: table, now: now}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the jobs table and its indexes when missing.
func (s *JobStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id            TEXT PRIMARY KEY,
	job_type      TEXT NOT NULL,
	status        TEXT NOT NULL,
	params        JSONB,
	cursor        JSONB NOT NULL DEFAULT '{}'::jsonb,
	items_total   BIGINT,
	items_done    BIGINT NOT NULL DEFAULT 0,
	items_failed  BIGINT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	tokens_input  BIGINT NOT NULL DEFAULT 0,
	tokens_output BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	last_error    TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_one_active_per_type
	ON %[1]s (job_type) WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS %[1]s_type_created ON %[1]s (job_type, created_at DESC);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate jobs table: %w", err)
	}
	return nil
}

func (s *JobStore) columns() string {
	return `id, job_type, status, params, cursor, items_total, items_done, items_failed,
	cost_usd, tokens_input, tokens_output, created_at, updated_at, last_error`
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
	var paramsArg []byte
	if len(params) > 0 {
		rec.Params = append(json.RawMessage(nil), params...)
		paramsArg = rec.Params
	}
	cursor, err := json.Marshal(rec.Cursor)
	if err != nil {
		return store.Record{}, fmt.Errorf("marshal cursor: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, job_type, status, params, cursor, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table)
	_, err = s.pool.Exec(ctx, query, id, string(jobType), string(store.StatusPending), paramsArg, cursor, now, now)
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
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, s.columns(), s.table)
	rec, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, fmt.Errorf("get job: %w", err)
	}
	return rec, nil
}

// Update locks the row, applies the patch and writes it back in one transaction.
func (s *JobStore) Update(ctx context.Context, id string, patch store.Patch) (store.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.Record{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, s.columns(), s.table)
	current, err := scanJob(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	update := fmt.Sprintf(`
UPDATE %s SET status = $1, cursor = $2, items_total = $3, items_done = $4, items_failed = $5,
	cost_usd = $6, tokens_input = $7, tokens_output = $8, updated_at = $9, last_error = $10
WHERE id = $11`, s.table)
	_, err = tx.Exec(ctx, update,
		string(next.Status), cursor, next.ItemsTotal, next.ItemsDone, next.ItemsFailed,
		next.CostUSD, next.TokensInput, next.TokensOutput, next.UpdatedAt, next.LastError, id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Record{}, store.ErrConflict
		}
		return store.Record{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Record{}, fmt.Errorf("commit update: %w", err)
	}
	return next, nil
}

// ListRecent returns records newest-first.
func (s *JobStore) ListRecent(ctx context.Context, jobType store.JobType, limit int) ([]store.Record, error) {
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE ($1 = '' OR job_type = $1)
ORDER BY created_at DESC, id DESC
LIMIT $2`, s.columns(), s.table)
	rows, err := s.pool.Query(ctx, query, string(jobType), limitArg)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// GetRunning returns the running record of the type.
func (s *JobStore) GetRunning(ctx context.Context, jobType store.JobType) (store.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE job_type = $1 AND status = $2
ORDER BY created_at DESC LIMIT 1`, s.columns(), s.table)
	return s.first(ctx, query, string(jobType), string(store.StatusRunning))
}

// GetResumable returns the latest paused or failed record of the type.
func (s *JobStore) GetResumable(ctx context.Context, jobType store.JobType) (store.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE job_type = $1 AND status IN ($2, $3)
ORDER BY created_at DESC, id DESC LIMIT 1`, s.columns(), s.table)
	return s.first(ctx, query, string(jobType), string(store.StatusPaused), string(store.StatusFailed))
}

// ListByStatus returns records in the statuses oldest-first.
func (s *JobStore) ListByStatus(ctx context.Context, statuses ...store.Status) ([]store.Record, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = ANY($1) ORDER BY created_at, id`,
		s.columns(), s.table)
	rows, err := s.pool.Query(ctx, query, names)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectJobs(rows)
}

func (s *JobStore) first(ctx context.Context, query string, args ...any) (store.Record, error) {
	rec, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Record{}, store.ErrNotFound
		}
		return store.Record{}, fmt.Errorf("query job: %w", err)
	}
	return rec, nil
}

func collectJobs(rows pgx.Rows) ([]store.Record, error) {
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

func scanJob(row pgx.Row) (store.Record, error) {
	var (
		rec             store.Record
		jobType, status string
		params, cursor  []byte
	)
	err := row.Scan(
		&rec.ID, &jobType, &status, &params, &cursor, &rec.ItemsTotal, &rec.ItemsDone, &rec.ItemsFailed,
		&rec.CostUSD, &rec.TokensInput, &rec.TokensOutput, &rec.CreatedAt, &rec.UpdatedAt, &rec.LastError,
	)
	if err != nil {
		return store.Record{}, err
	}
	rec.Type = store.JobType(jobType)
	rec.Status = store.Status(status)
	if len(params) > 0 {
		rec.Params = json.RawMessage(params)
	}
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &rec.Cursor); err != nil {
			return store.Record{}, fmt.Errorf("decode cursor: %w", err)
		}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
