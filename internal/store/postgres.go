package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fableforge/fableforge/internal/job"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id        TEXT PRIMARY KEY,
	job_type      TEXT NOT NULL,
	status        TEXT NOT NULL,
	input_data    JSONB NOT NULL DEFAULT '{}'::jsonb,
	result_data   JSONB,
	progress      INT NOT NULL DEFAULT 0,
	current_step  TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	retry_count   INT NOT NULL DEFAULT 0,
	user_id       TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs (user_id) WHERE user_id <> '';
`

const jobColumns = `job_id, job_type, status, input_data, result_data, progress,
	current_step, error_message, retry_count, user_id, created_at, started_at, completed_at`

// Postgres is the shared multi-region job store.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres wraps an open sqlx connection and ensures the jobs table exists.
func NewPostgres(db *sqlx.DB, logger *slog.Logger) (*Postgres, error) {
	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure jobs schema: %w", err)
	}
	return &Postgres{db: db, logger: logger}, nil
}

func (s *Postgres) Insert(ctx context.Context, j *job.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, job_type, status, input_data, progress,
			retry_count, user_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.Type, j.Status, []byte(j.InputData), j.Progress,
		j.RetryCount, j.UserID, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`
	if err := s.db.GetContext(ctx, &j, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &j, nil
}

func (s *Postgres) ListPending(ctx context.Context, f Filter, limit int) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1`
	args := []interface{}{job.StatusPending}
	argIdx := 2

	if f.Type != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, f.Type)
		argIdx++
	}
	if f.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, f.UserID)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", argIdx)
	args = append(args, limit)

	var jobs []*job.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	return jobs, nil
}

func (s *Postgres) List(ctx context.Context, q ListQuery) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []interface{}
	argIdx := 1

	if q.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, q.Status)
		argIdx++
	}
	if q.Type != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, q.Type)
		argIdx++
	}
	if q.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, q.UserID)
		argIdx++
	}
	if q.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, q.Cursor.CreatedAt, q.Cursor.JobID)
		argIdx += 2
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, job_id DESC LIMIT $%d", argIdx)
	args = append(args, q.PageSize+1)

	var jobs []*job.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Postgres) ListProcessing(ctx context.Context, limit int) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY started_at ASC LIMIT $2`
	var jobs []*job.Job
	if err := s.db.SelectContext(ctx, &jobs, query, job.StatusProcessing, limit); err != nil {
		return nil, fmt.Errorf("failed to list processing jobs: %w", err)
	}
	return jobs, nil
}

// Claim uses a conditional update so only one worker can win the
// PENDING -> PROCESSING transition. started_at is stamped only on the
// first claim; a retried job keeps its original start time.
func (s *Postgres) Claim(ctx context.Context, id string) (*job.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    started_at = COALESCE(started_at, NOW())
		WHERE job_id = $2
		  AND status = $3
		RETURNING ` + jobColumns
	var j job.Job
	err := s.db.GetContext(ctx, &j, query, job.StatusProcessing, id, job.StatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.classifyMiss(ctx, id, job.ErrAlreadyClaimed)
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return &j, nil
}

func (s *Postgres) UpdateProgress(ctx context.Context, id string, progress int, step string) error {
	query := `
		UPDATE jobs
		SET progress = GREATEST(progress, $1),
		    current_step = $2
		WHERE job_id = $3
		  AND status = $4
	`
	res, err := s.db.ExecContext(ctx, query, progress, step, id, job.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return s.requireRow(ctx, res, id)
}

func (s *Postgres) Complete(ctx context.Context, id string, result []byte) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    progress = 100,
		    result_data = $2,
		    current_step = '',
		    completed_at = NOW()
		WHERE job_id = $3
		  AND status = $4
	`
	res, err := s.db.ExecContext(ctx, query, job.StatusCompleted, result, id, job.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return s.requireRow(ctx, res, id)
}

func (s *Postgres) Fail(ctx context.Context, id string, errMsg string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW()
		WHERE job_id = $3
		  AND status = $4
	`
	res, err := s.db.ExecContext(ctx, query, job.StatusFailed, errMsg, id, job.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return s.requireRow(ctx, res, id)
}

func (s *Postgres) Requeue(ctx context.Context, id string, errMsg string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    retry_count = retry_count + 1,
		    error_message = $2,
		    current_step = ''
		WHERE job_id = $3
		  AND status = $4
	`
	res, err := s.db.ExecContext(ctx, query, job.StatusPending, errMsg, id, job.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return s.requireRow(ctx, res, id)
}

func (s *Postgres) Cancel(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    completed_at = NOW()
		WHERE job_id = $2
		  AND status IN ($3, $4)
	`
	res, err := s.db.ExecContext(ctx, query, job.StatusCancelled, id, job.StatusPending, job.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	return s.requireRow(ctx, res, id)
}

func (s *Postgres) Stats(ctx context.Context) (*job.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, job_type, COUNT(*) FROM jobs GROUP BY status, job_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query job stats: %w", err)
	}
	defer rows.Close()

	stats := &job.Stats{
		ByStatus: make(map[job.Status]int),
		ByType:   make(map[job.Type]int),
	}
	for rows.Next() {
		var status job.Status
		var jobType job.Type
		var count int
		if err := rows.Scan(&status, &jobType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job stats: %w", err)
		}
		stats.ByStatus[status] += count
		stats.ByType[jobType] += count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job stats: %w", err)
	}
	return stats, nil
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM jobs WHERE job_id = $1 AND status IN ($2, $3, $4)`
	res, err := s.db.ExecContext(ctx, query,
		id, job.StatusCompleted, job.StatusFailed, job.StatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return s.classifyMiss(ctx, id, job.ErrNotTerminal)
	}
	return nil
}

func (s *Postgres) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ($1, $2, $3)
		  AND completed_at IS NOT NULL
		  AND completed_at < $4
	`
	res, err := s.db.ExecContext(ctx, query,
		job.StatusCompleted, job.StatusFailed, job.StatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

// requireRow maps a zero-rows-affected conditional update onto the
// not-found / already-terminal taxonomy.
func (s *Postgres) requireRow(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return s.classifyMiss(ctx, id, job.ErrAlreadyTerminal)
	}
	return nil
}

func (s *Postgres) classifyMiss(ctx context.Context, id string, fallback error) error {
	if _, err := s.Get(ctx, id); errors.Is(err, job.ErrNotFound) {
		return job.ErrNotFound
	}
	return fallback
}
