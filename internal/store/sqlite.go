package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fableforge/fableforge/internal/job"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id        TEXT PRIMARY KEY,
	job_type      TEXT NOT NULL,
	status        TEXT NOT NULL,
	input_data    TEXT NOT NULL DEFAULT '{}',
	result_data   TEXT,
	progress      INTEGER NOT NULL DEFAULT 0,
	current_step  TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	user_id       TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	started_at    INTEGER,
	completed_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at);
`

// SQLite is the embedded single-node job store. Timestamps are stored as
// unix milliseconds, the pure-Go driver has no native time type.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and ensures the
// jobs table exists. Use ":memory:" for an ephemeral store.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// The driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent passes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure jobs schema: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

const sqliteJobColumns = `job_id, job_type, status, input_data, result_data, progress,
	current_step, error_message, retry_count, user_id, created_at, started_at, completed_at`

func scanSQLiteJob(row interface{ Scan(...any) error }) (*job.Job, error) {
	var (
		j          job.Job
		input      string
		result     sql.NullString
		createdMs  int64
		startedMs  sql.NullInt64
		completedMs sql.NullInt64
	)
	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &input, &result, &j.Progress,
		&j.CurrentStep, &j.ErrorMessage, &j.RetryCount, &j.UserID,
		&createdMs, &startedMs, &completedMs,
	)
	if err != nil {
		return nil, err
	}
	j.InputData = []byte(input)
	if result.Valid {
		j.ResultData = []byte(result.String)
	}
	j.CreatedAt = time.UnixMilli(createdMs)
	if startedMs.Valid {
		t := time.UnixMilli(startedMs.Int64)
		j.StartedAt = &t
	}
	if completedMs.Valid {
		t := time.UnixMilli(completedMs.Int64)
		j.CompletedAt = &t
	}
	return &j, nil
}

func (s *SQLite) Insert(ctx context.Context, j *job.Job) error {
	query := `
		INSERT INTO jobs (job_id, job_type, status, input_data, progress, retry_count, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		j.ID, string(j.Type), string(j.Status), string(j.InputData),
		j.Progress, j.RetryCount, j.UserID, j.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE job_id = ?`, id)
	j, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (s *SQLite) listWhere(ctx context.Context, where string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLite) ListPending(ctx context.Context, f Filter, limit int) ([]*job.Job, error) {
	where := `WHERE status = ?`
	args := []any{string(job.StatusPending)}
	if f.Type != "" {
		where += ` AND job_type = ?`
		args = append(args, string(f.Type))
	}
	if f.UserID != "" {
		where += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	where += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)
	return s.listWhere(ctx, where, args...)
}

func (s *SQLite) List(ctx context.Context, q ListQuery) ([]*job.Job, error) {
	where := `WHERE 1=1`
	var args []any

	if q.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	if q.Type != "" {
		where += ` AND job_type = ?`
		args = append(args, string(q.Type))
	}
	if q.UserID != "" {
		where += ` AND user_id = ?`
		args = append(args, q.UserID)
	}
	if q.Cursor != nil {
		where += ` AND (created_at < ? OR (created_at = ? AND job_id < ?))`
		ms := q.Cursor.CreatedAt.UnixMilli()
		args = append(args, ms, ms, q.Cursor.JobID)
	}

	where += ` ORDER BY created_at DESC, job_id DESC LIMIT ?`
	args = append(args, q.PageSize+1)
	return s.listWhere(ctx, where, args...)
}

func (s *SQLite) ListProcessing(ctx context.Context, limit int) ([]*job.Job, error) {
	return s.listWhere(ctx,
		`WHERE status = ? ORDER BY started_at ASC LIMIT ?`,
		string(job.StatusProcessing), limit)
}

func (s *SQLite) Claim(ctx context.Context, id string) (*job.Job, error) {
	query := `
		UPDATE jobs
		SET status = ?,
		    started_at = COALESCE(started_at, ?)
		WHERE job_id = ?
		  AND status = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(job.StatusProcessing), time.Now().UnixMilli(), id, string(job.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return nil, s.classifyMiss(ctx, id, job.ErrAlreadyClaimed)
	}
	return s.Get(ctx, id)
}

func (s *SQLite) UpdateProgress(ctx context.Context, id string, progress int, step string) error {
	query := `
		UPDATE jobs
		SET progress = MAX(progress, ?),
		    current_step = ?
		WHERE job_id = ?
		  AND status = ?
	`
	res, err := s.db.ExecContext(ctx, query, progress, step, id, string(job.StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return s.requireRow(ctx, res, id, job.ErrAlreadyTerminal)
}

func (s *SQLite) Complete(ctx context.Context, id string, result []byte) error {
	query := `
		UPDATE jobs
		SET status = ?, progress = 100, result_data = ?, current_step = '', completed_at = ?
		WHERE job_id = ? AND status = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(job.StatusCompleted), string(result), time.Now().UnixMilli(),
		id, string(job.StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return s.requireRow(ctx, res, id, job.ErrAlreadyTerminal)
}

func (s *SQLite) Fail(ctx context.Context, id string, errMsg string) error {
	query := `
		UPDATE jobs
		SET status = ?, error_message = ?, completed_at = ?
		WHERE job_id = ? AND status = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(job.StatusFailed), errMsg, time.Now().UnixMilli(),
		id, string(job.StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return s.requireRow(ctx, res, id, job.ErrAlreadyTerminal)
}

func (s *SQLite) Requeue(ctx context.Context, id string, errMsg string) error {
	query := `
		UPDATE jobs
		SET status = ?, retry_count = retry_count + 1, error_message = ?, current_step = ''
		WHERE job_id = ? AND status = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(job.StatusPending), errMsg, id, string(job.StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return s.requireRow(ctx, res, id, job.ErrAlreadyTerminal)
}

func (s *SQLite) Cancel(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET status = ?, completed_at = ?
		WHERE job_id = ? AND status IN (?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		string(job.StatusCancelled), time.Now().UnixMilli(),
		id, string(job.StatusPending), string(job.StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	return s.requireRow(ctx, res, id, job.ErrAlreadyTerminal)
}

func (s *SQLite) Stats(ctx context.Context) (*job.Stats, error) {
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

func (s *SQLite) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM jobs WHERE job_id = ? AND status IN (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		id, string(job.StatusCompleted), string(job.StatusFailed), string(job.StatusCancelled))
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

func (s *SQLite) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?)
		  AND completed_at IS NOT NULL
		  AND completed_at < ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(job.StatusCompleted), string(job.StatusFailed), string(job.StatusCancelled),
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) requireRow(ctx context.Context, res sql.Result, id string, fallback error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return s.classifyMiss(ctx, id, fallback)
	}
	return nil
}

func (s *SQLite) classifyMiss(ctx context.Context, id string, fallback error) error {
	if _, err := s.Get(ctx, id); errors.Is(err, job.ErrNotFound) {
		return job.ErrNotFound
	}
	return fallback
}
