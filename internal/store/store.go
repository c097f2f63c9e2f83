// Package store defines the durable job table contract and its backends.
// Every lifecycle mutation is a conditional update guarded by the prior
// status, so two workers racing on the same job cannot both win.
package store

import (
	"context"
	"time"

	"github.com/fableforge/fableforge/internal/job"
)

// Filter narrows pending-job queries. Zero values mean "any".
type Filter struct {
	Type   job.Type
	UserID string
}

// Cursor marks the position after the last job of the previous page.
// General listings are ordered created_at DESC, job_id DESC.
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListQuery narrows and paginates general job listings. Zero-value
// fields mean "any". PageSize is a hard cap; implementations return up
// to PageSize+1 rows so the caller can detect a next page.
type ListQuery struct {
	Status   job.Status
	Type     job.Type
	UserID   string
	PageSize int
	Cursor   *Cursor
}

// Store is the durable job table. Implementations must make each
// mutation atomic and status-guarded; callers rely on the returned
// error to detect lost races (job.ErrAlreadyClaimed, job.ErrAlreadyTerminal)
// and missing rows (job.ErrNotFound).
type Store interface {
	// Insert writes a new job record.
	Insert(ctx context.Context, j *job.Job) error

	// Get returns the job or job.ErrNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)

	// ListPending returns up to limit PENDING jobs matching the filter,
	// oldest first. Ordering is a working-set convenience only; the
	// scheduler imposes its own order.
	ListPending(ctx context.Context, f Filter, limit int) ([]*job.Job, error)

	// ListProcessing returns currently PROCESSING jobs for slot rebuilding.
	ListProcessing(ctx context.Context, limit int) ([]*job.Job, error)

	// List returns jobs matching the query ordered newest first, up to
	// PageSize+1 rows for next-page detection.
	List(ctx context.Context, q ListQuery) ([]*job.Job, error)

	// Claim transitions PENDING -> PROCESSING and stamps started_at if it
	// was never set. Returns job.ErrAlreadyClaimed when the job is not
	// PENDING (or job.ErrNotFound when it does not exist).
	Claim(ctx context.Context, id string) (*job.Job, error)

	// UpdateProgress records progress and current_step while PROCESSING.
	// Progress never decreases. A terminal or missing job is reported via
	// job.ErrAlreadyTerminal / job.ErrNotFound so the manager can decide
	// to ignore it.
	UpdateProgress(ctx context.Context, id string, progress int, step string) error

	// Complete transitions PROCESSING -> COMPLETED with progress 100 and
	// the result payload.
	Complete(ctx context.Context, id string, result []byte) error

	// Fail transitions PROCESSING -> FAILED with the error message.
	Fail(ctx context.Context, id string, errMsg string) error

	// Requeue transitions PROCESSING -> PENDING for a retry: bumps
	// retry_count, records the error, clears current_step. started_at is
	// left untouched.
	Requeue(ctx context.Context, id string, errMsg string) error

	// Cancel transitions PENDING or PROCESSING -> CANCELLED.
	Cancel(ctx context.Context, id string) error

	// Stats counts jobs per status and per type.
	Stats(ctx context.Context) (*job.Stats, error)

	// Delete removes a single terminal job. Returns job.ErrNotFound when
	// the job does not exist and job.ErrNotTerminal when it is still
	// PENDING or PROCESSING.
	Delete(ctx context.Context, id string) error

	// DeleteTerminalBefore removes terminal jobs completed before cutoff
	// and returns how many rows went away. Non-terminal jobs are never
	// touched.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping reports reachability; the worker health gate uses it.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
