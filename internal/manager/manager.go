// Package manager is the single state-transition authority over job
// records. Every lifecycle write funnels through it; scheduler, worker
// and processors only read.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fableforge/fableforge/internal/config"
	"github.com/fableforge/fableforge/internal/job"
	"github.com/fableforge/fableforge/internal/store"
)

// Manager owns job lifecycle transitions.
type Manager struct {
	store  store.Store
	cfg    *config.Config
	logger *slog.Logger
}

// New creates a Manager over the given store.
func New(st store.Store, cfg *config.Config, logger *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		cfg:    cfg,
		logger: logger,
	}
}

// CreateJob validates the type and writes a new PENDING record.
func (m *Manager) CreateJob(ctx context.Context, t job.Type, input json.RawMessage, userID string) (*job.Job, error) {
	if !job.ValidType(t) {
		return nil, fmt.Errorf("%w: %q", job.ErrInvalidJobType, t)
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	j := &job.Job{
		ID:        uuid.New().String(),
		Type:      t,
		Status:    job.StatusPending,
		InputData: input,
		Progress:  0,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Insert(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	m.logger.Info("Job created",
		slog.String("job_id", j.ID),
		slog.String("job_type", string(t)),
		slog.String("user_id", userID),
	)
	return j, nil
}

// GetJobStatus returns the job or job.ErrNotFound.
func (m *Manager) GetJobStatus(ctx context.Context, id string) (*job.Job, error) {
	return m.store.Get(ctx, id)
}

// MarkJobStarted claims a PENDING job for processing. Returns
// job.ErrAlreadyClaimed when another worker won the race.
func (m *Manager) MarkJobStarted(ctx context.Context, id string) (*job.Job, error) {
	j, err := m.store.Claim(ctx, id)
	if err != nil {
		if errors.Is(err, job.ErrAlreadyClaimed) {
			m.logger.Warn("Failed to claim job - already claimed or not pending",
				slog.String("job_id", id),
			)
		}
		return nil, err
	}
	m.logger.Info("Job claimed",
		slog.String("job_id", id),
		slog.String("job_type", string(j.Type)),
		slog.Int("retry_count", j.RetryCount),
	)
	return j, nil
}

// UpdateJobProgress records a progress milestone. A missing or terminal
// job is a logged no-op, never an error: a cancellation may race with an
// in-flight processor and the processor must not abort on that account.
// In-flight progress is capped at 99; only the Complete transition writes
// 100, so a retried or failed job never reads back as fully done.
func (m *Manager) UpdateJobProgress(ctx context.Context, id string, progress int, step string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 99 {
		progress = 99
	}
	err := m.store.UpdateProgress(ctx, id, progress, step)
	if err == nil {
		return
	}
	if errors.Is(err, job.ErrNotFound) || errors.Is(err, job.ErrAlreadyTerminal) {
		m.logger.Debug("Progress update on missing or terminal job ignored",
			slog.String("job_id", id),
			slog.Int("progress", progress),
		)
		return
	}
	m.logger.Error("Failed to update job progress",
		slog.String("job_id", id),
		slog.String("error", err.Error()),
	)
}

// Checkpoint is the cooperative cancellation boundary for processors:
// it records progress, then reports job.ErrCancelled if the job has
// since been cancelled so the processor can stop early.
func (m *Manager) Checkpoint(ctx context.Context, id string, progress int, step string) error {
	m.UpdateJobProgress(ctx, id, progress, step)

	j, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return job.ErrCancelled
		}
		// Transient store trouble: let the processor continue, the
		// terminal write will be validated anyway.
		return nil
	}
	if j.Status == job.StatusCancelled {
		return job.ErrCancelled
	}
	return nil
}

// MarkJobCompleted finishes a job successfully. Calling it on a job that
// already reached a terminal status returns job.ErrAlreadyTerminal.
func (m *Manager) MarkJobCompleted(ctx context.Context, id string, result json.RawMessage) error {
	if err := m.store.Complete(ctx, id, result); err != nil {
		return err
	}
	m.logger.Info("Job completed",
		slog.String("job_id", id),
	)
	return nil
}

// MarkJobFailed applies the retry-or-fail transition: back to PENDING
// with retry_count+1 when allowRetry and the retry budget remains,
// otherwise FAILED for good.
func (m *Manager) MarkJobFailed(ctx context.Context, id string, errMsg string, allowRetry bool) error {
	maxRetries := m.cfg.Engine.MaxRetries

	if allowRetry {
		j, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if j.RetryCount < maxRetries {
			if err := m.store.Requeue(ctx, id, errMsg); err != nil {
				return err
			}
			m.logger.Info("Job requeued for retry",
				slog.String("job_id", id),
				slog.Int("retry_count", j.RetryCount+1),
				slog.Int("max_retries", maxRetries),
			)
			return nil
		}
		m.logger.Warn("Job exhausted retries",
			slog.String("job_id", id),
			slog.Int("retry_count", j.RetryCount),
			slog.Int("max_retries", maxRetries),
		)
	}

	if err := m.store.Fail(ctx, id, errMsg); err != nil {
		return err
	}
	m.logger.Info("Job failed",
		slog.String("job_id", id),
		slog.String("error", errMsg),
	)
	return nil
}

// CancelJob transitions a PENDING or PROCESSING job to CANCELLED. An
// in-flight processor is not interrupted; it notices at its next
// checkpoint. Terminal jobs return job.ErrAlreadyTerminal.
func (m *Manager) CancelJob(ctx context.Context, id string) error {
	if err := m.store.Cancel(ctx, id); err != nil {
		return err
	}
	m.logger.Info("Job cancelled",
		slog.String("job_id", id),
	)
	return nil
}

// ListJobs returns a page of jobs for the API, newest first. The slice
// may hold PageSize+1 entries; the extra row signals a next page.
func (m *Manager) ListJobs(ctx context.Context, q store.ListQuery) ([]*job.Job, error) {
	return m.store.List(ctx, q)
}

// DeleteJob removes a terminal job record. Active jobs must be cancelled
// first; job.ErrNotTerminal is returned otherwise.
func (m *Manager) DeleteJob(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("Job deleted",
		slog.String("job_id", id),
	)
	return nil
}

// GetPendingJobs returns an unordered-by-contract working set of PENDING
// jobs; the scheduler imposes its own order.
func (m *Manager) GetPendingJobs(ctx context.Context, f store.Filter, limit int) ([]*job.Job, error) {
	return m.store.ListPending(ctx, f, limit)
}

// GetProcessingJobs returns the currently processing jobs for slot
// accounting.
func (m *Manager) GetProcessingJobs(ctx context.Context) ([]*job.Job, error) {
	// The slot projection only needs in-flight jobs; a generous cap
	// protects against a wedged table.
	return m.store.ListProcessing(ctx, 10*m.cfg.Engine.MaxConcurrentJobs)
}

// GetJobStats aggregates counts per status and per type.
func (m *Manager) GetJobStats(ctx context.Context) (*job.Stats, error) {
	return m.store.Stats(ctx)
}

// Cleanup deletes terminal jobs completed before the retention cutoff.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	n, err := m.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("Cleaned up terminal jobs",
			slog.Int64("deleted", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// Ping reports store reachability for the worker health gate.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}
