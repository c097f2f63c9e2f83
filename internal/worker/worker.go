// Package worker orchestrates processing passes: it asks the scheduler
// for eligible jobs, claims each one, dispatches to the matching
// processor, and converts failures into the retry/fail transition. A
// processor can never crash the loop; panics and errors stop at the
// worker boundary.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fableforge/fableforge/internal/config"
	"github.com/fableforge/fableforge/internal/job"
	"github.com/fableforge/fableforge/internal/lock"
	"github.com/fableforge/fableforge/internal/manager"
	"github.com/fableforge/fableforge/internal/notify"
	"github.com/fableforge/fableforge/internal/processor"
	"github.com/fableforge/fableforge/internal/scheduler"
	"github.com/fableforge/fableforge/internal/store"
)

// tickLockKey is the coordination key that keeps concurrently-triggered
// regions from running the same scheduling tick.
const tickLockKey = "worker:tick"

// Result summarizes one processing pass.
type Result struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	Skipped   int `json:"skipped"`
}

// QueueStatus is the read-only observability snapshot.
type QueueStatus struct {
	Healthy    bool    `json:"healthy"`
	Pending    int     `json:"pending"`
	Processing int     `json:"processing"`
	Load       float64 `json:"load"`
	Region     string  `json:"region"`
}

// Options wires a Worker.
type Options struct {
	Manager   *manager.Manager
	Scheduler *scheduler.Scheduler
	Registry  *processor.Registry
	Locker    *lock.Locker
	Notifier  *notify.Publisher
	Config    *config.Config
	Logger    *slog.Logger
	Region    string
}

// Worker runs processing passes. One instance per process; multiple
// instances may run in different regions against the same store.
type Worker struct {
	mgr      *manager.Manager
	sched    *scheduler.Scheduler
	registry *processor.Registry
	locker   *lock.Locker
	notifier *notify.Publisher
	cfg      *config.Config
	logger   *slog.Logger
	region   string
	workerID string
}

// New creates a Worker.
func New(opts Options) *Worker {
	region := opts.Region
	if region == "" {
		region = "default"
	}
	return &Worker{
		mgr:      opts.Manager,
		sched:    opts.Scheduler,
		registry: opts.Registry,
		locker:   opts.Locker,
		notifier: opts.Notifier,
		cfg:      opts.Config,
		logger:   opts.Logger,
		region:   region,
		workerID: region + "-" + uuid.New().String()[:8],
	}
}

// IsHealthy is the circuit-breaker gate: true only when the store is
// reachable and the scheduler can be queried.
func (w *Worker) IsHealthy(ctx context.Context) bool {
	if err := w.mgr.Ping(ctx); err != nil {
		w.logger.Warn("Health check failed - store unreachable",
			slog.String("error", err.Error()),
		)
		return false
	}
	return w.sched.Healthy(ctx)
}

// ProcessJobs runs one processing pass of at most maxJobs jobs. When the
// worker is unhealthy it returns immediately without touching any job.
// Lock contention with another region is reported as
// job.ErrLockContention and means "skip this pass", not failure.
func (w *Worker) ProcessJobs(ctx context.Context, maxJobs int) (Result, error) {
	if maxJobs <= 0 {
		maxJobs = w.cfg.Engine.BatchSize
	}

	if !w.IsHealthy(ctx) {
		return Result{}, job.ErrWorkerUnhealthy
	}

	if !w.locker.Acquire(tickLockKey, w.workerID) {
		w.logger.Info("Tick lock held elsewhere, skipping pass",
			slog.String("worker_id", w.workerID),
		)
		return Result{}, job.ErrLockContention
	}
	defer w.locker.Release(tickLockKey, w.workerID)

	jobs, err := w.sched.SelectJobs(ctx, store.Filter{}, maxJobs)
	if err != nil {
		return Result{}, fmt.Errorf("failed to select jobs: %w", err)
	}
	if len(jobs) == 0 {
		return Result{}, nil
	}

	w.logger.Info("Processing pass started",
		slog.String("worker_id", w.workerID),
		slog.Int("selected", len(jobs)),
	)

	// Jobs within a pass run concurrently; the scheduler's admission
	// counters already bound how many were selected.
	var (
		mu     sync.Mutex
		result Result
		wg     sync.WaitGroup
	)
	for _, j := range jobs {
		wg.Add(1)
		go func(j *job.Job) {
			defer wg.Done()
			outcome := w.processOne(ctx, j.ID)
			mu.Lock()
			switch outcome {
			case outcomeProcessed:
				result.Processed++
			case outcomeError:
				result.Errors++
			default:
				result.Skipped++
			}
			mu.Unlock()
		}(j)
	}
	wg.Wait()

	w.logger.Info("Processing pass finished",
		slog.String("worker_id", w.workerID),
		slog.Int("processed", result.Processed),
		slog.Int("errors", result.Errors),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

// ProcessJobByID processes one explicitly-named job, bypassing the
// scheduler's constraints (manual retries, ops). The state machine still
// applies: the job must be PENDING to be claimed.
func (w *Worker) ProcessJobByID(ctx context.Context, id string) (bool, error) {
	if !w.IsHealthy(ctx) {
		return false, job.ErrWorkerUnhealthy
	}
	outcome := w.processOne(ctx, id)
	return outcome == outcomeProcessed, nil
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeError
	outcomeSkipped
)

// processOne claims, dispatches, and settles a single job.
func (w *Worker) processOne(ctx context.Context, id string) outcome {
	claimed, err := w.mgr.MarkJobStarted(ctx, id)
	if err != nil {
		if errors.Is(err, job.ErrAlreadyClaimed) || errors.Is(err, job.ErrNotFound) {
			// Another region won the claim, or the job was cancelled
			// between selection and claim. Routine, not an error.
			return outcomeSkipped
		}
		w.logger.Error("Failed to claim job",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		return outcomeError
	}

	proc, ok := w.registry.Get(claimed.Type)
	if !ok {
		w.logger.Error("No processor registered for job type",
			slog.String("job_id", id),
			slog.String("job_type", string(claimed.Type)),
		)
		w.settleFailure(ctx, id, fmt.Sprintf("no processor registered for type %q", claimed.Type), false)
		return outcomeError
	}

	err = w.runProcessor(ctx, proc, claimed)
	switch {
	case err == nil:
		w.publishTerminal(ctx, id)
		return outcomeProcessed
	case errors.Is(err, job.ErrCancelled):
		// The processor noticed a cancellation at a checkpoint and
		// stopped; the manager already holds the terminal state.
		w.logger.Info("Job cancelled mid-flight",
			slog.String("job_id", id),
		)
		w.publishTerminal(ctx, id)
		return outcomeSkipped
	default:
		w.logger.Error("Job execution failed",
			slog.String("job_id", id),
			slog.String("job_type", string(claimed.Type)),
			slog.String("error", err.Error()),
		)
		w.settleFailure(ctx, id, err.Error(), job.IsRetryable(err))
		return outcomeError
	}
}

// runProcessor guards the processor call: a panic becomes an error at
// the worker boundary instead of taking down the loop.
func (w *Worker) runProcessor(ctx context.Context, p processor.Processor, j *job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return p.Process(ctx, j)
}

// settleFailure applies the retry-or-fail transition and publishes the
// terminal event when the job ends up FAILED. Illegal-transition errors
// (a cancel racing the failure) are logged loudly but never abort the
// batch.
func (w *Worker) settleFailure(ctx context.Context, id, msg string, allowRetry bool) {
	if err := w.mgr.MarkJobFailed(ctx, id, msg, allowRetry); err != nil {
		if errors.Is(err, job.ErrAlreadyTerminal) || errors.Is(err, job.ErrNotFound) {
			w.logger.Warn("Failure transition rejected - job already settled",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			return
		}
		w.logger.Error("Failed to settle job failure",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	w.publishTerminal(ctx, id)
}

// publishTerminal emits a notification if the job reached a terminal
// status. Best-effort.
func (w *Worker) publishTerminal(ctx context.Context, id string) {
	j, err := w.mgr.GetJobStatus(ctx, id)
	if err != nil || !j.Status.Terminal() {
		return
	}
	w.notifier.JobTerminal(ctx, j)
}

// QueueStatus reports the current queue snapshot.
func (w *Worker) QueueStatus(ctx context.Context) (QueueStatus, error) {
	stats, err := w.mgr.GetJobStats(ctx)
	if err != nil {
		return QueueStatus{Region: w.region}, err
	}
	processing := stats.ByStatus[job.StatusProcessing]
	load := 0.0
	if w.cfg.Engine.MaxConcurrentJobs > 0 {
		load = float64(processing) / float64(w.cfg.Engine.MaxConcurrentJobs)
	}
	return QueueStatus{
		Healthy:    w.IsHealthy(ctx),
		Pending:    stats.ByStatus[job.StatusPending],
		Processing: processing,
		Load:       load,
		Region:     w.region,
	}, nil
}

// Stats returns the per-status / per-type job counts.
func (w *Worker) Stats(ctx context.Context) (*job.Stats, error) {
	return w.mgr.GetJobStats(ctx)
}

// Cleanup removes terminal jobs older than olderThanDays. Zero or
// negative values fall back to the configured retention window.
func (w *Worker) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = w.cfg.Engine.RetentionDays
	}
	return w.mgr.Cleanup(ctx, time.Duration(olderThanDays)*24*time.Hour)
}

// Run is the worker-service loop: a processing pass every poll interval
// and a retention sweep once an hour, until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started",
		slog.String("worker_id", w.workerID),
		slog.Duration("poll_interval", w.cfg.Engine.PollInterval),
	)

	ticker := time.NewTicker(w.cfg.Engine.PollInterval)
	defer ticker.Stop()
	cleanupTicker := time.NewTicker(time.Hour)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return ctx.Err()
		case <-ticker.C:
			_, err := w.ProcessJobs(ctx, w.cfg.Engine.BatchSize)
			if err != nil && !errors.Is(err, job.ErrLockContention) && !errors.Is(err, job.ErrWorkerUnhealthy) {
				w.logger.Error("Processing pass failed",
					slog.String("error", err.Error()),
				)
			}
		case <-cleanupTicker.C:
			if _, err := w.Cleanup(ctx, w.cfg.Engine.RetentionDays); err != nil {
				w.logger.Error("Cleanup sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
