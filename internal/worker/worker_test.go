package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fableforge/fableforge/internal/config"
	"github.com/fableforge/fableforge/internal/job"
	"github.com/fableforge/fableforge/internal/lock"
	"github.com/fableforge/fableforge/internal/manager"
	"github.com/fableforge/fableforge/internal/notify"
	"github.com/fableforge/fableforge/internal/processor"
	"github.com/fableforge/fableforge/internal/scheduler"
	"github.com/fableforge/fableforge/internal/store"
)

// stubProcessor runs an arbitrary function for one job type.
type stubProcessor struct {
	jobType job.Type
	fn      func(ctx context.Context, j *job.Job) error
}

func (p *stubProcessor) Type() job.Type { return p.jobType }
func (p *stubProcessor) Process(ctx context.Context, j *job.Job) error {
	return p.fn(ctx, j)
}

type fixture struct {
	worker *Worker
	mgr    *manager.Manager
	store  *store.Memory
	reg    *processor.Registry
	locker *lock.Locker
	cfg    *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	cfg := config.Default()
	mgr := manager.New(st, cfg, logger)
	sched := scheduler.New(mgr, cfg, logger)
	locker := lock.New(cfg.Engine.LockTTL, logger)
	reg := processor.NewRegistry()

	w := New(Options{
		Manager:   mgr,
		Scheduler: sched,
		Registry:  reg,
		Locker:    locker,
		Notifier:  notify.New(nil, logger),
		Config:    cfg,
		Logger:    logger,
		Region:    "test",
	})
	return &fixture{worker: w, mgr: mgr, store: st, reg: reg, locker: locker, cfg: cfg}
}

func TestProcessJobsCompletesJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.reg.Register(&stubProcessor{
		jobType: job.TypeCartoonize,
		fn: func(ctx context.Context, j *job.Job) error {
			if err := f.mgr.Checkpoint(ctx, j.ID, 50, "halfway"); err != nil {
				return err
			}
			return f.mgr.MarkJobCompleted(ctx, j.ID, []byte(`{"url":"https://img.test/1.png"}`))
		},
	})

	created, err := f.mgr.CreateJob(ctx, job.TypeCartoonize, []byte(`{"prompt":"a fox"}`), "alice")
	require.NoError(t, err)

	result, err := f.worker.ProcessJobs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, result)

	got, err := f.mgr.GetJobStatus(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotEmpty(t, got.ResultData)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestProcessJobsRetriesRetryableFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.reg.Register(&stubProcessor{
		jobType: job.TypeImageGeneration,
		fn: func(ctx context.Context, j *job.Job) error {
			return job.Retryable(errors.New("image service 503"))
		},
	})

	created, err := f.mgr.CreateJob(ctx, job.TypeImageGeneration, []byte(`{"prompt":"x"}`), "")
	require.NoError(t, err)

	result, err := f.worker.ProcessJobs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Errors: 1}, result)

	got, err := f.mgr.GetJobStatus(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "image service 503")
	// The original start time survives the requeue.
	assert.NotNil(t, got.StartedAt)
}

func TestProcessJobsRetryAfterFullProgressStaysBelowHundred(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.reg.Register(&stubProcessor{
		jobType: job.TypeImageGeneration,
		fn: func(ctx context.Context, j *job.Job) error {
			if err := f.mgr.Checkpoint(ctx, j.ID, 100, "uploading"); err != nil {
				return err
			}
			return job.Retryable(errors.New("upload timed out"))
		},
	})

	created, err := f.mgr.CreateJob(ctx, job.TypeImageGeneration, []byte(`{"prompt":"x"}`), "")
	require.NoError(t, err)

	result, err := f.worker.ProcessJobs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Errors: 1}, result)

	// Full progress is reserved for completion: the requeued job must
	// not read back as done.
	got, err := f.mgr.GetJobStatus(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, 99, got.Progress)
}

func TestProcessJobsFailsNonRetryableImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.reg.Register(&stubProcessor{
		jobType: job.TypeCartoonize,
		fn: func(ctx context.Context, j *job.Job) error {
			return errors.New("unusable payload")
		},
	})

	created, err := f.mgr.CreateJob(ctx, job.TypeCartoonize, []byte(`{}`), "")
	require.NoError(t, err)

	result, err := f.worker.ProcessJobs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Errors: 1}, result)

	got, err := f.mgr.GetJobStatus(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestProcessJobsRecoversFromPanic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.reg.Register(&stubProcessor{
		jobType: job.TypeAutoStory,
		fn: func(ctx context.Context, j *job.Job) error {
			panic("nil map write")
		},
	})

	created, err := f.mgr.CreateJob(ctx, job.TypeAutoStory, nil, "")
	require.NoError(t, err)

	result, err := f.worker.ProcessJobs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Errors: 1}, result)

	got, err := f.mgr.GetJobStatus(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "panicked")
}

func TestProcessJobsWithoutProcessorFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.mgr.CreateJob(ctx, job.TypeStorybook, []byte(`{"story":"x"}`), "")
	require.NoError(t, err)

	result, err := f.worker.ProcessJobs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Errors: 1}, result)

	got, err := f.mgr.GetJobStatus(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "no processor registered")
}

func TestProcessJobsCancelledMidFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.reg.Register(&stubProcessor{
		jobType: job.TypeStorybook,
		fn: func(ctx context.Context, j *job.Job) error {
			// The cancel races in while the processor is working.
			if err := f.mgr.CancelJob(ctx, j.ID); err != nil {
				return err
			}
			return f.mgr.Checkpoint(ctx, j.ID, 50, "illustrating")
		},
	})

	created, err := f.mgr.CreateJob(ctx, job.TypeStorybook, []byte(`{"story":"x"}`), "")
	require.NoError(t, err)

	result, err := f.worker.ProcessJobs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, result)

	got, err := f.mgr.GetJobStatus(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
}

func TestProcessJobsLockContention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.True(t, f.locker.Acquire(tickLockKey, "another-region"))

	_, err := f.worker.ProcessJobs(ctx, 5)
	assert.ErrorIs(t, err, job.ErrLockContention)

	// The lock is still held by its owner after the skipped pass.
	assert.True(t, f.locker.IsLocked(tickLockKey))
}

func TestProcessJobsReleasesLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.worker.ProcessJobs(ctx, 5)
	require.NoError(t, err)
	assert.False(t, f.locker.IsLocked(tickLockKey))
}

func TestProcessJobsEmptyQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.worker.ProcessJobs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
}

type unreachableStore struct {
	*store.Memory
}

func (s *unreachableStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestProcessJobsHealthGate(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	st := &unreachableStore{Memory: store.NewMemory()}
	mgr := manager.New(st, cfg, logger)

	w := New(Options{
		Manager:   mgr,
		Scheduler: scheduler.New(mgr, cfg, logger),
		Registry:  processor.NewRegistry(),
		Locker:    lock.New(cfg.Engine.LockTTL, logger),
		Notifier:  notify.New(nil, logger),
		Config:    cfg,
		Logger:    logger,
	})

	_, err := w.ProcessJobs(ctx, 5)
	assert.ErrorIs(t, err, job.ErrWorkerUnhealthy)

	_, err = w.ProcessJobByID(ctx, "some-id")
	assert.ErrorIs(t, err, job.ErrWorkerUnhealthy)
}

func TestProcessJobByID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.reg.Register(&stubProcessor{
		jobType: job.TypeAutoStory,
		fn: func(ctx context.Context, j *job.Job) error {
			return f.mgr.MarkJobCompleted(ctx, j.ID, []byte(`{"title":"t","story":"s"}`))
		},
	})

	created, err := f.mgr.CreateJob(ctx, job.TypeAutoStory, nil, "")
	require.NoError(t, err)

	processed, err := f.worker.ProcessJobByID(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, processed)

	// Re-running the same job is a no-op skip, not an error.
	processed, err = f.worker.ProcessJobByID(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestQueueStatusAndStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.mgr.CreateJob(ctx, job.TypeCartoonize, nil, "")
	require.NoError(t, err)
	running, err := f.mgr.CreateJob(ctx, job.TypeStorybook, []byte(`{"story":"x"}`), "")
	require.NoError(t, err)
	_, err = f.mgr.MarkJobStarted(ctx, running.ID)
	require.NoError(t, err)

	status, err := f.worker.QueueStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Equal(t, 1, status.Pending)
	assert.Equal(t, 1, status.Processing)
	assert.InDelta(t, 0.1, status.Load, 0.001)
	assert.Equal(t, "test", status.Region)

	stats, err := f.worker.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
}

func TestCleanupUsesRetentionDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	old := time.Now().Add(-30 * 24 * time.Hour)
	f.store.SetClock(func() time.Time { return old })

	created, err := f.mgr.CreateJob(ctx, job.TypeCartoonize, nil, "")
	require.NoError(t, err)
	_, err = f.mgr.MarkJobStarted(ctx, created.ID)
	require.NoError(t, err)
	require.NoError(t, f.mgr.MarkJobCompleted(ctx, created.ID, nil))

	f.store.SetClock(time.Now)

	// olderThanDays <= 0 falls back to the configured retention window.
	deleted, err := f.worker.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}
