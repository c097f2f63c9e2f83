package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fableforge/fableforge/internal/job"
)

func newJob(id string, t job.Type, createdAt time.Time) *job.Job {
	return &job.Job{
		ID:        id,
		Type:      t,
		Status:    job.StatusPending,
		InputData: []byte(`{}`),
		CreatedAt: createdAt,
	}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Insert(ctx, newJob("j1", job.TypeCartoonize, time.Now())))

	claimed, err := s.Claim(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	// A second claim on the same job loses the race.
	_, err = s.Claim(ctx, "j1")
	assert.ErrorIs(t, err, job.ErrAlreadyClaimed)

	_, err = s.Claim(ctx, "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestClaimKeepsOriginalStartedAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	base := time.Now()
	now := base
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Insert(ctx, newJob("j1", job.TypeCartoonize, base)))

	first, err := s.Claim(ctx, "j1")
	require.NoError(t, err)
	firstStart := *first.StartedAt

	require.NoError(t, s.Requeue(ctx, "j1", "transient failure"))

	now = base.Add(time.Minute)
	second, err := s.Claim(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, firstStart, *second.StartedAt)
	assert.Equal(t, 1, second.RetryCount)
}

func TestProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Insert(ctx, newJob("j1", job.TypeStorybook, time.Now())))
	_, err := s.Claim(ctx, "j1")
	require.NoError(t, err)

	require.NoError(t, s.UpdateProgress(ctx, "j1", 40, "rendering"))
	require.NoError(t, s.UpdateProgress(ctx, "j1", 20, "stale update"))

	j, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 40, j.Progress)
	assert.Equal(t, "stale update", j.CurrentStep)
}

func TestUpdateProgressOnTerminalJob(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Insert(ctx, newJob("j1", job.TypeAutoStory, time.Now())))
	_, err := s.Claim(ctx, "j1")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "j1", []byte(`{"ok":true}`)))

	err = s.UpdateProgress(ctx, "j1", 50, "too late")
	assert.ErrorIs(t, err, job.ErrAlreadyTerminal)

	err = s.UpdateProgress(ctx, "missing", 50, "nope")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestCompleteSetsProgressAndResult(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Insert(ctx, newJob("j1", job.TypeImageGeneration, time.Now())))
	_, err := s.Claim(ctx, "j1")
	require.NoError(t, err)

	require.NoError(t, s.UpdateProgress(ctx, "j1", 30, "rendering"))
	require.NoError(t, s.Complete(ctx, "j1", []byte(`{"url":"x"}`)))

	j, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.JSONEq(t, `{"url":"x"}`, string(j.ResultData))
	require.NotNil(t, j.CompletedAt)

	// Terminal status is a dead end.
	assert.ErrorIs(t, s.Fail(ctx, "j1", "nope"), job.ErrAlreadyTerminal)
	assert.ErrorIs(t, s.Cancel(ctx, "j1"), job.ErrAlreadyTerminal)
}

func TestRequeueBumpsRetryCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Insert(ctx, newJob("j1", job.TypeScenePlanning, time.Now())))
	_, err := s.Claim(ctx, "j1")
	require.NoError(t, err)
	require.NoError(t, s.UpdateProgress(ctx, "j1", 60, "planning"))

	require.NoError(t, s.Requeue(ctx, "j1", "upstream timeout"))

	j, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.Equal(t, "upstream timeout", j.ErrorMessage)
	assert.Empty(t, j.CurrentStep)
}

func TestCancelFromPendingAndProcessing(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Insert(ctx, newJob("pending", job.TypeCartoonize, time.Now())))
	require.NoError(t, s.Insert(ctx, newJob("running", job.TypeCartoonize, time.Now())))
	_, err := s.Claim(ctx, "running")
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, "pending"))
	require.NoError(t, s.Cancel(ctx, "running"))

	for _, id := range []string{"pending", "running"} {
		j, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCancelled, j.Status)
		assert.NotNil(t, j.CompletedAt)
	}
}

func TestDeleteOnlyTerminalJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Insert(ctx, newJob("active", job.TypeCartoonize, time.Now())))
	require.NoError(t, s.Insert(ctx, newJob("done", job.TypeCartoonize, time.Now())))
	_, err := s.Claim(ctx, "done")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "done", nil))

	assert.ErrorIs(t, s.Delete(ctx, "active"), job.ErrNotTerminal)
	assert.ErrorIs(t, s.Delete(ctx, "missing"), job.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "done"))
	_, err = s.Get(ctx, "done")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	base := time.Now()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("j%d", i)
		require.NoError(t, s.Insert(ctx, newJob(id, job.TypeAutoStory, base.Add(time.Duration(i)*time.Second))))
	}

	// First page: newest first, one extra row signals the next page.
	page, err := s.List(ctx, ListQuery{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "j4", page[0].ID)
	assert.Equal(t, "j3", page[1].ID)

	// Second page picks up after the last returned row.
	page2, err := s.List(ctx, ListQuery{
		PageSize: 2,
		Cursor:   &Cursor{CreatedAt: page[1].CreatedAt, JobID: page[1].ID},
	})
	require.NoError(t, err)
	require.Len(t, page2, 3)
	assert.Equal(t, "j2", page2[0].ID)
	assert.Equal(t, "j1", page2[1].ID)
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	a := newJob("a", job.TypeCartoonize, time.Now())
	a.UserID = "alice"
	b := newJob("b", job.TypeStorybook, time.Now())
	b.UserID = "bob"
	require.NoError(t, s.Insert(ctx, a))
	require.NoError(t, s.Insert(ctx, b))
	_, err := s.Claim(ctx, "b")
	require.NoError(t, err)

	byUser, err := s.List(ctx, ListQuery{UserID: "alice", PageSize: 10})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "a", byUser[0].ID)

	byStatus, err := s.List(ctx, ListQuery{Status: job.StatusProcessing, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "b", byStatus[0].ID)

	byType, err := s.List(ctx, ListQuery{Type: job.TypeStorybook, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "b", byType[0].ID)
}

func TestDeleteTerminalBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	base := time.Now()
	now := base
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Insert(ctx, newJob("old", job.TypeCartoonize, base)))
	require.NoError(t, s.Insert(ctx, newJob("fresh", job.TypeCartoonize, base)))
	require.NoError(t, s.Insert(ctx, newJob("active", job.TypeCartoonize, base)))

	_, err := s.Claim(ctx, "old")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "old", nil))

	now = base.Add(48 * time.Hour)
	_, err = s.Claim(ctx, "fresh")
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, "fresh", "boom"))

	deleted, err := s.DeleteTerminalBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, job.ErrNotFound)

	// Recent terminal and active jobs survive.
	_, err = s.Get(ctx, "fresh")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "active")
	assert.NoError(t, err)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Insert(ctx, newJob("p1", job.TypeCartoonize, time.Now())))
	require.NoError(t, s.Insert(ctx, newJob("p2", job.TypeStorybook, time.Now())))
	require.NoError(t, s.Insert(ctx, newJob("r1", job.TypeStorybook, time.Now())))
	_, err := s.Claim(ctx, "r1")
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[job.StatusPending])
	assert.Equal(t, 1, stats.ByStatus[job.StatusProcessing])
	assert.Equal(t, 2, stats.ByType[job.TypeStorybook])
}
