package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fableforge/fableforge/internal/job"
)

// Memory is a mutex-guarded in-process store with the same conditional
// semantics as the SQL backends. It backs unit tests and local runs.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
	// now is swappable so tests can control timestamps.
	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*job.Job),
		now:  time.Now,
	}
}

// SetClock overrides the time source. Test helper.
func (s *Memory) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func copyJob(j *job.Job) *job.Job {
	c := *j
	if j.InputData != nil {
		c.InputData = append([]byte(nil), j.InputData...)
	}
	if j.ResultData != nil {
		c.ResultData = append([]byte(nil), j.ResultData...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (s *Memory) Insert(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = copyJob(j)
	return nil
}

func (s *Memory) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Memory) ListPending(_ context.Context, f Filter, limit int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*job.Job
	for _, j := range s.jobs {
		if j.Status != job.StatusPending {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.UserID != "" && j.UserID != f.UserID {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) List(_ context.Context, q ListQuery) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*job.Job
	for _, j := range s.jobs {
		if q.Status != "" && j.Status != q.Status {
			continue
		}
		if q.Type != "" && j.Type != q.Type {
			continue
		}
		if q.UserID != "" && j.UserID != q.UserID {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID > out[k].ID
	})
	if q.Cursor != nil {
		start := len(out)
		for i, j := range out {
			if j.CreatedAt.Before(q.Cursor.CreatedAt) ||
				(j.CreatedAt.Equal(q.Cursor.CreatedAt) && j.ID < q.Cursor.JobID) {
				start = i
				break
			}
		}
		out = out[start:]
	}
	if len(out) > q.PageSize+1 {
		out = out[:q.PageSize+1]
	}
	return out, nil
}

func (s *Memory) ListProcessing(_ context.Context, limit int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*job.Job
	for _, j := range s.jobs {
		if j.Status == job.StatusProcessing {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) Claim(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	if j.Status != job.StatusPending {
		return nil, job.ErrAlreadyClaimed
	}
	j.Status = job.StatusProcessing
	if j.StartedAt == nil {
		t := s.now()
		j.StartedAt = &t
	}
	return copyJob(j), nil
}

func (s *Memory) UpdateProgress(_ context.Context, id string, progress int, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if j.Status != job.StatusProcessing {
		return job.ErrAlreadyTerminal
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.CurrentStep = step
	return nil
}

func (s *Memory) Complete(_ context.Context, id string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if j.Status != job.StatusProcessing {
		return job.ErrAlreadyTerminal
	}
	j.Status = job.StatusCompleted
	j.Progress = 100
	j.ResultData = append([]byte(nil), result...)
	j.CurrentStep = ""
	t := s.now()
	j.CompletedAt = &t
	return nil
}

func (s *Memory) Fail(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if j.Status != job.StatusProcessing {
		return job.ErrAlreadyTerminal
	}
	j.Status = job.StatusFailed
	j.ErrorMessage = errMsg
	t := s.now()
	j.CompletedAt = &t
	return nil
}

func (s *Memory) Requeue(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if j.Status != job.StatusProcessing {
		return job.ErrAlreadyTerminal
	}
	j.Status = job.StatusPending
	j.RetryCount++
	j.ErrorMessage = errMsg
	j.CurrentStep = ""
	return nil
}

func (s *Memory) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if j.Status.Terminal() {
		return job.ErrAlreadyTerminal
	}
	j.Status = job.StatusCancelled
	t := s.now()
	j.CompletedAt = &t
	return nil
}

func (s *Memory) Stats(_ context.Context) (*job.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &job.Stats{
		ByStatus: make(map[job.Status]int),
		ByType:   make(map[job.Type]int),
	}
	for _, j := range s.jobs {
		stats.ByStatus[j.Status]++
		stats.ByType[j.Type]++
		stats.Total++
	}
	return stats, nil
}

func (s *Memory) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if !j.Status.Terminal() {
		return job.ErrNotTerminal
	}
	delete(s.jobs, id)
	return nil
}

func (s *Memory) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) Ping(_ context.Context) error { return nil }

func (s *Memory) Close() error { return nil }
