// Package scheduler decides which pending jobs are eligible to run right
// now and in what order. It executes no jobs itself: each pass is a pure
// function of the candidate set, the processing-slot projection and the
// configured policy.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fableforge/fableforge/internal/config"
	"github.com/fableforge/fableforge/internal/job"
	"github.com/fableforge/fableforge/internal/manager"
	"github.com/fableforge/fableforge/internal/store"
)

// supersetFactor controls how many extra candidates are fetched per pass
// so constraint filtering still leaves a full batch. supersetFloor keeps
// small batches from starving under heavy filtering.
const (
	supersetFactor = 3
	supersetFloor  = 20
)

// ageBonusPerMinute is the linear growth rate of the age bonus.
const ageBonusPerMinute = 0.1

// Slot is an in-memory projection of one currently-processing job. It is
// rebuilt from the store on every pass and never persisted.
type Slot struct {
	JobID        string
	Type         job.Type
	UserID       string
	StartedAt    time.Time
	EstimatedEnd time.Time
}

// Expired reports whether the slot outlived its estimated duration. An
// expired slot stops counting toward load; this is a heuristic, not a
// correctness signal.
func (s Slot) Expired(now time.Time) bool {
	return now.After(s.EstimatedEnd)
}

// Scheduler selects and orders eligible jobs. Construct one instance at
// process start; all of its state is owned here, not in package globals.
type Scheduler struct {
	mgr    *manager.Manager
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	delayed map[string]time.Time

	now func() time.Time
}

// New creates a Scheduler.
func New(mgr *manager.Manager, cfg *config.Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		mgr:     mgr,
		cfg:     cfg,
		logger:  logger,
		delayed: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test helper.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Delay excludes a job from selection until the given time, after which
// it re-enters the normal pending pool.
func (s *Scheduler) Delay(jobID string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayed[jobID] = until
}

// SelectJobs runs one scheduling pass and returns at most maxJobs jobs,
// highest priority first.
func (s *Scheduler) SelectJobs(ctx context.Context, f store.Filter, maxJobs int) ([]*job.Job, error) {
	if maxJobs <= 0 {
		return nil, nil
	}

	fetch := maxJobs * supersetFactor
	if fetch < supersetFloor {
		fetch = supersetFloor
	}
	candidates, err := s.mgr.GetPendingJobs(ctx, f, fetch)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending jobs: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	slots, err := s.RebuildSlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild processing slots: %w", err)
	}

	selected := s.selectFrom(candidates, slots, maxJobs)

	s.logger.Debug("Scheduling pass",
		slog.Int("candidates", len(candidates)),
		slog.Int("slots", len(slots)),
		slog.Int("selected", len(selected)),
	)
	return selected, nil
}

// RebuildSlots recomputes the processing-slot projection from the store.
func (s *Scheduler) RebuildSlots(ctx context.Context) ([]Slot, error) {
	processing, err := s.mgr.GetProcessingJobs(ctx)
	if err != nil {
		return nil, err
	}

	slots := make([]Slot, 0, len(processing))
	for _, j := range processing {
		started := j.CreatedAt
		if j.StartedAt != nil {
			started = *j.StartedAt
		}
		slots = append(slots, Slot{
			JobID:        j.ID,
			Type:         j.Type,
			UserID:       j.UserID,
			StartedAt:    started,
			EstimatedEnd: started.Add(s.cfg.EstimatedDuration(j.Type)),
		})
	}
	return slots, nil
}

// selectFrom is the deterministic core: score, constrain, order, admit.
func (s *Scheduler) selectFrom(candidates []*job.Job, slots []Slot, maxJobs int) []*job.Job {
	now := s.now()

	// Stale slots stop counting toward the load estimate.
	active := slots[:0:0]
	for _, sl := range slots {
		if !sl.Expired(now) {
			active = append(active, sl)
		}
	}
	load := s.loadEstimate(active)
	highLoad := load >= s.cfg.Engine.HighLoadThreshold

	type scored struct {
		j     *job.Job
		score float64
	}

	var pool []scored
	for _, j := range candidates {
		if s.isDelayed(j.ID, now) {
			continue
		}
		pool = append(pool, scored{j: j, score: s.score(j, now, highLoad)})
	}

	sort.SliceStable(pool, func(i, k int) bool {
		if pool[i].score != pool[k].score {
			return pool[i].score > pool[k].score
		}
		if !pool[i].j.CreatedAt.Equal(pool[k].j.CreatedAt) {
			return pool[i].j.CreatedAt.Before(pool[k].j.CreatedAt)
		}
		return pool[i].j.ID < pool[k].j.ID
	})

	// Admission: hard constraints are AND'ed; counters include jobs
	// admitted earlier in this same pass so one batch cannot blow a cap.
	inFlight := len(active)
	byType := make(map[job.Type]int)
	byUser := make(map[string]int)
	for _, sl := range active {
		byType[sl.Type]++
		if sl.UserID != "" {
			byUser[sl.UserID]++
		}
	}

	var out []*job.Job
	for _, sc := range pool {
		if len(out) >= maxJobs {
			break
		}
		j := sc.j

		if inFlight >= s.cfg.Engine.MaxConcurrentJobs {
			break
		}
		if j.UserID != "" && byUser[j.UserID] >= s.cfg.Engine.MaxJobsPerUser {
			continue
		}
		if byType[j.Type] >= s.cfg.ConcurrencyLimit(j.Type) {
			continue
		}
		if highLoad && s.cfg.TypeConfig(j.Type).CPU == config.ResourceHigh {
			continue
		}

		out = append(out, j)
		inFlight++
		byType[j.Type]++
		if j.UserID != "" {
			byUser[j.UserID]++
		}
	}
	return out
}

// score computes the numeric priority of one candidate:
// base + age bonus + tier bonus - retry penalty + light-work bonus.
func (s *Scheduler) score(j *job.Job, now time.Time, highLoad bool) float64 {
	score := s.cfg.Priority(j.Type)

	// Age bonus grows linearly with minutes waited, capped so ancient
	// jobs cannot inflate forever.
	age := now.Sub(j.CreatedAt).Minutes()
	if age > 0 {
		bonus := age * ageBonusPerMinute
		if bonus > s.cfg.Engine.AgeBonusCap {
			bonus = s.cfg.Engine.AgeBonusCap
		}
		score += bonus
	}

	score += s.cfg.TierBonus(j.UserID)

	// Previously-failed jobs yield to fresh work of equal age.
	score -= 0.5 * float64(j.RetryCount)

	// Under pressure, bias toward lighter work.
	if highLoad {
		tc := s.cfg.TypeConfig(j.Type)
		if tc.CPU == config.ResourceLow {
			score += 1
		}
		if tc.Memory == config.ResourceLow {
			score += 0.5
		}
	}
	return score
}

// loadEstimate is the fraction of global capacity consumed by active slots.
func (s *Scheduler) loadEstimate(active []Slot) float64 {
	if s.cfg.Engine.MaxConcurrentJobs <= 0 {
		return 0
	}
	return float64(len(active)) / float64(s.cfg.Engine.MaxConcurrentJobs)
}

func (s *Scheduler) isDelayed(jobID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.delayed[jobID]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(s.delayed, jobID)
	return false
}

// Healthy reports whether the scheduler can be queried; part of the
// worker health gate.
func (s *Scheduler) Healthy(ctx context.Context) bool {
	_, err := s.mgr.GetProcessingJobs(ctx)
	return err == nil
}
