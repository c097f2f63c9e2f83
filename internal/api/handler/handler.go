package handler

import (
	"log/slog"
	"time"

	"github.com/fableforge/fableforge/internal/api/dto"
	"github.com/fableforge/fableforge/internal/job"
	"github.com/fableforge/fableforge/internal/manager"
	"github.com/fableforge/fableforge/internal/scheduler"
	"github.com/fableforge/fableforge/internal/worker"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Manager   *manager.Manager
	Scheduler *scheduler.Scheduler
	Worker    *worker.Worker
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	manager   *manager.Manager
	scheduler *scheduler.Scheduler
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		manager:   deps.Manager,
		scheduler: deps.Scheduler,
	}
}

// WorkerHandler handles worker control and observability requests
type WorkerHandler struct {
	logger *slog.Logger
	worker *worker.Worker
}

// NewWorkerHandler creates a new WorkerHandler instance
func NewWorkerHandler(deps *Dependencies) *WorkerHandler {
	return &WorkerHandler{
		logger: deps.Logger,
		worker: deps.Worker,
	}
}

func toJobDTO(j *job.Job) dto.JobDTO {
	d := dto.JobDTO{
		JobID:        j.ID,
		JobType:      string(j.Type),
		Status:       string(j.Status),
		InputData:    j.InputData,
		ResultData:   j.ResultData,
		Progress:     j.Progress,
		CurrentStep:  j.CurrentStep,
		ErrorMessage: j.ErrorMessage,
		RetryCount:   j.RetryCount,
		UserID:       j.UserID,
		CreatedAt:    j.CreatedAt.Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		d.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		d.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return d
}
