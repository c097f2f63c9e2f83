package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fableforge/fableforge/internal/api/dto"
	"github.com/fableforge/fableforge/internal/job"
	"github.com/fableforge/fableforge/internal/store"
)

// CreateJob handles POST /api/v1/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	var delayUntil time.Time
	if req.DelayUntil != "" {
		var err error
		delayUntil, err = time.Parse(time.RFC3339, req.DelayUntil)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "delay_until must be an RFC3339 timestamp",
			})
			return
		}
	}

	created, err := h.manager.CreateJob(c.Request.Context(), job.Type(req.JobType), req.InputData, req.UserID)
	if err != nil {
		if errors.Is(err, job.ErrInvalidJobType) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Unknown job type: " + req.JobType,
			})
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if !delayUntil.IsZero() {
		h.scheduler.Delay(created.ID, delayUntil)
	}

	c.JSON(http.StatusCreated, toJobDTO(created))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	found, err := h.manager.GetJobStatus(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(found))
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.manager.ListJobs(c.Request.Context(), store.ListQuery{
		Status:   job.Status(req.Status),
		Type:     job.Type(req.JobType),
		UserID:   req.UserID,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{
		Jobs: make([]dto.JobDTO, len(jobs)),
	}
	for i, j := range jobs {
		resp.Jobs[i] = toJobDTO(j)
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&store.Cursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.manager.CancelJob(c.Request.Context(), jobID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"job_id": jobID,
			"status": string(job.StatusCancelled),
		})
	case errors.Is(err, job.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
	case errors.Is(err, job.ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job already in a terminal status",
		})
	default:
		h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
	}
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Only terminal jobs may be removed; active jobs must be cancelled first.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.manager.DeleteJob(c.Request.Context(), jobID)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, job.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
	case errors.Is(err, job.ErrNotTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job is still active, cancel it first",
		})
	default:
		h.logger.Error("Failed to delete job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete job",
		})
	}
}
