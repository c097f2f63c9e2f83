package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fableforge/fableforge/internal/api/dto"
	"github.com/fableforge/fableforge/internal/job"
)

// ProcessJobs handles POST /api/v1/worker/process
// Triggers one processing pass, a single-job run, or a retention sweep.
func (h *WorkerHandler) ProcessJobs(c *gin.Context) {
	var req dto.ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()

	if req.Cleanup {
		deleted, err := h.worker.Cleanup(ctx, req.CleanupDays)
		if err != nil {
			h.logger.Error("Cleanup failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Cleanup failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"deleted": deleted,
		})
		return
	}

	if req.JobID != "" {
		if _, err := uuid.Parse(req.JobID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "job_id must be a valid UUID",
			})
			return
		}
		processed, err := h.worker.ProcessJobByID(ctx, req.JobID)
		if err != nil {
			if errors.Is(err, job.ErrWorkerUnhealthy) {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error": "Worker unhealthy",
				})
				return
			}
			h.logger.Error("Failed to process job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to process job",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"job_id":    req.JobID,
			"processed": processed,
		})
		return
	}

	result, err := h.worker.ProcessJobs(ctx, req.MaxJobs)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, job.ErrLockContention):
		// Another region holds the tick lock; nothing to do here.
		c.JSON(http.StatusOK, gin.H{
			"processed": 0,
			"errors":    0,
			"skipped":   0,
			"note":      "pass skipped, lock held by another worker",
		})
	case errors.Is(err, job.ErrWorkerUnhealthy):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Worker unhealthy",
		})
	default:
		h.logger.Error("Processing pass failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Processing pass failed",
		})
	}
}

// Status handles GET /api/v1/worker/status
func (h *WorkerHandler) Status(c *gin.Context) {
	status, err := h.worker.QueueStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get queue status", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get queue status",
		})
		return
	}
	c.JSON(http.StatusOK, status)
}

// Stats handles GET /api/v1/worker/stats
func (h *WorkerHandler) Stats(c *gin.Context) {
	stats, err := h.worker.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get job stats", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job stats",
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}
