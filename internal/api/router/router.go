package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fableforge/fableforge/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "fableforge-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	workerHandler := handler.NewWorkerHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create a new job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// DELETE /api/v1/jobs/:job_id - Delete a terminal job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}

		w := v1.Group("/worker")
		{
			// POST /api/v1/worker/process - Trigger a processing pass
			w.POST("/process", workerHandler.ProcessJobs)

			// GET /api/v1/worker/status - Queue snapshot and health
			w.GET("/status", workerHandler.Status)

			// GET /api/v1/worker/stats - Per-status and per-type counts
			w.GET("/stats", workerHandler.Stats)
		}
	}

	return r
}
