package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clipnotes/clipnotes-be/internal/api/handler"
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
		if deps.Health != nil {
			if err := deps.Health.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "clipnotes-api",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "clipnotes-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a video URL for processing
			jobs.POST("", jobHandler.SubmitJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/progress - Polling progress snapshot
			jobs.GET("/:job_id/progress", jobHandler.GetProgress)

			// GET /api/v1/jobs/:job_id/events - Live progress over SSE
			jobs.GET("/:job_id/events", jobHandler.StreamEvents)

			// POST /api/v1/jobs/:job_id/retry - Re-enqueue a FAILED job
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)

			// DELETE /api/v1/jobs/:job_id - Cancel a job
			jobs.DELETE("/:job_id", jobHandler.CancelJob)
		}

		owners := v1.Group("/owners")
		{
			// GET /api/v1/owners/:owner_id/balance - Ledger balance
			owners.GET("/:owner_id/balance", jobHandler.GetBalance)
		}
	}

	return r
}
