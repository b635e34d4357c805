package router

import (
	"github.com/gin-gonic/gin"

	"github.com/ndquoc/devrunner/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create and start a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs, ?active=true for non-terminal only
			jobs.GET("", jobHandler.ListJobs)

			// POST /api/v1/jobs/clear - Force-terminate and remove all jobs
			jobs.POST("/clear", jobHandler.ClearJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// GET /api/v1/jobs/:job_id/output - Live output stream (SSE)
			jobs.GET("/:job_id/output", jobHandler.StreamOutput)

			// GET /api/v1/jobs/:job_id/diff - Captured diff while awaiting approval
			jobs.GET("/:job_id/diff", jobHandler.GetDiff)

			// POST /api/v1/jobs/:job_id/respond - Approve or reject the checkpoint
			jobs.POST("/:job_id/respond", jobHandler.Respond)
		}
	}

	return r
}
