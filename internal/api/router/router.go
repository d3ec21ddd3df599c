package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobmarket/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(deps.AllowedOrigins))

	// Health check endpoint
	r.GET("/health", healthHandler(deps.Checks))

	jobHandler := handler.NewJobHandler(deps)
	syncHandler := handler.NewSyncHandler(deps)
	realtimeHandler := handler.NewRealtimeHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(RequireActor())
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create a draft job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/snapshot - Job with bids and escrow
			jobs.GET("/:job_id/snapshot", jobHandler.Snapshot)

			// Status transitions
			jobs.POST("/:job_id/post", jobHandler.PostJob)
			jobs.POST("/:job_id/accept", jobHandler.AcceptBid)
			jobs.POST("/:job_id/start", jobHandler.StartJob)
			jobs.POST("/:job_id/complete", jobHandler.CompleteJob)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
			jobs.POST("/:job_id/close", jobHandler.CloseJob)

			// Bids
			jobs.POST("/:job_id/bids", jobHandler.SubmitBid)
			jobs.GET("/:job_id/bids", jobHandler.ListBids)
		}

		// POST /api/v1/bids/:bid_id/withdraw - Withdraw own bid
		v1.POST("/bids/:bid_id/withdraw", jobHandler.WithdrawBid)

		sync := v1.Group("/sync/:client_id")
		{
			sync.POST("/entries", syncHandler.Upload)
			sync.GET("/entries", syncHandler.List)
			sync.POST("/replay", syncHandler.Replay)
			sync.POST("/entries/:entry_id/resolve", syncHandler.Resolve)
		}

		// GET /api/v1/realtime - WebSocket change feed
		v1.GET("/realtime", realtimeHandler.Connect)
	}

	return r
}

func healthHandler(checks map[string]handler.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check.HealthCheck(ctx); err != nil {
				components[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			components[name] = "ok"
		}

		health := "healthy"
		if status != http.StatusOK {
			health = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":     health,
			"service":    "jobmarket-api-service",
			"components": components,
		})
	}
}
