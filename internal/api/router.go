package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/timmy/mailtriage/internal/api/handler"
	"github.com/timmy/mailtriage/internal/api/middleware"
	"github.com/timmy/mailtriage/internal/config"
)

// Services are the collaborators the HTTP surface calls into.
type Services struct {
	Jobs   handler.JobService
	Chunks handler.ChunkProcessor
	Queue  handler.QueueInspector // optional
	Ping   func(ctx context.Context) error
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(svc Services, server *config.ServerConfig, queue *config.QueueConfig) *gin.Engine {
	switch server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware("api"))
	r.Use(middleware.CORS(server.CORS))

	healthHandler := handler.NewHealthHandler(svc.Ping)
	batchHandler := handler.NewBatchHandler(svc.Jobs, svc.Chunks, svc.Queue)

	r.GET("/health", healthHandler.Health)

	// Queue callback
	r.POST(queue.WorkerPath, middleware.WorkerAuth(queue.WorkerToken), batchHandler.ProcessChunk)

	v1 := r.Group("/api/v1/batch")
	{
		v1.POST("/jobs", batchHandler.StartJob)
		v1.GET("/jobs/:job_id", batchHandler.GetStatus)
		v1.POST("/jobs/:job_id/resume", batchHandler.ResumeJob)
		v1.POST("/jobs/:job_id/pause", batchHandler.PauseJob)
		v1.GET("/latest", batchHandler.LatestStatus)
		v1.GET("/plan", batchHandler.Plan)
		v1.GET("/queue", batchHandler.QueueStats)
	}

	return r
}
