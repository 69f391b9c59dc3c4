// Package v1 provides the admin HTTP API.
package v1

import (
	"github.com/gin-gonic/gin"

	"possync/internal/domain/dlq"
	"possync/internal/domain/syncrun"
	"possync/internal/infrastructure/http/v1/handlers"
	"possync/internal/infrastructure/http/v1/middleware"
	"possync/internal/infrastructure/storage/postgres"
	"possync/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	Pool         *postgres.Pool
	Logger       *logger.Logger
	JWTValidator *middleware.JWTValidator

	Orchestrator *syncrun.Orchestrator
	Runs         syncrun.Repository
	DLQ          *dlq.Service
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Order matters: recovery wraps everything, errors render last.
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	// Health endpoints need no auth.
	healthHandler := handlers.NewHealthHandler(cfg.Pool)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	base := handlers.NewBaseHandler()
	syncHandler := handlers.NewSyncHandler(base, cfg.Orchestrator, cfg.Runs)
	dlqHandler := handlers.NewDLQHandler(base, cfg.DLQ)

	api := router.Group("/api/v1")
	api.Use(middleware.Auth(cfg.JWTValidator))
	{
		sync := api.Group("/sync")
		{
			sync.POST("", syncHandler.Trigger)
			sync.GET("/runs", syncHandler.ListRuns)
			sync.GET("/runs/:id", syncHandler.GetRun)
			sync.POST("/runs/:id/retry", syncHandler.RetryRun)
		}

		queue := api.Group("/dlq")
		{
			queue.GET("", dlqHandler.List)
			queue.GET("/stats", dlqHandler.Stats)
			queue.POST("/replay", dlqHandler.BulkReplay)
			queue.POST("/cleanup", dlqHandler.Cleanup)
			queue.GET("/:id", dlqHandler.Get)
			queue.POST("/:id/replay", dlqHandler.Replay)
			queue.POST("/:id/ack", dlqHandler.Acknowledge)
			queue.PATCH("/:id/priority", dlqHandler.UpdatePriority)
		}
	}

	return router
}
