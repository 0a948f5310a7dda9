package router

import (
	"github.com/gin-gonic/gin"

	"github.com/lingotrack/transcriber/internal/bootstrap"
	"github.com/lingotrack/transcriber/internal/httpapi"
	"github.com/lingotrack/transcriber/internal/middleware"
	"github.com/lingotrack/transcriber/internal/ws"
)

// New creates and configures the router with every route. All
// dependencies are explicitly injected through AppDependencies.
func New(deps *bootstrap.AppDependencies) *gin.Engine {
	ginRouter := gin.New()

	// RequestID runs first so the access log and every handler see the id
	ginRouter.Use(middleware.RequestID())
	ginRouter.Use(middleware.Logger())
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(deps.RateLimiter.Gin())

	jobs := httpapi.NewJobRegistry(deps.Service)
	ginRouter.POST("/transcribe", jobs.SubmitHandler)
	ginRouter.GET("/transcribe/:session_id", jobs.ResultHandler)

	wsHandler := ws.NewHandler(deps.Progress)
	ginRouter.GET("/ws/:session_id", wsHandler.Serve)

	ginRouter.GET("/health", httpapi.HealthHandler(deps))
	ginRouter.GET("/stats", httpapi.StatsHandler(deps))

	return ginRouter
}
