package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/storysmith/storysmith-backend/internal/http/handlers"
	httpMW "github.com/storysmith/storysmith-backend/internal/http/middleware"
	"github.com/storysmith/storysmith-backend/internal/pkg/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	AuthMiddleware *httpMW.AuthMiddleware

	GenerationHandler *httpH.GenerationHandler
	JobHandler        *httpH.JobHandler
	StreamHandler     *httpH.StreamHandler
	HealthHandler     *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.Health)
	}

	api := r.Group("/api")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.RequireAuth())
	}

	if cfg.StreamHandler != nil {
		api.GET("/stream", cfg.StreamHandler.Stream)
	}

	if cfg.GenerationHandler != nil {
		api.POST("/scenes/:id/generate", cfg.GenerationHandler.Generate)
		api.GET("/scenes/:id/versions", cfg.GenerationHandler.ListVersions)
		api.GET("/scenes/:id/versions/current", cfg.GenerationHandler.GetCurrentVersion)
		api.GET("/scenes/:id/generations", cfg.GenerationHandler.ListGenerationRecords)
	}

	if cfg.JobHandler != nil {
		api.GET("/jobs", cfg.JobHandler.ListActive)
		api.GET("/jobs/:id", cfg.JobHandler.Get)
		api.GET("/jobs/:id/events", cfg.JobHandler.Events)
		api.POST("/jobs/:id/cancel", cfg.JobHandler.Cancel)
		api.POST("/jobs/:id/restart", cfg.JobHandler.Restart)
	}

	return r
}
