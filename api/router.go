package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"renderq/config"
)

func SetupRouter(h *Handler, cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := r.Group("/")
	authed.Use(AuthMiddleware(cfg))
	{
		authed.POST("/jobs", h.handleCreateJob)
		authed.GET("/jobs", h.handleListJobs)
		authed.GET("/jobs/:id", h.handleGetJob)
		authed.GET("/jobs/:id/stream", h.handleStreamJob)
		authed.GET("/jobs/:id/ws", h.handleWatchJob)
		authed.POST("/jobs/:id/cancel", h.handleCancelJob)
		authed.POST("/jobs/:id/retry", h.handleRetryJob)
		authed.GET("/stats", h.handleStats)

		// Artifact URLs are unguessable, but we keep them behind auth for
		// consistency.
		authed.GET("/files/:filename", h.handleGetFile)
	}
	return r
}
