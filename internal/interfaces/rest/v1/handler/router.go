package handler

import (
	"github.com/gin-gonic/gin"

	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/port/inbound"
)

func InitJobRouter(logger logger.Logger, relay inbound.StatusRelayUseCase, rg *gin.RouterGroup) {
	jobHandler := NewJobHandler(relay, logger)

	apiGroup := rg.Group("/api/v1")
	{
		apiGroup.POST("/jobs/:jobId/observe", jobHandler.Observe)
		apiGroup.GET("/jobs/:jobId", jobHandler.Get)
		apiGroup.DELETE("/jobs/:jobId", jobHandler.Cancel)

		apiGroup.POST("/documents/:docId/watch", jobHandler.WatchDocument)
		apiGroup.DELETE("/documents/:docId/watch", jobHandler.UnwatchDocument)

		apiGroup.GET("/transport", jobHandler.Transport)
	}
}
