package sse

import (
	"github.com/gin-gonic/gin"

	"go-workflow-status/internal/infrastructure/hub"
	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/port/inbound"
)

func InitSSERouter(logger logger.Logger, hubInstance *hub.Hub, relay inbound.StatusRelayUseCase, rg *gin.RouterGroup) {
	sseHandler := NewServerSentEventHandler(hubInstance, relay, logger)

	sseGroup := rg.Group("/sse")
	sseGroup.GET("", SSEHeadersMiddleware(), sseHandler.Connect)

	apiGroup := rg.Group("/api/v1/sse")
	apiGroup.GET("/connections", sseHandler.GetConnections)
	apiGroup.POST("/send/:clientId", sseHandler.SendMessage)
}
