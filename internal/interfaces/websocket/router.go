package websocket

import (
	"github.com/gin-gonic/gin"

	"go-workflow-status/internal/infrastructure/hub"
	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/port/inbound"
)

// InitWebSocketRouter initializes WebSocket routes
func InitWebSocketRouter(logger logger.Logger, hubInstance *hub.Hub, relay inbound.StatusRelayUseCase, rg *gin.RouterGroup) {
	wsHandler := NewWebSocketHandler(hubInstance, relay, logger)

	wsGroup := rg.Group("/ws")
	wsGroup.GET("", wsHandler.Connect)

	apiGroup := rg.Group("/api/v1/ws")
	apiGroup.GET("/connections", wsHandler.GetConnections)
}
