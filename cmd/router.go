package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"go-workflow-status/internal/infrastructure/hub"
	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/interfaces/rest/v1/handler"
	"go-workflow-status/internal/interfaces/sse"
	"go-workflow-status/internal/interfaces/websocket"
	"go-workflow-status/internal/port/inbound"
)

func InitRouter(hubInstance *hub.Hub, relay inbound.StatusRelayUseCase, log logger.Logger) http.Handler {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	rootGroup := router.Group("")

	rootGroup.GET("/hub/status", func(c *gin.Context) {
		stats := hubInstance.Stats()
		status := "healthy"
		if !stats.Running {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    status,
			"hub":       stats,
			"transport": relay.Transport(c.Request.Context()),
		})
	})

	handler.InitJobRouter(log, relay, rootGroup)
	sse.InitSSERouter(log, hubInstance, relay, rootGroup)
	websocket.InitWebSocketRouter(log, hubInstance, relay, rootGroup)

	return router
}
