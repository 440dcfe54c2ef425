package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-workflow-status/internal/domain/workflow"
	"go-workflow-status/internal/infrastructure/hub"
	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/port/inbound"
)

// WebSocketHandler upgrades browser connections and registers them with the
// hub. Browsers change their topics over the socket afterwards.
type WebSocketHandler struct {
	hub      *hub.Hub
	relay    inbound.StatusRelayUseCase
	logger   logger.Logger
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(hubInstance *hub.Hub, relay inbound.StatusRelayUseCase, logger logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hubInstance,
		relay:  relay,
		logger: logger.WithField("handler", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Connect upgrades the request. Topics and jobs are taken from the query
// the same way as for event streams.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	if !h.hub.IsRunning() {
		h.logger.Error("Hub is not running")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable",
		})
		return
	}

	topics := c.QueryArray("topic")
	for _, jobID := range c.QueryArray("job") {
		if _, _, err := h.relay.Observe(c.Request.Context(), inbound.ObserveCommand{JobID: jobID}); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "job_id": jobID})
			return
		}
		topics = append(topics, workflow.GenerationTopic(jobID))
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("Failed to upgrade connection: %v", err)
		return
	}

	connID := "ws-" + uuid.NewString()
	wsConn := hub.NewWebSocketConnection(connID, topics, conn, h.logger)

	if err := h.hub.RegisterConnection(wsConn); err != nil {
		h.logger.Errorf("Failed to register WebSocket connection: %v", err)
		_ = wsConn.Close()
		return
	}
	_ = wsConn.Send(c.Request.Context(), hub.ConnectionMessage(connID, wsConn.Type(), wsConn.Topics()))

	h.logger.Infof("WebSocket connection %s registered for %d topics", connID, len(topics))

	<-wsConn.Context().Done()
	h.logger.Infof("WebSocket connection %s disconnected", connID)
}

// GetConnections lists the WebSocket connections.
func (h *WebSocketHandler) GetConnections(c *gin.Context) {
	connections := h.hub.GetConnections()
	connectionInfo := make([]gin.H, 0, len(connections))

	for _, conn := range connections {
		if conn.Type() != "websocket" {
			continue
		}
		connectionInfo = append(connectionInfo, gin.H{
			"id":     conn.ID(),
			"type":   conn.Type(),
			"topics": conn.Topics(),
			"closed": conn.IsClosed(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"total_connections": len(connectionInfo),
		"connections":       connectionInfo,
		"hub_running":       h.hub.IsRunning(),
	})
}
