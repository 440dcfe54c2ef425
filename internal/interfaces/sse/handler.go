package sse

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"go-workflow-status/internal/domain/workflow"
	"go-workflow-status/internal/infrastructure/hub"
	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/port/inbound"
)

type ServerSentEventHandler struct {
	hub    *hub.Hub
	relay  inbound.StatusRelayUseCase
	logger logger.Logger
}

func NewServerSentEventHandler(hubInstance *hub.Hub, relay inbound.StatusRelayUseCase, logger logger.Logger) *ServerSentEventHandler {
	return &ServerSentEventHandler{
		hub:    hubInstance,
		relay:  relay,
		logger: logger.WithField("handler", "sse"),
	}
}

// Connect opens an event stream. The stream carries the topics named by the
// topic query parameters; each job query parameter also starts observing
// that job and adds its topic. Without any topic the stream receives
// everything.
func (h *ServerSentEventHandler) Connect(c *gin.Context) {
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

	connID := "sse-" + uuid.NewString()
	conn := hub.NewSSEConnection(c.Request.Context(), connID, topics, c.Writer, h.logger)
	defer conn.Detach()

	if err := h.hub.RegisterConnection(conn); err != nil {
		h.logger.Errorf("Failed to register connection: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to register connection",
		})
		return
	}

	c.Status(http.StatusOK)
	if err := conn.Send(c.Request.Context(), hub.ConnectionMessage(connID, conn.Type(), conn.Topics())); err != nil {
		h.logger.Warnf("greeting %s failed: %v", connID, err)
		return
	}
	h.logger.Infof("SSE connection %s registered for %d topics", connID, len(topics))

	<-conn.Context().Done()
	h.logger.Infof("SSE connection %s ended", connID)
}

// SendMessage sends a message to one connection.
func (h *ServerSentEventHandler) SendMessage(c *gin.Context) {
	clientID := c.Param("clientId")

	var messageReq struct {
		Type  string      `json:"type" binding:"required"`
		Topic string      `json:"topic"`
		Data  interface{} `json:"data"`
	}
	if err := c.ShouldBindJSON(&messageReq); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid message format",
		})
		return
	}

	message := hub.NewMessageBuilder().
		WithType(hub.MessageType(messageReq.Type)).
		WithTopic(messageReq.Topic).
		WithData(messageReq.Data).
		Build()
	if err := hub.Validate(message); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, ok := h.hub.GetConnection(clientID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	if err := h.hub.SendToConnection(c.Request.Context(), clientID, message); err != nil {
		h.logger.Errorf("Failed to send message to client %s: %v", clientID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to send message",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "sent",
		"client_id":  clientID,
		"message_id": message.ID,
	})
}

// GetConnections lists the registered browser connections.
func (h *ServerSentEventHandler) GetConnections(c *gin.Context) {
	connections := h.hub.GetConnections()
	connectionInfo := make([]gin.H, len(connections))

	for i, conn := range connections {
		connectionInfo[i] = gin.H{
			"id":     conn.ID(),
			"type":   conn.Type(),
			"topics": conn.Topics(),
			"closed": conn.IsClosed(),
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"total_connections": len(connections),
		"connections":       connectionInfo,
		"hub":               h.hub.Stats(),
	})
}
