package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-workflow-status/internal/infrastructure/logger"
)

var ErrHubNotRunning = errors.New("hub is not running")

const (
	cleanupInterval = 30 * time.Second
	deliverTimeout  = 10 * time.Second
	enqueueTimeout  = 5 * time.Second
)

// Hub fans status messages out to the browser connections subscribed to
// their topic.
type Hub struct {
	connections   map[string]Connection
	connectionsMu sync.RWMutex

	running   bool
	runningMu sync.RWMutex

	logger logger.Logger

	register   chan Connection
	unregister chan string
	publish    chan *Message

	ctx    context.Context
	cancel context.CancelFunc
}

// Stats summarises the registered connections.
type Stats struct {
	Running     bool           `json:"running"`
	Connections int            `json:"connections"`
	ByType      map[string]int `json:"by_type"`
	Topics      map[string]int `json:"topics"`
}

func New(logger logger.Logger) *Hub {
	return &Hub{
		connections: make(map[string]Connection),
		logger:      logger.WithField("component", "hub"),
		register:    make(chan Connection, 100),
		unregister:  make(chan string, 100),
		publish:     make(chan *Message, 1000),
	}
}

// Start begins processing connection events.
func (h *Hub) Start(ctx context.Context) error {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()

	if h.running {
		return fmt.Errorf("hub is already running")
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.running = true

	go h.run()

	h.logger.Info("Hub started")
	return nil
}

// Stop closes every connection and stops the run loop.
func (h *Hub) Stop(ctx context.Context) error {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()

	if !h.running {
		return nil
	}

	h.cancel()

	h.connectionsMu.Lock()
	for _, conn := range h.connections {
		if err := conn.Close(); err != nil {
			h.logger.Errorf("Failed to close connection %s: %v", conn.ID(), err)
		}
	}
	h.connections = make(map[string]Connection)
	h.connectionsMu.Unlock()

	h.running = false
	h.logger.Info("Hub stopped")
	return nil
}

func (h *Hub) IsRunning() bool {
	h.runningMu.RLock()
	defer h.runningMu.RUnlock()
	return h.running
}

// RegisterConnection adds conn. It is unregistered again when its context
// ends.
func (h *Hub) RegisterConnection(conn Connection) error {
	if !h.IsRunning() {
		return ErrHubNotRunning
	}

	select {
	case h.register <- conn:
		return nil
	case <-h.ctx.Done():
		return ErrHubNotRunning
	case <-time.After(enqueueTimeout):
		return fmt.Errorf("timeout registering connection %s", conn.ID())
	}
}

func (h *Hub) UnregisterConnection(connID string) error {
	if !h.IsRunning() {
		return ErrHubNotRunning
	}

	select {
	case h.unregister <- connID:
		return nil
	case <-h.ctx.Done():
		return ErrHubNotRunning
	case <-time.After(enqueueTimeout):
		return fmt.Errorf("timeout unregistering connection %s", connID)
	}
}

func (h *Hub) GetConnection(connID string) (Connection, bool) {
	h.connectionsMu.RLock()
	defer h.connectionsMu.RUnlock()

	conn, exists := h.connections[connID]
	return conn, exists
}

func (h *Hub) GetConnections() []Connection {
	h.connectionsMu.RLock()
	defer h.connectionsMu.RUnlock()

	connections := make([]Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		connections = append(connections, conn)
	}
	return connections
}

// GetConnectionsByTopic returns the connections that want topic.
func (h *Hub) GetConnectionsByTopic(topic string) []Connection {
	h.connectionsMu.RLock()
	defer h.connectionsMu.RUnlock()

	var connections []Connection
	for _, conn := range h.connections {
		if conn.Wants(topic) {
			connections = append(connections, conn)
		}
	}
	return connections
}

func (h *Hub) ConnectionCount() int {
	h.connectionsMu.RLock()
	defer h.connectionsMu.RUnlock()
	return len(h.connections)
}

func (h *Hub) Stats() Stats {
	s := Stats{
		Running: h.IsRunning(),
		ByType:  make(map[string]int),
		Topics:  make(map[string]int),
	}

	h.connectionsMu.RLock()
	defer h.connectionsMu.RUnlock()
	s.Connections = len(h.connections)
	for _, conn := range h.connections {
		s.ByType[conn.Type()]++
		for _, topic := range conn.Topics() {
			s.Topics[topic]++
		}
	}
	return s
}

// Publish queues message for every connection that wants message.Topic.
func (h *Hub) Publish(ctx context.Context, message *Message) error {
	if !h.IsRunning() {
		return ErrHubNotRunning
	}

	select {
	case h.publish <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrHubNotRunning
	case <-time.After(enqueueTimeout):
		return fmt.Errorf("timeout publishing message %s", message.ID)
	}
}

// SendToConnection writes message to one connection directly.
func (h *Hub) SendToConnection(ctx context.Context, connID string, message *Message) error {
	conn, exists := h.GetConnection(connID)
	if !exists {
		return fmt.Errorf("connection %s not found", connID)
	}

	if err := conn.Send(ctx, message); err != nil {
		h.logger.Errorf("Failed to send message to connection %s: %v", connID, err)
		_ = h.UnregisterConnection(connID)
		return err
	}
	return nil
}

func (h *Hub) run() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case conn := <-h.register:
			h.handleRegister(conn)

		case connID := <-h.unregister:
			h.handleUnregister(connID)

		case message := <-h.publish:
			h.handlePublish(message)

		case <-ticker.C:
			h.cleanupClosedConnections()

		case <-h.ctx.Done():
			h.logger.Info("Hub run loop stopped")
			return
		}
	}
}

func (h *Hub) handleRegister(conn Connection) {
	h.connectionsMu.Lock()
	h.connections[conn.ID()] = conn
	h.connectionsMu.Unlock()

	h.logger.Infof("Connection %s registered (type: %s, topics: %v)", conn.ID(), conn.Type(), conn.Topics())

	go func() {
		select {
		case <-conn.Context().Done():
			_ = h.UnregisterConnection(conn.ID())
		case <-h.ctx.Done():
		}
	}()
}

func (h *Hub) handleUnregister(connID string) {
	h.connectionsMu.Lock()
	conn, exists := h.connections[connID]
	if exists {
		delete(h.connections, connID)
	}
	h.connectionsMu.Unlock()

	if exists {
		_ = conn.Close()
		h.logger.Infof("Connection %s unregistered", connID)
	}
}

// handlePublish writes message to each subscribed connection on its own
// goroutine so one slow browser cannot stall the loop.
func (h *Hub) handlePublish(message *Message) {
	connections := h.GetConnectionsByTopic(message.Topic)

	for _, conn := range connections {
		go func(c Connection) {
			ctx, cancel := context.WithTimeout(h.ctx, deliverTimeout)
			defer cancel()

			if err := c.Send(ctx, message); err != nil {
				h.logger.Warnf("Failed to deliver %s to connection %s: %v", message.ID, c.ID(), err)
				_ = h.UnregisterConnection(c.ID())
			}
		}(conn)
	}

	h.logger.Debugf("Published message %s on %s to %d connections", message.ID, message.Topic, len(connections))
}

func (h *Hub) cleanupClosedConnections() {
	h.connectionsMu.Lock()
	defer h.connectionsMu.Unlock()

	for id, conn := range h.connections {
		if conn.IsClosed() {
			delete(h.connections, id)
			h.logger.Infof("Cleaned up closed connection %s", id)
		}
	}
}
