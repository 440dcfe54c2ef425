package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gorilla/websocket"

	"go-workflow-status/internal/infrastructure/logger"
)

const (
	keepAliveInterval = 30 * time.Second
	inactiveTimeout   = 5 * time.Minute
	sseWriteTimeout   = 10 * time.Second
)

// topicSet is the topic filter shared by both connection types.
type topicSet struct {
	mu     sync.RWMutex
	topics map[string]struct{}
}

func newTopicSet(topics []string) *topicSet {
	s := &topicSet{topics: make(map[string]struct{}, len(topics))}
	for _, t := range topics {
		if t != "" {
			s.topics[t] = struct{}{}
		}
	}
	return s
}

func (s *topicSet) Wants(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

func (s *topicSet) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *topicSet) add(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *topicSet) remove(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// SSEConnection streams messages to a browser as server-sent events.
type SSEConnection struct {
	*topicSet

	id     string
	writer http.ResponseWriter

	ctx    context.Context
	cancel context.CancelFunc

	closed   bool
	closedMu sync.RWMutex

	// one event is written at a time
	writeMu sync.Mutex

	logger logger.Logger

	lastActivity time.Time
	activityMu   sync.RWMutex
}

// NewSSEConnection wraps w. The connection ends when ctx does.
func NewSSEConnection(
	ctx context.Context,
	id string,
	topics []string,
	w http.ResponseWriter,
	logger logger.Logger,
) *SSEConnection {
	rctx, cancel := context.WithCancel(ctx)

	conn := &SSEConnection{
		topicSet:     newTopicSet(topics),
		id:           id,
		writer:       w,
		ctx:          rctx,
		cancel:       cancel,
		logger:       logger.WithField("connection_id", id),
		lastActivity: time.Now(),
	}

	go conn.keepAlive()

	return conn
}

func (c *SSEConnection) ID() string { return c.id }

func (c *SSEConnection) Type() string { return "sse" }

// Send writes message as one SSE event and flushes it.
func (c *SSEConnection) Send(ctx context.Context, message *Message) error {
	if c.IsClosed() {
		return fmt.Errorf("connection %s is closed", c.id)
	}

	c.updateActivity()

	done := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		if c.IsClosed() {
			done <- fmt.Errorf("connection %s is closed", c.id)
			return
		}
		err := sse.Encode(c.writer, sse.Event{
			Id:    message.ID,
			Event: message.Type,
			Data:  *message,
		})
		if err != nil {
			done <- err
			return
		}
		if flusher, ok := c.writer.(http.Flusher); ok {
			flusher.Flush()
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			c.logger.Errorf("Failed to write event: %v", err)
			_ = c.Close()
			return err
		}
		return nil

	case <-ctx.Done():
		c.logger.Warn("Send cancelled")
		return ctx.Err()

	case <-time.After(sseWriteTimeout):
		c.logger.Warn("Send timed out")
		_ = c.Close()
		return fmt.Errorf("send timeout")
	}
}

func (c *SSEConnection) Close() error {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	c.logger.Info("SSE connection closed")
	return nil
}

// Detach closes the connection and waits for an in-flight write to finish.
// The handler that owns the response writer calls it before returning.
func (c *SSEConnection) Detach() {
	_ = c.Close()
	c.writeMu.Lock()
	c.writeMu.Unlock()
}

func (c *SSEConnection) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

func (c *SSEConnection) Context() context.Context { return c.ctx }

func (c *SSEConnection) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.IsClosed() {
				return
			}

			c.activityMu.RLock()
			lastActivity := c.lastActivity
			c.activityMu.RUnlock()

			if time.Since(lastActivity) > inactiveTimeout {
				c.logger.Info("Connection inactive for too long, closing")
				_ = c.Close()
				return
			}

			if err := c.Send(c.ctx, KeepAliveMessage(time.Now())); err != nil {
				c.logger.Errorf("Failed to send keep-alive: %v", err)
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *SSEConnection) updateActivity() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

// clientFrame is what a browser may send over its WebSocket to change the
// topics it receives.
type clientFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// WebSocketConnection streams messages to a browser over a WebSocket.
// Browsers may send {"action":"subscribe"|"unsubscribe","topic":...} to
// change their topic filter.
type WebSocketConnection struct {
	*topicSet

	id   string
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	closed   bool
	closedMu sync.RWMutex

	logger logger.Logger

	send chan *Message

	lastActivity time.Time
	activityMu   sync.RWMutex

	writeTimeout time.Duration
	pongTimeout  time.Duration
}

func NewWebSocketConnection(
	id string,
	topics []string,
	conn *websocket.Conn,
	logger logger.Logger,
) *WebSocketConnection {
	ctx, cancel := context.WithCancel(context.Background())

	wsConn := &WebSocketConnection{
		topicSet:     newTopicSet(topics),
		id:           id,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.WithField("connection_id", id),
		send:         make(chan *Message, 256),
		lastActivity: time.Now(),
		writeTimeout: 10 * time.Second,
		pongTimeout:  60 * time.Second,
	}

	wsConn.setupWebSocket()

	go wsConn.writePump()
	go wsConn.readPump()

	return wsConn
}

func (c *WebSocketConnection) ID() string { return c.id }

func (c *WebSocketConnection) Type() string { return "websocket" }

// Send queues message for the write pump.
func (c *WebSocketConnection) Send(ctx context.Context, message *Message) error {
	if c.IsClosed() {
		return fmt.Errorf("connection %s is closed", c.id)
	}

	select {
	case c.send <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf("connection closed")
	case <-time.After(5 * time.Second):
		return fmt.Errorf("send timeout")
	}
}

func (c *WebSocketConnection) Close() error {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	// WriteControl may run concurrently with the write pump.
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout),
	)
	_ = c.conn.Close()

	c.logger.Info("WebSocket connection closed")
	return nil
}

func (c *WebSocketConnection) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

func (c *WebSocketConnection) Context() context.Context { return c.ctx }

func (c *WebSocketConnection) setupWebSocket() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.updateActivity()
		return c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})
}

func (c *WebSocketConnection) writePump() {
	// ping well inside the pong timeout
	ticker := time.NewTicker(c.pongTimeout * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Errorf("Failed to write message: %v", err)
				_ = c.Close()
				return
			}
			c.updateActivity()

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Errorf("Failed to send ping: %v", err)
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *WebSocketConnection) readPump() {
	defer func() {
		_ = c.Close()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
			) {
				c.logger.Errorf("WebSocket error: %v", err)
			}
			return
		}

		c.updateActivity()

		if messageType != websocket.TextMessage {
			c.logger.Debugf("Ignoring message of type %d", messageType)
			continue
		}
		c.handleClientFrame(data)
	}
}

func (c *WebSocketConnection) handleClientFrame(data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Topic == "" {
		c.logger.Debugf("Ignoring client frame: %s", string(data))
		c.reply(ErrorMessage("bad_frame", "expected {\"action\":\"subscribe\"|\"unsubscribe\",\"topic\":...}"))
		return
	}

	switch frame.Action {
	case "subscribe":
		c.add(frame.Topic)
	case "unsubscribe":
		c.remove(frame.Topic)
	default:
		c.reply(ErrorMessage("bad_action", fmt.Sprintf("unknown action %q", frame.Action)))
		return
	}
	c.logger.Debugf("%s %s", frame.Action, frame.Topic)
	c.reply(SubscribedMessage(frame.Action, frame.Topic, c.Topics()))
}

func (c *WebSocketConnection) reply(message *Message) {
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := c.Send(ctx, message); err != nil {
		c.logger.Errorf("Failed to send reply: %v", err)
	}
}

func (c *WebSocketConnection) updateActivity() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}
