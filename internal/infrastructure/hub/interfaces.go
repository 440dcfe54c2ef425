package hub

import "context"

// Connection is one downstream browser stream (SSE, WebSocket).
type Connection interface {
	ID() string
	Type() string
	Send(ctx context.Context, message *Message) error
	Close() error
	IsClosed() bool
	Context() context.Context
	// Wants reports whether the connection receives messages on topic. A
	// connection without topics receives everything.
	Wants(topic string) bool
	Topics() []string
}

// Message is the envelope written to browsers. Data is a
// workflow.StatusUpdate for status messages.
type Message struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Topic   string            `json:"topic,omitempty"`
	Data    interface{}       `json:"data"`
	Headers map[string]string `json:"headers,omitempty"`
}
