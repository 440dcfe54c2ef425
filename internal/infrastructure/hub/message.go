package hub

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"go-workflow-status/internal/domain/workflow"
)

// MessageType names the envelope kinds written to browsers.
type MessageType string

const (
	MessageTypeConnection MessageType = "connection"
	MessageTypeStatus     MessageType = "status"
	MessageTypeKeepAlive  MessageType = "keepalive"
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"
)

// MessagePriority is carried in the "priority" header.
type MessagePriority string

const (
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
)

// MessageBuilder builds messages with a fluent interface.
type MessageBuilder struct {
	message *Message
}

func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{
		message: &Message{
			Headers: make(map[string]string),
		},
	}
}

func (mb *MessageBuilder) WithID(id string) *MessageBuilder {
	mb.message.ID = id
	return mb
}

func (mb *MessageBuilder) WithType(msgType MessageType) *MessageBuilder {
	mb.message.Type = string(msgType)
	return mb
}

func (mb *MessageBuilder) WithTopic(topic string) *MessageBuilder {
	mb.message.Topic = topic
	return mb
}

func (mb *MessageBuilder) WithData(data interface{}) *MessageBuilder {
	mb.message.Data = data
	return mb
}

func (mb *MessageBuilder) WithHeader(key, value string) *MessageBuilder {
	if mb.message.Headers == nil {
		mb.message.Headers = make(map[string]string)
	}
	mb.message.Headers[key] = value
	return mb
}

func (mb *MessageBuilder) WithPriority(priority MessagePriority) *MessageBuilder {
	return mb.WithHeader("priority", string(priority))
}

func (mb *MessageBuilder) WithTimestamp(ts time.Time) *MessageBuilder {
	return mb.WithHeader("timestamp", ts.UTC().Format(time.RFC3339Nano))
}

// Build fills in a random ID and the current time when they were not set.
func (mb *MessageBuilder) Build() *Message {
	if mb.message.ID == "" {
		mb.message.ID = uuid.NewString()
	}
	if _, exists := mb.message.Headers["timestamp"]; !exists {
		mb.WithTimestamp(time.Now())
	}
	return mb.message
}

// StatusMessage wraps a canonical update. Terminal updates are sent with
// high priority.
func StatusMessage(update workflow.StatusUpdate) *Message {
	priority := PriorityNormal
	if update.Terminal {
		priority = PriorityHigh
	}
	return NewMessageBuilder().
		WithType(MessageTypeStatus).
		WithTopic(update.Topic).
		WithData(update).
		WithHeader("source", string(update.Source)).
		WithHeader("terminal", strconv.FormatBool(update.Terminal)).
		WithPriority(priority).
		WithTimestamp(update.Timestamp).
		Build()
}

// ConnectionMessage greets a new browser connection.
func ConnectionMessage(connID, connType string, topics []string) *Message {
	return NewMessageBuilder().
		WithType(MessageTypeConnection).
		WithData(map[string]interface{}{
			"connection_id": connID,
			"type":          connType,
			"topics":        topics,
		}).
		Build()
}

// KeepAliveMessage is written periodically to idle streams.
func KeepAliveMessage(now time.Time) *Message {
	return NewMessageBuilder().
		WithType(MessageTypeKeepAlive).
		WithData(map[string]interface{}{"timestamp": now.Unix()}).
		WithTimestamp(now).
		Build()
}

// SubscribedMessage acknowledges a topic change requested by a browser.
func SubscribedMessage(action, topic string, topics []string) *Message {
	return NewMessageBuilder().
		WithType(MessageTypeSubscribed).
		WithTopic(topic).
		WithData(map[string]interface{}{
			"action": action,
			"topics": topics,
		}).
		Build()
}

func ErrorMessage(code, message string) *Message {
	return NewMessageBuilder().
		WithType(MessageTypeError).
		WithData(map[string]interface{}{
			"code":    code,
			"message": message,
		}).
		WithPriority(PriorityHigh).
		Build()
}

// Validate checks a message before it is queued.
func Validate(message *Message) error {
	if message == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if message.ID == "" {
		return fmt.Errorf("message ID cannot be empty")
	}
	if !IsValidMessageType(message.Type) {
		return fmt.Errorf("unknown message type %q", message.Type)
	}
	if message.Type == string(MessageTypeStatus) && message.Topic == "" {
		return fmt.Errorf("status message %s has no topic", message.ID)
	}
	if message.Data != nil {
		if _, err := json.Marshal(message.Data); err != nil {
			return fmt.Errorf("message data must be JSON serializable: %w", err)
		}
	}
	return nil
}

func IsValidMessageType(msgType string) bool {
	switch MessageType(msgType) {
	case MessageTypeConnection, MessageTypeStatus, MessageTypeKeepAlive, MessageTypeSubscribed, MessageTypeError:
		return true
	}
	return false
}

// GetMessagePriority extracts the priority header.
func GetMessagePriority(message *Message) MessagePriority {
	if message.Headers == nil {
		return PriorityNormal
	}
	switch p := MessagePriority(message.Headers["priority"]); p {
	case PriorityNormal, PriorityHigh:
		return p
	default:
		return PriorityNormal
	}
}
