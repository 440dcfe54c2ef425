package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// State is the lifecycle state of the backend connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
	// StateUnreachable is entered once the reconnect budget is spent. The
	// connection stays there until Connect is called again.
	StateUnreachable State = "unreachable"
)

// Frame is an inbound message from the backend.
type Frame struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Control actions sent to the backend.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ControlFrame is an outbound subscription intent.
type ControlFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// TransportError is a connection-level failure. It is recovered from by
// reconnecting.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a single inbound frame that could not be decoded. The
// frame is dropped and the connection stays up.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errMissingTopic = errors.New("frame has no topic")

// DecodeFrame parses one inbound frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &DecodeError{Size: len(data), Err: err}
	}
	if f.Topic == "" {
		return Frame{}, &DecodeError{Size: len(data), Err: errMissingTopic}
	}
	return f, nil
}
