package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-workflow-status/internal/infrastructure/clock"
	"go-workflow-status/internal/infrastructure/logger"
)

// Socket is one open duplex stream to the backend.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Ping() error
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// Handler receives connection events. Callbacks run on connection
// goroutines; OnFrame calls for one socket are sequential and in wire order.
type Handler interface {
	OnConnected()
	OnFrame(frame Frame)
	OnStateChange(state State)
}

// Status is a point-in-time view of the connection.
type Status struct {
	State     State  `json:"state"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// Options configure a Connection.
type Options struct {
	URL          string
	Backoff      Backoff
	DialTimeout  time.Duration
	PingInterval time.Duration
}

// Connection owns the single socket to the backend and keeps it alive.
type Connection struct {
	opts   Options
	dialer Dialer
	clock  clock.Clock
	logger logger.Logger

	mu             sync.Mutex
	state          State
	lastErr        error
	attempts       int
	socket         Socket
	generation     uint64
	deliberate     bool
	reconnectTimer clock.Timer
	pingTimer      clock.Timer
	handler        Handler

	// gorilla sockets allow one concurrent writer
	writeMu sync.Mutex
}

// NewConnection creates a disconnected Connection. Nothing is dialed until
// Connect is called.
func NewConnection(opts Options, dialer Dialer, clk clock.Clock, log logger.Logger) *Connection {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Connection{
		opts:   opts,
		dialer: dialer,
		clock:  clk,
		logger: log.WithField("component", "transport"),
		state:  StateDisconnected,
	}
}

// SetHandler installs the event handler. It must be called before Connect.
func (c *Connection) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the current state together with the reconnect counters.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{State: c.state, Attempts: c.attempts}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Connect opens the socket in the background. It is a no-op while
// connecting or connected, and while a reconnect is already scheduled.
func (c *Connection) Connect() {
	c.mu.Lock()
	switch {
	case c.state == StateConnecting, c.state == StateConnected:
		c.mu.Unlock()
		return
	case c.state == StateDisconnected && c.reconnectTimer != nil && !c.deliberate:
		c.mu.Unlock()
		return
	}
	c.deliberate = false
	c.attempts = 0
	gen := c.beginConnectLocked()
	c.mu.Unlock()

	c.notifyState(StateConnecting)
	go c.dial(gen)
}

// Disconnect closes the socket deliberately and cancels any scheduled
// reconnect.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.deliberate = true
	c.stopTimersLocked()
	c.generation++
	gen := c.generation
	sock := c.socket
	c.socket = nil
	prev := c.state
	if sock != nil {
		c.state = StateClosing
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if sock == nil {
		if prev != StateDisconnected {
			c.notifyState(StateDisconnected)
		}
		return
	}

	c.notifyState(StateClosing)
	c.closeSocket(sock)

	c.mu.Lock()
	closed := c.generation == gen && c.state == StateClosing
	if closed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	if closed {
		c.logger.Info("connection closed")
		c.notifyState(StateDisconnected)
	}
}

// Send writes a control frame when connected. While not connected the frame
// is dropped; subscription intents are replayed on the next connect by the
// handler.
func (c *Connection) Send(frame ControlFrame) error {
	c.mu.Lock()
	sock := c.socket
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || sock == nil {
		c.logger.Debugf("dropping %s %s while not connected", frame.Action, frame.Topic)
		return nil
	}

	c.writeMu.Lock()
	err := sock.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warnf("send %s %s: %v", frame.Action, frame.Topic, err)
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *Connection) beginConnectLocked() uint64 {
	c.stopTimersLocked()
	c.generation++
	c.state = StateConnecting
	return c.generation
}

func (c *Connection) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	sock, err := c.dialer.Dial(ctx, c.opts.URL)
	cancel()

	c.mu.Lock()
	if gen != c.generation || c.deliberate {
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.handleDrop(gen, &TransportError{Op: "dial", Err: err})
		return
	}

	c.socket = sock
	c.state = StateConnected
	c.attempts = 0
	c.lastErr = nil
	c.schedulePingLocked(gen)
	handler := c.handler
	c.mu.Unlock()

	c.logger.Infof("connected to %s", c.opts.URL)
	c.notifyState(StateConnected)
	if handler != nil {
		handler.OnConnected()
	}

	go c.readLoop(gen, sock)
}

func (c *Connection) readLoop(gen uint64, sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			c.handleDrop(gen, &TransportError{Op: "read", Err: err})
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				c.logger.Warnf("dropping malformed frame: %v", decodeErr)
			}
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Connection) dispatch(frame Frame) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("frame handler panic on topic %s: %v", frame.Topic, r)
		}
	}()
	handler.OnFrame(frame)
}

// handleDrop moves a failed socket generation to disconnected and schedules
// the next attempt, or gives up once the budget is spent.
func (c *Connection) handleDrop(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	sock := c.socket
	c.socket = nil
	c.stopTimersLocked()
	defer c.closeSocket(sock)

	if c.deliberate {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.notifyState(StateDisconnected)
		return
	}

	c.lastErr = cause
	c.attempts++
	if c.opts.Backoff.MaxAttempts > 0 && c.attempts > c.opts.Backoff.MaxAttempts {
		c.state = StateUnreachable
		attempts := c.attempts - 1
		c.mu.Unlock()
		c.logger.Errorf("backend unreachable after %d reconnect attempts: %v", attempts, cause)
		c.notifyState(StateUnreachable)
		return
	}

	delay := c.opts.Backoff.Delay(c.attempts)
	attempt := c.attempts
	c.state = StateDisconnected
	c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.reconnect(gen) })
	c.mu.Unlock()

	c.logger.Infof("connection lost (%v), reconnect attempt %d in %s", cause, attempt, delay)
	c.notifyState(StateDisconnected)
}

func (c *Connection) reconnect(prevGen uint64) {
	c.mu.Lock()
	if prevGen != c.generation || c.deliberate || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	gen := c.beginConnectLocked()
	c.mu.Unlock()

	c.notifyState(StateConnecting)
	c.dial(gen)
}

func (c *Connection) schedulePingLocked(gen uint64) {
	if c.opts.PingInterval <= 0 {
		return
	}
	c.pingTimer = c.clock.AfterFunc(c.opts.PingInterval, func() { c.ping(gen) })
}

func (c *Connection) ping(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateConnected || c.socket == nil {
		c.mu.Unlock()
		return
	}
	sock := c.socket
	c.mu.Unlock()

	c.writeMu.Lock()
	err := sock.Ping()
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warnf("ping failed: %v", err)
		c.handleDrop(gen, &TransportError{Op: "ping", Err: err})
		return
	}

	c.mu.Lock()
	if gen == c.generation && c.state == StateConnected {
		c.schedulePingLocked(gen)
	}
	c.mu.Unlock()
}

func (c *Connection) closeSocket(sock Socket) {
	if sock == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := sock.Close(); err != nil {
		c.logger.Debugf("close socket: %v", err)
	}
}

func (c *Connection) stopTimersLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}

func (c *Connection) notifyState(s State) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler.OnStateChange(s)
	}
}

// String is used in log lines.
func (s Status) String() string {
	if s.LastError == "" {
		return fmt.Sprintf("%s (attempts=%d)", s.State, s.Attempts)
	}
	return fmt.Sprintf("%s (attempts=%d, last error: %s)", s.State, s.Attempts, s.LastError)
}
