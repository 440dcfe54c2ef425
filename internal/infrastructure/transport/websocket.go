package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer dials the backend with gorilla/websocket.
type WebSocketDialer struct {
	dialer       *websocket.Dialer
	header       http.Header
	writeTimeout time.Duration
	pongTimeout  time.Duration
}

// NewWebSocketDialer returns a dialer whose sockets expect a pong within
// pongTimeout of each ping.
func NewWebSocketDialer(header http.Header, writeTimeout, pongTimeout time.Duration) *WebSocketDialer {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if pongTimeout <= 0 {
		pongTimeout = 60 * time.Second
	}
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		header:       header,
		writeTimeout: writeTimeout,
		pongTimeout:  pongTimeout,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &wsSocket{
		conn:         conn,
		writeTimeout: d.writeTimeout,
		pongTimeout:  d.pongTimeout,
	}
	s.setup()
	return s, nil
}

type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pongTimeout  time.Duration
}

func (s *wsSocket) setup() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// any traffic proves the peer is alive
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsSocket) WriteJSON(v any) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *wsSocket) Ping() error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *wsSocket) Close() error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	_ = s.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return s.conn.Close()
}
