package wstransport

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn wraps a websocket.Conn with a net.Conn byte-stream
// interface. Each Write becomes one binary WebSocket message; Reads drain
// inbound messages in order, spanning message boundaries as needed.
type WebSocketConn struct {
	wsConn *websocket.Conn

	// readMu serializes Read; reader is the remainder of the current
	// inbound message.
	readMu sync.Mutex
	reader io.Reader

	// writeMu serializes Write.
	writeMu sync.Mutex
}

// NewWebSocketConn wraps an established websocket.Conn. The returned conn
// owns the websocket and closes it on Close.
func NewWebSocketConn(wsConn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{wsConn: wsConn}
}

// Read implements net.Conn.
func (c *WebSocketConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.reader == nil {
			msgType, r, err := c.wsConn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				// Non-binary frames carry nothing for the byte stream.
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// Write implements net.Conn.
func (c *WebSocketConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.wsConn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close implements net.Conn. A normal close frame is sent on a best-effort
// basis so the peer sees a clean EOF rather than an abnormal closure.
func (c *WebSocketConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.wsConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.wsConn.Close()
}

// LocalAddr implements net.Conn.
func (c *WebSocketConn) LocalAddr() net.Addr {
	return c.wsConn.LocalAddr()
}

// RemoteAddr implements net.Conn.
func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.wsConn.RemoteAddr()
}

// SetDeadline implements net.Conn.
func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.wsConn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.wsConn.SetWriteDeadline(t)
}

// SetReadDeadline implements net.Conn.
func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return c.wsConn.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn.
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.wsConn.SetWriteDeadline(t)
}
