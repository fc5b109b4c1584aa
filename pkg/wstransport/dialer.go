package wstransport

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/logger"
)

// Subprotocol is the WebSocket subprotocol name the transport requires on
// both ends. Servers refuse clients that offer anything else.
const Subprotocol = "sshcore-v1"

// DialConfig controls DialWebSocket.
type DialConfig struct {
	// HandshakeTimeout bounds the WebSocket upgrade. Zero means 45s.
	HandshakeTimeout time.Duration

	// MaxRetryCount bounds dial attempts; 0 means a single attempt, a
	// negative value retries forever.
	MaxRetryCount int

	// MaxRetryInterval caps the backoff delay between attempts. Zero
	// means 30s.
	MaxRetryInterval time.Duration

	// HostHeader overrides the Host header sent with the upgrade request.
	HostHeader string

	// HTTPProxyURL, when set, routes the connection through an HTTP
	// CONNECT proxy.
	HTTPProxyURL *url.URL
}

// DialWebSocket dials a WebSocket transport endpoint, retrying with
// exponential backoff on connection errors, and returns it wrapped as a
// net.Conn ready for a session. The server URL may use http/https or
// ws/wss schemes.
func DialWebSocket(ctx context.Context, lg logger.Logger, server string, cfg DialConfig) (*WebSocketConn, error) {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 45 * time.Second
	}
	if cfg.MaxRetryInterval == 0 {
		cfg.MaxRetryInterval = 30 * time.Second
	}

	wsURL := toWebSocketURL(server)
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	if cfg.HTTPProxyURL != nil {
		d.Proxy = func(*http.Request) (*url.URL, error) {
			return cfg.HTTPProxyURL, nil
		}
	}
	wsHeaders := http.Header{}
	if cfg.HostHeader != "" {
		wsHeaders = http.Header{"Host": {cfg.HostHeader}}
	}

	b := &backoff.Backoff{Max: cfg.MaxRetryInterval}
	for {
		wsConn, _, err := d.DialContext(ctx, wsURL, wsHeaders)
		if err == nil {
			lg.DLogf("Connected to %s", wsURL)
			return NewWebSocketConn(wsConn), nil
		}

		attempt := int(b.Attempt())
		if cfg.MaxRetryCount >= 0 && attempt >= cfg.MaxRetryCount {
			return nil, lg.DLogErrorf("Connection to %s failed after %d attempts: %s", wsURL, attempt+1, err)
		}
		delay := b.Duration()
		lg.ILogf("Connection error: %s (attempt %d); retrying in %s", err, attempt+1, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// toWebSocketURL swaps an http/https scheme for ws/wss; ws/wss URLs pass
// through unchanged.
func toWebSocketURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://")
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://")
	}
	return server
}
