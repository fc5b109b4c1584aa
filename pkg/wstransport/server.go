package wstransport

import (
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
	Subprotocols:    []string{Subprotocol},
}

// Handler is an http.Handler that upgrades matching requests to WebSocket
// transport connections and hands each one to Serve as a net.Conn. Serve
// runs on its own goroutine and owns the conn; the websocket is closed when
// it returns. Requests that are not transport upgrades fall through to
// Fallback, or 404 when Fallback is nil.
type Handler struct {
	Logger   logger.Logger
	Serve    func(conn net.Conn)
	Fallback http.Handler
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.ToLower(r.Header.Get("Upgrade")) == "websocket" {
		protocol := r.Header.Get("Sec-WebSocket-Protocol")
		if strings.Contains(protocol, Subprotocol) {
			h.Logger.DLogf("Upgrading to websocket, URL tail=%q, protocol=%q", r.URL.String(), protocol)
			wsConn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				h.Logger.DLogf("Failed to upgrade to websocket: %s", err)
				return
			}
			go func() {
				conn := NewWebSocketConn(wsConn)
				h.Serve(conn)
				conn.Close()
			}()
			return
		}
		h.Logger.ILogf("Client connection using unsupported websocket protocol %q, expected %q",
			protocol, Subprotocol)
		http.Error(w, "Not Found", 404)
		return
	}

	if h.Fallback != nil {
		h.Fallback.ServeHTTP(w, r)
		return
	}
	http.Error(w, "Not Found", 404)
}
