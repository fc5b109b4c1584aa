// Package wstransport carries the secure session protocol over WebSockets.
// It adapts a gorilla/websocket message connection to the net.Conn byte
// stream the session engine consumes, provides a dialer with exponential
// backoff for clients, and an http.Handler upgrade path for servers.
package wstransport
