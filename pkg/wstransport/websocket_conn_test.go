package wstransport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/sammck-go/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) logger.Logger {
	t.Helper()
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelError),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

// startEchoServer runs an HTTP test server whose websocket transport
// connections echo every byte back.
func startEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := &Handler{
		Logger: testLogger(t),
		Serve: func(conn net.Conn) {
			io.Copy(conn, conn)
		},
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestDialAndEcho(t *testing.T) {
	srv := startEchoServer(t)

	conn, err := DialWebSocket(context.Background(), testLogger(t), srv.URL, DialConfig{})
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("The quick brown fox jumps over the lazy dog")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadSpansMessages(t *testing.T) {
	srv := startEchoServer(t)

	conn, err := DialWebSocket(context.Background(), testLogger(t), srv.URL, DialConfig{})
	require.NoError(t, err)
	defer conn.Close()

	// Each Write is one websocket message; a large Read must stitch the
	// stream back together, and a small Read must leave the remainder for
	// the next call.
	for _, chunk := range []string{"alpha", "beta", "gamma"} {
		_, err = conn.Write([]byte(chunk))
		require.NoError(t, err)
	}
	got := make([]byte, len("alphabetagamma"))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "alphabetagamma", string(got))

	_, err = conn.Write([]byte("split"))
	require.NoError(t, err)
	small := make([]byte, 2)
	n, err := conn.Read(small)
	require.NoError(t, err)
	assert.Equal(t, "sp", string(small[:n]))
	rest := make([]byte, 3)
	_, err = io.ReadFull(conn, rest)
	require.NoError(t, err)
	assert.Equal(t, "lit", string(rest))
}

func TestReadAfterPeerClose(t *testing.T) {
	gotConn := make(chan net.Conn, 1)
	h := &Handler{
		Logger: testLogger(t),
		Serve: func(conn net.Conn) {
			gotConn <- conn
			// Hold the conn open until the test finishes with it.
			buf := make([]byte, 1)
			conn.Read(buf)
		},
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, err := DialWebSocket(context.Background(), testLogger(t), srv.URL, DialConfig{})
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	serverConn := <-gotConn
	serverConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = serverConn.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
}

func TestReadDeadline(t *testing.T) {
	srv := startEchoServer(t)

	conn, err := DialWebSocket(context.Background(), testLogger(t), srv.URL, DialConfig{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestFallbackHandler(t *testing.T) {
	h := &Handler{
		Logger: testLogger(t),
		Serve:  func(conn net.Conn) {},
		Fallback: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestPlainRequestWithoutFallbackIs404(t *testing.T) {
	srv := startEchoServer(t)
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDialRetriesUntilServerUp(t *testing.T) {
	// Reserve a port, then release it so the first dial attempts fail.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	started := make(chan *httptest.Server, 1)
	go func() {
		time.Sleep(300 * time.Millisecond)
		l2, err := net.Listen("tcp", addr)
		if err != nil {
			started <- nil
			return
		}
		srv := &httptest.Server{
			Listener: l2,
			Config: &http.Server{Handler: &Handler{
				Logger: testLogger(t),
				Serve:  func(conn net.Conn) { io.Copy(conn, conn) },
			}},
		}
		srv.Start()
		started <- srv
	}()

	conn, err := DialWebSocket(context.Background(), testLogger(t), "http://"+addr, DialConfig{
		MaxRetryCount:    20,
		MaxRetryInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	conn.Close()

	if srv := <-started; srv != nil {
		srv.Close()
	}
}

func TestDialGivesUp(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = DialWebSocket(ctx, testLogger(t), "http://"+addr, DialConfig{
		MaxRetryCount:    2,
		MaxRetryInterval: 20 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestToWebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://x.example/y", toWebSocketURL("http://x.example/y"))
	assert.Equal(t, "wss://x.example/y", toWebSocketURL("https://x.example/y"))
	assert.Equal(t, "ws://x.example", toWebSocketURL("ws://x.example"))
	assert.Equal(t, "wss://x.example", toWebSocketURL("wss://x.example"))
}
