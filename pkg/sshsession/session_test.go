package sshsession

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sammck-go/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/sshcore/pkg/sshalg"
	"github.com/sammck-go/sshcore/pkg/sshcodec"
	"github.com/sammck-go/sshcore/pkg/sshmux"
	"github.com/sammck-go/sshcore/pkg/sshwire"
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

func newTestManager(t *testing.T, cfg *Config, reg *sshalg.Registry) *Manager {
	t.Helper()
	m, err := NewManager(testLogger(t), cfg, reg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// registerEcho installs a channel type that copies inbound stream data back
// to the peer. The handler must not block, so the copy runs on its own
// goroutine.
func registerEcho(m *Manager) {
	m.RegisterChannelType("echo", func(ch *sshmux.Channel, payload []byte) error {
		go func() {
			io.Copy(ch, ch)
			ch.Close()
		}()
		return nil
	})
}

type testPair struct {
	serverMgr *Manager
	clientMgr *Manager
	server    *Session
	client    *Session

	serverRun chan error
	clientRun chan error
}

// startPair wires a client and a server manager together over a TCP
// loopback connection and starts both session goroutines. It does not wait
// for the handshake; callers that need an established session use
// waitEstablished.
func startPair(t *testing.T, serverMgr, clientMgr *Manager) *testPair {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	p := &testPair{
		serverMgr: serverMgr,
		clientMgr: clientMgr,
		serverRun: make(chan error, 1),
		clientRun: make(chan error, 1),
	}

	serverSess := make(chan *Session, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			t.Errorf("accept failed: %s", err)
			serverSess <- nil
			return
		}
		s := serverMgr.NewServerSession(conn)
		serverSess <- s
		p.serverRun <- s.Run()
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	p.client = clientMgr.NewClientSession(conn)
	go func() { p.clientRun <- p.client.Run() }()

	p.server = <-serverSess
	require.NotNil(t, p.server)
	return p
}

func waitEstablished(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.EstablishedChan():
	case <-s.ShutdownDoneChan():
		t.Fatalf("%s shut down before keys were established", s)
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s to establish keys", s)
	}
}

func waitShutdown(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.ShutdownDoneChan():
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s to shut down", s)
	}
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func echoRound(t *testing.T, ch *sshmux.Channel, n int) {
	t.Helper()
	payload := make([]byte, n)
	rand.Read(payload)
	go func() {
		if _, err := ch.Write(payload); err != nil {
			t.Errorf("echo write failed: %s", err)
		}
	}()
	got := make([]byte, n)
	_, err := io.ReadFull(ch, got)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got), "echoed data differs from sent data")
}

func TestHandshakeEstablishes(t *testing.T) {
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())
	clientMgr := newTestManager(t, nil, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.client)
	waitEstablished(t, p.server)

	assert.True(t, p.client.IsClient())
	assert.False(t, p.server.IsClient())
	assert.Contains(t, p.client.RemoteVersion(), "SSH-2.0-")
	assert.Contains(t, p.server.RemoteVersion(), "SSH-2.0-")
	assert.GreaterOrEqual(t, p.client.State(), StateKeysEstablished)
	assert.Equal(t, 1, serverMgr.NumSessions())
	assert.Equal(t, 1, clientMgr.NumSessions())

	require.NoError(t, p.client.Close())
	waitShutdown(t, p.client)
	waitShutdown(t, p.server)
	waitCond(t, "session tables to drain", func() bool {
		return serverMgr.NumSessions() == 0 && clientMgr.NumSessions() == 0
	})
}

func TestEchoChannelRoundTrip(t *testing.T) {
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())
	registerEcho(serverMgr)
	clientMgr := newTestManager(t, nil, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.client)

	ch, err := p.client.OpenChannel("echo", nil)
	require.NoError(t, err)
	for _, n := range []int{1, 1000, 100 * 1024} {
		echoRound(t, ch, n)
	}
	require.NoError(t, ch.Close())
	require.NoError(t, p.client.Close())
	waitShutdown(t, p.server)
}

func TestOpenChannelUnknownTypeRejected(t *testing.T) {
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())
	clientMgr := newTestManager(t, nil, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.client)

	_, err := p.client.OpenChannel("no-such-type", nil)
	var openErr *sshmux.OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, uint32(3), openErr.Reason)

	// The rejection is channel-scoped; the session stays usable.
	ok, _, err := p.client.SendGlobalRequest("liveness-check", true, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRekeyMidTraffic(t *testing.T) {
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())
	registerEcho(serverMgr)
	clientMgr := newTestManager(t, nil, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.client)

	ch, err := p.client.OpenChannel("echo", nil)
	require.NoError(t, err)

	echoRound(t, ch, 32*1024)
	require.NoError(t, p.client.RequestRekey())
	for i := 0; i < 5; i++ {
		echoRound(t, ch, 16*1024)
	}
	// The peer may initiate a rekey too.
	require.NoError(t, p.server.RequestRekey())
	for i := 0; i < 5; i++ {
		echoRound(t, ch, 16*1024)
	}
	require.NoError(t, ch.Close())
	require.NoError(t, p.client.Close())
	waitShutdown(t, p.server)
}

func TestAutomaticRekeyByTraffic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RekeyBytes = 64 * 1024
	cfg.MonitorTick = 10 * time.Millisecond

	serverMgr := newTestManager(t, cfg, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())
	registerEcho(serverMgr)
	clientMgr := newTestManager(t, cfg, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.client)

	ch, err := p.client.OpenChannel("echo", nil)
	require.NoError(t, err)

	// Push well past the byte threshold; the monitor triggers rekeys
	// underneath and traffic must keep flowing.
	for i := 0; i < 10; i++ {
		echoRound(t, ch, 32*1024)
	}
	require.NoError(t, ch.Close())
	require.NoError(t, p.client.Close())
	waitShutdown(t, p.server)
}

func TestNegotiationFailureKillsSession(t *testing.T) {
	serverReg := sshalg.NewDefaultRegistry()
	serverReg.Ciphers = []*sshalg.CipherFactory{sshalg.CipherAES128CTR()}
	clientReg := sshalg.NewDefaultRegistry()
	clientReg.Ciphers = []*sshalg.CipherFactory{sshalg.CipherAES256CTR()}

	serverMgr := newTestManager(t, nil, serverReg)
	require.NoError(t, serverMgr.GenerateHostKeys())
	clientMgr := newTestManager(t, nil, clientReg)

	p := startPair(t, serverMgr, clientMgr)
	waitShutdown(t, p.client)
	waitShutdown(t, p.server)

	select {
	case <-p.client.EstablishedChan():
		t.Fatal("client established keys despite disjoint cipher lists")
	default:
	}

	// Both sides run the same deterministic negotiation, so each fails
	// locally (or on the peer's key-exchange-failed disconnect).
	require.Error(t, <-p.clientRun)
	require.Error(t, <-p.serverRun)
}

func TestHostKeyCallback(t *testing.T) {
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())

	t.Run("accepted", func(t *testing.T) {
		var gotAlg string
		var gotBlob []byte
		cfg := DefaultConfig()
		cfg.HostKeyCallback = func(algorithm string, blob []byte) error {
			gotAlg = algorithm
			gotBlob = append([]byte(nil), blob...)
			return nil
		}
		clientMgr := newTestManager(t, cfg, nil)
		p := startPair(t, serverMgr, clientMgr)
		waitEstablished(t, p.client)
		assert.Equal(t, "ssh-ed25519", gotAlg)
		assert.NotEmpty(t, gotBlob)
		p.client.Close()
		waitShutdown(t, p.server)
	})

	t.Run("rejected", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.HostKeyCallback = func(algorithm string, blob []byte) error {
			return fmt.Errorf("unrecognized host key")
		}
		clientMgr := newTestManager(t, cfg, nil)
		p := startPair(t, serverMgr, clientMgr)
		waitShutdown(t, p.client)
		err := <-p.clientRun
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unrecognized host key")
	})
}

func TestGlobalRequests(t *testing.T) {
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())
	serverMgr.AddGlobalRequestHandler(func(s *Session, reqType string, payload []byte) (bool, []byte) {
		if reqType != "ping" {
			return false, nil
		}
		return true, append([]byte("pong:"), payload...)
	})
	clientMgr := newTestManager(t, nil, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.client)

	ok, reply, err := p.client.SendGlobalRequest("ping", true, []byte("abc"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("pong:abc"), reply)

	// Unhandled request types get an explicit failure reply.
	ok, _, err = p.client.SendGlobalRequest("unknown-thing", true, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	// Fire-and-forget requests return immediately.
	ok, reply, err = p.client.SendGlobalRequest("ping", false, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, reply)

	p.client.Close()
	waitShutdown(t, p.server)
}

func TestGlobalRequestFIFO(t *testing.T) {
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())
	serverMgr.AddGlobalRequestHandler(func(s *Session, reqType string, payload []byte) (bool, []byte) {
		return true, payload
	})
	clientMgr := newTestManager(t, nil, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.client)

	// Concurrent requesters each get back their own payload; replies
	// correlate in send order on the wire, so no cross-talk is possible.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := []byte(fmt.Sprintf("req-%d", i))
			ok, reply, err := p.client.SendGlobalRequest("echo", true, want)
			if err != nil {
				t.Errorf("request %d failed: %s", i, err)
				return
			}
			if !ok {
				t.Errorf("request %d reported failure", i)
			}
			if !bytes.Equal(want, reply) {
				t.Errorf("request %d got reply %q", i, reply)
			}
		}(i)
	}
	wg.Wait()
	p.client.Close()
	waitShutdown(t, p.server)
}

type testService struct {
	closed chan error
}

func (ts *testService) OnSessionClosed(cause error) {
	ts.closed <- cause
}

func TestServiceRequestAccepted(t *testing.T) {
	svc := &testService{closed: make(chan error, 1)}
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())
	serverMgr.RegisterService(ServiceFactoryFunc{
		ServiceName: "admin",
		New:         func(s *Session) (Service, error) { return svc, nil },
	})
	clientMgr := newTestManager(t, nil, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.client)

	require.NoError(t, p.client.RequestService("admin"))

	p.client.Close()
	waitShutdown(t, p.server)
	select {
	case <-svc.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("service was not told about session close")
	}
}

func TestServiceRequestUnavailable(t *testing.T) {
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())
	clientMgr := newTestManager(t, nil, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.client)

	err := p.client.RequestService("no-such-service")
	require.Error(t, err)
	waitShutdown(t, p.client)
	waitShutdown(t, p.server)
}

// recordingListener counts session lifecycle notifications.
type recordingListener struct {
	mu         sync.Mutex
	created    int
	authed     int
	closed     int
	exceptions []error
}

func (r *recordingListener) SessionCreated(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
}

func (r *recordingListener) SessionAuthenticated(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authed++
}

func (r *recordingListener) SessionException(s *Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exceptions = append(r.exceptions, err)
}

func (r *recordingListener) SessionClosed(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

func (r *recordingListener) counts() (created, authed, closed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created, r.authed, r.closed
}

type recordingChannelListener struct {
	mu     sync.Mutex
	opened int
	closed int
}

func (r *recordingChannelListener) ChannelOpened(s *Session, localID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened++
}

func (r *recordingChannelListener) ChannelClosed(s *Session, localID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

func (r *recordingChannelListener) counts() (opened, closed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened, r.closed
}

func TestSessionListenerNotifications(t *testing.T) {
	rec := &recordingListener{}
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())
	serverMgr.AddSessionListener(rec)
	clientMgr := newTestManager(t, nil, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.server)

	created, authed, closed := rec.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 0, authed)
	assert.Equal(t, 0, closed)

	p.server.SetAuthenticated()
	assert.True(t, p.server.IsAuthenticated())
	waitCond(t, "authenticated notification", func() bool {
		_, authed, _ := rec.counts()
		return authed == 1
	})

	// Authenticating twice must not notify twice.
	p.server.SetAuthenticated()
	_, authed, _ = rec.counts()
	assert.Equal(t, 1, authed)

	p.client.Close()
	waitShutdown(t, p.server)
	waitCond(t, "closed notification", func() bool {
		_, _, closed := rec.counts()
		return closed == 1
	})
	created, _, closed = rec.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, closed)
}

func TestChannelListenerNotifications(t *testing.T) {
	rec := &recordingChannelListener{}
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())
	registerEcho(serverMgr)
	serverMgr.AddChannelListener(rec)
	clientMgr := newTestManager(t, nil, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.client)

	ch, err := p.client.OpenChannel("echo", nil)
	require.NoError(t, err)
	waitCond(t, "channel opened notification", func() bool {
		opened, _ := rec.counts()
		return opened == 1
	})

	echoRound(t, ch, 1024)
	require.NoError(t, ch.Close())
	waitCond(t, "channel closed notification", func() bool {
		_, closed := rec.counts()
		return closed == 1
	})
	opened, closed := rec.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)

	p.client.Close()
	waitShutdown(t, p.server)
	// No phantom close events during session teardown.
	opened, closed = rec.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
}

func TestAuthTimeoutClosesSession(t *testing.T) {
	serverCfg := DefaultConfig()
	serverCfg.AuthTimeout = 100 * time.Millisecond
	serverCfg.IdleTimeout = -1
	serverCfg.MonitorTick = 10 * time.Millisecond
	serverMgr := newTestManager(t, serverCfg, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())

	clientCfg := DefaultConfig()
	clientCfg.AuthTimeout = -1
	clientCfg.IdleTimeout = -1
	clientMgr := newTestManager(t, clientCfg, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.server)

	// Nobody authenticates; the monitor reaps the server session, which
	// disconnects the client in turn.
	waitShutdown(t, p.server)
	waitShutdown(t, p.client)
}

func TestAuthenticatedSessionSurvivesAuthTimeout(t *testing.T) {
	serverCfg := DefaultConfig()
	serverCfg.AuthTimeout = 100 * time.Millisecond
	serverCfg.IdleTimeout = -1
	serverCfg.MonitorTick = 10 * time.Millisecond
	serverMgr := newTestManager(t, serverCfg, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())

	clientCfg := DefaultConfig()
	clientCfg.AuthTimeout = -1
	clientCfg.IdleTimeout = -1
	clientMgr := newTestManager(t, clientCfg, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.server)
	p.server.SetAuthenticated()

	time.Sleep(300 * time.Millisecond)
	assert.False(t, p.server.IsStartedShutdown())
	p.client.Close()
	waitShutdown(t, p.server)
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	serverCfg := DefaultConfig()
	serverCfg.AuthTimeout = -1
	serverCfg.IdleTimeout = 150 * time.Millisecond
	serverCfg.MonitorTick = 10 * time.Millisecond
	serverMgr := newTestManager(t, serverCfg, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())

	clientCfg := DefaultConfig()
	clientCfg.AuthTimeout = -1
	clientCfg.IdleTimeout = -1
	clientMgr := newTestManager(t, clientCfg, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.server)

	waitShutdown(t, p.server)
	waitShutdown(t, p.client)
}

func TestKeepAliveRefreshesIdleSession(t *testing.T) {
	serverCfg := DefaultConfig()
	serverCfg.AuthTimeout = -1
	serverCfg.IdleTimeout = 300 * time.Millisecond
	serverCfg.MonitorTick = 10 * time.Millisecond
	serverMgr := newTestManager(t, serverCfg, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())

	clientCfg := DefaultConfig()
	clientCfg.AuthTimeout = -1
	clientCfg.IdleTimeout = -1
	clientCfg.KeepAliveInterval = 50 * time.Millisecond
	clientMgr := newTestManager(t, clientCfg, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.server)

	// Keepalives are traffic; the otherwise idle session stays up well
	// past its idle timeout.
	time.Sleep(time.Second)
	assert.False(t, p.server.IsStartedShutdown())
	p.client.Close()
	waitShutdown(t, p.server)
}

func TestVersionExchangeRejectsOldProtocol(t *testing.T) {
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	runErr := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			runErr <- err
			return
		}
		runErr <- serverMgr.NewServerSession(conn).Run()
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("SSH-1.5-ancient\r\n"))
	require.NoError(t, err)

	err = <-runErr
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestVersionExchangeRejectsClientBanner(t *testing.T) {
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	runErr := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			runErr <- err
			return
		}
		runErr <- serverMgr.NewServerSession(conn).Run()
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)

	require.Error(t, <-runErr)
}

func TestClientIgnoresServerBanner(t *testing.T) {
	clientMgr := newTestManager(t, nil, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("Welcome to the test server\r\nSSH-2.0-banner_test\r\n"))
		// No key exchange follows; drop the connection so the client
		// session finishes.
		time.Sleep(100 * time.Millisecond)
		conn.Close()
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	cs := clientMgr.NewClientSession(conn)
	runErr := make(chan error, 1)
	go func() { runErr <- cs.Run() }()

	<-runErr
	assert.Equal(t, "SSH-2.0-banner_test", cs.RemoteVersion())
}

func TestServeListener(t *testing.T) {
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())
	registerEcho(serverMgr)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go serverMgr.ServeListener(l)

	clientMgr := newTestManager(t, nil, nil)
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		cs := clientMgr.NewClientSession(conn)
		go cs.Run()
		waitEstablished(t, cs)

		ch, err := cs.OpenChannel("echo", nil)
		require.NoError(t, err)
		echoRound(t, ch, 4096)
		require.NoError(t, cs.Close())
		waitShutdown(t, cs)
	}

	// Manager shutdown closes the listener and reaps remaining sessions.
	require.NoError(t, serverMgr.Close())
	waitCond(t, "server sessions to drain", func() bool { return serverMgr.NumSessions() == 0 })
	_, err = net.Dial("tcp", l.Addr().String())
	assert.Error(t, err)
}

func TestManyConcurrentChannels(t *testing.T) {
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())
	registerEcho(serverMgr)
	clientMgr := newTestManager(t, nil, nil)

	p := startPair(t, serverMgr, clientMgr)
	waitEstablished(t, p.client)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := p.client.OpenChannel("echo", nil)
			if err != nil {
				t.Errorf("open failed: %s", err)
				return
			}
			payload := make([]byte, 8*1024)
			rand.Read(payload)
			if _, err := ch.Write(payload); err != nil {
				t.Errorf("write failed: %s", err)
				return
			}
			got := make([]byte, len(payload))
			if _, err := io.ReadFull(ch, got); err != nil {
				t.Errorf("read failed: %s", err)
				return
			}
			if !bytes.Equal(payload, got) {
				t.Error("echoed data differs from sent data")
			}
			ch.Close()
		}()
	}
	wg.Wait()

	p.client.Close()
	waitShutdown(t, p.server)
}

// corruptingConn flips one bit in the next inbound read once armed, so a
// single transport packet fails its MAC check.
type corruptingConn struct {
	net.Conn
	mu    sync.Mutex
	armed bool
}

func (c *corruptingConn) arm() {
	c.mu.Lock()
	c.armed = true
	c.mu.Unlock()
}

func (c *corruptingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.mu.Lock()
	if c.armed && n > 0 {
		p[n-1] ^= 0x80
		c.armed = false
	}
	c.mu.Unlock()
	return n, err
}

func TestMACFailureKillsSessionAndChannels(t *testing.T) {
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())
	registerEcho(serverMgr)

	chRec := &recordingChannelListener{}
	clientMgr := newTestManager(t, nil, nil)
	clientMgr.AddChannelListener(chRec)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		serverMgr.NewServerSession(conn).Run()
	}()

	rawConn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	conn := &corruptingConn{Conn: rawConn}
	cs := clientMgr.NewClientSession(conn)
	runErr := make(chan error, 1)
	go func() { runErr <- cs.Run() }()
	waitEstablished(t, cs)

	ch, err := cs.OpenChannel("echo", nil)
	require.NoError(t, err)
	echoRound(t, ch, 1024)

	// Corrupt the next inbound packet: the echoed reply fails its MAC
	// check, which is fatal to the whole session.
	conn.arm()
	if _, err := ch.Write([]byte("doomed")); err != nil {
		t.Logf("write raced session teardown: %s", err)
	}
	_, err = ch.Read(make([]byte, 16))
	require.Error(t, err)

	err = <-runErr
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAC")
	assert.Equal(t, StateClosed, cs.State())

	// The open channel got exactly one close notification.
	waitCond(t, "channel closed notification", func() bool {
		_, closed := chRec.counts()
		return closed == 1
	})
	opened, closed := chRec.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
}

// scriptedKexPeer speaks the client side of the transport by hand over a
// plaintext codec, so tests can put packets on the wire in orders a real
// session would never produce.
type scriptedKexPeer struct {
	t     *testing.T
	codec *sshcodec.Codec
}

func newScriptedKexPeer(t *testing.T, conn net.Conn) *scriptedKexPeer {
	t.Helper()
	_, err := conn.Write([]byte("SSH-2.0-scripted_peer\r\n"))
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "SSH-2.0-")
	return &scriptedKexPeer{
		t:     t,
		codec: sshcodec.NewCodec(br, conn, sshalg.CryptoRandom(), DefaultMaxPacketSize),
	}
}

func (p *scriptedKexPeer) send(m sshwire.Message) {
	p.t.Helper()
	require.NoError(p.t, p.codec.WritePacket(m.Marshal()))
}

func (p *scriptedKexPeer) read() sshwire.Message {
	p.t.Helper()
	payload, _, err := p.codec.ReadPacket()
	require.NoError(p.t, err)
	msg, err := sshwire.Parse(payload)
	require.NoError(p.t, err)
	return msg
}

func TestWrongGuessedKexPacketDiscarded(t *testing.T) {
	serverMgr := newTestManager(t, nil, nil)
	require.NoError(t, serverMgr.GenerateHostKeys())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	sessCh := make(chan *Session, 1)
	runErr := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			runErr <- err
			return
		}
		s := serverMgr.NewServerSession(conn)
		sessCh <- s
		runErr <- s.Run()
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	peer := newScriptedKexPeer(t, conn)

	serverInit, ok := peer.read().(*sshwire.KexInit)
	require.True(t, ok, "expected KEXINIT before anything else")

	// Lead with a kex algorithm the server does not offer, flag a guessed
	// first packet, and let the real algorithms follow.
	reg := sshalg.NewDefaultRegistry()
	ourInit := &sshwire.KexInit{
		KexAlgorithms:         append([]string{"kex-nobody-implements"}, reg.KexNames()...),
		HostKeyAlgorithms:     serverInit.HostKeyAlgorithms,
		CiphersClientToServer: reg.CipherNames(),
		CiphersServerToClient: reg.CipherNames(),
		MACsClientToServer:    reg.MACNames(),
		MACsServerToClient:    reg.MACNames(),
		CompClientToServer:    reg.CompressionNames(),
		CompServerToClient:    reg.CompressionNames(),
		FirstKexPacketFollows: true,
	}
	require.NoError(t, sshalg.CryptoRandom().Fill(ourInit.Cookie[:]))
	peer.send(ourInit)

	// The eagerly guessed first kex packet. It parses fine but its public
	// value is garbage; the server must drop it without executing it.
	peer.send(&sshwire.KexECDHInit{ClientPub: []byte("guessed wrong")})

	kf, err := reg.Kex("curve25519-sha256")
	require.NoError(t, err)
	kexObj := kf.New()
	pub, err := kexObj.Init(sshalg.CryptoRandom())
	require.NoError(t, err)
	peer.send(&sshwire.KexECDHInit{ClientPub: pub})

	reply, ok := peer.read().(*sshwire.KexECDHReply)
	require.True(t, ok, "expected KEXECDH_REPLY for the real kex packet")
	assert.NotEmpty(t, reply.HostKey)
	assert.NotEmpty(t, reply.ServerPub)
	_, ok = peer.read().(*sshwire.NewKeys)
	require.True(t, ok, "expected NEWKEYS after the reply")
	peer.send(&sshwire.NewKeys{})

	srv := <-sessCh
	select {
	case <-srv.EstablishedChan():
	case <-srv.ShutdownDoneChan():
		t.Fatalf("server session died instead of completing the exchange: %s", <-runErr)
	case <-time.After(10 * time.Second):
		t.Fatal("server never completed the exchange")
	}
	assert.GreaterOrEqual(t, srv.State(), StateKeysEstablished)
}
