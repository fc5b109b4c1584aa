package sshsession

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sammck-go/asyncobj"

	"github.com/sammck-go/sshcore/pkg/sshcodec"
	"github.com/sammck-go/sshcore/pkg/sshmux"
	"github.com/sammck-go/sshcore/pkg/sshwire"
)

// State identifies where a session is in its lifecycle. Transitions only
// move forward.
type State int

const (
	// StateVersionExchange: identification lines are being exchanged.
	StateVersionExchange State = iota

	// StateKexNegotiation: KEXINIT messages are in flight.
	StateKexNegotiation

	// StateKexInProgress: algorithm lists are resolved, key exchange
	// messages are in flight.
	StateKexInProgress

	// StateKeysEstablished: NEWKEYS has been exchanged both ways at least
	// once; encrypted traffic flows.
	StateKeysEstablished

	// StateAuthenticated: a service has marked the session authenticated.
	StateAuthenticated

	// StateClosing: teardown has begun.
	StateClosing

	// StateClosed: the session is fully shut down.
	StateClosed
)

func (st State) String() string {
	switch st {
	case StateVersionExchange:
		return "VERSION_EXCHANGE"
	case StateKexNegotiation:
		return "KEX_NEGOTIATION"
	case StateKexInProgress:
		return "KEX_IN_PROGRESS"
	case StateKeysEstablished:
		return "KEYS_ESTABLISHED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(st))
}

const (
	// versionPrefix starts every identification line we accept.
	versionPrefix = "SSH-2.0-"

	// maxVersionLineLength bounds one identification or banner line.
	maxVersionLineLength = 255

	// maxBannerLines bounds how many pre-identification lines a server may
	// send before we give up.
	maxBannerLines = 64
)

// ErrSessionClosed is returned for operations on a session that has begun
// shutting down.
var ErrSessionClosed = errors.New("sshsession: session closed")

// LastSessionID is the last allocated session ID number, for logging
// purposes.
var LastSessionID int64

// AllocSessionID allocates a monotonically increasing session ID number
// (for debugging/logging only).
func AllocSessionID() int64 {
	return atomic.AddInt64(&LastSessionID, 1)
}

type globalReply struct {
	ok      bool
	payload []byte
}

// Session owns one transport connection: its version exchange, key
// exchanges, packet pump, and channel multiplexer. Create sessions through
// a Manager.
type Session struct {
	*asyncobj.Helper

	// id is a unique id of this session, for logging purposes
	id int64

	// strname is a name of this session for logging purposes
	strname string

	manager  *Manager
	cfg      *Config
	conn     net.Conn
	isClient bool

	br    *bufio.Reader
	codec *sshcodec.Codec
	mux   *sshmux.Mux

	localVersion  string
	remoteVersion string

	createdAt time.Time

	// lastActivity is unix nanos of the most recent packet in either
	// direction; read by the timeout monitor.
	lastActivity atomic.Int64

	// stateMu guards state and authenticated.
	stateMu       sync.Mutex
	state         State
	authenticated bool

	// established closes when the first key exchange completes.
	established     chan struct{}
	establishedOnce sync.Once

	// writeMu serializes packet writes and guards kexGate/pendingOut.
	// While kexGate is set, non-kex traffic queues in pendingOut instead
	// of going to the wire.
	writeMu    sync.Mutex
	kexGate    bool
	pendingOut []sshwire.Message

	// kexMu guards kex, sessionID and lastKexTime. Lock order is kexMu
	// before writeMu, never the reverse.
	kexMu       sync.Mutex
	kex         *kexState
	sessionID   []byte
	lastKexTime time.Time

	// globalMu guards pendingGlobal; held across the request send so
	// queue order matches wire order.
	globalMu      sync.Mutex
	pendingGlobal []chan globalReply

	// serviceMu guards service state. serviceWait is non-nil while a
	// client-side service request is outstanding.
	serviceMu   sync.Mutex
	service     Service
	serviceName string
	serviceWait chan error
}

func newSession(m *Manager, conn net.Conn, isClient bool) *Session {
	s := &Session{
		id:          AllocSessionID(),
		manager:     m,
		cfg:         m.cfg,
		conn:        conn,
		isClient:    isClient,
		createdAt:   time.Now(),
		state:       StateVersionExchange,
		established: make(chan struct{}),
	}
	s.strname = fmt.Sprintf("Session#%d", s.id)
	s.Helper = asyncobj.NewHelper(m.Logger.ForkLogStr(s.strname), s)
	s.touch()

	s.br = bufio.NewReader(conn)
	s.codec = sshcodec.NewCodec(s.br, conn, m.registry.Random, m.cfg.MaxPacketSize)
	s.mux = sshmux.NewMux(s.Helper, s, sshmux.Config{
		InitialWindow:     m.cfg.InitialWindowSize,
		MaxPacketSize:     m.cfg.ChannelMaxPacket,
		MaxChannels:       m.cfg.MaxChannels,
		CloseGraceTimeout: m.cfg.CloseGraceTimeout,
	})
	s.mux.SetChannelEvents(
		func(ch *sshmux.Channel) { s.notifyChannelOpened(ch.LocalID()) },
		func(ch *sshmux.Channel) { s.notifyChannelClosed(ch.LocalID()) },
	)
	for chanType, h := range m.channelHandlers() {
		s.mux.RegisterChannelType(chanType, h)
	}

	s.SetIsActivated()
	return s
}

func (s *Session) String() string {
	return s.strname
}

// ID returns the session's process-unique numeric id.
func (s *Session) ID() int64 { return s.id }

// Manager returns the Manager that owns this session.
func (s *Session) Manager() *Manager { return s.manager }

// IsClient reports whether this side initiated the connection.
func (s *Session) IsClient() bool { return s.isClient }

// LocalAddr returns the transport's local address.
func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the transport's remote address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// RemoteVersion returns the peer's identification line, without the CRLF.
// Empty until the version exchange completes.
func (s *Session) RemoteVersion() string { return s.remoteVersion }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	if st > s.state {
		s.DLogf("State %s -> %s", s.state, st)
		s.state = st
	}
	s.stateMu.Unlock()
}

// EstablishedChan returns a channel that closes when the first key
// exchange completes and channels may be opened. On a session that dies
// first it never closes; select against ShutdownStartedChan.
func (s *Session) EstablishedChan() <-chan struct{} {
	return s.established
}

// IsAuthenticated reports whether a service has marked the session
// authenticated.
func (s *Session) IsAuthenticated() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.authenticated
}

// SetAuthenticated transitions the session to the authenticated state. It
// is intended to be called by an authentication service once the peer has
// proven its identity. Calling it more than once is harmless.
func (s *Session) SetAuthenticated() {
	s.stateMu.Lock()
	already := s.authenticated
	s.authenticated = true
	if s.state == StateKeysEstablished {
		s.DLogf("State %s -> %s", s.state, StateAuthenticated)
		s.state = StateAuthenticated
	}
	s.stateMu.Unlock()
	if !already {
		s.ILogf("Session authenticated")
		s.notifySessionAuthenticated()
	}
}

// CreatedAt returns when the session object was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the most recent packet in either
// direction.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// kexPassthrough reports whether msg may go to the wire while a key
// exchange is in flight.
func kexPassthrough(msg sshwire.Message) bool {
	switch msg.MessageNumber() {
	case sshwire.MsgDisconnect, sshwire.MsgIgnore, sshwire.MsgDebug,
		sshwire.MsgUnimplemented, sshwire.MsgKexInit, sshwire.MsgNewKeys,
		sshwire.MsgKexECDHInit, sshwire.MsgKexECDHReply:
		return true
	}
	return false
}

// SendMessage marshals msg and writes it as one transport packet. While a
// key exchange is in flight, non-kex messages are queued and flushed in
// order once the new keys take effect; the call still returns nil. It is
// safe to call from any goroutine.
func (s *Session) SendMessage(msg sshwire.Message) error {
	if s.IsStartedShutdown() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.kexGate && !kexPassthrough(msg) {
		s.pendingOut = append(s.pendingOut, msg)
		return nil
	}
	return s.writePacketLocked(msg)
}

func (s *Session) writePacketLocked(msg sshwire.Message) error {
	err := s.codec.WritePacket(msg.Marshal())
	if err != nil {
		s.StartShutdown(s.DLogErrorf("Packet write failed: %s", err))
		return err
	}
	s.touch()
	return nil
}

// openKexGate begins queueing non-kex output. Caller holds kexMu.
func (s *Session) openKexGate() {
	s.writeMu.Lock()
	s.kexGate = true
	s.writeMu.Unlock()
}

// closeKexGate ends output queueing and flushes everything queued while the
// key exchange ran, in original order. Caller holds kexMu.
func (s *Session) closeKexGate() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.kexGate = false
	queued := s.pendingOut
	s.pendingOut = nil
	for _, msg := range queued {
		if err := s.writePacketLocked(msg); err != nil {
			return err
		}
	}
	return nil
}

// Run performs the version exchange and the initial key exchange, then
// pumps inbound packets until the session dies. It blocks for the life of
// the session and returns the session's completion error (nil for orderly
// close). Most callers use Manager.ServeConn instead.
func (s *Session) Run() error {
	s.notifySessionCreated()

	if err := s.exchangeVersions(); err != nil {
		s.StartShutdown(err)
		return s.WaitShutdown()
	}
	s.setState(StateKexNegotiation)

	if err := s.startKex(); err != nil {
		s.StartShutdown(err)
		return s.WaitShutdown()
	}

	if s.cfg.KeepAliveInterval > 0 {
		go s.keepAliveLoop()
	}

	s.readLoop()
	return s.WaitShutdown()
}

// exchangeVersions writes our identification line and reads the peer's.
// Lines before the peer's identification line are ignored, up to a limit.
func (s *Session) exchangeVersions() error {
	s.localVersion = versionPrefix + s.cfg.SoftwareVersion
	if _, err := s.conn.Write([]byte(s.localVersion + "\r\n")); err != nil {
		return s.DLogErrorf("Version line write failed: %s", err)
	}

	for i := 0; i < maxBannerLines; i++ {
		line, err := s.readVersionLine()
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, "SSH-") {
			if !strings.HasPrefix(line, versionPrefix) && !strings.HasPrefix(line, "SSH-1.99-") {
				s.sendDisconnect(sshwire.DisconnectProtocolVersionNotSupported,
					fmt.Sprintf("unsupported protocol version in %q", line))
				return s.Errorf("peer protocol version not supported: %q", line)
			}
			s.remoteVersion = line
			s.DLogf("Peer version: %q", line)
			return nil
		}
		// Pre-identification banner line; only a server may send them.
		if !s.isClient {
			return s.Errorf("client sent banner line before identification: %q", line)
		}
		s.DLogf("Ignoring banner line: %q", line)
	}
	return s.Errorf("no identification line in first %d lines", maxBannerLines)
}

func (s *Session) readVersionLine() (string, error) {
	var line []byte
	for len(line) <= maxVersionLineLength {
		b, err := s.br.ReadByte()
		if err != nil {
			return "", s.DLogErrorf("Version line read failed: %s", err)
		}
		if b == '\n' {
			return string(trimCR(line)), nil
		}
		line = append(line, b)
	}
	return "", s.Errorf("identification line longer than %d bytes", maxVersionLineLength)
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}

// readLoop pumps inbound packets into dispatch until a read fails or the
// session shuts down. It runs on the Run goroutine.
func (s *Session) readLoop() {
	for {
		payload, seq, err := s.codec.ReadPacket()
		if err != nil {
			if s.IsStartedShutdown() {
				return
			}
			switch {
			case errors.Is(err, sshcodec.ErrMACMismatch):
				s.sendDisconnect(sshwire.DisconnectMACError, "MAC verification failed")
				s.StartShutdown(s.DLogErrorf("Inbound packet failed MAC check: %s", err))
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				s.StartShutdown(s.DLogErrorf("Connection lost: %s", err))
			default:
				s.sendDisconnect(sshwire.DisconnectProtocolError, "malformed packet")
				s.StartShutdown(s.DLogErrorf("Inbound packet unreadable: %s", err))
			}
			return
		}
		s.touch()

		msg, err := sshwire.Parse(payload)
		if err != nil {
			var unk *sshwire.UnknownMessageError
			if errors.As(err, &unk) {
				s.DLogf("Ignoring unknown message number %d", unk.Number)
				s.SendMessage(&sshwire.Unimplemented{Sequence: seq})
				continue
			}
			s.sendDisconnect(sshwire.DisconnectProtocolError, "malformed message")
			s.StartShutdown(s.DLogErrorf("Malformed message (number %d): %s", payload[0], err))
			return
		}

		if err := s.dispatch(msg, seq); err != nil {
			s.StartShutdown(err)
			return
		}
	}
}

// dispatch routes one inbound message. A non-nil return is fatal to the
// session.
func (s *Session) dispatch(msg sshwire.Message, seq uint32) error {
	s.kexMu.Lock()
	discard := s.kex != nil && s.kex.discardNextKexPacket
	if discard && isKexAlgorithmMessage(msg) {
		s.kex.discardNextKexPacket = false
		s.kexMu.Unlock()
		s.DLogf("Discarding peer's wrongly guessed kex packet (number %d)", msg.MessageNumber())
		return nil
	}
	s.kexMu.Unlock()

	switch t := msg.(type) {
	case *sshwire.Disconnect:
		return s.handlePeerDisconnect(t)
	case *sshwire.Ignore:
		return nil
	case *sshwire.Debug:
		s.DLogf("Peer debug: %q", t.Message)
		return nil
	case *sshwire.Unimplemented:
		s.DLogf("Peer could not process our packet with sequence number %d", t.Sequence)
		return nil

	case *sshwire.KexInit:
		return s.handleKexInit(t)
	case *sshwire.KexECDHInit:
		return s.handleKexECDHInit(t)
	case *sshwire.KexECDHReply:
		return s.handleKexECDHReply(t)
	case *sshwire.NewKeys:
		return s.handleNewKeys()

	case *sshwire.ServiceRequest:
		return s.handleServiceRequest(t)
	case *sshwire.ServiceAccept:
		return s.handleServiceAccept(t)

	case *sshwire.GlobalRequest:
		return s.handleGlobalRequest(t)
	case *sshwire.RequestSuccess:
		return s.handleGlobalReply(true, t.Payload)
	case *sshwire.RequestFailure:
		return s.handleGlobalReply(false, nil)

	default:
		if s.State() < StateKeysEstablished {
			s.sendDisconnect(sshwire.DisconnectProtocolError,
				fmt.Sprintf("message number %d before keys established", msg.MessageNumber()))
			return s.Errorf("channel message (number %d) before keys established", msg.MessageNumber())
		}
		err := s.mux.HandleMessage(msg)
		if err == nil {
			return nil
		}
		var chErr *sshmux.ChannelError
		if errors.As(err, &chErr) {
			s.WLogf("Channel %d failed: %s", chErr.LocalID, chErr.Err)
			return nil
		}
		s.sendDisconnect(sshwire.DisconnectProtocolError, err.Error())
		return s.DLogErrorf("Channel message (number %d) fatal: %s", msg.MessageNumber(), err)
	}
}

func (s *Session) handlePeerDisconnect(t *sshwire.Disconnect) error {
	if t.Reason == sshwire.DisconnectByApplication {
		s.DLogf("Peer disconnected: %s", t.Description)
		s.StartShutdown(nil)
	} else {
		s.StartShutdown(s.DLogErrorf("%s", t.Error()))
	}
	return nil
}

// sendDisconnect makes a best-effort attempt to tell the peer why the
// session is going away. Errors are ignored; the session is dying anyway.
func (s *Session) sendDisconnect(reason uint32, description string) {
	s.writeMu.Lock()
	s.codec.WritePacket((&sshwire.Disconnect{
		Reason:      reason,
		Description: description,
	}).Marshal())
	s.writeMu.Unlock()
}

// Disconnect sends a disconnect message with the given reason and then
// shuts the session down. A DisconnectByApplication reason yields an
// orderly (nil-cause) close.
func (s *Session) Disconnect(reason uint32, description string) error {
	s.sendDisconnect(reason, description)
	if reason == sshwire.DisconnectByApplication {
		s.StartShutdown(nil)
	} else {
		s.StartShutdown(s.Errorf("local disconnect (reason %d): %s", reason, description))
	}
	return s.WaitShutdown()
}

// Close performs an orderly shutdown: a by-application disconnect is sent
// and the session tears down with a nil cause.
func (s *Session) Close() error {
	return s.Disconnect(sshwire.DisconnectByApplication, "session closed")
}

// OpenChannel opens a channel of the given type to the peer and blocks
// until the peer confirms or rejects it. It may not be called before keys
// are established.
func (s *Session) OpenChannel(chanType string, extra []byte) (*sshmux.Channel, error) {
	if s.State() < StateKeysEstablished {
		return nil, s.Errorf("cannot open channel before keys are established")
	}
	return s.mux.OpenChannel(chanType, extra)
}

// NumChannels returns the number of live channels on the session.
func (s *Session) NumChannels() int {
	return s.mux.NumChannels()
}

// SendGlobalRequest sends a session-scoped request. With wantReply it
// blocks until the peer's reply arrives and returns its disposition and
// payload; replies are matched to requests strictly in send order.
func (s *Session) SendGlobalRequest(reqType string, wantReply bool, payload []byte) (bool, []byte, error) {
	msg := &sshwire.GlobalRequest{Type: reqType, WantReply: wantReply, Payload: payload}
	if !wantReply {
		return false, nil, s.SendMessage(msg)
	}

	replyCh := make(chan globalReply, 1)
	s.globalMu.Lock()
	err := s.SendMessage(msg)
	if err == nil {
		s.pendingGlobal = append(s.pendingGlobal, replyCh)
	}
	s.globalMu.Unlock()
	if err != nil {
		return false, nil, err
	}

	select {
	case r := <-replyCh:
		return r.ok, r.payload, nil
	case <-s.ShutdownStartedChan():
		return false, nil, ErrSessionClosed
	}
}

func (s *Session) handleGlobalRequest(t *sshwire.GlobalRequest) error {
	s.DLogf("Global request %q (wantReply=%v)", t.Type, t.WantReply)
	handled, payload := s.manager.dispatchGlobalRequest(s, t.Type, t.Payload)
	if !t.WantReply {
		return nil
	}
	if handled {
		return s.SendMessage(&sshwire.RequestSuccess{Payload: payload})
	}
	return s.SendMessage(&sshwire.RequestFailure{})
}

func (s *Session) handleGlobalReply(ok bool, payload []byte) error {
	s.globalMu.Lock()
	if len(s.pendingGlobal) == 0 {
		s.globalMu.Unlock()
		s.sendDisconnect(sshwire.DisconnectProtocolError, "request reply with no outstanding request")
		return s.Errorf("global request reply with no outstanding request")
	}
	replyCh := s.pendingGlobal[0]
	s.pendingGlobal = s.pendingGlobal[1:]
	s.globalMu.Unlock()
	replyCh <- globalReply{ok: ok, payload: payload}
	return nil
}

// RequestService asks the peer (from the client side) to activate the named
// service on the session, and blocks until it is accepted or the session
// dies. At most one service request may be outstanding.
func (s *Session) RequestService(name string) error {
	if !s.isClient {
		return s.Errorf("only the client side may request a service")
	}
	if s.State() < StateKeysEstablished {
		return s.Errorf("cannot request a service before keys are established")
	}

	wait := make(chan error, 1)
	s.serviceMu.Lock()
	if s.serviceWait != nil {
		s.serviceMu.Unlock()
		return s.Errorf("a service request is already outstanding")
	}
	s.serviceWait = wait
	s.serviceName = name
	s.serviceMu.Unlock()

	if err := s.SendMessage(&sshwire.ServiceRequest{Name: name}); err != nil {
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-s.ShutdownStartedChan():
		return ErrSessionClosed
	}
}

func (s *Session) handleServiceRequest(t *sshwire.ServiceRequest) error {
	if s.isClient {
		s.sendDisconnect(sshwire.DisconnectProtocolError, "service request from server")
		return s.Errorf("server sent a service request")
	}
	if s.State() < StateKeysEstablished {
		s.sendDisconnect(sshwire.DisconnectProtocolError, "service request before keys established")
		return s.Errorf("service request before keys established")
	}

	factory := s.manager.serviceFactory(t.Name)
	if factory == nil {
		s.sendDisconnect(sshwire.DisconnectServiceNotAvailable,
			fmt.Sprintf("service %q not available", t.Name))
		return s.Errorf("peer requested unavailable service %q", t.Name)
	}
	svc, err := factory.NewService(s)
	if err != nil {
		s.sendDisconnect(sshwire.DisconnectServiceNotAvailable,
			fmt.Sprintf("service %q refused", t.Name))
		return s.DLogErrorf("Service %q refused to start: %s", t.Name, err)
	}

	s.serviceMu.Lock()
	s.service = svc
	s.serviceName = t.Name
	s.serviceMu.Unlock()

	s.ILogf("Service %q started", t.Name)
	return s.SendMessage(&sshwire.ServiceAccept{Name: t.Name})
}

func (s *Session) handleServiceAccept(t *sshwire.ServiceAccept) error {
	s.serviceMu.Lock()
	wait := s.serviceWait
	wanted := s.serviceName
	s.serviceWait = nil
	s.serviceMu.Unlock()

	if wait == nil {
		s.sendDisconnect(sshwire.DisconnectProtocolError, "unsolicited service accept")
		return s.Errorf("service accept with no outstanding service request")
	}
	if t.Name != wanted {
		err := s.Errorf("service accept for %q but %q was requested", t.Name, wanted)
		wait <- err
		s.sendDisconnect(sshwire.DisconnectProtocolError, "service accept name mismatch")
		return err
	}

	var svc Service
	if factory := s.manager.serviceFactory(t.Name); factory != nil {
		var err error
		svc, err = factory.NewService(s)
		if err != nil {
			wait <- err
			return s.DLogErrorf("Local service %q failed to start: %s", t.Name, err)
		}
	}
	s.serviceMu.Lock()
	s.service = svc
	s.serviceMu.Unlock()

	s.ILogf("Service %q accepted by peer", t.Name)
	wait <- nil
	return nil
}

// keepAliveLoop periodically sends a keepalive global request. Any reply,
// positive or negative, proves the peer is alive; replies count as inbound
// traffic for idle tracking.
func (s *Session) keepAliveLoop() {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.State() < StateKeysEstablished {
				continue
			}
			if _, _, err := s.SendGlobalRequest("keepalive@sshcore.sammck.com", true, nil); err != nil {
				return
			}
		case <-s.ShutdownStartedChan():
			return
		}
	}
}

// failPendingWaiters wakes everything blocked on replies with the session's
// termination error.
func (s *Session) failPendingWaiters() {
	s.globalMu.Lock()
	pending := s.pendingGlobal
	s.pendingGlobal = nil
	s.globalMu.Unlock()
	for _, replyCh := range pending {
		select {
		case replyCh <- globalReply{ok: false}:
		default:
		}
	}

	s.serviceMu.Lock()
	wait := s.serviceWait
	s.serviceWait = nil
	s.serviceMu.Unlock()
	if wait != nil {
		select {
		case wait <- ErrSessionClosed:
		default:
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionErr as an advisory completion value, actually shut
// down, then return the real completion value.
func (s *Session) HandleOnceShutdown(completionErr error) error {
	s.setState(StateClosing)

	if completionErr != nil {
		s.notifySessionException(completionErr)
	}

	cause := completionErr
	if cause == nil {
		cause = ErrSessionClosed
	}

	s.conn.Close()
	s.mux.ForceCloseAll(cause)
	s.failPendingWaiters()

	s.serviceMu.Lock()
	svc := s.service
	s.service = nil
	s.serviceMu.Unlock()
	if svc != nil {
		s.safeNotify(func() { svc.OnSessionClosed(completionErr) })
	}

	s.manager.removeSession(s)
	s.setState(StateClosed)
	s.notifySessionClosed()

	if completionErr != nil {
		s.ILogf("Session closed: %s", completionErr)
	} else {
		s.ILogf("Session closed")
	}
	return completionErr
}
