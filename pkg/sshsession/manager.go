package sshsession

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/sammck-go/sshcore/pkg/sshalg"
	"github.com/sammck-go/sshcore/pkg/sshmux"
)

// GlobalRequestHandler handles one inbound session-scoped request. It
// returns whether it handled the request, and for handled requests that
// want a reply, the reply payload.
type GlobalRequestHandler func(s *Session, reqType string, payload []byte) (handled bool, response []byte)

// LastManagerID is the last allocated manager ID number, for logging
// purposes.
var LastManagerID int32

// Manager is the composition root shared by many sessions: configuration,
// the algorithm registry, host keys, channel type handlers, service
// factories, global request handlers, and lifecycle listeners. Shutting the
// manager down shuts down every session it owns.
type Manager struct {
	*asyncobj.Helper

	id      int32
	strname string

	cfg      *Config
	registry *sshalg.Registry

	// mu guards everything below.
	mu             sync.Mutex
	sessions       map[int64]*Session
	hostSigners    map[string]sshalg.Signer
	chanHandlers   map[string]sshmux.ChannelHandler
	globalHandlers []GlobalRequestHandler
	services       map[string]ServiceFactory

	listeners listenerSet
	monitor   *timeoutMonitor
}

// NewManager creates a Manager with the given configuration and algorithm
// registry. A nil cfg takes all defaults; a nil registry takes the default
// algorithm set.
func NewManager(lg logger.Logger, cfg *Config, registry *sshalg.Registry) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg.applyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = sshalg.NewDefaultRegistry()
	}

	m := &Manager{
		id:           atomic.AddInt32(&LastManagerID, 1),
		cfg:          cfg,
		registry:     registry,
		sessions:     make(map[int64]*Session),
		hostSigners:  make(map[string]sshalg.Signer),
		chanHandlers: make(map[string]sshmux.ChannelHandler),
		services:     make(map[string]ServiceFactory),
	}
	m.strname = "SessionManager#" + itoa(int64(m.id))
	m.Helper = asyncobj.NewHelper(lg.ForkLogStr(m.strname), m)

	m.monitor = newTimeoutMonitor(m)
	m.listeners.addSession(m.monitor)

	m.SetIsActivated()
	return m, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (m *Manager) String() string {
	return m.strname
}

// Config returns the manager's resolved configuration. Callers must treat
// it as read-only.
func (m *Manager) Config() *Config { return m.cfg }

// Registry returns the manager's algorithm registry.
func (m *Manager) Registry() *sshalg.Registry { return m.registry }

// SetHostKey installs a host key, keyed by its signature algorithm name. A
// later key for the same algorithm replaces the earlier one.
func (m *Manager) SetHostKey(signer sshalg.Signer) {
	m.mu.Lock()
	m.hostSigners[signer.AlgorithmName()] = signer
	m.mu.Unlock()
}

// GenerateHostKeys creates a fresh host key for every signature algorithm
// in the registry that does not already have one. Intended for servers with
// no persistent key material, matching deterministic or throwaway setups.
func (m *Manager) GenerateHostKeys() error {
	for _, f := range m.registry.HostKeys {
		m.mu.Lock()
		_, have := m.hostSigners[f.Name]
		m.mu.Unlock()
		if have {
			continue
		}
		signer, err := f.Generate(m.registry.Random)
		if err != nil {
			return m.DLogErrorf("Host key generation for %s failed: %s", f.Name, err)
		}
		m.SetHostKey(signer)
		m.DLogf("Generated host key for %s", f.Name)
	}
	return nil
}

func (m *Manager) hostSigner(algName string) sshalg.Signer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hostSigners[algName]
}

// availableHostKeyNames filters names down to the algorithms a signer is
// installed for, preserving order.
func (m *Manager) availableHostKeyNames(names []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, name := range names {
		if _, ok := m.hostSigners[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// RegisterChannelType installs a handler invoked for every inbound channel
// open of the given type, on every session created after the call. Channel
// types with no handler are rejected.
func (m *Manager) RegisterChannelType(chanType string, h sshmux.ChannelHandler) {
	m.mu.Lock()
	m.chanHandlers[chanType] = h
	m.mu.Unlock()
}

func (m *Manager) channelHandlers() map[string]sshmux.ChannelHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]sshmux.ChannelHandler, len(m.chanHandlers))
	for k, v := range m.chanHandlers {
		out[k] = v
	}
	return out
}

// RegisterService installs a service factory, keyed by its wire name.
func (m *Manager) RegisterService(f ServiceFactory) {
	m.mu.Lock()
	m.services[f.Name()] = f
	m.mu.Unlock()
}

func (m *Manager) serviceFactory(name string) ServiceFactory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.services[name]
}

// AddGlobalRequestHandler appends a handler for inbound global requests.
// Handlers run in registration order; the first one that reports handled
// wins.
func (m *Manager) AddGlobalRequestHandler(h GlobalRequestHandler) {
	m.mu.Lock()
	m.globalHandlers = append(m.globalHandlers, h)
	m.mu.Unlock()
}

func (m *Manager) dispatchGlobalRequest(s *Session, reqType string, payload []byte) (bool, []byte) {
	m.mu.Lock()
	handlers := make([]GlobalRequestHandler, len(m.globalHandlers))
	copy(handlers, m.globalHandlers)
	m.mu.Unlock()
	for _, h := range handlers {
		if handled, response := h(s, reqType, payload); handled {
			return true, response
		}
	}
	return false, nil
}

// AddSessionListener registers a session lifecycle listener.
func (m *Manager) AddSessionListener(l SessionListener) {
	m.listeners.addSession(l)
}

// RemoveSessionListener unregisters a previously added session listener.
func (m *Manager) RemoveSessionListener(l SessionListener) {
	m.listeners.removeSession(l)
}

// AddChannelListener registers a channel lifecycle listener.
func (m *Manager) AddChannelListener(l ChannelListener) {
	m.listeners.addChannel(l)
}

// RemoveChannelListener unregisters a previously added channel listener.
func (m *Manager) RemoveChannelListener(l ChannelListener) {
	m.listeners.removeChannel(l)
}

// NewServerSession creates the server-side session for one accepted
// transport connection. The caller (or ServeListener) must call Run.
func (m *Manager) NewServerSession(conn net.Conn) *Session {
	return m.addSession(newSession(m, conn, false))
}

// NewClientSession creates the client-side session for one dialed transport
// connection. The caller must call Run, typically on its own goroutine, and
// may wait on EstablishedChan before opening channels.
func (m *Manager) NewClientSession(conn net.Conn) *Session {
	return m.addSession(newSession(m, conn, true))
}

func (m *Manager) addSession(s *Session) *Session {
	m.mu.Lock()
	m.sessions[s.id] = s
	n := len(m.sessions)
	m.mu.Unlock()
	m.DLogf("Added %s (%d live)", s, n)
	return s
}

func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	n := len(m.sessions)
	m.mu.Unlock()
	m.DLogf("Removed %s (%d live)", s, n)
}

// Sessions returns a snapshot of the manager's live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// NumSessions returns the number of live sessions.
func (m *Manager) NumSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ServeListener accepts connections from l and runs a server session for
// each, until the listener fails permanently or the manager shuts down.
// Transient accept errors are retried with exponential backoff.
func (m *Manager) ServeListener(l net.Listener) error {
	go func() {
		<-m.ShutdownStartedChan()
		l.Close()
	}()

	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second}
	for {
		conn, err := l.Accept()
		if err != nil {
			if m.IsStartedShutdown() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				d := b.Duration()
				m.WLogf("Accept failed (retrying in %v): %s", d, err)
				time.Sleep(d)
				continue
			}
			return m.DLogErrorf("Accept failed: %s", err)
		}
		b.Reset()
		s := m.NewServerSession(conn)
		go s.Run()
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionErr as an advisory completion value, actually shut
// down, then return the real completion value.
func (m *Manager) HandleOnceShutdown(completionErr error) error {
	sessions := m.Sessions()
	m.DLogf("Shutting down %d live sessions", len(sessions))
	for _, s := range sessions {
		s.StartShutdown(ErrSessionClosed)
	}
	for _, s := range sessions {
		s.WaitShutdown()
	}
	m.monitor.StartShutdown(nil)
	m.monitor.WaitShutdown()
	return completionErr
}
