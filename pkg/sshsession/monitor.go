package sshsession

import (
	"sync"
	"time"

	"github.com/sammck-go/asyncobj"

	"github.com/sammck-go/sshcore/pkg/sshwire"
)

// timeoutMonitor watches every live session on one manager and enforces the
// authentication and idle timeouts, closing offenders within one tick of
// expiry. It also drives periodic rekey checks. It learns about sessions by
// being a SessionListener on its manager.
type timeoutMonitor struct {
	*asyncobj.Helper

	m *Manager

	mu       sync.Mutex
	sessions map[int64]*Session
}

func newTimeoutMonitor(m *Manager) *timeoutMonitor {
	mon := &timeoutMonitor{
		m:        m,
		sessions: make(map[int64]*Session),
	}
	mon.Helper = asyncobj.NewHelper(m.Logger.ForkLogStr("TimeoutMonitor"), mon)
	mon.SetIsActivated()
	go mon.run()
	return mon
}

// SessionCreated implements SessionListener.
func (mon *timeoutMonitor) SessionCreated(s *Session) {
	mon.mu.Lock()
	mon.sessions[s.ID()] = s
	mon.mu.Unlock()
}

// SessionAuthenticated implements SessionListener.
func (mon *timeoutMonitor) SessionAuthenticated(s *Session) {}

// SessionException implements SessionListener.
func (mon *timeoutMonitor) SessionException(s *Session, err error) {}

// SessionClosed implements SessionListener.
func (mon *timeoutMonitor) SessionClosed(s *Session) {
	mon.mu.Lock()
	delete(mon.sessions, s.ID())
	mon.mu.Unlock()
}

func (mon *timeoutMonitor) snapshot() []*Session {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	out := make([]*Session, 0, len(mon.sessions))
	for _, s := range mon.sessions {
		out = append(out, s)
	}
	return out
}

func (mon *timeoutMonitor) run() {
	ticker := time.NewTicker(mon.m.cfg.MonitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, s := range mon.snapshot() {
				mon.checkSession(s, time.Now())
			}
		case <-mon.ShutdownStartedChan():
			return
		}
	}
}

func (mon *timeoutMonitor) checkSession(s *Session, now time.Time) {
	if s.IsStartedShutdown() {
		return
	}

	cfg := mon.m.cfg
	if cfg.AuthTimeout > 0 && !s.IsAuthenticated() {
		if age := now.Sub(s.CreatedAt()); age > cfg.AuthTimeout {
			mon.expire(s, "authentication timeout", age)
			return
		}
	}
	if cfg.IdleTimeout > 0 {
		if idle := now.Sub(s.LastActivity()); idle > cfg.IdleTimeout {
			mon.expire(s, "idle timeout", idle)
			return
		}
	}

	s.maybeRekey()
}

func (mon *timeoutMonitor) expire(s *Session, what string, elapsed time.Duration) {
	mon.DLogf("%s exceeded %s (%v); closing", s, what, elapsed)
	err := s.Errorf("%s after %v", what, elapsed)
	s.sendDisconnect(sshwire.DisconnectByApplication, what)
	s.StartShutdown(err)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// should take completionErr as an advisory completion value, actually shut
// down, then return the real completion value.
func (mon *timeoutMonitor) HandleOnceShutdown(completionErr error) error {
	return completionErr
}
