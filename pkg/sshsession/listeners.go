package sshsession

import (
	"sync"
)

// SessionListener receives session lifecycle events from a Manager. All
// callbacks run on the session's goroutines, so implementations must be
// quick and must not call back into the session synchronously in ways that
// could deadlock (sending messages is fine; waiting for session shutdown is
// not).
type SessionListener interface {
	// SessionCreated fires after the session object exists, before the
	// version exchange begins.
	SessionCreated(s *Session)

	// SessionAuthenticated fires when the session transitions to the
	// authenticated state.
	SessionAuthenticated(s *Session)

	// SessionException fires when a fatal error is tearing the session
	// down. It always precedes SessionClosed for the same session.
	SessionException(s *Session, err error)

	// SessionClosed fires exactly once when the session has fully shut
	// down.
	SessionClosed(s *Session)
}

// ChannelListener receives channel lifecycle events from a Manager.
type ChannelListener interface {
	// ChannelOpened fires when a channel reaches the open state, whether
	// locally or remotely initiated.
	ChannelOpened(s *Session, localID uint32)

	// ChannelClosed fires exactly once per channel that reached the open
	// state, when it is fully torn down.
	ChannelClosed(s *Session, localID uint32)
}

// listenerSet holds registered listeners and fans events out to them. A
// panicking listener is logged and skipped; it never takes the session
// down, and the remaining listeners still run.
type listenerSet struct {
	mu        sync.RWMutex
	sessionLs []SessionListener
	channelLs []ChannelListener
}

func (ls *listenerSet) addSession(l SessionListener) {
	ls.mu.Lock()
	ls.sessionLs = append(ls.sessionLs, l)
	ls.mu.Unlock()
}

func (ls *listenerSet) removeSession(l SessionListener) {
	ls.mu.Lock()
	for i, cur := range ls.sessionLs {
		if cur == l {
			ls.sessionLs = append(ls.sessionLs[:i], ls.sessionLs[i+1:]...)
			break
		}
	}
	ls.mu.Unlock()
}

func (ls *listenerSet) addChannel(l ChannelListener) {
	ls.mu.Lock()
	ls.channelLs = append(ls.channelLs, l)
	ls.mu.Unlock()
}

func (ls *listenerSet) removeChannel(l ChannelListener) {
	ls.mu.Lock()
	for i, cur := range ls.channelLs {
		if cur == l {
			ls.channelLs = append(ls.channelLs[:i], ls.channelLs[i+1:]...)
			break
		}
	}
	ls.mu.Unlock()
}

func (ls *listenerSet) snapshotSession() []SessionListener {
	ls.mu.RLock()
	out := make([]SessionListener, len(ls.sessionLs))
	copy(out, ls.sessionLs)
	ls.mu.RUnlock()
	return out
}

func (ls *listenerSet) snapshotChannel() []ChannelListener {
	ls.mu.RLock()
	out := make([]ChannelListener, len(ls.channelLs))
	copy(out, ls.channelLs)
	ls.mu.RUnlock()
	return out
}

func (s *Session) notifySessionCreated() {
	for _, l := range s.manager.listeners.snapshotSession() {
		s.safeNotify(func() { l.SessionCreated(s) })
	}
}

func (s *Session) notifySessionAuthenticated() {
	for _, l := range s.manager.listeners.snapshotSession() {
		s.safeNotify(func() { l.SessionAuthenticated(s) })
	}
}

func (s *Session) notifySessionException(err error) {
	for _, l := range s.manager.listeners.snapshotSession() {
		s.safeNotify(func() { l.SessionException(s, err) })
	}
}

func (s *Session) notifySessionClosed() {
	for _, l := range s.manager.listeners.snapshotSession() {
		s.safeNotify(func() { l.SessionClosed(s) })
	}
}

func (s *Session) notifyChannelOpened(localID uint32) {
	for _, l := range s.manager.listeners.snapshotChannel() {
		s.safeNotify(func() { l.ChannelOpened(s, localID) })
	}
}

func (s *Session) notifyChannelClosed(localID uint32) {
	for _, l := range s.manager.listeners.snapshotChannel() {
		s.safeNotify(func() { l.ChannelClosed(s, localID) })
	}
}

func (s *Session) safeNotify(f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.WLogf("Listener panicked: %v", r)
		}
	}()
	f()
}
