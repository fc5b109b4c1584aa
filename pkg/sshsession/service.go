package sshsession

// Service is an application-layer protocol running over an established
// session, activated by a successful service request. The session hands
// post-activation responsibilities to the service; the service in turn is
// told when the session goes away.
type Service interface {
	// OnSessionClosed fires once when the owning session has shut down.
	// cause is the session's termination error, nil for orderly close.
	OnSessionClosed(cause error)
}

// ServiceFactory creates Service instances by name. Factories are
// registered on the Manager; a peer's service request for a name with no
// registered factory is refused with a disconnect.
type ServiceFactory interface {
	// Name is the service name as it appears on the wire, e.g.
	// "ssh-userauth".
	Name() string

	// NewService instantiates the service for one session. Returning an
	// error refuses the request.
	NewService(s *Session) (Service, error)
}

// ServiceFactoryFunc adapts a name and constructor function to
// ServiceFactory.
type ServiceFactoryFunc struct {
	ServiceName string
	New         func(s *Session) (Service, error)
}

// Name implements ServiceFactory.
func (f ServiceFactoryFunc) Name() string { return f.ServiceName }

// NewService implements ServiceFactory.
func (f ServiceFactoryFunc) NewService(s *Session) (Service, error) { return f.New(s) }
