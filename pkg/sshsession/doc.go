// Package sshsession implements the transport session state machine and the
// session manager of the engine.
//
// A Session owns one transport connection end to end: it performs the
// identification string exchange, negotiates algorithms from the manager's
// registries, drives key exchange and rekeying through the packet codec,
// dispatches decoded messages to the channel multiplexer and to registered
// global request handlers, and tears everything down exactly once on close.
//
// A Manager is the composition root shared by many sessions: typed
// configuration, the algorithm registry, the host key, service factories,
// session/channel lifecycle listeners, and the timeout monitor that reaps
// unauthenticated and idle sessions.
package sshsession
