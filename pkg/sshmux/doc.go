// Package sshmux implements the channel multiplexer of the transport engine:
// allocation of logical channel ids, per-channel flow-control windows, the
// EOF/close teardown handshake, and strict-FIFO correlation of channel
// requests with their replies, all over a single packet-oriented session.
//
// The multiplexer does not know about encryption or key exchange; it sends
// typed sshwire messages through a PacketSender supplied by the owning
// session and has inbound messages fed to it, in receipt order, from the
// session's single dispatch goroutine. Consumer-facing calls (Read, Write,
// SendRequest, Close) may be made from any goroutine.
package sshmux
