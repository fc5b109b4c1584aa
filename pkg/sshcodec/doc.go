// Package sshcodec implements the binary packet protocol framing for the
// transport engine: compression, padding, MAC computation and encryption on
// the way out, and the exact reverse on the way in, with per-direction
// sequence counters and atomic key changeover at rekey time.
//
// A Codec owns both directions of exactly one transport connection. It is not
// safe for concurrent use in one direction; the owning session serializes
// writers and runs a single read loop.
package sshcodec
