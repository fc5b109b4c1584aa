// Package sshwire implements the binary payload encoding for the SSH-family
// transport protocol spoken by this engine: message numbers, typed message
// structures, and the low-level field primitives (uint32, boolean, string,
// name-list, mpint) they are built from.
//
// The package is deliberately free of I/O, crypto and session state; it deals
// only in fully decrypted, decompressed packet payloads. Framing, encryption
// and MAC handling live in package sshcodec; interpretation of messages lives
// in packages sshsession and sshmux.
package sshwire
