package sshalg

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"hash"
)

// MAC computes the per-packet integrity tag for one direction. Implementations
// are stateful only within a single Compute call.
type MAC interface {
	// Size returns the tag length in bytes.
	Size() int

	// Compute returns the tag over the given sequence number and the
	// unencrypted packet (length field through padding).
	Compute(seq uint32, packet []byte) []byte
}

// MACFactory describes a named MAC algorithm: the key length the key
// derivation step must produce and a constructor for per-direction state.
type MACFactory struct {
	Name string

	// KeySize is the MAC key length in bytes.
	KeySize int

	// TagSize is the length of the computed tag in bytes.
	TagSize int

	// New creates one direction's MAC state from a derived key.
	New func(key []byte) MAC
}

type hmacMAC struct {
	h hash.Hash
}

func (m *hmacMAC) Size() int {
	return m.h.Size()
}

func (m *hmacMAC) Compute(seq uint32, packet []byte) []byte {
	m.h.Reset()
	var seqBuf [4]byte
	seqBuf[0] = byte(seq >> 24)
	seqBuf[1] = byte(seq >> 16)
	seqBuf[2] = byte(seq >> 8)
	seqBuf[3] = byte(seq)
	m.h.Write(seqBuf[:])
	m.h.Write(packet)
	return m.h.Sum(nil)
}

// MACHMACSHA256 returns the hmac-sha2-256 MAC factory.
func MACHMACSHA256() *MACFactory {
	return &MACFactory{
		Name:    "hmac-sha2-256",
		KeySize: sha256.Size,
		TagSize: sha256.Size,
		New: func(key []byte) MAC {
			return &hmacMAC{h: hmac.New(sha256.New, key)}
		},
	}
}

// MACHMACSHA1 returns the hmac-sha1 MAC factory, kept for interop with older
// peers.
func MACHMACSHA1() *MACFactory {
	return &MACFactory{
		Name:    "hmac-sha1",
		KeySize: sha1.Size,
		TagSize: sha1.Size,
		New: func(key []byte) MAC {
			return &hmacMAC{h: hmac.New(sha1.New, key)}
		},
	}
}
