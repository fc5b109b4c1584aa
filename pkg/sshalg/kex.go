package sshalg

import (
	"crypto/sha256"
	"fmt"
	"hash"

	"golang.org/x/crypto/curve25519"
)

// Kex is one in-progress key exchange. A fresh instance is created per
// exchange from the negotiated KexFactory; instances are not reusable and
// not safe for concurrent use.
//
// The initiating side calls Init then Finish; the responding side calls
// Respond. Both end up with the same shared secret, which the session hashes
// into the exchange transcript to produce the exchange hash.
type Kex interface {
	// Init generates the initiator's ephemeral key and returns the public
	// value to send to the peer.
	Init(rand Random) (initPub []byte, err error)

	// Respond consumes the initiator's public value, generates the
	// responder's ephemeral key, and returns the responder public value
	// and the shared secret.
	Respond(rand Random, initPub []byte) (replyPub, secret []byte, err error)

	// Finish consumes the responder's public value on the initiating side
	// and returns the shared secret.
	Finish(replyPub []byte) (secret []byte, err error)
}

// KexFactory describes a named key exchange method. NewHash creates the hash
// used both for the exchange transcript and for key derivation from the
// resulting secret.
type KexFactory struct {
	Name    string
	NewHash func() hash.Hash
	New     func() Kex
}

type curve25519Kex struct {
	priv [32]byte
}

func (k *curve25519Kex) Init(rand Random) ([]byte, error) {
	if err := rand.Fill(k.priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(k.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

func (k *curve25519Kex) Respond(rand Random, initPub []byte) ([]byte, []byte, error) {
	if len(initPub) != curve25519.PointSize {
		return nil, nil, fmt.Errorf("curve25519: bad peer public value length %d", len(initPub))
	}
	if err := rand.Fill(k.priv[:]); err != nil {
		return nil, nil, err
	}
	replyPub, err := curve25519.X25519(k.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	secret, err := curve25519.X25519(k.priv[:], initPub)
	if err != nil {
		return nil, nil, err
	}
	return replyPub, secret, nil
}

func (k *curve25519Kex) Finish(replyPub []byte) ([]byte, error) {
	if len(replyPub) != curve25519.PointSize {
		return nil, fmt.Errorf("curve25519: bad peer public value length %d", len(replyPub))
	}
	return curve25519.X25519(k.priv[:], replyPub)
}

// KexCurve25519SHA256 returns the curve25519-sha256 key exchange factory.
func KexCurve25519SHA256() *KexFactory {
	return &KexFactory{
		Name:    "curve25519-sha256",
		NewHash: sha256.New,
		New:     func() Kex { return &curve25519Kex{} },
	}
}
