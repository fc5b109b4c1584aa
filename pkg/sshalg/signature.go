package sshalg

import (
	"crypto/ed25519"
	"fmt"
)

// Signer holds one host key and signs exchange hashes with it. Safe for
// concurrent use.
type Signer interface {
	// AlgorithmName returns the signature algorithm name this key is
	// negotiated under.
	AlgorithmName() string

	// PublicKeyBlob returns the wire encoding of the public key, sent to
	// the peer inside the KEX reply.
	PublicKeyBlob() []byte

	// Sign signs data (the exchange hash) and returns the wire signature.
	Sign(rand Random, data []byte) ([]byte, error)
}

// SignatureFactory describes a named host key signature scheme:
// verification of a peer's signature, and generation of a fresh key pair for
// hosts that are not configured with one.
type SignatureFactory struct {
	Name string

	// Verify checks sig over data against the peer's public key blob.
	Verify func(pubBlob, data, sig []byte) error

	// Generate creates a new host key pair.
	Generate func(rand Random) (Signer, error)
}

type ed25519Signer struct {
	priv ed25519.PrivateKey
}

func (s *ed25519Signer) AlgorithmName() string { return "ssh-ed25519" }

func (s *ed25519Signer) PublicKeyBlob() []byte {
	pub := s.priv.Public().(ed25519.PublicKey)
	blob := make([]byte, len(pub))
	copy(blob, pub)
	return blob
}

func (s *ed25519Signer) Sign(rand Random, data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

// NewEd25519Signer wraps an existing ed25519 private key as a host key
// Signer.
func NewEd25519Signer(priv ed25519.PrivateKey) (Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ssh-ed25519: bad private key length %d", len(priv))
	}
	return &ed25519Signer{priv: priv}, nil
}

// SignatureEd25519 returns the ssh-ed25519 signature factory.
func SignatureEd25519() *SignatureFactory {
	return &SignatureFactory{
		Name: "ssh-ed25519",
		Verify: func(pubBlob, data, sig []byte) error {
			if len(pubBlob) != ed25519.PublicKeySize {
				return fmt.Errorf("ssh-ed25519: bad public key length %d", len(pubBlob))
			}
			if !ed25519.Verify(ed25519.PublicKey(pubBlob), data, sig) {
				return fmt.Errorf("ssh-ed25519: signature verification failed")
			}
			return nil
		},
		Generate: func(rand Random) (Signer, error) {
			var seed [ed25519.SeedSize]byte
			if err := rand.Fill(seed[:]); err != nil {
				return nil, err
			}
			return &ed25519Signer{priv: ed25519.NewKeyFromSeed(seed[:])}, nil
		},
	}
}
