package sshalg

import (
	"crypto/rand"
	"io"
)

// Random is the engine's source of random bytes: KEX ephemeral keys, KEXINIT
// cookies and packet padding all draw from it. Implementations must be safe
// for concurrent use.
type Random interface {
	// Fill overwrites b with random bytes.
	Fill(b []byte) error
}

type cryptoRandom struct{}

func (cryptoRandom) Fill(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}

// CryptoRandom returns a Random backed by crypto/rand.
func CryptoRandom() Random {
	return cryptoRandom{}
}
