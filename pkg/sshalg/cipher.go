package sshalg

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// Stream is one direction's packet encryption state. The same interface
// covers encryption and decryption since all built-in ciphers are XOR
// streams; the codec keys a separate instance per direction.
type Stream interface {
	// XORKeyStream transforms src into dst, advancing the cipher state.
	// dst and src may be the same slice.
	XORKeyStream(dst, src []byte)
}

// CipherFactory describes a named packet cipher: the key material sizes the
// key derivation step must produce, the padding block multiple, and a
// constructor for per-direction stream state.
type CipherFactory struct {
	Name string

	// KeySize is the encryption key length in bytes.
	KeySize int

	// IVSize is the initialization vector length in bytes.
	IVSize int

	// BlockSize is the multiple packets are padded to. The codec raises it
	// to the protocol minimum of 8 when the cipher reports less.
	BlockSize int

	// New creates one direction's stream state from derived key material.
	New func(key, iv []byte) (Stream, error)
}

type ctrStream struct {
	s cipher.Stream
}

func (c *ctrStream) XORKeyStream(dst, src []byte) {
	c.s.XORKeyStream(dst, src)
}

func newAESCTRFactory(name string, keySize int) *CipherFactory {
	return &CipherFactory{
		Name:      name,
		KeySize:   keySize,
		IVSize:    aes.BlockSize,
		BlockSize: aes.BlockSize,
		New: func(key, iv []byte) (Stream, error) {
			if len(key) != keySize || len(iv) != aes.BlockSize {
				return nil, fmt.Errorf("%s: bad key material (key %d, iv %d)", name, len(key), len(iv))
			}
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return &ctrStream{s: cipher.NewCTR(block, iv)}, nil
		},
	}
}

// CipherAES128CTR returns the aes128-ctr cipher factory.
func CipherAES128CTR() *CipherFactory {
	return newAESCTRFactory("aes128-ctr", 16)
}

// CipherAES256CTR returns the aes256-ctr cipher factory.
func CipherAES256CTR() *CipherFactory {
	return newAESCTRFactory("aes256-ctr", 32)
}

// CipherChaCha20 returns a chacha20 stream cipher factory. Packet integrity
// still comes from the negotiated MAC; this is not the AEAD
// chacha20-poly1305 construction.
func CipherChaCha20() *CipherFactory {
	return &CipherFactory{
		Name:      "chacha20",
		KeySize:   chacha20.KeySize,
		IVSize:    chacha20.NonceSize,
		BlockSize: 8,
		New: func(key, iv []byte) (Stream, error) {
			c, err := chacha20.NewUnauthenticatedCipher(key, iv)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}
