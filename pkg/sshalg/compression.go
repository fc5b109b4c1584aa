package sshalg

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// Compression transforms packet payloads before encryption and after
// decryption. Instances are per-direction and may hold state between
// packets.
type Compression interface {
	// Compress returns the on-wire form of one payload.
	Compress(payload []byte) ([]byte, error)

	// Decompress reverses Compress for one payload. A failure here is
	// fatal to the session.
	Decompress(payload []byte) ([]byte, error)
}

// CompressionFactory describes a named compression codec with a constructor
// for per-direction state.
type CompressionFactory struct {
	Name string
	New  func() Compression
}

type noneCompression struct{}

func (noneCompression) Compress(payload []byte) ([]byte, error)   { return payload, nil }
func (noneCompression) Decompress(payload []byte) ([]byte, error) { return payload, nil }

// CompressionNone returns the identity compression factory.
func CompressionNone() *CompressionFactory {
	return &CompressionFactory{
		Name: "none",
		New:  func() Compression { return noneCompression{} },
	}
}

// zlibCompression compresses each payload as an independent zlib stream.
// Both directions of a session use this same codec, so no cross-packet
// dictionary state is required.
type zlibCompression struct {
	buf bytes.Buffer
}

func (z *zlibCompression) Compress(payload []byte) ([]byte, error) {
	z.buf.Reset()
	w := zlib.NewWriter(&z.buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	out := make([]byte, z.buf.Len())
	copy(out, z.buf.Bytes())
	return out, nil
}

func (z *zlibCompression) Decompress(payload []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("zlib: bad compressed payload: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zlib: bad compressed payload: %w", err)
	}
	return out, nil
}

// CompressionZlib returns the zlib compression factory.
func CompressionZlib() *CompressionFactory {
	return &CompressionFactory{
		Name: "zlib",
		New:  func() Compression { return &zlibCompression{} },
	}
}
