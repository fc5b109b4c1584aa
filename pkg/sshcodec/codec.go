package sshcodec

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sammck-go/sshcore/pkg/sshalg"
)

const (
	// minPaddingLength is the smallest allowed padding length, a lower
	// bound the codec enforces regardless of the negotiated cipher.
	minPaddingLength = 4

	// minPacketLength is the smallest allowed total packet length
	// (length field through padding, excluding the MAC).
	minPacketLength = 16

	// minBlockMultiple is the smallest padding block multiple; ciphers
	// reporting a smaller block size are padded to this instead.
	minBlockMultiple = 8

	// packetOverhead is the length field plus the padding-length byte.
	packetOverhead = 5

	// maxPaddingLength bounds the padding-length byte.
	maxPaddingLength = 255
)

// Transport-fatal framing errors. Any of these must close the session.
var (
	// ErrMACMismatch reports a packet whose integrity tag did not verify.
	ErrMACMismatch = errors.New("sshcodec: packet MAC verification failed")

	// ErrPacketTooLarge reports a length field exceeding the configured
	// maximum packet size.
	ErrPacketTooLarge = errors.New("sshcodec: packet exceeds maximum packet size")

	// ErrMalformedPacket reports a structurally invalid packet (bad
	// length alignment or padding length).
	ErrMalformedPacket = errors.New("sshcodec: malformed packet")
)

// half is the codec state for one direction.
type half struct {
	seq        uint32
	stream     sshalg.Stream      // nil until first key application
	mac        sshalg.MAC         // nil until first key application
	comp       sshalg.Compression // nil means identity
	blockSize  int
	wireBytes  atomic.Uint64 // bytes on the wire since last key application
	pending    *DirectionKeys
	pendingErr error
}

func (h *half) blockMultiple() int {
	if h.blockSize < minBlockMultiple {
		return minBlockMultiple
	}
	return h.blockSize
}

// DirectionKeys is one direction's negotiated algorithm set plus the key
// material derived for it, ready to be swapped in at a packet boundary.
type DirectionKeys struct {
	Cipher      *sshalg.CipherFactory
	Key         []byte
	IV          []byte
	MAC         *sshalg.MACFactory
	MACKey      []byte
	Compression *sshalg.CompressionFactory
}

// Codec frames, protects and unprotects packets on one transport connection.
// It starts out in the plaintext state used during version exchange and the
// first key exchange.
type Codec struct {
	r         io.Reader
	w         io.Writer
	rand      sshalg.Random
	maxPacket uint32

	recv half
	send half

	readBuf []byte
}

// NewCodec creates a Codec over the given transport streams. maxPacket
// bounds the total on-wire packet length (excluding MAC) in both directions.
func NewCodec(r io.Reader, w io.Writer, rand sshalg.Random, maxPacket uint32) *Codec {
	return &Codec{
		r:         r,
		w:         w,
		rand:      rand,
		maxPacket: maxPacket,
		recv:      half{blockSize: minBlockMultiple},
		send:      half{blockSize: minBlockMultiple},
	}
}

// MaxPacket returns the configured maximum total packet length.
func (c *Codec) MaxPacket() uint32 {
	return c.maxPacket
}

// RecvSeq returns the sequence number that will be assigned to the next
// inbound packet.
func (c *Codec) RecvSeq() uint32 {
	return c.recv.seq
}

// TrafficSinceRekey returns the wire byte counts in each direction since the
// most recent key application (or since the connection began).
func (c *Codec) TrafficSinceRekey() (in, out uint64) {
	return c.recv.wireBytes.Load(), c.send.wireBytes.Load()
}

// PrepareRecvKeys stages new inbound keys. They take effect at the next
// packet boundary, triggered by ActivateRecvKeys; staging and activation are
// split so the session can derive keys when NEWKEYS is sent/seen without
// ever swapping state mid-packet.
func (c *Codec) PrepareRecvKeys(k *DirectionKeys) {
	c.recv.pending = k
}

// PrepareSendKeys stages new outbound keys, as PrepareRecvKeys.
func (c *Codec) PrepareSendKeys(k *DirectionKeys) {
	c.send.pending = k
}

// ActivateRecvKeys swaps staged inbound keys into effect. Must be called
// between packets, from the read loop.
func (c *Codec) ActivateRecvKeys() error {
	return c.recv.activate()
}

// ActivateSendKeys swaps staged outbound keys into effect. Must be called
// under the session's write serialization.
func (c *Codec) ActivateSendKeys() error {
	return c.send.activate()
}

func (h *half) activate() error {
	k := h.pending
	h.pending = nil
	if k == nil {
		return fmt.Errorf("sshcodec: no staged keys to activate")
	}
	stream, err := k.Cipher.New(k.Key, k.IV)
	if err != nil {
		return fmt.Errorf("sshcodec: activating cipher %s: %w", k.Cipher.Name, err)
	}
	h.stream = stream
	h.mac = k.MAC.New(k.MACKey)
	h.comp = k.Compression.New()
	h.blockSize = k.Cipher.BlockSize
	h.wireBytes.Store(0)
	return nil
}

// WritePacket frames and sends one payload: compress, pad, MAC, encrypt,
// emit, and advance the send sequence number.
func (c *Codec) WritePacket(payload []byte) error {
	if c.send.comp != nil {
		var err error
		payload, err = c.send.comp.Compress(payload)
		if err != nil {
			return fmt.Errorf("sshcodec: compression failed: %w", err)
		}
	}

	block := c.send.blockMultiple()
	padding := block - (packetOverhead+len(payload))%block
	for padding < minPaddingLength {
		padding += block
	}
	for packetOverhead+len(payload)+padding < minPacketLength {
		padding += block
	}
	if padding > maxPaddingLength {
		return fmt.Errorf("%w: computed padding %d", ErrMalformedPacket, padding)
	}
	length := uint32(1 + len(payload) + padding)
	if 4+length > c.maxPacket {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, 4+length, c.maxPacket)
	}

	packet := make([]byte, 4+length)
	binary.BigEndian.PutUint32(packet, length)
	packet[4] = byte(padding)
	copy(packet[packetOverhead:], payload)
	if err := c.rand.Fill(packet[packetOverhead+len(payload):]); err != nil {
		return fmt.Errorf("sshcodec: padding randomization failed: %w", err)
	}

	var tag []byte
	if c.send.mac != nil {
		tag = c.send.mac.Compute(c.send.seq, packet)
	}
	if c.send.stream != nil {
		c.send.stream.XORKeyStream(packet, packet)
	}

	if _, err := c.w.Write(packet); err != nil {
		return err
	}
	if len(tag) > 0 {
		if _, err := c.w.Write(tag); err != nil {
			return err
		}
	}
	c.send.seq++
	c.send.wireBytes.Add(uint64(len(packet) + len(tag)))
	return nil
}

// ReadPacket receives, verifies and unwraps exactly one packet, returning
// its decompressed payload and the sequence number it was received under.
// Errors other than transport read errors are transport-fatal.
func (c *Codec) ReadPacket() (payload []byte, seq uint32, err error) {
	block := c.recv.blockMultiple()
	if cap(c.readBuf) < block {
		c.readBuf = make([]byte, block)
	}
	first := c.readBuf[:block]
	if _, err := io.ReadFull(c.r, first); err != nil {
		return nil, 0, err
	}
	if c.recv.stream != nil {
		c.recv.stream.XORKeyStream(first, first)
	}
	length := binary.BigEndian.Uint32(first)
	// Widen before adding so a length near 1<<32 cannot wrap past the
	// limit check.
	if uint64(length)+4 > uint64(c.maxPacket) {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, uint64(length)+4, c.maxPacket)
	}
	if length < minPacketLength-4 || (4+int(length))%block != 0 {
		return nil, 0, fmt.Errorf("%w: length %d", ErrMalformedPacket, length)
	}

	packet := make([]byte, 4+length)
	copy(packet, first)
	rest := packet[block:]
	if _, err := io.ReadFull(c.r, rest); err != nil {
		return nil, 0, err
	}
	if c.recv.stream != nil {
		c.recv.stream.XORKeyStream(rest, rest)
	}

	wire := uint64(len(packet))
	if c.recv.mac != nil {
		tag := make([]byte, c.recv.mac.Size())
		if _, err := io.ReadFull(c.r, tag); err != nil {
			return nil, 0, err
		}
		wire += uint64(len(tag))
		want := c.recv.mac.Compute(c.recv.seq, packet)
		// Constant-time compare: a MAC mismatch must not be
		// distinguishable by timing from a match on a prefix.
		if subtle.ConstantTimeCompare(tag, want) != 1 {
			return nil, 0, ErrMACMismatch
		}
	}

	padding := int(packet[4])
	if padding < minPaddingLength || padding > int(length)-1 {
		return nil, 0, fmt.Errorf("%w: padding length %d", ErrMalformedPacket, padding)
	}
	payload = packet[packetOverhead : 4+int(length)-padding]
	if c.recv.comp != nil {
		payload, err = c.recv.comp.Decompress(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("sshcodec: decompression failed: %w", err)
		}
	}
	seq = c.recv.seq
	c.recv.seq++
	c.recv.wireBytes.Add(wire)
	return payload, seq, nil
}
