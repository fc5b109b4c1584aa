package sshwire

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ErrShortPayload is returned when a message payload ends before a field
// that its message type requires.
var ErrShortPayload = fmt.Errorf("sshwire: truncated message payload")

// AppendU32 appends a big-endian uint32 to b.
func AppendU32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// AppendBool appends a protocol boolean (one byte, 0 or 1) to b.
func AppendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// AppendString appends a length-prefixed byte string to b.
func AppendString(b []byte, s []byte) []byte {
	b = AppendU32(b, uint32(len(s)))
	return append(b, s...)
}

// AppendNameList appends a comma-separated algorithm name-list as a
// length-prefixed string.
func AppendNameList(b []byte, names []string) []byte {
	return AppendString(b, []byte(strings.Join(names, ",")))
}

// AppendMPInt appends a non-negative multiple-precision integer given as a
// big-endian byte slice. Leading zero bytes are stripped, and a zero byte is
// prepended if the high bit of the first byte is set, so the value is never
// interpreted as negative.
func AppendMPInt(b []byte, v []byte) []byte {
	for len(v) > 0 && v[0] == 0 {
		v = v[1:]
	}
	if len(v) > 0 && v[0]&0x80 != 0 {
		b = AppendU32(b, uint32(len(v)+1))
		b = append(b, 0)
		return append(b, v...)
	}
	return AppendString(b, v)
}

// A Reader consumes protocol fields from a payload slice. Field accessors
// record the first decoding failure; Err() reports it after parsing.
type Reader struct {
	rest []byte
	err  error
}

// NewReader returns a Reader over payload.
func NewReader(payload []byte) *Reader {
	return &Reader{rest: payload}
}

// Err returns the first decoding error encountered, or nil.
func (r *Reader) Err() error {
	return r.err
}

// Remaining returns the unconsumed tail of the payload.
func (r *Reader) Remaining() []byte {
	return r.rest
}

func (r *Reader) fail() {
	if r.err == nil {
		r.err = ErrShortPayload
	}
}

// Byte consumes one byte.
func (r *Reader) Byte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.rest) < 1 {
		r.fail()
		return 0
	}
	v := r.rest[0]
	r.rest = r.rest[1:]
	return v
}

// Bool consumes one protocol boolean byte.
func (r *Reader) Bool() bool {
	return r.Byte() != 0
}

// U32 consumes a big-endian uint32.
func (r *Reader) U32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.rest) < 4 {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(r.rest)
	r.rest = r.rest[4:]
	return v
}

// Bytes consumes exactly n raw bytes.
func (r *Reader) Bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.rest) < n {
		r.fail()
		return nil
	}
	v := r.rest[:n]
	r.rest = r.rest[n:]
	return v
}

// String consumes a length-prefixed byte string.
func (r *Reader) String() []byte {
	n := r.U32()
	if r.err != nil {
		return nil
	}
	if uint32(len(r.rest)) < n {
		r.fail()
		return nil
	}
	return r.Bytes(int(n))
}

// Text consumes a length-prefixed string as a Go string.
func (r *Reader) Text() string {
	return string(r.String())
}

// NameList consumes a comma-separated algorithm name-list.
func (r *Reader) NameList() []string {
	s := r.Text()
	if r.err != nil || s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
