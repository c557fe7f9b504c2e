package proto

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ErrShortBuffer is reported by a Decoder that ran out of input before the
// message was fully parsed.
var ErrShortBuffer = errors.New("proto: short buffer")

// An Encoder accumulates the big-endian wire form of protocol primitives.
// The zero value is not usable; call NewEncoder.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 128)}
}

// Bytes returns the encoded payload. The slice aliases the encoder's
// internal buffer and is only valid until the next Put call.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Len() int {
	return len(e.buf)
}

func (e *Encoder) PutBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) PutByte(v byte) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) PutInt(v int32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

func (e *Encoder) PutLong(v int64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

func (e *Encoder) PutFloat(v float32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, math.Float32bits(v))
}

func (e *Encoder) PutDouble(v float64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(v))
}

// PutString writes a ustring: int32 byte length followed by UTF-8 bytes.
func (e *Encoder) PutString(s string) {
	e.PutInt(int32(len(s)))
	e.buf = append(e.buf, s...)
}

// PutBytes writes a buffer: int32 length followed by the raw bytes. A nil
// slice is written as length -1, the wire form of a null buffer.
func (e *Encoder) PutBytes(b []byte) {
	if b == nil {
		e.PutInt(-1)
		return
	}
	e.PutInt(int32(len(b)))
	e.buf = append(e.buf, b...)
}

// PutStrings writes a vector of ustrings: int32 count, then each element.
func (e *Encoder) PutStrings(ss []string) {
	e.PutInt(int32(len(ss)))
	for _, s := range ss {
		e.PutString(s)
	}
}

// A Decoder consumes the big-endian wire form of protocol primitives with a
// running offset. Errors are sticky: after the first short read every
// subsequent call returns a zero value and Err reports ErrShortBuffer.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) Err() error {
	return d.err
}

// Remaining reports how many unconsumed bytes are left.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.Remaining() < n {
		d.err = ErrShortBuffer
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Bool() bool {
	b := d.take(1)
	if b == nil {
		return false
	}
	return b[0] != 0
}

func (d *Decoder) Byte() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Int() int32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (d *Decoder) Long() int64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (d *Decoder) Float() float32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b))
}

func (d *Decoder) Double() float64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

// String reads a ustring. A length of -1 (null) decodes as "".
func (d *Decoder) String() string {
	n := d.Int()
	if d.err != nil || n < 0 {
		return ""
	}
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// Bytes reads a buffer. A length of -1 (null) decodes as nil.
func (d *Decoder) Bytes() []byte {
	n := d.Int()
	if d.err != nil || n < 0 {
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Strings reads a vector of ustrings.
func (d *Decoder) Strings() []string {
	n := d.Int()
	if d.err != nil || n < 0 {
		return nil
	}
	out := make([]string, 0, n)
	for range int(n) {
		out = append(out, d.String())
		if d.err != nil {
			return nil
		}
	}
	return out
}
