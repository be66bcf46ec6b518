package sv2

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"math"
)

var (
	// ErrShortBuffer is returned when a payload ends before a field does.
	ErrShortBuffer = stderrors.New("sv2: payload too short")
	// ErrTrailingBytes is returned when a payload is longer than its message.
	ErrTrailingBytes = stderrors.New("sv2: trailing bytes after message")
	// ErrInvalidValue is returned when a field holds a value its type forbids.
	ErrInvalidValue = stderrors.New("sv2: invalid field value")
)

// Encoder serialises primitive SV2 data types. The first error sticks and
// turns every later call into a no-op.
type Encoder struct {
	buf []byte
	err error
}

// Bytes returns the encoded payload.
func (e *Encoder) Bytes() []byte { return e.buf }

// Err returns the first encoding error.
func (e *Encoder) Err() error { return e.err }

func (e *Encoder) U8(v uint8) {
	if e.err == nil {
		e.buf = append(e.buf, v)
	}
}

func (e *Encoder) U16(v uint16) {
	if e.err == nil {
		e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
	}
}

func (e *Encoder) U32(v uint32) {
	if e.err == nil {
		e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
	}
}

func (e *Encoder) U64(v uint64) {
	if e.err == nil {
		e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
	}
}

func (e *Encoder) F32(v float32) {
	e.U32(math.Float32bits(v))
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(1)
	} else {
		e.U8(0)
	}
}

// U256 writes 32 raw bytes.
func (e *Encoder) U256(v [32]byte) {
	if e.err == nil {
		e.buf = append(e.buf, v[:]...)
	}
}

// Str0255 writes a string with a one-byte length prefix.
func (e *Encoder) Str0255(s string) {
	if len(s) > 255 {
		e.fail(fmt.Errorf("sv2: STR0_255 of %d bytes", len(s)))
		return
	}
	e.U8(uint8(len(s)))
	e.raw([]byte(s))
}

// B032 writes up to 32 bytes with a one-byte length prefix.
func (e *Encoder) B032(b []byte) {
	if len(b) > 32 {
		e.fail(fmt.Errorf("sv2: B0_32 of %d bytes", len(b)))
		return
	}
	e.U8(uint8(len(b)))
	e.raw(b)
}

// B064K writes up to 65535 bytes with a two-byte length prefix.
func (e *Encoder) B064K(b []byte) {
	if len(b) > math.MaxUint16 {
		e.fail(fmt.Errorf("sv2: B0_64K of %d bytes", len(b)))
		return
	}
	e.U16(uint16(len(b)))
	e.raw(b)
}

// SeqU256 writes a SEQ0_255[U256].
func (e *Encoder) SeqU256(seq [][32]byte) {
	if len(seq) > 255 {
		e.fail(fmt.Errorf("sv2: SEQ0_255 of %d items", len(seq)))
		return
	}
	e.U8(uint8(len(seq)))
	for _, v := range seq {
		e.U256(v)
	}
}

func (e *Encoder) raw(b []byte) {
	if e.err == nil {
		e.buf = append(e.buf, b...)
	}
}

func (e *Encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// Decoder reads primitive SV2 data types from a payload. Like Encoder, its
// first error sticks and later reads return zero values.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder creates a decoder over payload
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{buf: payload}
}

// Err returns the first decoding error.
func (d *Decoder) Err() error { return d.err }

// Finish returns the sticky error, or ErrTrailingBytes if input remains.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		return fmt.Errorf("%w: %d unread", ErrTrailingBytes, len(d.buf)-d.off)
	}
	return nil
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > len(d.buf)-d.off {
		d.err = ErrShortBuffer
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) U16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) F32() float32 {
	return math.Float32frombits(d.U32())
}

// Bool rejects values other than 0 and 1.
func (d *Decoder) Bool() bool {
	v := d.U8()
	if v > 1 && d.err == nil {
		d.err = fmt.Errorf("%w: BOOL %d", ErrInvalidValue, v)
	}
	return v == 1
}

func (d *Decoder) U256() [32]byte {
	var out [32]byte
	copy(out[:], d.take(32))
	return out
}

func (d *Decoder) Str0255() string {
	n := int(d.U8())
	return string(d.take(n))
}

// B032 rejects lengths above 32.
func (d *Decoder) B032() []byte {
	n := int(d.U8())
	if n > 32 && d.err == nil {
		d.err = fmt.Errorf("%w: B0_32 length %d", ErrInvalidValue, n)
	}
	return d.bytes(n)
}

func (d *Decoder) B064K() []byte {
	return d.bytes(int(d.U16()))
}

func (d *Decoder) SeqU256() [][32]byte {
	n := int(d.U8())
	if d.err != nil {
		return nil
	}
	out := make([][32]byte, 0, n)
	for range n {
		v := d.U256()
		if d.err != nil {
			return nil
		}
		out = append(out, v)
	}
	return out
}

func (d *Decoder) bytes(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
