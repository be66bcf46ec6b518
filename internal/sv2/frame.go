// Package sv2 implements the Stratum V2 binary framing and the subset of the
// common and mining sub-protocol messages spoken by an extended-channel client.
package sv2

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 6
	// MaxPayload is the largest payload a u24 length can describe.
	MaxPayload = 1<<24 - 1
	// ChannelBit marks messages addressed to a specific channel.
	ChannelBit uint16 = 0x8000
)

// Frame is one decoded frame header plus its raw payload.
type Frame struct {
	ExtensionType uint16
	MsgType       uint8
	Payload       []byte
}

// IsChannelMessage reports whether the channel bit is set.
func (f Frame) IsChannelMessage() bool {
	return f.ExtensionType&ChannelBit != 0
}

// Extension returns the extension type without the channel bit.
func (f Frame) Extension() uint16 {
	return f.ExtensionType &^ ChannelBit
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		ExtensionType: binary.LittleEndian.Uint16(hdr[0:2]),
		MsgType:       hdr[2],
	}
	length := int(hdr[3]) | int(hdr[4])<<8 | int(hdr[5])<<16

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, fmt.Errorf("read payload of %d bytes: %w", length, err)
	}
	return f, nil
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	n := len(f.Payload)
	if n > MaxPayload {
		return dst, fmt.Errorf("payload of %d bytes exceeds frame limit", n)
	}
	dst = binary.LittleEndian.AppendUint16(dst, f.ExtensionType)
	dst = append(dst, f.MsgType, byte(n), byte(n>>8), byte(n>>16))
	return append(dst, f.Payload...), nil
}

// WriteFrame writes one frame to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
