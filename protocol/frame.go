// Package protocol encodes the command frames understood by the CH340 USB relay
// board that keys the radio.
package protocol

import (
	"errors"
	"fmt"
)

const (
	Header      byte = 0xA0
	Length      byte = 0x01
	PayloadOff  byte = 0x00
	PayloadOn   byte = 0x01
	FrameLength      = 4
)

// ErrInvalidFrame is returned by Decode for anything that is not one of the
// two relay commands.
var ErrInvalidFrame = errors.New("invalid relay frame")

// Frame is a single relay command: header, length, payload, checksum.
type Frame [FrameLength]byte

// Checksum returns the low byte of header+length+payload.
func Checksum(header, length, payload byte) byte {
	return header + length + payload
}

// Encode builds the frame that switches the relay on (enable) or off.
func Encode(enable bool) Frame {
	payload := PayloadOff
	if enable {
		payload = PayloadOn
	}
	return Frame{Header, Length, payload, Checksum(Header, Length, payload)}
}

// Decode validates a raw frame and reports whether it is the enable command.
func Decode(b []byte) (bool, error) {
	if len(b) != FrameLength {
		return false, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidFrame, len(b), FrameLength)
	}
	if b[0] != Header || b[1] != Length {
		return false, fmt.Errorf("%w: bad header % X", ErrInvalidFrame, b[:2])
	}
	if b[2] != PayloadOn && b[2] != PayloadOff {
		return false, fmt.Errorf("%w: unknown payload 0x%02X", ErrInvalidFrame, b[2])
	}
	if want := Checksum(b[0], b[1], b[2]); b[3] != want {
		return false, fmt.Errorf("%w: checksum 0x%02X, want 0x%02X", ErrInvalidFrame, b[3], want)
	}
	return b[2] == PayloadOn, nil
}

// Enable reports whether f is the enable command.
func (f Frame) Enable() bool {
	return f[2] == PayloadOn
}

func (f Frame) Bytes() []byte {
	b := make([]byte, FrameLength)
	copy(b, f[:])
	return b
}

func (f Frame) String() string {
	return fmt.Sprintf("% X", f[:])
}
