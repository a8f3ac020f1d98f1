// Package relay sends command frames to the USB relay board that keys the
// radio's PTT line.
package relay

import (
	"errors"
	"fmt"

	"github.com/d1nch8g/pttd/protocol"
)

// Port accepts relay frames.
type Port interface {
	// Send writes one frame to the relay.
	Send(frame protocol.Frame) error

	// Close releases the underlying device
	Close() error
}

// Config describes the serial link to the relay board.
type Config struct {
	PortName string `yaml:"port_name"`
	BaudRate int    `yaml:"baud_rate"`
	ByteSize int    `yaml:"byte_size"`
	// TimeoutMs is the port read timeout; 0 means no timeout.
	TimeoutMs int `yaml:"timeout_ms"`
	StopBits  int `yaml:"stop_bits"`
}

func GetDefaultConfig() Config {
	return Config{
		BaudRate: 9600,
		ByteSize: 8,
		StopBits: 1,
	}
}

var (
	ErrClosed     = errors.New("relay port closed")
	ErrShortWrite = errors.New("short write to relay port")
)

// Error is a transport failure while opening or writing to the relay.
type Error struct {
	Op   string
	Port string
	Err  error
}

func (e *Error) Error() string {
	if e.Port == "" {
		return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("relay %s %s: %v", e.Op, e.Port, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
