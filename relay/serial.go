package relay

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/d1nch8g/pttd/protocol"
)

// SerialPort drives the relay through a serial device such as COM3 or
// /dev/ttyUSB0.
type SerialPort struct {
	name string
	port serial.Port

	mu     sync.Mutex
	closed bool
}

// Ensure SerialPort implements Port interface
var _ Port = (*SerialPort)(nil)

// Open opens the serial device described by config.
func Open(config Config) (*SerialPort, error) {
	mode, err := serialMode(config)
	if err != nil {
		return nil, &Error{Op: "open", Port: config.PortName, Err: err}
	}

	port, err := serial.Open(config.PortName, mode)
	if err != nil {
		return nil, &Error{Op: "open", Port: config.PortName, Err: err}
	}

	if config.TimeoutMs > 0 {
		if err := port.SetReadTimeout(time.Duration(config.TimeoutMs) * time.Millisecond); err != nil {
			port.Close()
			return nil, &Error{Op: "open", Port: config.PortName, Err: err}
		}
	}

	return &SerialPort{name: config.PortName, port: port}, nil
}

func serialMode(config Config) (*serial.Mode, error) {
	if config.PortName == "" {
		return nil, fmt.Errorf("no port name")
	}
	if config.BaudRate <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", config.BaudRate)
	}
	if config.ByteSize < 5 || config.ByteSize > 8 {
		return nil, fmt.Errorf("invalid byte size %d", config.ByteSize)
	}

	var stopBits serial.StopBits
	switch config.StopBits {
	case 1:
		stopBits = serial.OneStopBit
	case 2:
		stopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits %d", config.StopBits)
	}

	return &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: config.ByteSize,
		Parity:   serial.NoParity,
		StopBits: stopBits,
	}, nil
}

func (p *SerialPort) Send(frame protocol.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return &Error{Op: "write", Port: p.name, Err: ErrClosed}
	}
	if err := writeFrame(p.port, frame); err != nil {
		return &Error{Op: "write", Port: p.name, Err: err}
	}
	return nil
}

func writeFrame(w io.Writer, frame protocol.Frame) error {
	n, err := w.Write(frame[:])
	if err != nil {
		return err
	}
	if n != protocol.FrameLength {
		return ErrShortWrite
	}
	return nil
}

func (p *SerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.port.Close(); err != nil {
		return &Error{Op: "close", Port: p.name, Err: err}
	}
	return nil
}

func (p *SerialPort) Name() string {
	return p.name
}
