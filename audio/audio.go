package audio

import (
	"fmt"
	"time"
)

// Handler receives one block of interleaved input samples together with the
// time it was delivered. The slice is reused between calls and must not be
// retained. Calls are never concurrent.
type Handler func(in []float32, now time.Time)

// Source defines the interface for audio sources driving a Handler
type Source interface {
	// Initialize initializes the audio system
	Initialize() error

	// Terminate terminates the audio system
	Terminate()

	// Open prepares the stream and registers the handler
	Open(handler Handler) error

	// Start begins delivering blocks to the handler
	Start() error

	// Stop stops delivery; no handler call is in progress once it returns
	Stop() error

	// Close closes the stream
	Close() error

	// Done yields nil when the input is exhausted or an error when the
	// stream fails. Live sources only yield on failure.
	Done() <-chan error
}

// Error is a failure to open or run an audio stream.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("audio %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
