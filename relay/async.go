package relay

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/d1nch8g/pttd/protocol"
)

const DefaultQueueDepth = 8

// AsyncPort hands frames to a background writer so that Send never blocks the
// audio callback. Frames are written in the order they were sent. When the
// writer falls behind and the queue is full, the newest frame waits in a
// single overflow slot that later sends overwrite, so the last frame written
// is always the last one sent.
//
// A failing write puts the port into an unreachable state which is logged
// once; the next successful write logs the recovery.
type AsyncPort struct {
	port  Port
	log   logrus.FieldLogger
	queue chan protocol.Frame
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	overflow *protocol.Frame
	dropped  int

	stateMu     sync.Mutex
	unreachable bool
	failures    int
}

// Ensure AsyncPort implements Port interface
var _ Port = (*AsyncPort)(nil)

func NewAsyncPort(port Port, depth int, log logrus.FieldLogger) *AsyncPort {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	a := &AsyncPort{
		port:  port,
		log:   log,
		queue: make(chan protocol.Frame, depth),
		done:  make(chan struct{}),
	}
	go a.writeLoop()
	return a
}

// Send queues the frame and returns immediately. It fails only with ErrClosed
// after Close.
func (a *AsyncPort) Send(frame protocol.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return &Error{Op: "send", Err: ErrClosed}
	}

	// Once a frame overflows, later frames must not overtake it in the queue.
	if a.overflow == nil {
		select {
		case a.queue <- frame:
			return nil
		default:
		}
	} else {
		a.dropped++
		a.log.WithFields(logrus.Fields{
			"frame":   a.overflow.String(),
			"dropped": a.dropped,
		}).Warn("Relay writer behind, superseding pending frame")
	}
	a.overflow = &frame
	return nil
}

func (a *AsyncPort) writeLoop() {
	defer close(a.done)
	for frame := range a.queue {
		a.write(frame)
		for {
			pending, ok := a.takeOverflow()
			if !ok {
				break
			}
			a.write(pending)
		}
	}
}

// takeOverflow returns the overflow frame once everything queued before it
// has been written.
func (a *AsyncPort) takeOverflow() (protocol.Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.overflow == nil || len(a.queue) > 0 {
		return protocol.Frame{}, false
	}
	frame := *a.overflow
	a.overflow = nil
	return frame, true
}

func (a *AsyncPort) write(frame protocol.Frame) {
	a.record(frame, a.port.Send(frame))
}

func (a *AsyncPort) record(frame protocol.Frame, err error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if err != nil {
		a.failures++
		entry := a.log.WithError(err).WithField("frame", frame.String())
		if !a.unreachable {
			a.unreachable = true
			entry.Error("Relay unreachable, continuing without PTT control")
		} else {
			entry.Debug("Relay write failed")
		}
		return
	}

	if a.unreachable {
		a.unreachable = false
		a.log.WithField("failures", a.failures).Info("Relay reachable again")
	}
}

// Unreachable reports whether the most recent write failed.
func (a *AsyncPort) Unreachable() bool {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.unreachable
}

// Dropped returns how many frames were superseded before being written.
func (a *AsyncPort) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Failures returns how many writes have failed so far.
func (a *AsyncPort) Failures() int {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.failures
}

// Close waits for queued frames, including a pending overflow frame, to be
// written and then closes the wrapped port. Calling Close more than once is a no-op.
func (a *AsyncPort) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.port.Close()
}
