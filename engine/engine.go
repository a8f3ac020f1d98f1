package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/d1nch8g/pttd/audio"
	"github.com/d1nch8g/pttd/level"
	"github.com/d1nch8g/pttd/protocol"
	"github.com/d1nch8g/pttd/ptt"
	"github.com/d1nch8g/pttd/relay"
)

// Stats counts what the engine did during a run
type Stats struct {
	Blocks       int
	Enables      int
	Disables     int
	SendFailures int
	PeakLoudness float64
}

// Engine keys the relay from the loudness of the audio source
type Engine struct {
	source  audio.Source
	port    relay.Port
	log     logrus.FieldLogger
	machine *ptt.Machine

	mu       sync.Mutex
	released bool
	stats    Stats

	isRunning    bool
	runningMutex sync.RWMutex
}

// NewEngine creates a new engine. The engine owns port and closes it on
// Release.
func NewEngine(config ptt.Config, source audio.Source, port relay.Port, log logrus.FieldLogger) *Engine {
	return &Engine{
		source:  source,
		port:    port,
		log:     log,
		machine: ptt.NewMachine(config),
	}
}

// Start runs the audio source until ctx is cancelled or the source finishes or
// fails. Cancellation is a normal stop and returns nil. Whatever the outcome,
// the source is stopped and the relay released before Start returns.
func (e *Engine) Start(ctx context.Context) (err error) {
	e.runningMutex.Lock()
	if e.isRunning {
		e.runningMutex.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.isRunning = true
	e.runningMutex.Unlock()

	defer func() {
		e.runningMutex.Lock()
		e.isRunning = false
		e.runningMutex.Unlock()
	}()

	// Registered first so it runs after the source has been shut down.
	defer func() {
		if releaseErr := e.Release(); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}()

	if err := e.source.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize audio source: %w", err)
	}
	defer e.source.Terminate()

	if err := e.source.Open(e.HandleBlock); err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	defer func() {
		if closeErr := e.source.Close(); closeErr != nil {
			e.log.WithError(closeErr).Warn("Failed to close audio stream")
		}
	}()

	if err := e.source.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	defer func() {
		if stopErr := e.source.Stop(); stopErr != nil {
			e.log.WithError(stopErr).Warn("Failed to stop audio stream")
		}
	}()

	e.log.Info("Listening for audio")

	select {
	case <-ctx.Done():
		e.log.Info("Engine stopping due to context cancellation")
		return nil
	case srcErr := <-e.source.Done():
		if srcErr != nil {
			return fmt.Errorf("audio stream failed: %w", srcErr)
		}
		e.log.Info("Audio input finished")
		return nil
	}
}

// HandleBlock is the audio callback. It never blocks on the relay and never
// fails; send errors are logged and the logical state still changes.
func (e *Engine) HandleBlock(in []float32, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return
	}

	loudness := level.Estimate(in)
	e.stats.Blocks++
	if loudness > e.stats.PeakLoudness {
		e.stats.PeakLoudness = loudness
	}

	armedAt := e.machine.ArmedAt()

	switch e.machine.Process(loudness, now) {
	case ptt.EnableRequested:
		e.stats.Enables++
		e.log.WithField("loudness", fmt.Sprintf("%.2f", loudness)).Info("PTT ON")
		e.send(true)
	case ptt.DisableRequested:
		e.stats.Disables++
		entry := e.log.WithField("loudness", fmt.Sprintf("%.2f", loudness))
		if !armedAt.IsZero() {
			entry = entry.WithField("quiet_ms", now.Sub(armedAt).Milliseconds())
		}
		entry.Info("PTT off")
		e.send(false)
	}
}

func (e *Engine) send(enable bool) {
	frame := protocol.Encode(enable)
	if err := e.port.Send(frame); err != nil {
		e.stats.SendFailures++
		e.log.WithError(err).WithField("frame", frame.String()).Warn("Failed to send relay frame")
	}
}

// Release forces PTT off and closes the relay port. A disable frame is sent
// even when the engine is idle, so the relay is left open whatever state it
// was in. Blocks delivered after Release are ignored. Calling Release again
// is a no-op.
func (e *Engine) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return nil
	}
	e.released = true

	if e.machine.ForceDisable() == ptt.DisableRequested {
		e.stats.Disables++
		e.log.WithField("reason", "shutdown").Info("PTT off")
	} else {
		e.log.Debug("Sending release frame on shutdown")
	}
	e.send(false)

	if err := e.port.Close(); err != nil {
		return fmt.Errorf("failed to close relay: %w", err)
	}
	return nil
}

// State returns the current transmit state
func (e *Engine) State() ptt.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.State()
}

// Stats returns a copy of the run counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// IsRunning returns whether the engine is currently running
func (e *Engine) IsRunning() bool {
	e.runningMutex.RLock()
	defer e.runningMutex.RUnlock()
	return e.isRunning
}
