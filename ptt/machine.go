// Package ptt decides when the radio should transmit based on loudness.
//
// A Machine holds the transmit state and the cooldown timer. It performs no
// I/O; callers act on the Decision returned from Process.
package ptt

import "time"

// State is the transmit state of the radio.
type State int

const (
	Idle State = iota
	Transmitting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Transmitting:
		return "transmitting"
	default:
		return "unknown"
	}
}

// Decision is the outcome of feeding one loudness reading to a Machine.
type Decision int

const (
	NoChange Decision = iota
	EnableRequested
	DisableRequested
)

func (d Decision) String() string {
	switch d {
	case NoChange:
		return "no change"
	case EnableRequested:
		return "enable"
	case DisableRequested:
		return "disable"
	default:
		return "unknown"
	}
}

// Config holds the thresholds a Machine works with.
type Config struct {
	// AudioLevel is the loudness that must be strictly exceeded to transmit.
	AudioLevel float64
	// Cooldown is how long loudness must stay at or below AudioLevel before
	// transmission stops. Zero stops on the first quiet reading.
	Cooldown time.Duration
}

// Machine is not safe for concurrent use.
type Machine struct {
	cfg     Config
	state   State
	armed   bool
	armedAt time.Time
}

func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg}
}

// Process applies one loudness reading taken at now and returns what the
// caller must do. The state is updated before returning, so repeating the same
// input while the state is stable yields NoChange.
func (m *Machine) Process(loudness float64, now time.Time) Decision {
	if loudness > m.cfg.AudioLevel {
		m.disarm()
		if m.state == Idle {
			m.state = Transmitting
			return EnableRequested
		}
		return NoChange
	}

	if m.state != Transmitting {
		return NoChange
	}

	switch {
	case m.cfg.Cooldown <= 0:
		m.state = Idle
		return DisableRequested
	case !m.armed:
		// Elapsed time is only checked on later readings.
		m.armed = true
		m.armedAt = now
		return NoChange
	case now.Sub(m.armedAt) >= m.cfg.Cooldown:
		m.state = Idle
		m.disarm()
		return DisableRequested
	default:
		return NoChange
	}
}

// ForceDisable drops to Idle regardless of loudness. It returns
// DisableRequested only if the machine was transmitting.
func (m *Machine) ForceDisable() Decision {
	m.disarm()
	if m.state != Transmitting {
		return NoChange
	}
	m.state = Idle
	return DisableRequested
}

func (m *Machine) State() State { return m.state }

// Armed reports whether the cooldown timer is running.
func (m *Machine) Armed() bool { return m.armed }

// ArmedAt returns when the cooldown timer was armed; zero if it is not.
func (m *Machine) ArmedAt() time.Time { return m.armedAt }

func (m *Machine) disarm() {
	m.armed = false
	m.armedAt = time.Time{}
}
