package cycle

import (
	"errors"
	"fmt"
	"time"
)

// State is the auto-cycle lifecycle state.
type State string

const (
	Stopped State = "stopped"
	Running State = "running"
	Paused  State = "paused"
)

// ErrInvalidTransition is returned for a control call the current state does
// not accept, e.g. Pause while stopped.
var ErrInvalidTransition = errors.New("invalid cycle transition")

// machine is the countdown behind the scheduler. It never looks at the wall
// clock: time only passes through tick.
type machine struct {
	state     State
	period    time.Duration
	remaining time.Duration
}

func newMachine(period time.Duration) machine {
	return machine{state: Stopped, period: period, remaining: period}
}

func transitionError(op string, from State) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, op, from)
}

// start moves Stopped to Running. The caller fires once immediately.
func (m *machine) start(period time.Duration) error {
	if m.state != Stopped {
		return transitionError("start", m.state)
	}
	if period > 0 {
		m.period = period
	}
	m.remaining = m.period
	m.state = Running
	return nil
}

func (m *machine) pause() error {
	if m.state != Running {
		return transitionError("pause", m.state)
	}
	m.state = Paused
	return nil
}

func (m *machine) resume() error {
	if m.state != Paused {
		return transitionError("resume", m.state)
	}
	m.state = Running
	return nil
}

// stop is accepted from any state and rewinds the countdown.
func (m *machine) stop() {
	m.state = Stopped
	m.remaining = m.period
}

// setPeriod changes the period and rewinds the countdown. It reports whether
// the caller must fire immediately, which is only when running and the
// period actually changed.
func (m *machine) setPeriod(period time.Duration) bool {
	if period == m.period {
		return false
	}
	m.period = period
	m.remaining = period
	return m.state == Running
}

// tick advances the countdown by d and reports whether it reached zero.
// Reaching exactly zero fires.
func (m *machine) tick(d time.Duration) bool {
	if m.state != Running {
		return false
	}
	m.remaining -= d
	if m.remaining <= 0 {
		m.remaining = m.period
		return true
	}
	return false
}
