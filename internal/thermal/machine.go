// Package thermal decides when the payload must throttle or shut down based
// on temperature, the OBC power state and link liveness.
package thermal

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/smartqso/payload-supervisor/internal/link"
)

// Default thresholds in degrees Celsius.
const (
	DefaultThrottleTemp = 75.0
	DefaultShutdownTemp = 85.0
)

var (
	ErrInvertedThresholds = errors.New("throttle threshold must be below shutdown threshold")
	ErrInvalidThreshold   = errors.New("thresholds must be positive")
)

// Cause is a reason to throttle. Causes combine as a bit set.
type Cause uint8

const (
	CauseThermal Cause = 1 << iota
	CausePower
	CauseLink
)

// String lists the active causes, e.g. "thermal+link".
func (c Cause) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	if c&CauseThermal != 0 {
		parts = append(parts, "thermal")
	}
	if c&CausePower != 0 {
		parts = append(parts, "power")
	}
	if c&CauseLink != 0 {
		parts = append(parts, "link")
	}
	return strings.Join(parts, "+")
}

// Action is the edge the caller must act on.
type Action int

const (
	ActionNone Action = iota
	ActionThrottle
	ActionResume
	ActionShutdown
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionThrottle:
		return "throttle"
	case ActionResume:
		return "resume"
	case ActionShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Action Action

	// Throttled is the level: true while any cause is active.
	Throttled bool

	// Entered is true only on the first evaluation of a thermal episode.
	Entered bool

	Causes Cause
}

// Thresholds holds the temperature limits.
type Thresholds struct {
	Throttle float64
	Shutdown float64
}

// Validate checks the limits are positive and ordered.
func (t Thresholds) Validate() error {
	if t.Throttle <= 0 || t.Shutdown <= 0 {
		return fmt.Errorf("%w: throttle=%.1f shutdown=%.1f", ErrInvalidThreshold, t.Throttle, t.Shutdown)
	}
	if t.Throttle >= t.Shutdown {
		return fmt.Errorf("%w: throttle=%.1f shutdown=%.1f", ErrInvertedThresholds, t.Throttle, t.Shutdown)
	}
	return nil
}

// Machine is a level-triggered throttle/shutdown evaluator. It is safe for
// concurrent use.
type Machine struct {
	mu         sync.Mutex
	thresholds Thresholds
	causes     Cause
}

// NewMachine returns a Machine with the given thresholds.
func NewMachine(t Thresholds) (*Machine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Machine{thresholds: t}, nil
}

// Evaluate applies a temperature reading.
func (m *Machine) Evaluate(temp float64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.causes

	if temp >= m.thresholds.Shutdown {
		m.causes |= CauseThermal
		return Decision{
			Action:    ActionShutdown,
			Throttled: true,
			Entered:   before&CauseThermal == 0,
			Causes:    m.causes,
		}
	}

	entered := false
	if temp >= m.thresholds.Throttle {
		entered = before&CauseThermal == 0
		m.causes |= CauseThermal
	} else {
		m.causes &^= CauseThermal
	}
	d := m.decideLocked(before)
	d.Entered = entered
	return d
}

// ApplyPower applies an OBC power state. SAFE throttles; IDLE and ACTIVE
// clear the power cause only.
func (m *Machine) ApplyPower(ps link.PowerState) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.causes
	if ps == link.PowerSafe {
		m.causes |= CausePower
	} else {
		m.causes &^= CausePower
	}
	return m.decideLocked(before)
}

// SetLinkDown records link liveness as a throttle cause.
func (m *Machine) SetLinkDown(down bool) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.causes
	if down {
		m.causes |= CauseLink
	} else {
		m.causes &^= CauseLink
	}
	return m.decideLocked(before)
}

func (m *Machine) decideLocked(before Cause) Decision {
	d := Decision{Throttled: m.causes != 0, Causes: m.causes}
	switch {
	case before == 0 && m.causes != 0:
		d.Action = ActionThrottle
	case before != 0 && m.causes == 0:
		d.Action = ActionResume
	}
	return d
}

// SetThresholds replaces the limits. Invalid limits are rejected and the
// previous ones kept.
func (m *Machine) SetThresholds(throttle, shutdown float64) error {
	t := Thresholds{Throttle: throttle, Shutdown: shutdown}
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.thresholds = t
	m.mu.Unlock()
	return nil
}

// Thresholds returns the current limits.
func (m *Machine) Thresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

// Causes returns the active throttle causes.
func (m *Machine) Causes() Cause {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.causes
}
