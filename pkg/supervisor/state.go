// Package supervisor owns the lifecycle of a running backend instance: the
// service state machine, the bounded transition history, and the MCP
// initialize handshake performed when an instance comes up.
package supervisor

import (
	"sync"
	"time"

	"github.com/pbmcp/pbmcp/pkg/logger"
)

// State is the lifecycle state of a service instance.
type State string

// Service states.
const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateError        State = "error"
	StateCrashed      State = "crashed"
	StateRestarting   State = "restarting"
	StateUpgrading    State = "upgrading"
	StateMaintenance  State = "maintenance"
)

// transitions is the exhaustive set of permitted state transitions.
var transitions = map[State][]State{
	StateIdle:         {StateInitializing},
	StateInitializing: {StateStarting, StateError},
	StateStarting:     {StateRunning, StateError, StateCrashed},
	StateRunning:      {StateStopping, StateError, StateCrashed, StateRestarting, StateMaintenance},
	StateStopping:     {StateStopped, StateError},
	StateStopped:      {StateStarting, StateIdle},
	StateError:        {StateStarting, StateStopping, StateStopped},
	StateCrashed:      {StateStarting, StateStopped},
	StateRestarting:   {StateStarting, StateError},
	StateUpgrading:    {StateRunning, StateError},
	StateMaintenance:  {StateRunning, StateStopping},
}

// TransitionAllowed reports whether from may legally move to to.
func TransitionAllowed(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// historyLimit is the number of transitions retained per instance.
const historyLimit = 10

// Transition records one applied state change.
type Transition struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`

	// Invalid marks a transition that violated the state machine but was
	// applied anyway.
	Invalid bool `json:"invalid,omitempty"`
}

// Machine tracks the state of a single instance. Invalid transitions are
// warned and recorded but still applied, so a misbehaving observer can never
// wedge the lifecycle.
type Machine struct {
	mu      sync.Mutex
	id      string
	state   State
	history []Transition
	clock   func() time.Time
}

// NewMachine creates a state machine for the given instance id, starting in
// the idle state.
func NewMachine(id string) *Machine {
	return &Machine{id: id, state: StateIdle, clock: time.Now}
}

// WithClock substitutes the time source. Intended for tests.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine to the target state. The transition is applied
// even when the state machine forbids it; the violation is logged and flagged
// in the history so observers can assert on it.
func (m *Machine) Transition(to State) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	valid := TransitionAllowed(m.state, to)
	if !valid {
		logger.Warnw("Invalid state transition applied",
			"instance", m.id, "from", m.state, "to", to)
	}

	t := Transition{State: to, Timestamp: m.clock(), Invalid: !valid}
	m.state = to
	m.history = append(m.history, t)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	return t
}

// History returns a copy of the retained transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
