// Package fsm defines the DAQ acquisition states and which transitions
// between them are legal. The Machine is the single owner of the current
// state; everything else reads it through Current.
package fsm

import (
	"errors"
	"fmt"
	"sync"
)

type State int

const (
	Init State = iota
	Stabilization
	Precalibration
	Calibration
	Data
	Idle
	Reconfigure
)

var stateNames = [...]string{
	Init:           "INIT",
	Stabilization:  "STABILIZATION",
	Precalibration: "PRECALIBRATION",
	Calibration:    "CALIBRATION",
	Data:           "DATA",
	Idle:           "IDLE",
	Reconfigure:    "RECONFIGURE",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// All lists every state in declaration order.
func All() []State {
	return []State{Init, Stabilization, Precalibration, Calibration, Data, Idle, Reconfigure}
}

// Parse returns the state with the given name.
func Parse(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Init, fmt.Errorf("unknown DAQ state %q", name)
}

// HasData reports whether blocks taken in s carry uploadable trigger data.
func (s State) HasData() bool {
	return s == Precalibration || s == Calibration || s == Data
}

// ErrIllegalTransition matches every *IllegalTransitionError.
var ErrIllegalTransition = errors.New("illegal FSM transition")

// IllegalTransitionError reports a transition that the state table does not
// allow. It signals a sequencing bug and must not be swallowed.
type IllegalTransitionError struct {
	From, To State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal FSM transition: %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// allowed maps a target state to the states it may be entered from.
var allowed = map[State][]State{
	Stabilization:  {Init, Idle, Reconfigure, Precalibration, Calibration, Data, Stabilization},
	Precalibration: {Stabilization},
	Calibration:    {Stabilization, Precalibration},
	Data:           {Calibration},
	Idle:           {Init, Stabilization, Precalibration, Calibration, Data, Reconfigure},
	Reconfigure:    {Init, Idle, Stabilization, Precalibration, Calibration, Data},
}

// Allowed reports whether from -> to is a legal transition.
func Allowed(from, to State) bool {
	for _, s := range allowed[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Machine holds the current state.
type Machine struct {
	mu    sync.RWMutex
	state State
}

func NewMachine() *Machine {
	return &Machine{state: Init}
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves to next if the table allows it and returns the previous state.
func (m *Machine) Transition(next State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	if !Allowed(prev, next) {
		return prev, &IllegalTransitionError{From: prev, To: next}
	}
	m.state = next
	return prev, nil
}
