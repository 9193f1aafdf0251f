package dispatch

import (
	"sync"
	"time"
)

// State is the dispatch loop's phase within one exchange.
type State int

const (
	StateIdle State = iota
	StateAwaitingBackend
	StateExecutingTools
	StateDone
	StateFailed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingBackend:
		return "AWAITING_BACKEND"
	case StateExecutingTools:
		return "EXECUTING_TOOLS"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes dispatch state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// stateMachine implements the finite state machine for one dispatch loop.
// DONE and FAILED are terminal for an exchange; a new Send re-enters
// AWAITING_BACKEND.
type stateMachine struct {
	mu           sync.RWMutex
	currentState State
	listeners    []StateListener
}

var validTransitions = map[State][]State{
	StateIdle:            {StateAwaitingBackend},
	StateAwaitingBackend: {StateExecutingTools, StateDone, StateFailed},
	StateExecutingTools:  {StateAwaitingBackend, StateFailed},
	StateDone:            {StateAwaitingBackend},
	StateFailed:          {StateAwaitingBackend},
}

func newStateMachine() *stateMachine {
	return &stateMachine{currentState: StateIdle}
}

// State returns the current state.
func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentState
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *stateMachine) Transition(to State, reason string) error {
	m.mu.Lock()
	if !transitionValid(m.currentState, to) {
		from := m.currentState
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	event := StateChange{
		FromState: m.currentState,
		ToState:   to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	m.currentState = to
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	// Listeners run outside the lock to avoid deadlocks on reentrant reads.
	for _, l := range listeners {
		l.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (m *stateMachine) AddListener(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}
