package conversation

import (
	"fmt"
	"iter"
	"sync"

	"github.com/google/uuid"

	"github.com/harunnryd/kirana/pkg/errorsx"
)

// InvalidTurnOrderError reports a tool-role turn whose correlation id does
// not reference any prior tool request in the session.
type InvalidTurnOrderError struct {
	CorrelationID string
}

func (e *InvalidTurnOrderError) Error() string {
	return fmt.Sprintf("tool turn references unknown correlation id %q", e.CorrelationID)
}

// ErrSessionBusy is returned by Reset while a dispatch run holds the session.
var ErrSessionBusy = errorsx.New(errorsx.ReasonSessionBusy, "session is mid-dispatch")

// State owns the ordered turn history for one session. It is append-only:
// turns are never edited or reordered, and history only shrinks through an
// explicit Reset between dispatch runs. A State must be confined to one
// dispatch loop; it guards against concurrent Reset, not concurrent Append
// from two owners.
type State struct {
	id string

	mu        sync.Mutex
	turns     []Turn
	requested map[string]struct{}
	busy      bool
}

// NewState creates an empty session history.
func NewState() *State {
	return &State{
		id:        uuid.NewString(),
		requested: make(map[string]struct{}),
	}
}

// ID returns the stable session identifier.
func (s *State) ID() string { return s.id }

// Len returns the current number of turns.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Append adds one turn to the history. Tool-role turns must resolve a
// correlation id introduced by an earlier assistant turn's requests.
func (s *State) Append(t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Role == RoleTool {
		if t.Result == nil {
			return &InvalidTurnOrderError{CorrelationID: ""}
		}
		if _, ok := s.requested[t.Result.ID]; !ok {
			return &InvalidTurnOrderError{CorrelationID: t.Result.ID}
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	stored := cloneTurn(t)
	for _, req := range stored.Requests {
		s.requested[req.ID] = struct{}{}
	}
	s.turns = append(s.turns, stored)
	return nil
}

// Turns returns a deep copy of the history in creation order.
func (s *State) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = cloneTurn(t)
	}
	return out
}

// History returns a lazy, restartable iterator over a snapshot of the
// history. Mutations after the call do not affect an iteration in progress.
func (s *State) History() iter.Seq[Turn] {
	snapshot := s.Turns()
	return func(yield func(Turn) bool) {
		for _, t := range snapshot {
			if !yield(t) {
				return
			}
		}
	}
}

// Reset clears the history. Only valid between dispatch runs.
func (s *State) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrSessionBusy
	}
	s.turns = nil
	s.requested = make(map[string]struct{})
	return nil
}

// Acquire marks the session as owned by a dispatch run. It fails when a
// run is already in flight: one loop per session at a time.
func (s *State) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrSessionBusy
	}
	s.busy = true
	return nil
}

// Release ends the current dispatch run's ownership.
func (s *State) Release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}
