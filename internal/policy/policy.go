// Package policy provides the action-selection collaborators the collection
// loop consults once per tick.
package policy

import (
	"context"
	"errors"
	"sync"

	"github.com/signalsfoundry/constellation-rlhf/model"
)

// Policy chooses an action for the encoded state. Implementations must
// honour ctx cancellation.
type Policy interface {
	SelectAction(ctx context.Context, state model.StateVector) (model.ActionSpec, error)
}

// Func adapts a function to Policy.
type Func func(ctx context.Context, state model.StateVector) (model.ActionSpec, error)

// SelectAction calls f.
func (f Func) SelectAction(ctx context.Context, state model.StateVector) (model.ActionSpec, error) {
	return f(ctx, state)
}

// ErrNoActions is returned by a Scripted policy with nothing to replay.
var ErrNoActions = errors.New("policy: scripted policy has no actions")

// Scripted replays a fixed action sequence and repeats the last action once
// the sequence is exhausted. It is safe for concurrent use; each caller
// advances the shared cursor.
type Scripted struct {
	mu      sync.Mutex
	actions []model.ActionSpec
	next    int
	calls   int
}

// NewScripted returns a policy replaying actions in order.
func NewScripted(actions ...model.ActionSpec) *Scripted {
	cp := make([]model.ActionSpec, len(actions))
	for i, a := range actions {
		cp[i] = a.Clone()
	}
	return &Scripted{actions: cp}
}

// SelectAction returns the next scripted action.
func (s *Scripted) SelectAction(ctx context.Context, _ model.StateVector) (model.ActionSpec, error) {
	if err := ctx.Err(); err != nil {
		return model.ActionSpec{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.actions) == 0 {
		return model.ActionSpec{}, ErrNoActions
	}
	s.calls++
	a := s.actions[s.next]
	if s.next < len(s.actions)-1 {
		s.next++
	}
	return a.Clone(), nil
}

// Calls reports how many actions have been handed out.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Reset rewinds the script.
func (s *Scripted) Reset() {
	s.mu.Lock()
	s.next, s.calls = 0, 0
	s.mu.Unlock()
}
