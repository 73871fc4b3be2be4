package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/vuo/pkg/api"
)

// stateMachine resolves and executes single transitions against one
// definition. It is stateless; the flow's mutable context is passed
// through to guards, actions, hooks and validations.
type stateMachine struct {
	def *api.FlowDefinition
}

// transitionOutcome is the result of one ExecuteTransition call. On
// failure To equals From: the state does not move.
type transitionOutcome struct {
	From     string
	To       string
	Event    string
	Attempts int
	Err      error
}

func newStateMachine(def *api.FlowDefinition) *stateMachine {
	return &stateMachine{def: def}
}

// resolve picks the first transition for event out of current whose
// guard is absent or returns true. A guard error skips the candidate.
func (m *stateMachine) resolve(ctx context.Context, current, event string, data map[string]any) (api.Transition, bool) {
	for _, t := range m.def.TransitionsFrom(current) {
		if t.Event != event {
			continue
		}
		if t.Guard == nil {
			return t, true
		}
		ok, err := t.Guard(ctx, data)
		if err != nil || !ok {
			continue
		}
		return t, true
	}
	return api.Transition{}, false
}

// ExecuteTransition runs one event against a single (non-parallel)
// current state: exit hook, transition action, target validation and
// entry hook, as one unit subject to the transition's retry policy.
// The flow context is mutated in place along the path taken.
func (m *stateMachine) ExecuteTransition(ctx context.Context, current, event string, data map[string]any) transitionOutcome {
	out := transitionOutcome{From: current, To: current, Event: event}

	t, ok := m.resolve(ctx, current, event, data)
	if !ok {
		out.Attempts = 1
		out.Err = fmt.Errorf("%w: event %q in state %q", api.ErrNoTransition, event, current)
		return out
	}

	policy := api.DefaultRetryPolicy()
	if t.Retry != nil {
		policy = *t.Retry
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		out.Attempts = attempt + 1

		to, err := m.attempt(ctx, current, t, data)
		if err == nil {
			out.To = to
			return out
		}
		lastErr = err

		if attempt >= policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			out.Err = ctx.Err()
			return out
		case <-time.After(policy.DelayFor(attempt)):
		}
	}

	if m.def.OnError != nil {
		m.def.OnError(ctx, data, lastErr)
	}
	out.Err = lastErr
	return out
}

// attempt runs one pass of the transition sequence and returns the
// state the flow ends up in. Entering a compound target descends into
// its initial sub-state chain; the returned name is the innermost
// state entered.
func (m *stateMachine) attempt(ctx context.Context, current string, t api.Transition, data map[string]any) (string, error) {
	source := m.def.State(current)
	if source != nil && source.OnExit != nil {
		if err := source.OnExit(ctx, data); err != nil {
			return "", &api.HookError{Stage: "exit", State: current, Event: t.Event, Err: err}
		}
	}

	if t.Action != nil {
		if err := t.Action(ctx, data); err != nil {
			return "", &api.HookError{Stage: "action", State: current, Event: t.Event, Err: err}
		}
	}

	node := m.def.State(t.To)
	if node.Validation != nil {
		ok, msg := node.Validation.Predicate(ctx, data)
		if !ok {
			if msg == "" {
				msg = node.Validation.ErrorMessage
			}
			return "", api.NewValidationError(t.To, msg)
		}
	}

	inner, err := m.enterState(ctx, t.To, data)
	if err != nil {
		if he, ok := err.(*api.HookError); ok {
			he.Event = t.Event
		}
		return "", err
	}
	return inner, nil
}

// enterState runs the entry hook of a state being entered, descending
// through compound nodes into their initial sub-states. It returns
// the innermost state entered; on error, the state whose hook failed.
func (m *stateMachine) enterState(ctx context.Context, name string, data map[string]any) (string, error) {
	target := name
	for {
		node := m.def.State(target)

		if node.OnEntry != nil {
			if err := node.OnEntry(ctx, data); err != nil {
				return target, &api.HookError{Stage: "entry", State: target, Err: err}
			}
		}

		if node.Kind != api.StateCompound {
			return target, nil
		}
		target = node.InitialSubState
	}
}

// isFinal reports whether the named state completes a flow.
func (m *stateMachine) isFinal(name string) bool {
	node := m.def.State(name)
	return node != nil && node.IsFinal()
}

// allFinal reports whether every state in the reference is final.
func (m *stateMachine) allFinal(ref api.StateRef) bool {
	if ref.IsZero() {
		return false
	}
	for _, name := range ref.Regions() {
		if !m.isFinal(name) {
			return false
		}
	}
	return true
}

// possibleEvents returns the deduplicated union of event names
// available from the given states, preserving first-seen order.
func (m *stateMachine) possibleEvents(states []string) []string {
	seen := make(map[string]struct{})
	var events []string
	for _, s := range states {
		for _, t := range m.def.TransitionsFrom(s) {
			if _, ok := seen[t.Event]; ok {
				continue
			}
			seen[t.Event] = struct{}{}
			events = append(events, t.Event)
		}
	}
	return events
}
