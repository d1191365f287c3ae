// Package statemachine provides a small, generic state machine used to drive
// entity lifecycles. Transitions are registered explicitly at startup and
// dispatched by matching the source state and triggering event against the
// registered table, so the full lifecycle of an entity is visible in one place
// and testable without any framework wiring.
package statemachine

import (
	"context"
	"fmt"
)

// Event is the trigger delivered to a state machine. Context carries the
// per-event payload a matching action needs; it is transient and never
// persisted.
type Event struct {
	Name    string
	Context any
}

// TransitResult reports the outcome of dispatching an event. State is the
// state the entity ended up in. Changed is false when another process already
// completed the transition; callers must treat that as success, not an error.
type TransitResult struct {
	State   string
	Changed bool
}

// Action executes the side effects of a single transition. Support is the
// predicate consulted during dispatch; Execute performs all persistent writes
// for the transition and returns the resulting state.
type Action interface {
	Support(from, to, event string) bool
	Execute(ctx context.Context, from, to string, evt Event) (TransitResult, error)
}

// Transition declares a (from, to, event) triple an action is registered under.
type Transition struct {
	From  string
	To    string
	Event string
}

// InvalidTransitionError indicates an event was fired from a state with no
// registered transition. This is a programming error, not a runtime condition;
// callers should fail loudly rather than swallow it.
type InvalidTransitionError struct {
	Machine string
	From    string
	Event   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("state machine %s: no transition registered for state %s and event %s", e.Machine, e.From, e.Event)
}

type registeredTransition struct {
	transition Transition
	action     Action
}

// StateMachine dispatches events to the single registered action whose
// transition and Support predicate match. It holds no entity state itself;
// the caller supplies the current state on every dispatch.
type StateMachine struct {
	name        string
	transitions []registeredTransition
}

// New constructs an empty state machine identified by name.
func New(name string) *StateMachine {
	return &StateMachine{name: name}
}

// Name returns the identifier of this state machine.
func (m *StateMachine) Name() string { return m.name }

// Register adds a transition and its action to the dispatch table. It panics
// if the action's Support predicate rejects its own transition, since that is
// a wiring mistake that would otherwise surface as a confusing dispatch miss.
func (m *StateMachine) Register(t Transition, a Action) *StateMachine {
	if !a.Support(t.From, t.To, t.Event) {
		panic(fmt.Sprintf("state machine %s: action does not support registered transition %+v", m.name, t))
	}
	m.transitions = append(m.transitions, registeredTransition{transition: t, action: a})
	return m
}

// SendEvent finds the transition matching the current state and event and
// executes its action. Exactly one transition must match; zero matches return
// an InvalidTransitionError and multiple matches indicate a misconfigured
// table and also fail.
func (m *StateMachine) SendEvent(ctx context.Context, from string, evt Event) (TransitResult, error) {
	var matched *registeredTransition
	for i := range m.transitions {
		t := &m.transitions[i]
		if t.transition.From != from || t.transition.Event != evt.Name {
			continue
		}
		if !t.action.Support(from, t.transition.To, evt.Name) {
			continue
		}
		if matched != nil {
			return TransitResult{State: from}, fmt.Errorf(
				"state machine %s: multiple transitions registered for state %s and event %s", m.name, from, evt.Name)
		}
		matched = t
	}

	if matched == nil {
		return TransitResult{State: from}, &InvalidTransitionError{Machine: m.name, From: from, Event: evt.Name}
	}

	result, err := matched.action.Execute(ctx, from, matched.transition.To, evt)
	if err != nil {
		return TransitResult{State: from}, fmt.Errorf(
			"state machine %s: transition from %s on %s: %w", m.name, from, evt.Name, err)
	}
	return result, nil
}
