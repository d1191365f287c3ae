package statemachine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAction struct {
	supportFn func(from, to, event string) bool
	executeFn func(ctx context.Context, from, to string, evt Event) (TransitResult, error)
	calls     int
}

func (a *stubAction) Support(from, to, event string) bool {
	if a.supportFn == nil {
		return true
	}
	return a.supportFn(from, to, event)
}

func (a *stubAction) Execute(ctx context.Context, from, to string, evt Event) (TransitResult, error) {
	a.calls++
	if a.executeFn == nil {
		return TransitResult{State: to, Changed: true}, nil
	}
	return a.executeFn(ctx, from, to, evt)
}

func TestSendEventDispatchesMatchingAction(t *testing.T) {
	action := new(stubAction)
	m := New("test").Register(Transition{From: "INIT", To: "EXECUTING", Event: "EXECUTE"}, action)

	result, err := m.SendEvent(context.Background(), "INIT", Event{Name: "EXECUTE"})
	require.NoError(t, err)

	assert.Equal(t, "EXECUTING", result.State)
	assert.True(t, result.Changed)
	assert.Equal(t, 1, action.calls)
}

func TestSendEventPassesEventContext(t *testing.T) {
	type payload struct{ value string }

	var got any
	action := &stubAction{
		executeFn: func(_ context.Context, _, to string, evt Event) (TransitResult, error) {
			got = evt.Context
			return TransitResult{State: to, Changed: true}, nil
		},
	}
	m := New("test").Register(Transition{From: "INIT", To: "DONE", Event: "FINISH"}, action)

	_, err := m.SendEvent(context.Background(), "INIT", Event{Name: "FINISH", Context: payload{value: "ok"}})
	require.NoError(t, err)
	assert.Equal(t, payload{value: "ok"}, got)
}

func TestSendEventNoMatchFailsLoudly(t *testing.T) {
	m := New("test").Register(Transition{From: "INIT", To: "EXECUTING", Event: "EXECUTE"}, new(stubAction))

	_, err := m.SendEvent(context.Background(), "EXECUTING", Event{Name: "EXECUTE"})
	require.Error(t, err)

	var invalidErr *InvalidTransitionError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, "EXECUTING", invalidErr.From)
	assert.Equal(t, "EXECUTE", invalidErr.Event)
}

func TestSendEventSupportPredicateFilters(t *testing.T) {
	rejected := &stubAction{supportFn: func(_, _, _ string) bool { return false }}

	m := New("test")
	require.Panics(t, func() {
		m.Register(Transition{From: "A", To: "B", Event: "GO"}, rejected)
	})
}

func TestSendEventSharedActionAcrossTransitions(t *testing.T) {
	// One action registered under several (from, to) pairs, the way a finish
	// action covers every terminal transition.
	terminal := map[string]bool{"SUCCESS": true, "FAILED": true}
	action := &stubAction{
		supportFn: func(from, to, _ string) bool { return from != "INIT" && terminal[to] },
	}

	m := New("test")
	for _, from := range []string{"EXECUTING", "PULLED"} {
		for to := range terminal {
			m.Register(Transition{From: from, To: to, Event: to}, action)
		}
	}

	result, err := m.SendEvent(context.Background(), "EXECUTING", Event{Name: "SUCCESS"})
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", result.State)

	result, err = m.SendEvent(context.Background(), "PULLED", Event{Name: "FAILED"})
	require.NoError(t, err)
	assert.Equal(t, "FAILED", result.State)
}

func TestSendEventActionErrorWrapped(t *testing.T) {
	boom := errors.New("storage unavailable")
	action := &stubAction{
		executeFn: func(context.Context, string, string, Event) (TransitResult, error) {
			return TransitResult{}, boom
		},
	}
	m := New("test").Register(Transition{From: "INIT", To: "DONE", Event: "FINISH"}, action)

	result, err := m.SendEvent(context.Background(), "INIT", Event{Name: "FINISH"})
	require.ErrorIs(t, err, boom)
	// The entity stays in its source state when the action fails.
	assert.Equal(t, "INIT", result.State)
}

func TestSendEventUnchangedResultIsNotAnError(t *testing.T) {
	action := &stubAction{
		executeFn: func(_ context.Context, from, _ string, _ Event) (TransitResult, error) {
			// Lost race: another process already completed this transition.
			return TransitResult{State: from, Changed: false}, nil
		},
	}
	m := New("test").Register(Transition{From: "PULLED", To: "CREATED", Event: "DISPATCH_FAILED"}, action)

	result, err := m.SendEvent(context.Background(), "PULLED", Event{Name: "DISPATCH_FAILED"})
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Equal(t, "PULLED", result.State)
}
