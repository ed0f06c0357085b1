package subscriptions

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-webhook-ledger/core"
)

func TestMapStatusToState(t *testing.T) {
	state, err := MapStatusToState(" Past_Due ")
	if err != nil {
		t.Fatalf("map status: %v", err)
	}
	if state != StatePastDue {
		t.Fatalf("expected past_due, got %q", state)
	}
	if state, _ := MapStatusToState("cancelled"); state != StateCanceled {
		t.Fatalf("expected british spelling to map to canceled, got %q", state)
	}
	if _, err := MapStatusToState("zombie"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected unknown status error, got %v", err)
	}
}

func TestMachine_FirstSightingCreatesThenTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	machine, err := NewMachine(store)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	result, err := machine.Transition(ctx, "sub_1", StateActive, core.TransitionContext{Trigger: "webhook", TriggerID: "evt_1"})
	if err != nil || !result.Success {
		t.Fatalf("expected first transition to succeed, got %+v err=%v", result, err)
	}

	result, err = machine.Transition(ctx, "sub_1", StatePastDue, core.TransitionContext{Trigger: "webhook", TriggerID: "evt_2"})
	if err != nil || !result.Success {
		t.Fatalf("expected active -> past_due, got %+v err=%v", result, err)
	}
	if result.From != StateActive || result.To != StatePastDue {
		t.Fatalf("unexpected result states: %+v", result)
	}

	record, err := store.Get(ctx, "sub_1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.Version != 2 {
		t.Fatalf("expected version 2, got %d", record.Version)
	}
	history, _ := store.History(ctx, "sub_1")
	if len(history) != 2 || history[1].TriggerID != "evt_2" {
		t.Fatalf("expected two history entries, got %+v", history)
	}
}

func TestMachine_SameStateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	machine, _ := NewMachine(store)

	if _, err := machine.Transition(ctx, "sub_1", StateActive, core.TransitionContext{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	result, err := machine.Transition(ctx, "sub_1", StateActive, core.TransitionContext{})
	if err != nil || !result.Success {
		t.Fatalf("expected idempotent success, got %+v err=%v", result, err)
	}
	history, _ := store.History(ctx, "sub_1")
	if len(history) != 1 {
		t.Fatalf("expected no extra history for same state, got %d", len(history))
	}
}

func TestMachine_IllegalTransitionIsReportedOnResult(t *testing.T) {
	ctx := context.Background()
	machine, _ := NewMachine(NewMemoryStore())

	if _, err := machine.Transition(ctx, "sub_1", StateCanceled, core.TransitionContext{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	result, err := machine.Transition(ctx, "sub_1", StateActive, core.TransitionContext{})
	if err != nil {
		t.Fatalf("expected no infrastructure error, got %v", err)
	}
	if result.Success {
		t.Fatalf("expected canceled -> active to be rejected")
	}
	if !errors.Is(result.Error, ErrTransitionRejected) {
		t.Fatalf("expected rejection error, got %v", result.Error)
	}
	if !core.HasTextCode(result.Error, ErrorCodeTransitionRejected) {
		t.Fatalf("expected rejection text code")
	}
}

func TestMachine_RetriesVersionConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	calls := 0
	store.saveHook = func(Record) error {
		calls++
		if calls == 1 {
			return ErrVersionConflict
		}
		return nil
	}
	machine, _ := NewMachine(store)

	result, err := machine.Transition(ctx, "sub_1", StateTrialing, core.TransitionContext{})
	if err != nil || !result.Success {
		t.Fatalf("expected retry after conflict, got %+v err=%v", result, err)
	}
	if calls != 2 {
		t.Fatalf("expected two save calls, got %d", calls)
	}
}
