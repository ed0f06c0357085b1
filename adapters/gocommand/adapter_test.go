package gocommand

import (
	"context"
	"testing"

	"github.com/goliatone/go-command"
)

type recordMessage struct {
	ID string
}

func (recordMessage) Type() string { return "webhooks.command.record" }

type lookupMessage struct {
	ID string
}

func (lookupMessage) Type() string { return "webhooks.query.lookup" }

func TestRegisterAndSubscribe_DispatchesThroughRegistry(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	var seen []string

	sub, err := RegisterAndSubscribe(adapter, command.CommandFunc[recordMessage](func(_ context.Context, msg recordMessage) error {
		seen = append(seen, msg.ID)
		return nil
	}))
	if err != nil {
		t.Fatalf("register and subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	qsub, err := RegisterAndSubscribeQuery(adapter, command.QueryFunc[lookupMessage, string](func(_ context.Context, msg lookupMessage) (string, error) {
		return "row_" + msg.ID, nil
	}))
	if err != nil {
		t.Fatalf("register and subscribe query: %v", err)
	}
	defer qsub.Unsubscribe()

	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if err := Dispatch(context.Background(), recordMessage{ID: "m1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(seen) != 1 || seen[0] != "m1" {
		t.Fatalf("expected one handled command, got %#v", seen)
	}
	got, err := Query[lookupMessage, string](context.Background(), lookupMessage{ID: "7"})
	if err != nil || got != "row_7" {
		t.Fatalf("expected query result row_7, got %q (%v)", got, err)
	}
}

func TestRegisterAndSubscribe_RequiresRegistryAndHandler(t *testing.T) {
	var missing *RegistryAdapter
	cmd := command.CommandFunc[recordMessage](func(context.Context, recordMessage) error { return nil })
	if _, err := RegisterAndSubscribe(missing, cmd); err == nil {
		t.Fatalf("expected missing registry error")
	}
	if err := missing.Initialize(); err == nil {
		t.Fatalf("expected missing registry error on initialize")
	}
	if _, err := RegisterAndSubscribe[recordMessage](NewRegistryAdapter(nil), nil); err == nil {
		t.Fatalf("expected missing command error")
	}
}
