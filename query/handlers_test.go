package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/retry"
	memorystore "github.com/goliatone/go-webhook-ledger/store/memory"
	"github.com/goliatone/go-webhook-ledger/subscriptions"
)

type stubDeadLetterReader struct {
	listFn func(ctx context.Context, limit int) ([]core.DeadLetterEntry, error)
	getFn  func(ctx context.Context, id string) (core.DeadLetterEntry, error)
}

func (s stubDeadLetterReader) List(ctx context.Context, limit int) ([]core.DeadLetterEntry, error) {
	return s.listFn(ctx, limit)
}

func (s stubDeadLetterReader) Get(ctx context.Context, id string) (core.DeadLetterEntry, error) {
	return s.getFn(ctx, id)
}

func TestListUnresolvedDeadLettersQuery_QueryDelegates(t *testing.T) {
	called := false
	reader := stubDeadLetterReader{
		listFn: func(_ context.Context, limit int) ([]core.DeadLetterEntry, error) {
			called = true
			if limit != 25 {
				t.Fatalf("expected limit 25, got %d", limit)
			}
			return []core.DeadLetterEntry{{ID: "dlq_1"}, {ID: "dlq_2"}}, nil
		},
	}

	entries, err := NewListUnresolvedDeadLettersQuery(reader).Query(context.Background(), ListUnresolvedDeadLettersMessage{Limit: 25})
	if err != nil {
		t.Fatalf("query dead letters: %v", err)
	}
	if !called || len(entries) != 2 {
		t.Fatalf("unexpected result: %#v", entries)
	}
}

func TestGetDeadLetterQuery_TrimsIDAndReturnsErrors(t *testing.T) {
	reader := stubDeadLetterReader{
		getFn: func(_ context.Context, id string) (core.DeadLetterEntry, error) {
			if id != "dlq_9" {
				return core.DeadLetterEntry{}, core.ErrDeadLetterNotFound
			}
			return core.DeadLetterEntry{ID: id}, nil
		},
	}
	qry := NewGetDeadLetterQuery(reader)

	entry, err := qry.Query(context.Background(), GetDeadLetterMessage{EntryID: "  dlq_9 "})
	if err != nil || entry.ID != "dlq_9" {
		t.Fatalf("unexpected result: %#v (%v)", entry, err)
	}
	if _, err := qry.Query(context.Background(), GetDeadLetterMessage{EntryID: "dlq_missing"}); !errors.Is(err, core.ErrDeadLetterNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetWebhookEventQuery_ByIDOrIdempotencyKey(t *testing.T) {
	events := memorystore.NewEventStore()
	key := core.IdempotencyKey("evt_1", "invoice.paid")
	var created core.WebhookEvent
	err := events.RunInTx(context.Background(), func(ctx context.Context, tx core.EventTx) error {
		row, err := tx.Create(ctx, core.WebhookEvent{
			IdempotencyKey:  key,
			ProviderEventID: "evt_1",
			EventType:       "invoice.paid",
			Status:          core.EventStatusPending,
			MaxRetries:      core.DefaultMaxRetries,
		})
		created = row
		return err
	})
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}
	qry := NewGetWebhookEventQuery(events)

	byID, err := qry.Query(context.Background(), GetWebhookEventMessage{WebhookEventID: created.ID})
	if err != nil || byID.ProviderEventID != "evt_1" {
		t.Fatalf("lookup by id: %#v (%v)", byID, err)
	}
	byKey, err := qry.Query(context.Background(), GetWebhookEventMessage{IdempotencyKey: key})
	if err != nil || byKey.ID != created.ID {
		t.Fatalf("lookup by key: %#v (%v)", byKey, err)
	}
	if _, err := qry.Query(context.Background(), GetWebhookEventMessage{WebhookEventID: "missing"}); !errors.Is(err, core.ErrEventNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListRetryTasksQuery_ListsTaskHistory(t *testing.T) {
	queue := memorystore.NewTaskQueue()
	key := core.IdempotencyKey("evt_1", "invoice.payment_failed")
	for attempt := 1; attempt <= 2; attempt++ {
		if err := queue.Enqueue(context.Background(), retry.Task{
			IdempotencyKey: key,
			WebhookEventID: "row_1",
			EventID:        "evt_1",
			EventType:      "invoice.payment_failed",
			RawPayload:     []byte(`{}`),
			AttemptNumber:  attempt,
			RunAt:          time.Now().Add(time.Duration(attempt) * time.Second),
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	tasks, err := NewListRetryTasksQuery(queue).Query(context.Background(), ListRetryTasksMessage{IdempotencyKey: key})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].AttemptNumber != 1 || tasks[1].AttemptNumber != 2 {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
}

func TestSubscriptionHistoryQuery_ReturnsTransitions(t *testing.T) {
	store := subscriptions.NewMemoryStore()
	machine, err := subscriptions.NewMachine(store)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	for _, target := range []subscriptions.State{subscriptions.StateActive, subscriptions.StatePastDue} {
		if _, err := machine.Transition(context.Background(), "sub_1", target, core.TransitionContext{Trigger: "webhook", TriggerID: "evt_" + string(target)}); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	history, err := NewSubscriptionHistoryQuery(store).Query(context.Background(), SubscriptionHistoryMessage{SubscriptionID: "sub_1"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[1].From != subscriptions.StateActive || history[1].To != subscriptions.StatePastDue {
		t.Fatalf("unexpected history: %#v", history)
	}
}

func TestQueryMessageValidation(t *testing.T) {
	cases := map[string]interface{ Validate() error }{
		"negative limit":       ListUnresolvedDeadLettersMessage{Limit: -1},
		"missing entry":        GetDeadLetterMessage{},
		"missing event ref":    GetWebhookEventMessage{},
		"missing key":          ListRetryTasksMessage{IdempotencyKey: " "},
		"missing subscription": SubscriptionHistoryMessage{},
	}
	for name, msg := range cases {
		if err := msg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := (ListUnresolvedDeadLettersMessage{}).Validate(); err != nil {
		t.Fatalf("zero limit should be valid: %v", err)
	}
}

func TestQueries_NilReaderReturnsDependencyError(t *testing.T) {
	if _, err := (*ListUnresolvedDeadLettersQuery)(nil).Query(context.Background(), ListUnresolvedDeadLettersMessage{}); err == nil {
		t.Fatalf("expected dependency error")
	}
	if _, err := NewListRetryTasksQuery(nil).Query(context.Background(), ListRetryTasksMessage{IdempotencyKey: "k"}); err == nil {
		t.Fatalf("expected dependency error")
	}
}
