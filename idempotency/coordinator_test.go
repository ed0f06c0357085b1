package idempotency_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/idempotency"
	memorystore "github.com/goliatone/go-webhook-ledger/store/memory"
)

func TestCoordinator_ProcessesOnceAndReportsDuplicates(t *testing.T) {
	store := memorystore.NewEventStore()
	coordinator := newCoordinator(t, store)
	event := testEvent("evt_once", "invoice.payment_succeeded")

	var calls int32
	fn := func(context.Context, core.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	first, err := coordinator.Process(context.Background(), event, fn, idempotency.WithRequestInfo("10.0.0.1", "Stripe/1.0"))
	if err != nil {
		t.Fatalf("first process: %v", err)
	}
	if !first.Success || first.Duplicate || first.Status != core.EventStatusCompleted {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := coordinator.Process(context.Background(), event, fn)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if !second.Success || !second.Duplicate || second.EventID != first.EventID {
		t.Fatalf("expected duplicate success for the same row, got %+v", second)
	}
	if calls != 1 {
		t.Fatalf("expected side effect once, got %d", calls)
	}

	row, err := store.GetByIdempotencyKey(context.Background(), event.IdempotencyKey())
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if !row.Processed || row.IPAddress != "10.0.0.1" || row.UserAgent != "Stripe/1.0" {
		t.Fatalf("unexpected stored row: %+v", row)
	}
	if row.Metadata.CustomerID != "cus_123" || row.Metadata.InvoiceID != "in_123" {
		t.Fatalf("expected extracted metadata, got %+v", row.Metadata)
	}
}

func TestCoordinator_ConcurrentDeliveriesInvokeFunctionOnce(t *testing.T) {
	store := memorystore.NewEventStore()
	coordinator := newCoordinator(t, store)
	event := testEvent("evt_concurrent", "invoice.payment_succeeded")

	var calls int32
	var firsts int32
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := coordinator.Process(context.Background(), event, func(context.Context, core.Event) error {
				atomic.AddInt32(&calls, 1)
				time.Sleep(time.Millisecond)
				return nil
			})
			if err != nil {
				errs <- err
				return
			}
			if !result.Duplicate {
				atomic.AddInt32(&firsts, 1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent process: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one invocation across concurrent deliveries, got %d", calls)
	}
	if firsts != 1 {
		t.Fatalf("expected exactly one non-duplicate result, got %d", firsts)
	}
}

func TestCoordinator_FailureCommitsFailedRowAndReturnsOriginalError(t *testing.T) {
	store := memorystore.NewEventStore()
	coordinator := newCoordinator(t, store)
	event := testEvent("evt_fail", "customer.subscription.updated")
	boom := errors.New("downstream unavailable")

	result, err := coordinator.Process(context.Background(), event, func(context.Context, core.Event) error {
		return boom
	})
	if err != boom {
		t.Fatalf("expected the original error, got %v", err)
	}
	if result.Success || result.Status != core.EventStatusFailed || result.EventID == "" {
		t.Fatalf("unexpected failure result: %+v", result)
	}

	row, err := store.Get(context.Background(), result.EventID)
	if err != nil {
		t.Fatalf("get failed row: %v", err)
	}
	if row.Status != core.EventStatusFailed || row.ErrorMessage != "downstream unavailable" || row.RetryCount != 0 {
		t.Fatalf("expected committed failed row without retry bookkeeping, got %+v", row)
	}

	retried, err := coordinator.Process(context.Background(), event, func(context.Context, core.Event) error {
		return nil
	}, idempotency.WithAttempt(2))
	if err != nil {
		t.Fatalf("retry attempt: %v", err)
	}
	if !retried.Success || retried.Duplicate || retried.EventID != result.EventID {
		t.Fatalf("expected retry to complete the same row, got %+v", retried)
	}
	row, _ = store.Get(context.Background(), result.EventID)
	if row.LastAttempt != 2 || row.Status != core.EventStatusCompleted {
		t.Fatalf("expected attempt 2 recorded on completed row, got %+v", row)
	}
}

func TestCoordinator_DeadLetteredEventsShortCircuitUntilResolved(t *testing.T) {
	ctx := context.Background()
	store := memorystore.NewEventStore()
	letters := memorystore.NewDeadLetterStore(store)
	coordinator := newCoordinator(t, store, idempotency.WithResolutionChecker(letters))
	event := testEvent("evt_dead", "invoice.payment_failed")

	failed, _ := coordinator.Process(ctx, event, func(context.Context, core.Event) error {
		return errors.New("validation failed")
	})
	if err := store.MarkDeadLetter(ctx, failed.EventID, "validation failed"); err != nil {
		t.Fatalf("mark dead letter: %v", err)
	}
	row, _ := store.Get(ctx, failed.EventID)
	entry, err := letters.AddEntry(ctx, core.AddDeadLetterInput{Event: row, ErrorCategory: "VALIDATION"})
	if err != nil {
		t.Fatalf("add entry: %v", err)
	}

	var calls int32
	fn := func(context.Context, core.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	if _, err := coordinator.Process(ctx, event, fn); !errors.Is(err, core.ErrEventDeadLettered) {
		t.Fatalf("expected dead-lettered rejection, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no invocation for unresolved dead letter, got %d", calls)
	}

	if _, err := letters.Resolve(ctx, entry.ID, "ops", "fixed"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	result, err := coordinator.Process(ctx, event, fn)
	if err != nil {
		t.Fatalf("process after resolution: %v", err)
	}
	if !result.Success || calls != 1 {
		t.Fatalf("expected resolved event to run once, result=%+v calls=%d", result, calls)
	}
}

func TestCoordinator_WithoutResolutionCheckerTreatsDeadLettersAsUnresolved(t *testing.T) {
	ctx := context.Background()
	store := memorystore.NewEventStore()
	coordinator := newCoordinator(t, store)
	event := testEvent("evt_dead_default", "invoice.payment_failed")

	failed, _ := coordinator.Process(ctx, event, func(context.Context, core.Event) error {
		return errors.New("nope")
	})
	if err := store.MarkDeadLetter(ctx, failed.EventID, "nope"); err != nil {
		t.Fatalf("mark dead letter: %v", err)
	}
	if _, err := coordinator.Process(ctx, event, func(context.Context, core.Event) error { return nil }); !errors.Is(err, core.ErrEventDeadLettered) {
		t.Fatalf("expected dead-lettered rejection, got %v", err)
	}
}

func TestCoordinator_TransactionTimeoutCommitsFailedAttempt(t *testing.T) {
	store := memorystore.NewEventStore()
	coordinator := newCoordinator(t, store, idempotency.WithTimeout(20*time.Millisecond))
	event := testEvent("evt_slow", "invoice.payment_succeeded")

	result, err := coordinator.Process(context.Background(), event, func(ctx context.Context, _ core.Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, core.ErrTransactionTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected transaction timeout, got %v", err)
	}
	if result.Status != core.EventStatusFailed || result.EventID == "" || result.Success {
		t.Fatalf("expected failed result for the rolled back attempt, got %+v", result)
	}
	row, err := store.GetByIdempotencyKey(context.Background(), event.IdempotencyKey())
	if err != nil {
		t.Fatalf("expected failed row to be committed: %v", err)
	}
	if row.ID != result.EventID || row.Status != core.EventStatusFailed || row.LastAttempt != 1 {
		t.Fatalf("unexpected row after rollback: %+v", row)
	}
	if !strings.Contains(row.ErrorMessage, "WEBHOOK_TRANSACTION_TIMEOUT") && !strings.Contains(row.ErrorMessage, "deadline exceeded") {
		t.Fatalf("expected timeout recorded on row, got %q", row.ErrorMessage)
	}
}

func TestCoordinator_UnrecordableRollbackReturnsEmptyResult(t *testing.T) {
	coordinator := newCoordinator(t, brokenStore{EventStore: memorystore.NewEventStore()})
	result, err := coordinator.Process(context.Background(), testEvent("evt_down", "invoice.payment_succeeded"), func(context.Context, core.Event) error {
		t.Fatalf("function must not run without a transaction")
		return nil
	})
	if err == nil || result.Status != "" || result.EventID != "" {
		t.Fatalf("expected bare transaction error, got %+v (%v)", result, err)
	}
}

type brokenStore struct {
	*memorystore.EventStore
}

func (brokenStore) RunInTx(context.Context, func(context.Context, core.EventTx) error) error {
	return errors.New("dial tcp 10.0.0.3:5432: connect: connection refused")
}

func TestCoordinator_LostCreateRaceReportsInFlight(t *testing.T) {
	ctx := context.Background()
	base := memorystore.NewEventStore()
	event := testEvent("evt_race", "invoice.payment_succeeded")

	err := base.RunInTx(ctx, func(ctx context.Context, tx core.EventTx) error {
		row, err := tx.Create(ctx, core.WebhookEvent{
			IdempotencyKey:  event.IdempotencyKey(),
			ProviderEventID: event.ID,
			EventType:       event.Type,
		})
		if err != nil {
			return err
		}
		return tx.MarkProcessing(ctx, row.ID, 1)
	})
	if err != nil {
		t.Fatalf("seed processing row: %v", err)
	}

	coordinator := newCoordinator(t, lockedElsewhereStore{EventStore: base})
	var calls int32
	result, err := coordinator.Process(ctx, event, func(context.Context, core.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !result.Duplicate || !result.InFlight || result.Success {
		t.Fatalf("expected in-flight duplicate, got %+v", result)
	}
	if calls != 0 {
		t.Fatalf("expected no invocation while another delivery holds the row, got %d", calls)
	}
}

func TestCoordinator_RecordsMetrics(t *testing.T) {
	recorder := &countingRecorder{}
	coordinator := newCoordinator(t, memorystore.NewEventStore(), idempotency.WithMetrics(recorder))
	event := testEvent("evt_metrics", "invoice.payment_succeeded")

	for i := 0; i < 2; i++ {
		if _, err := coordinator.Process(context.Background(), event, func(context.Context, core.Event) error { return nil }); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if recorder.count("webhooks.idempotency.process.total", "completed") != 1 {
		t.Fatalf("expected one completed outcome, got %+v", recorder.calls)
	}
	if recorder.count("webhooks.idempotency.process.total", "duplicate") != 1 {
		t.Fatalf("expected one duplicate outcome, got %+v", recorder.calls)
	}
}

func TestCoordinator_RejectsInvalidInput(t *testing.T) {
	if _, err := idempotency.NewCoordinator(nil); err == nil {
		t.Fatalf("expected event store to be required")
	}
	coordinator := newCoordinator(t, memorystore.NewEventStore())
	if _, err := coordinator.Process(context.Background(), core.Event{Type: "x"}, func(context.Context, core.Event) error { return nil }); !errors.Is(err, core.ErrMalformedEvent) {
		t.Fatalf("expected malformed event error, got %v", err)
	}
	if _, err := coordinator.Process(context.Background(), testEvent("evt", "x"), nil); err == nil {
		t.Fatalf("expected process function to be required")
	}
}

type lockedElsewhereStore struct {
	*memorystore.EventStore
}

func (s lockedElsewhereStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx core.EventTx) error) error {
	return s.EventStore.RunInTx(ctx, func(ctx context.Context, tx core.EventTx) error {
		return fn(ctx, lockedElsewhereTx{EventTx: tx})
	})
}

// lockedElsewhereTx hides rows the way SKIP LOCKED does when another
// transaction holds them.
type lockedElsewhereTx struct {
	core.EventTx
}

func (lockedElsewhereTx) FindByIdempotencyKeyLocked(context.Context, string) (*core.WebhookEvent, error) {
	return nil, nil
}

type countingRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *countingRecorder) IncCounter(_ context.Context, name string, _ int64, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%s|%s", name, tags["outcome"]))
}

func (r *countingRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func (r *countingRecorder) count(name string, outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, call := range r.calls {
		if call == name+"|"+outcome {
			total++
		}
	}
	return total
}

func newCoordinator(t *testing.T, store core.EventStore, opts ...idempotency.Option) *idempotency.Coordinator {
	t.Helper()
	coordinator, err := idempotency.NewCoordinator(store, opts...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coordinator
}

func testEvent(id string, eventType string) core.Event {
	return core.Event{
		ID:      id,
		Type:    eventType,
		Created: time.Now().UTC(),
		Object: map[string]any{
			"id":       "in_123",
			"object":   "invoice",
			"customer": "cus_123",
		},
		Raw: []byte(`{"id":"` + id + `","type":"` + eventType + `"}`),
	}
}
