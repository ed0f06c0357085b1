package webhooks_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/idempotency"
	"github.com/goliatone/go-webhook-ledger/retry"
	memorystore "github.com/goliatone/go-webhook-ledger/store/memory"
	"github.com/goliatone/go-webhook-ledger/subscriptions"
	"github.com/goliatone/go-webhook-ledger/webhooks"
	"github.com/stripe/stripe-go/v79/webhook"
)

const testSecret = "whsec_ledger_test"

type testEnv struct {
	events        *memorystore.EventStore
	deadLetters   *memorystore.DeadLetterStore
	queue         *memorystore.TaskQueue
	audit         *memorystore.AuditLog
	subscriptions *subscriptions.MemoryStore
	processor     *webhooks.Processor
}

func newTestEnv(t *testing.T, opts ...webhooks.RouterOption) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, nil, opts...)
}

func newTestEnvWithStore(t *testing.T, wrap func(core.EventStore) core.EventStore, opts ...webhooks.RouterOption) *testEnv {
	t.Helper()
	events := memorystore.NewEventStore()
	var store core.EventStore = events
	if wrap != nil {
		store = wrap(events)
	}
	deadLetters := memorystore.NewDeadLetterStore(events)
	queue := memorystore.NewTaskQueue()
	queue.Now = func() time.Time { return time.Now().Add(time.Hour) }
	audit := memorystore.NewAuditLog()
	subscriptionStore := subscriptions.NewMemoryStore()

	coordinator, err := idempotency.NewCoordinator(store, idempotency.WithResolutionChecker(deadLetters))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	scheduler, err := retry.NewScheduler(store, queue, retry.WithDeadLetterStore(deadLetters))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	machine, err := subscriptions.NewMachine(subscriptionStore)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	router, err := webhooks.NewRouter(machine, opts...)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	processor := webhooks.NewProcessor(webhooks.NewStripeVerifier(testSecret, 0), coordinator, scheduler, router)
	processor.Audit = audit
	return &testEnv{
		events:        events,
		deadLetters:   deadLetters,
		queue:         queue,
		audit:         audit,
		subscriptions: subscriptionStore,
		processor:     processor,
	}
}

func eventBody(t *testing.T, id string, eventType string, created time.Time, object map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": "2024-06-20",
		"livemode":    false,
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func sign(body []byte) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Header
}

func (e *testEnv) deliver(t *testing.T, body []byte) webhooks.ProcessWebhookResult {
	t.Helper()
	result, err := e.processor.ProcessWebhook(context.Background(), webhooks.ProcessWebhookInput{
		Payload:   body,
		Signature: sign(body),
		IPAddress: "54.187.174.169",
		UserAgent: "Stripe/1.0 (+https://stripe.com/docs/webhooks)",
	})
	if err != nil {
		t.Fatalf("process webhook: %v", err)
	}
	return result
}

// drain runs the retry worker until the queue is empty.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	pool, err := retry.NewWorkerPool(e.queue, e.processor)
	if err != nil {
		t.Fatalf("new worker pool: %v", err)
	}
	for i := 0; i < 20 && e.queue.Pending() > 0; i++ {
		if _, err := pool.RunOnce(context.Background()); err != nil {
			t.Fatalf("run worker: %v", err)
		}
	}
	if pending := e.queue.Pending(); pending != 0 {
		t.Fatalf("expected drained queue, %d tasks pending", pending)
	}
}

func (e *testEnv) row(t *testing.T, webhookEventID string) core.WebhookEvent {
	t.Helper()
	row, err := e.events.Get(context.Background(), webhookEventID)
	if err != nil {
		t.Fatalf("get event row: %v", err)
	}
	return row
}

func flakyHandler(failures int32, cause error, calls *int32) webhooks.RouterOption {
	return webhooks.WithHandler("ledger.test.flaky", func(context.Context, core.Event) error {
		if atomic.AddInt32(calls, 1) <= failures {
			return cause
		}
		return nil
	})
}

func TestProcessor_ConcurrentDuplicateDeliveriesRunHandlerOnce(t *testing.T) {
	var calls int32
	env := newTestEnv(t, webhooks.WithHandler("ledger.test.slow", func(context.Context, core.Event) error {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}))
	body := eventBody(t, "evt_scenario_a", "ledger.test.slow", time.Now(), map[string]any{"id": "obj_1"})

	var wg sync.WaitGroup
	results := make([]webhooks.ProcessWebhookResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.processor.ProcessWebhook(context.Background(), webhooks.ProcessWebhookInput{
				Payload:   body,
				Signature: sign(body),
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("process webhook: %v", err)
		}
	}

	if calls != 1 {
		t.Fatalf("expected handler once, got %d", calls)
	}
	duplicates := 0
	for _, result := range results {
		if result.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 for both deliveries, got %+v", result)
		}
		if result.Duplicate {
			duplicates++
		}
	}
	if duplicates != 1 {
		t.Fatalf("expected exactly one duplicate, got %d", duplicates)
	}
	rows := env.events.List()
	if len(rows) != 1 || rows[0].Status != core.EventStatusCompleted || !rows[0].Processed {
		t.Fatalf("expected one completed row, got %+v", rows)
	}
}

func TestProcessor_TransientFailuresRetryUntilSuccess(t *testing.T) {
	var calls int32
	env := newTestEnv(t, flakyHandler(3, errors.New("read tcp 10.0.0.2:5432: ETIMEDOUT"), &calls))
	body := eventBody(t, "evt_scenario_b", "ledger.test.flaky", time.Now(), map[string]any{"id": "obj_b"})

	first := env.deliver(t, body)
	if first.StatusCode != http.StatusOK || first.Success || first.Err == nil {
		t.Fatalf("expected accepted failure on first attempt, got %+v", first)
	}
	if pending := env.queue.Pending(); pending != 1 {
		t.Fatalf("expected one retry task, got %d", pending)
	}

	env.drain(t)

	row := env.row(t, first.WebhookEventID)
	if row.Status != core.EventStatusCompleted || row.RetryCount != 3 || row.LastAttempt != 4 {
		t.Fatalf("expected completed row after 3 retries, got %+v", row)
	}
	if calls != 4 {
		t.Fatalf("expected 4 handler calls, got %d", calls)
	}
	tasks, err := env.queue.ListByIdempotencyKey(context.Background(), row.IdempotencyKey)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 retry tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		if task.AttemptNumber != i+1 {
			t.Fatalf("task %d has attempt %d", i, task.AttemptNumber)
		}
	}
	if _, err := env.deadLetters.GetByEventID(context.Background(), row.ID); !errors.Is(err, core.ErrDeadLetterNotFound) {
		t.Fatalf("expected no dead letter entry, got %v", err)
	}
}

func TestProcessor_NonRetryableFailureDeadLettersOnFirstAttempt(t *testing.T) {
	var calls int32
	env := newTestEnv(t, flakyHandler(100, errors.New("Invalid Signature on upstream callback"), &calls))
	body := eventBody(t, "evt_scenario_c", "ledger.test.flaky", time.Now(), map[string]any{"id": "obj_c"})

	result := env.deliver(t, body)
	if result.StatusCode != http.StatusOK || result.Err == nil {
		t.Fatalf("expected accepted failure, got %+v", result)
	}
	row := env.row(t, result.WebhookEventID)
	if row.Status != core.EventStatusDeadLetter || row.RetryCount != 0 {
		t.Fatalf("expected dead-lettered row without retries, got %+v", row)
	}
	entry, err := env.deadLetters.GetByEventID(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("dead letter entry: %v", err)
	}
	if entry.FinalAttempt != 1 || entry.ErrorCategory != retry.CategoryNonRetryableFirstAttempt {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if pending := env.queue.Pending(); pending != 0 {
		t.Fatalf("expected no retry task, got %d", pending)
	}

	// A provider redelivery of an unresolved dead letter is acknowledged and
	// never reaches the handler.
	again := env.deliver(t, body)
	if again.StatusCode != http.StatusOK || !errors.Is(again.Err, core.ErrEventDeadLettered) {
		t.Fatalf("expected acknowledged dead-letter rejection, got %+v", again)
	}
	if calls != 1 {
		t.Fatalf("expected handler once, got %d", calls)
	}
	records := env.audit.Records()
	if last := records[len(records)-1]; last.Outcome != core.AuditOutcomeRejected {
		t.Fatalf("expected rejected audit outcome, got %s", last.Outcome)
	}
}

func TestProcessor_TransientFailuresExhaustIntoDeadLetter(t *testing.T) {
	var calls int32
	env := newTestEnv(t, flakyHandler(100, errors.New("pq: deadlock detected"), &calls))
	body := eventBody(t, "evt_scenario_d", "ledger.test.flaky", time.Now(), map[string]any{"id": "obj_d"})

	first := env.deliver(t, body)
	env.drain(t)

	row := env.row(t, first.WebhookEventID)
	if row.Status != core.EventStatusDeadLetter || row.RetryCount != 3 || row.MaxRetries != 3 {
		t.Fatalf("expected dead letter after 3 attempts, got %+v", row)
	}
	if calls != 3 {
		t.Fatalf("expected 3 handler calls, got %d", calls)
	}
	entry, err := env.deadLetters.GetByEventID(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("dead letter entry: %v", err)
	}
	if entry.FinalAttempt != 3 || entry.ErrorCategory != "RETRYABLE" || entry.ErrorMessage != "pq: deadlock detected" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestProcessor_RejectsStaleEventsBeforePersistence(t *testing.T) {
	env := newTestEnv(t)
	body := eventBody(t, "evt_stale", "customer.subscription.updated", time.Now().Add(-301*time.Second), map[string]any{
		"id": "sub_1", "object": "subscription", "status": "active",
	})

	result := env.deliver(t, body)
	if result.StatusCode != http.StatusBadRequest || !errors.Is(result.Err, core.ErrStaleEvent) {
		t.Fatalf("expected 400 stale rejection, got %+v", result)
	}
	if rows := env.events.List(); len(rows) != 0 {
		t.Fatalf("expected nothing persisted, got %d rows", len(rows))
	}
	if pending := env.queue.Pending(); pending != 0 {
		t.Fatalf("expected no retry, got %d", pending)
	}
	records := env.audit.Records()
	if len(records) != 1 || records[0].Outcome != core.AuditOutcomeRejected || records[0].ProviderEventID != "evt_stale" {
		t.Fatalf("unexpected audit records: %+v", records)
	}
}

func TestProcessor_RejectsBadSignatureAndMalformedPayloads(t *testing.T) {
	env := newTestEnv(t)
	body := eventBody(t, "evt_forged", "customer.subscription.updated", time.Now(), map[string]any{"id": "sub_1"})

	forged, err := env.processor.ProcessWebhook(context.Background(), webhooks.ProcessWebhookInput{
		Payload:   body,
		Signature: "t=1700000000,v1=deadbeef",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if forged.StatusCode != http.StatusForbidden || !errors.Is(forged.Err, core.ErrInvalidSignature) {
		t.Fatalf("expected 403 signature rejection, got %+v", forged)
	}

	for name, payload := range map[string][]byte{
		"not json":     []byte(`{"id":`),
		"missing type": []byte(`{"id":"evt_1","created":1772366400,"data":{"object":{}}}`),
		"missing data": []byte(`{"id":"evt_1","type":"x","created":1772366400}`),
		"empty":        nil,
	} {
		result, err := env.processor.ProcessWebhook(context.Background(), webhooks.ProcessWebhookInput{Payload: payload, Signature: sign(payload)})
		if err != nil {
			t.Fatalf("%s: process: %v", name, err)
		}
		if result.StatusCode != http.StatusBadRequest || !errors.Is(result.Err, core.ErrMalformedEvent) {
			t.Fatalf("%s: expected 400 malformed rejection, got %+v", name, result)
		}
	}
	if rows := env.events.List(); len(rows) != 0 {
		t.Fatalf("expected nothing persisted, got %d rows", len(rows))
	}
}

func TestProcessor_DrivesSubscriptionTransitions(t *testing.T) {
	env := newTestEnv(t)
	subscription := map[string]any{"id": "sub_42", "object": "subscription", "customer": "cus_9", "status": "active"}

	created := env.deliver(t, eventBody(t, "evt_sub_created", "customer.subscription.created", time.Now(), subscription))
	if !created.Success {
		t.Fatalf("expected created event processed, got %+v", created)
	}
	failed := env.deliver(t, eventBody(t, "evt_inv_failed", "invoice.payment_failed", time.Now(), map[string]any{
		"id": "in_7", "object": "invoice", "subscription": "sub_42",
	}))
	if !failed.Success {
		t.Fatalf("expected payment failure processed, got %+v", failed)
	}
	record, err := env.subscriptions.Get(context.Background(), "sub_42")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if record.State != subscriptions.StatePastDue {
		t.Fatalf("expected past_due, got %s", record.State)
	}
	history, err := env.subscriptions.History(context.Background(), "sub_42")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := history[len(history)-1]
	if last.Trigger != webhooks.TriggerWebhook || last.TriggerID != "evt_inv_failed" || last.Metadata["invoice_id"] != "in_7" {
		t.Fatalf("unexpected transition context: %+v", last)
	}

	deleted := env.deliver(t, eventBody(t, "evt_sub_deleted", "customer.subscription.deleted", time.Now(), subscription))
	if !deleted.Success {
		t.Fatalf("expected delete processed, got %+v", deleted)
	}

	// canceled is terminal, so reactivation is rejected and fails the attempt.
	rejected := env.deliver(t, eventBody(t, "evt_sub_reactivate", "customer.subscription.updated", time.Now(), subscription))
	if rejected.Success || !errors.Is(rejected.Err, subscriptions.ErrTransitionRejected) {
		t.Fatalf("expected rejected transition to fail the attempt, got %+v", rejected)
	}
	row := env.row(t, rejected.WebhookEventID)
	if row.Status != core.EventStatusDeadLetter {
		t.Fatalf("expected rejected transition dead-lettered, got %s", row.Status)
	}
}

type legacyRecorder struct {
	mu    sync.Mutex
	types []string
}

func (l *legacyRecorder) HandleWebhook(_ context.Context, event core.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, event.Type)
	return nil
}

func TestProcessor_UnknownTypesGoToLegacyHandler(t *testing.T) {
	legacy := &legacyRecorder{}
	env := newTestEnv(t, webhooks.WithLegacyHandler(legacy))
	result := env.deliver(t, eventBody(t, "evt_legacy", "payment_method.attached", time.Now(), map[string]any{"id": "pm_1"}))
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(legacy.types) != 1 || legacy.types[0] != "payment_method.attached" {
		t.Fatalf("expected legacy handler call, got %+v", legacy.types)
	}
}

func TestProcessor_AuditFailureDoesNotFailDelivery(t *testing.T) {
	env := newTestEnv(t)
	env.audit.Err = errors.New("audit table unavailable")
	result := env.deliver(t, eventBody(t, "evt_audit", "payment_method.attached", time.Now(), map[string]any{"id": "pm_1"}))
	if !result.Success || result.StatusCode != http.StatusOK {
		t.Fatalf("expected success despite audit failure, got %+v", result)
	}
}

func TestProcessor_AuditsOutcomes(t *testing.T) {
	env := newTestEnv(t)
	body := eventBody(t, "evt_audit_dupe", "payment_method.attached", time.Now(), map[string]any{"id": "pm_1", "customer": "cus_5"})
	env.deliver(t, body)
	env.deliver(t, body)

	records := env.audit.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(records))
	}
	if records[0].Outcome != core.AuditOutcomeSuccess || records[1].Outcome != core.AuditOutcomeDuplicate {
		t.Fatalf("unexpected outcomes: %s, %s", records[0].Outcome, records[1].Outcome)
	}
	if records[0].IPAddress != "54.187.174.169" || records[0].Metadata["customer_id"] != "cus_5" {
		t.Fatalf("unexpected audit record: %+v", records[0])
	}
}

type rollbackStore struct {
	*memorystore.EventStore
}

func (s rollbackStore) RunInTx(context.Context, func(context.Context, core.EventTx) error) error {
	return errors.New("dial tcp 10.0.0.3:5432: connect: connection refused")
}

func TestProcessor_RolledBackAttemptAsksProviderToRedeliver(t *testing.T) {
	env := newTestEnvWithStore(t, func(store core.EventStore) core.EventStore {
		return rollbackStore{EventStore: store.(*memorystore.EventStore)}
	})
	result := env.deliver(t, eventBody(t, "evt_rollback", "payment_method.attached", time.Now(), map[string]any{"id": "pm_1"}))
	if result.StatusCode != http.StatusServiceUnavailable || result.Err == nil {
		t.Fatalf("expected 503 for rolled back attempt, got %+v", result)
	}
	if pending := env.queue.Pending(); pending != 0 {
		t.Fatalf("expected no retry task without a committed row, got %d", pending)
	}
}

func TestProcessor_TimedOutAttemptIsRetriedLikeAnyFailure(t *testing.T) {
	var calls int32
	env := newTestEnv(t, webhooks.WithHandler("ledger.test.stuck", func(ctx context.Context, _ core.Event) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
		}
		return nil
	}))
	coordinator, err := idempotency.NewCoordinator(env.events,
		idempotency.WithTimeout(20*time.Millisecond),
		idempotency.WithResolutionChecker(env.deadLetters),
	)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	env.processor.Coordinator = coordinator

	result := env.deliver(t, eventBody(t, "evt_stuck", "ledger.test.stuck", time.Now(), map[string]any{"id": "obj_1"}))
	if result.StatusCode != http.StatusOK || result.Success || !errors.Is(result.Err, core.ErrTransactionTimeout) {
		t.Fatalf("expected accepted timeout failure, got %+v", result)
	}
	row := env.row(t, result.WebhookEventID)
	if row.Status != core.EventStatusRetrying || row.RetryCount != 1 {
		t.Fatalf("expected timed out attempt scheduled for retry, got %+v", row)
	}
	if pending := env.queue.Pending(); pending != 1 {
		t.Fatalf("expected one retry task, got %d", pending)
	}

	env.drain(t)
	if got := env.row(t, row.ID); got.Status != core.EventStatusCompleted || got.LastAttempt != 2 {
		t.Fatalf("expected retry to complete the event, got %+v", got)
	}
}

func TestProcessor_HandleRetryTaskDeadLettersCorruptPayload(t *testing.T) {
	var calls int32
	env := newTestEnv(t, flakyHandler(1, errors.New("ETIMEDOUT"), &calls))
	first := env.deliver(t, eventBody(t, "evt_corrupt", "ledger.test.flaky", time.Now(), map[string]any{"id": "obj"}))
	row := env.row(t, first.WebhookEventID)

	err := env.processor.HandleRetryTask(context.Background(), retry.Task{
		IdempotencyKey: row.IdempotencyKey,
		WebhookEventID: row.ID,
		AttemptNumber:  1,
		RawPayload:     []byte(`{"id":`),
	})
	if err != nil {
		t.Fatalf("expected corrupt payload handled, got %v", err)
	}
	if got := env.row(t, row.ID); got.Status != core.EventStatusDeadLetter {
		t.Fatalf("expected dead letter, got %s", got.Status)
	}
	if _, err := env.deadLetters.GetByEventID(context.Background(), row.ID); err != nil {
		t.Fatalf("expected dead letter entry: %v", err)
	}
}

func TestProcessor_RequiresCollaborators(t *testing.T) {
	processor := &webhooks.Processor{}
	if _, err := processor.ProcessWebhook(context.Background(), webhooks.ProcessWebhookInput{}); err == nil {
		t.Fatalf("expected configuration error")
	}
	if err := processor.HandleRetryTask(context.Background(), retry.Task{}); err == nil {
		t.Fatalf("expected configuration error")
	}
}
