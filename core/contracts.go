package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// ProcessFunc is the side effect the coordinator runs at most once per
// successful delivery.
type ProcessFunc func(ctx context.Context, event Event) error

// EventTx scopes event row operations to one transaction. Every method runs on
// the transaction that produced it.
type EventTx interface {
	// FindByIdempotencyKeyLocked returns (nil, nil) when no row exists or when
	// another transaction holds the row lock.
	FindByIdempotencyKeyLocked(ctx context.Context, key string) (*WebhookEvent, error)
	Create(ctx context.Context, event WebhookEvent) (WebhookEvent, error)
	MarkProcessing(ctx context.Context, id string, attempt int) error
	MarkCompleted(ctx context.Context, id string, processingTimeMs int64) error
	MarkFailed(ctx context.Context, id string, message string, processingTimeMs int64) error
	// Reopen moves a dead_letter row back to pending inside the transaction.
	Reopen(ctx context.Context, id string) error
}

type EventStore interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx EventTx) error) error
	Get(ctx context.Context, id string) (WebhookEvent, error)
	GetByIdempotencyKey(ctx context.Context, key string) (WebhookEvent, error)
	// IncrementRetry bumps the retry counter and moves the row to retrying, or
	// to dead_letter once the counter reaches maxRetries.
	IncrementRetry(ctx context.Context, id string, maxRetries int) (WebhookEvent, error)
	MarkDeadLetter(ctx context.Context, id string, message string) error
	// ResetForRedrive moves a dead_letter row back to pending. The retry counter
	// is preserved.
	ResetForRedrive(ctx context.Context, id string) (WebhookEvent, error)
	FindEventsForRetry(ctx context.Context, limit int, window time.Duration) ([]WebhookEvent, error)
	// FindRetryingEvents returns retrying rows created within window, oldest
	// first. A retrying row whose task was never queued is only visible here.
	FindRetryingEvents(ctx context.Context, limit int, window time.Duration) ([]WebhookEvent, error)
}

type DeadLetterStore interface {
	// AddEntry is idempotent per webhook event; a repeat add re-opens the entry.
	AddEntry(ctx context.Context, in AddDeadLetterInput) (DeadLetterEntry, error)
	Get(ctx context.Context, id string) (DeadLetterEntry, error)
	GetByEventID(ctx context.Context, webhookEventID string) (DeadLetterEntry, error)
	GetUnresolved(ctx context.Context, limit int) ([]DeadLetterEntry, error)
	Resolve(ctx context.Context, id string, resolvedBy string, notes string) (DeadLetterEntry, error)
	RecordRedrive(ctx context.Context, id string, redriveErr string) (DeadLetterEntry, error)
	// PurgeResolved deletes resolved entries older than the cutoff together with
	// their event rows.
	PurgeResolved(ctx context.Context, olderThan time.Time) (int, error)
	// FindMissingEntries lists dead_letter events without an entry.
	FindMissingEntries(ctx context.Context, limit int) ([]WebhookEvent, error)
}

type ResolutionChecker interface {
	IsResolved(ctx context.Context, webhookEventID string) (bool, error)
}

type SignatureVerifier interface {
	Verify(payload []byte, signature string) (Event, error)
}

type StateMachine interface {
	MapStatusToState(providerStatus string) (SubscriptionState, error)
	Transition(
		ctx context.Context,
		subscriptionID string,
		target SubscriptionState,
		transition TransitionContext,
	) (TransitionResult, error)
}

type AuditLogger interface {
	LogWebhookProcessing(ctx context.Context, record AuditRecord) error
}

// LegacyHandler receives event types with no dedicated handler.
type LegacyHandler interface {
	HandleWebhook(ctx context.Context, event Event) error
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// Logger aliases the shared go-logger contract.
type Logger = glog.Logger

// LoggerProvider aliases the shared go-logger provider contract.
type LoggerProvider = glog.LoggerProvider

// FieldsLogger aliases the shared go-logger structured fields contract.
type FieldsLogger = glog.FieldsLogger
