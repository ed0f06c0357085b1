package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-webhook-ledger/classify"
	"github.com/goliatone/go-webhook-ledger/core"
)

type Action string

const (
	ActionScheduled  Action = "scheduled"
	ActionDeadLetter Action = "dead_letter"
)

const CategoryNonRetryableFirstAttempt = "non-retryable on first attempt"

// DeadLetterCategory labels the dead-letter entry for a decision made on the
// given attempt.
func DeadLetterCategory(decision Decision, attempt int) string {
	if !decision.Exhausted && attempt <= 1 {
		return CategoryNonRetryableFirstAttempt
	}
	return string(decision.Classification.Category)
}

// Decision describes what happened to a failed attempt. Task is set only for
// ActionScheduled. Exhausted distinguishes a spent retry budget from a
// non-retryable error.
type Decision struct {
	Action         Action
	Classification classify.Classification
	Event          core.WebhookEvent
	Task           *Task
	Delay          time.Duration
	Exhausted      bool
}

// Scheduler turns failed attempts into delayed retry tasks or dead-letter
// decisions. It never sleeps; delays live on the queued task.
type Scheduler struct {
	events     core.EventStore
	queue      Queue
	deadLetter core.DeadLetterStore
	classifier *classify.Classifier
	backoff    BackoffPolicy
	logger     core.Logger
	metrics    core.MetricsRecorder
	Now        func() time.Time
}

type SchedulerOption func(*Scheduler)

func WithClassifier(classifier *classify.Classifier) SchedulerOption {
	return func(s *Scheduler) {
		if classifier != nil {
			s.classifier = classifier
		}
	}
}

func WithBackoff(policy BackoffPolicy) SchedulerOption {
	return func(s *Scheduler) {
		s.backoff = policy
	}
}

// WithDeadLetterStore enables DeadLetter to record entries.
func WithDeadLetterStore(store core.DeadLetterStore) SchedulerOption {
	return func(s *Scheduler) {
		s.deadLetter = store
	}
}

func WithSchedulerLogger(logger core.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = core.ResolveLogger("webhooks.retry", nil, logger)
	}
}

func WithSchedulerLoggerProvider(provider core.LoggerProvider) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = core.ResolveLogger("webhooks.retry", provider, s.logger)
	}
}

func WithSchedulerMetrics(recorder core.MetricsRecorder) SchedulerOption {
	return func(s *Scheduler) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

func NewScheduler(events core.EventStore, queue Queue, opts ...SchedulerOption) (*Scheduler, error) {
	if events == nil {
		return nil, fmt.Errorf("retry: event store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("retry: task queue is required")
	}
	scheduler := &Scheduler{
		events:     events,
		queue:      queue,
		classifier: classify.New(),
		backoff:    DefaultBackoffPolicy(),
		logger:     core.ResolveLogger("webhooks.retry", nil, nil),
		metrics:    core.NopMetricsRecorder{},
		Now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(scheduler)
		}
	}
	return scheduler, nil
}

func (s *Scheduler) Events() core.EventStore {
	return s.events
}

func (s *Scheduler) Classify(err error) classify.Classification {
	return s.classifier.Classify(err)
}

// ScheduleRetry handles attempt number `attempt` of the stored event eventID
// failing with cause. Calling it twice for the same attempt neither counts the
// failure twice nor enqueues a second task.
func (s *Scheduler) ScheduleRetry(
	ctx context.Context,
	eventID string,
	event core.Event,
	attempt int,
	cause error,
) (Decision, error) {
	if s == nil || s.events == nil || s.queue == nil {
		return Decision{}, fmt.Errorf("retry: scheduler is not configured")
	}
	if attempt < 1 {
		attempt = 1
	}
	classification := s.classifier.Classify(cause)
	fields := map[string]any{
		"webhook_event_id": eventID,
		"event_id":         event.ID,
		"event_type":       event.Type,
		"attempt":          attempt,
		"category":         string(classification.Category),
		"rule":             classification.Rule,
	}

	row, err := s.events.Get(ctx, eventID)
	if err != nil {
		return Decision{Classification: classification}, fmt.Errorf("retry: load event %s: %w", eventID, err)
	}
	if !classification.Retryable {
		s.record(ctx, "non_retryable", classification)
		core.LogWarn(ctx, s.logger, "webhook failure is not retryable", fields)
		return Decision{Action: ActionDeadLetter, Classification: classification, Event: row}, nil
	}

	if row.RetryCount < attempt && row.Status == core.EventStatusFailed {
		incremented, err := s.events.IncrementRetry(ctx, eventID, classification.MaxRetries)
		switch {
		case err == nil:
			row = incremented
		case errors.Is(err, core.ErrIllegalTransition):
			// A concurrent call for the same attempt counted it first.
			if row, err = s.events.Get(ctx, eventID); err != nil {
				return Decision{Classification: classification}, fmt.Errorf("retry: reload event %s: %w", eventID, err)
			}
			if row.RetryCount < attempt {
				return Decision{Classification: classification, Event: row}, fmt.Errorf("retry: event %s left failed state before attempt %d was counted: %w", eventID, attempt, core.ErrIllegalTransition)
			}
		default:
			return Decision{Classification: classification, Event: row}, fmt.Errorf("retry: count attempt %d of %s: %w", attempt, eventID, err)
		}
	}
	fields["retry_count"] = row.RetryCount
	fields["max_retries"] = row.MaxRetries

	if row.Status == core.EventStatusDeadLetter {
		s.record(ctx, "exhausted", classification)
		core.LogWarn(ctx, s.logger, "webhook retries exhausted", fields)
		return Decision{Action: ActionDeadLetter, Classification: classification, Event: row, Exhausted: true}, nil
	}

	delay := s.backoff.Delay(classification.BaseDelay, attempt)
	task := Task{
		IdempotencyKey: row.IdempotencyKey,
		WebhookEventID: row.ID,
		EventID:        firstNonEmpty(event.ID, row.ProviderEventID),
		EventType:      firstNonEmpty(event.Type, row.EventType),
		RawPayload:     payloadFor(event, row),
		AttemptNumber:  attempt,
		LastError:      errorText(cause),
		IPAddress:      row.IPAddress,
		UserAgent:      row.UserAgent,
		RunAt:          s.now().Add(delay),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return Decision{Classification: classification, Event: row}, fmt.Errorf("retry: enqueue attempt %d of %s: %w", attempt, eventID, err)
	}

	fields["delay_ms"] = delay.Milliseconds()
	s.record(ctx, "scheduled", classification)
	core.LogInfo(ctx, s.logger, "webhook retry scheduled", fields)
	return Decision{
		Action:         ActionScheduled,
		Classification: classification,
		Event:          row,
		Task:           &task,
		Delay:          delay,
	}, nil
}

// Resume re-enqueues the counted retry of a retrying row, due now. The queue
// dedupes on the task key, so resuming a row whose task is still queued is a
// no-op.
func (s *Scheduler) Resume(ctx context.Context, row core.WebhookEvent) (Task, error) {
	if s == nil || s.queue == nil {
		return Task{}, fmt.Errorf("retry: scheduler is not configured")
	}
	if row.Status != core.EventStatusRetrying || row.RetryCount < 1 {
		return Task{}, fmt.Errorf("retry: resume event %s in %s with %d retries: %w", row.ID, row.Status, row.RetryCount, core.ErrIllegalTransition)
	}
	task := Task{
		IdempotencyKey: row.IdempotencyKey,
		WebhookEventID: row.ID,
		EventID:        row.ProviderEventID,
		EventType:      row.EventType,
		RawPayload:     append([]byte(nil), row.RawPayload...),
		AttemptNumber:  row.RetryCount,
		LastError:      row.ErrorMessage,
		IPAddress:      row.IPAddress,
		UserAgent:      row.UserAgent,
		RunAt:          s.now(),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return Task{}, fmt.Errorf("retry: resume attempt %d of %s: %w", task.AttemptNumber, row.ID, err)
	}
	s.record(ctx, "resumed", classify.Classification{})
	core.LogInfo(ctx, s.logger, "webhook retry resumed", map[string]any{
		"webhook_event_id": row.ID,
		"event_id":         row.ProviderEventID,
		"event_type":       row.EventType,
		"attempt":          task.AttemptNumber,
	})
	return task, nil
}

// Queue returns the queue retry tasks are written to.
func (s *Scheduler) Queue() Queue {
	return s.queue
}

// DeadLetter moves the event to dead_letter and records its entry. Both steps
// are idempotent, so callers may repeat them after a partial failure.
func (s *Scheduler) DeadLetter(
	ctx context.Context,
	row core.WebhookEvent,
	category string,
	message string,
	finalAttempt int,
) (core.DeadLetterEntry, error) {
	if s == nil || s.events == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("retry: scheduler is not configured")
	}
	if row.Status != core.EventStatusDeadLetter {
		if err := s.events.MarkDeadLetter(ctx, row.ID, message); err != nil {
			return core.DeadLetterEntry{}, fmt.Errorf("retry: dead-letter event %s: %w", row.ID, err)
		}
		if refreshed, err := s.events.Get(ctx, row.ID); err == nil {
			row = refreshed
		}
	}
	if s.deadLetter == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("retry: dead letter store is not configured")
	}
	entry, err := s.deadLetter.AddEntry(ctx, core.AddDeadLetterInput{
		Event:         row,
		ErrorCategory: strings.TrimSpace(category),
		ErrorMessage:  strings.TrimSpace(message),
		FinalAttempt:  finalAttempt,
	})
	if err != nil {
		return core.DeadLetterEntry{}, fmt.Errorf("retry: record dead letter for %s: %w", row.ID, err)
	}
	core.RecordOutcome(ctx, s.metrics, "retry.dead_letter", 0, map[string]string{"category": strings.TrimSpace(category)})
	core.LogWarn(ctx, s.logger, "webhook event dead-lettered", map[string]any{
		"webhook_event_id": row.ID,
		"event_id":         row.ProviderEventID,
		"event_type":       row.EventType,
		"category":         category,
		"final_attempt":    finalAttempt,
		"dead_letter_id":   entry.ID,
	})
	return entry, nil
}

func (s *Scheduler) record(ctx context.Context, outcome string, classification classify.Classification) {
	core.RecordOutcome(ctx, s.metrics, "retry.schedule", 0, map[string]string{
		"outcome":  outcome,
		"category": string(classification.Category),
	})
}

func (s *Scheduler) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func payloadFor(event core.Event, row core.WebhookEvent) []byte {
	if len(event.Raw) > 0 {
		return append([]byte(nil), event.Raw...)
	}
	return append([]byte(nil), row.RawPayload...)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
