package retry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "queued"
	TaskStatusClaimed TaskStatus = "claimed"
	TaskStatusDone    TaskStatus = "done"
)

// Task is one scheduled redelivery attempt of a stored webhook event.
// AttemptNumber counts failed attempts so far; the worker runs attempt
// AttemptNumber+1.
type Task struct {
	ID              string
	IdempotencyKey  string
	WebhookEventID  string
	EventID         string
	EventType       string
	RawPayload      []byte
	AttemptNumber   int
	LastError       string
	IPAddress       string
	UserAgent       string
	RunAt           time.Time
	Status          TaskStatus
	ClaimedAt       *time.Time
	Deliveries      int
	LastWorkerError string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Key identifies a task across queue backends. Enqueueing the same key twice
// is a no-op.
func (t Task) Key() string {
	return TaskKey(t.IdempotencyKey, t.AttemptNumber)
}

func TaskKey(idempotencyKey string, attempt int) string {
	return fmt.Sprintf("%s:%d", strings.TrimSpace(idempotencyKey), attempt)
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.IdempotencyKey) == "" {
		return fmt.Errorf("retry: task idempotency key is required")
	}
	if strings.TrimSpace(t.WebhookEventID) == "" {
		return fmt.Errorf("retry: task webhook event id is required")
	}
	if t.AttemptNumber <= 0 {
		return fmt.Errorf("retry: task attempt number must be positive")
	}
	return nil
}

// Queue persists delayed tasks. Implementations must dedupe on Task.Key.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
}

// Claimer hands due tasks to workers under a lease. A claimed task whose lease
// expires becomes claimable again.
type Claimer interface {
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Task, error)
	Complete(ctx context.Context, id string) error
	Release(ctx context.Context, id string, runAt time.Time, cause error) error
}

// TaskLister exposes every task scheduled for one event.
type TaskLister interface {
	ListByIdempotencyKey(ctx context.Context, key string) ([]Task, error)
}

type TaskHandler interface {
	HandleRetryTask(ctx context.Context, task Task) error
}

type TaskHandlerFunc func(ctx context.Context, task Task) error

func (f TaskHandlerFunc) HandleRetryTask(ctx context.Context, task Task) error {
	return f(ctx, task)
}
