package gojob

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/retry"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const JobIDRetryDelivery = "webhooks.retry.delivery"

const (
	paramWebhookEventID = "webhook_event_id"
	paramIdempotencyKey = "idempotency_key"
	paramEventID        = "event_id"
	paramEventType      = "event_type"
	paramAttempt        = "attempt"
	paramPayload        = "raw_payload"
	paramLastError      = "last_error"
	paramIPAddress      = "ip_address"
	paramUserAgent      = "user_agent"
	paramRunAt          = "run_at"
)

// RetryPolicy bounds how a failed or early delivery goes back to the queue.
// MaxAttempts caps transport deliveries, not ledger attempts; the ledger's own
// budget is enforced by the retry scheduler.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// Nack builds the nack for a delivery seen attempt times. Retries past
// MaxAttempts become dead_letter or failed, depending on DeadLetterOnMax.
func (p RetryPolicy) Nack(disposition queue.NackDisposition, delay time.Duration, reason string, attempt int) queue.NackOptions {
	if disposition == "" {
		disposition = queue.NackDispositionRetry
	}
	out := queue.NackOptions{
		Disposition: disposition,
		Delay:       max(delay, 0),
		Reason:      strings.TrimSpace(reason),
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.Disposition == queue.NackDispositionRetry && p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Disposition = queue.NackDispositionFailed
		if p.DeadLetterOnMax {
			out.Disposition = queue.NackDispositionDeadLetter
		}
	}
	if out.Disposition != queue.NackDispositionRetry {
		out.Delay = 0
	}
	return out
}

// ToExecutionMessage maps a retry task onto a go-job message. The task key
// is the go-job idempotency key so a repeated enqueue is dropped.
func ToExecutionMessage(task retry.Task) *job.ExecutionMessage {
	params := map[string]any{
		paramWebhookEventID: strings.TrimSpace(task.WebhookEventID),
		paramIdempotencyKey: strings.TrimSpace(task.IdempotencyKey),
		paramEventID:        strings.TrimSpace(task.EventID),
		paramEventType:      strings.TrimSpace(task.EventType),
		paramAttempt:        task.AttemptNumber,
		paramPayload:        string(task.RawPayload),
		paramLastError:      task.LastError,
		paramIPAddress:      task.IPAddress,
		paramUserAgent:      task.UserAgent,
	}
	if !task.RunAt.IsZero() {
		params[paramRunAt] = task.RunAt.UTC().Format(time.RFC3339Nano)
	}
	return &job.ExecutionMessage{
		JobID:          JobIDRetryDelivery,
		ScriptPath:     JobIDRetryDelivery,
		Parameters:     params,
		IdempotencyKey: task.Key(),
		DedupPolicy:    job.DedupPolicyDrop,
	}
}

// FromExecutionMessage rebuilds the retry task carried by msg.
func FromExecutionMessage(msg *job.ExecutionMessage) (retry.Task, error) {
	if msg == nil {
		return retry.Task{}, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDRetryDelivery {
		return retry.Task{}, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	params := msg.Parameters
	attempt, err := intParam(params, paramAttempt)
	if err != nil {
		return retry.Task{}, err
	}
	task := retry.Task{
		IdempotencyKey: stringParam(params, paramIdempotencyKey),
		WebhookEventID: stringParam(params, paramWebhookEventID),
		EventID:        stringParam(params, paramEventID),
		EventType:      stringParam(params, paramEventType),
		RawPayload:     []byte(stringParam(params, paramPayload)),
		AttemptNumber:  attempt,
		LastError:      stringParam(params, paramLastError),
		IPAddress:      stringParam(params, paramIPAddress),
		UserAgent:      stringParam(params, paramUserAgent),
	}
	if raw := stringParam(params, paramRunAt); raw != "" {
		runAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return retry.Task{}, fmt.Errorf("gojob: parse run_at: %w", err)
		}
		task.RunAt = runAt.UTC()
	}
	if err := task.Validate(); err != nil {
		return retry.Task{}, fmt.Errorf("gojob: %w", err)
	}
	return task, nil
}

// QueueAdapter publishes retry tasks through a go-job enqueuer.
type QueueAdapter struct {
	enqueuer queue.Enqueuer
}

func NewQueueAdapter(enqueuer queue.Enqueuer) *QueueAdapter {
	return &QueueAdapter{enqueuer: enqueuer}
}

func (a *QueueAdapter) Enqueue(ctx context.Context, task retry.Task) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("gojob: %w", err)
	}
	if _, err := a.enqueuer.Enqueue(ctx, ToExecutionMessage(task)); err != nil {
		return fmt.Errorf("gojob: enqueue %s: %w", task.Key(), err)
	}
	return nil
}

// Consumer pulls deliveries from a go-job dequeuer and runs them through the
// retry task handler. Deliveries that arrive before their run_at go back to
// the queue with the remaining delay.
type Consumer struct {
	dequeuer queue.Dequeuer
	handler  retry.TaskHandler
	policy   RetryPolicy
	backoff  retry.BackoffPolicy
	base     time.Duration
	logger   core.Logger
	Now      func() time.Time
}

type ConsumerOption func(*Consumer)

func WithRetryPolicy(policy RetryPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.policy = policy
	}
}

func WithReleaseBackoff(policy retry.BackoffPolicy, base time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.backoff = policy
		if base > 0 {
			c.base = base
		}
	}
}

func WithLoggerProvider(provider core.LoggerProvider) ConsumerOption {
	return func(c *Consumer) {
		c.logger = core.ResolveLogger("webhooks.gojob", provider, c.logger)
	}
}

func NewConsumer(dequeuer queue.Dequeuer, handler retry.TaskHandler, opts ...ConsumerOption) (*Consumer, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("gojob: task handler is required")
	}
	consumer := &Consumer{
		dequeuer: dequeuer,
		handler:  handler,
		backoff:  retry.DefaultBackoffPolicy(),
		base:     time.Second,
		logger:   core.ResolveLogger("webhooks.gojob", nil, nil),
		Now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}
	return consumer, nil
}

// ConsumeOnce handles a single delivery. attempt is the delivery count the
// transport reports, used for the release backoff and the retry policy.
func (c *Consumer) ConsumeOnce(ctx context.Context, attempt int) error {
	if c == nil || c.dequeuer == nil || c.handler == nil {
		return fmt.Errorf("gojob: consumer is not configured")
	}
	delivery, err := c.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}

	task, err := FromExecutionMessage(delivery.Message())
	if err != nil {
		core.LogError(ctx, c.logger, "retry delivery could not be decoded", map[string]any{"error": err.Error()})
		return c.nack(ctx, delivery, c.policy.Nack(queue.NackDispositionDeadLetter, 0, err.Error(), attempt))
	}

	// Early deliveries do not spend the transport's attempt budget.
	if wait := task.RunAt.Sub(c.now()); wait > 0 {
		return c.nack(ctx, delivery, queue.NackOptions{Disposition: queue.NackDispositionRetry, Delay: wait, Reason: "not due"})
	}

	if err := c.handler.HandleRetryTask(ctx, task); err != nil {
		core.LogWarn(ctx, c.logger, "retry delivery failed; releasing", map[string]any{
			"task_key": task.Key(),
			"attempt":  attempt,
			"error":    err.Error(),
		})
		opts := c.policy.Nack(queue.NackDispositionRetry, c.backoff.Delay(c.base, attempt), err.Error(), attempt)
		return errors.Join(err, c.nack(context.WithoutCancel(ctx), delivery, opts))
	}
	return delivery.Ack(ctx)
}

func (c *Consumer) nack(ctx context.Context, delivery queue.Delivery, opts queue.NackOptions) error {
	if err := queue.ValidateNackOptions(opts); err != nil {
		return fmt.Errorf("gojob: %w", err)
	}
	return delivery.Nack(ctx, opts)
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// WorkerHook reports go-job worker events as ledger metrics and logs.
type WorkerHook struct {
	logger  core.Logger
	metrics core.MetricsRecorder
}

func NewWorkerHook(provider core.LoggerProvider, metrics core.MetricsRecorder) *WorkerHook {
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	return &WorkerHook{
		logger:  core.ResolveLogger("webhooks.gojob", provider, nil),
		metrics: metrics,
	}
}

func (h *WorkerHook) OnStart(ctx context.Context, event worker.Event) {
	core.LogDebug(ctx, h.logger, "retry job started", eventFields(event))
}

func (h *WorkerHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.record(ctx, "success", event)
}

func (h *WorkerHook) OnFailure(ctx context.Context, event worker.Event) {
	h.record(ctx, "failure", event)
	core.LogWarn(ctx, h.logger, "retry job failed", eventFields(event))
}

func (h *WorkerHook) OnRetry(ctx context.Context, event worker.Event) {
	h.record(ctx, "retry", event)
}

func (h *WorkerHook) record(ctx context.Context, outcome string, event worker.Event) {
	core.RecordOutcome(ctx, h.metrics, "gojob.retry_delivery", event.Duration.Milliseconds(), map[string]string{
		"outcome": outcome,
	})
}

func eventFields(event worker.Event) map[string]any {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	fields := map[string]any{
		"attempt":  event.Attempt,
		"delay_ms": event.Delay.Milliseconds(),
	}
	if message != nil {
		fields["job_id"] = message.JobID
		fields["task_key"] = message.IdempotencyKey
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}
	return fields
}

func stringParam(params map[string]any, key string) string {
	raw, ok := params[key]
	if !ok || raw == nil {
		return ""
	}
	if value, ok := raw.(string); ok {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(fmt.Sprint(raw))
}

// intParam accepts the numeric shapes a JSON round trip through a broker can
// produce.
func intParam(params map[string]any, key string) (int, error) {
	switch value := params[key].(type) {
	case int:
		return value, nil
	case int64:
		return int(value), nil
	case float64:
		return int(value), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("gojob: parameter %s: %w", key, err)
		}
		return parsed, nil
	case nil:
		return 0, fmt.Errorf("gojob: parameter %s is required", key)
	default:
		return 0, fmt.Errorf("gojob: parameter %s has unsupported type %T", key, value)
	}
}

var (
	_ retry.Queue = (*QueueAdapter)(nil)
	_ worker.Hook = (*WorkerHook)(nil)
)
