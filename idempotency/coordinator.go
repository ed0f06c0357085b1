package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
)

// Coordinator runs a side effect at most once per successful delivery of a
// provider event. Every attempt happens inside one event store transaction
// bounded by a hard timeout.
type Coordinator struct {
	store             core.EventStore
	resolver          core.ResolutionChecker
	timeout           time.Duration
	defaultMaxRetries int
	logger            core.Logger
	metrics           core.MetricsRecorder
	Now               func() time.Time
}

type Option func(*Coordinator)

// WithResolutionChecker lets redeliveries of resolved dead-lettered events
// run again. Without one every dead-lettered event is treated as unresolved.
func WithResolutionChecker(checker core.ResolutionChecker) Option {
	return func(c *Coordinator) {
		c.resolver = checker
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithDefaultMaxRetries(maxRetries int) Option {
	return func(c *Coordinator) {
		if maxRetries > 0 {
			c.defaultMaxRetries = maxRetries
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(c *Coordinator) {
		c.logger = core.ResolveLogger("webhooks.idempotency", nil, logger)
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(c *Coordinator) {
		c.logger = core.ResolveLogger("webhooks.idempotency", provider, c.logger)
	}
}

func WithMetrics(recorder core.MetricsRecorder) Option {
	return func(c *Coordinator) {
		if recorder != nil {
			c.metrics = recorder
		}
	}
}

func NewCoordinator(store core.EventStore, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("idempotency: event store is required")
	}
	coordinator := &Coordinator{
		store:             store,
		timeout:           core.DefaultTransactionTimeout,
		defaultMaxRetries: core.DefaultMaxRetries,
		logger:            core.ResolveLogger("webhooks.idempotency", nil, nil),
		metrics:           core.NopMetricsRecorder{},
		Now:               time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(coordinator)
		}
	}
	return coordinator, nil
}

type processOptions struct {
	attempt    int
	maxRetries int
	ipAddress  string
	userAgent  string
	redrive    bool
}

type ProcessOption func(*processOptions)

// WithAttempt marks the delivery attempt number; first deliveries are 1.
func WithAttempt(attempt int) ProcessOption {
	return func(o *processOptions) {
		if attempt > 0 {
			o.attempt = attempt
		}
	}
}

// WithMaxRetries sets the retry cap stored on a newly created event row.
func WithMaxRetries(maxRetries int) ProcessOption {
	return func(o *processOptions) {
		if maxRetries > 0 {
			o.maxRetries = maxRetries
		}
	}
}

// WithRedrive reopens a dead-lettered row inside the attempt transaction
// without consulting the resolution checker. If the transaction rolls back the
// row stays dead-lettered.
func WithRedrive() ProcessOption {
	return func(o *processOptions) {
		o.redrive = true
	}
}

func WithRequestInfo(ipAddress string, userAgent string) ProcessOption {
	return func(o *processOptions) {
		o.ipAddress = strings.TrimSpace(ipAddress)
		o.userAgent = strings.TrimSpace(userAgent)
	}
}

// Process claims the event row for key(event) and runs fn once.
//
// Completed events return a duplicate success without calling fn. Unresolved
// dead-lettered events fail with core.ErrEventDeadLettered. A row held by a
// concurrent delivery yields a duplicate in-flight result. When fn fails the
// row is committed as failed and fn's error is returned unchanged; deciding
// between retry and dead-letter belongs to the caller. When the transaction
// itself rolls back, the attempt is committed as failed in a second
// transaction and the wrapped transaction error is returned with a failed
// result.
func (c *Coordinator) Process(
	ctx context.Context,
	event core.Event,
	fn core.ProcessFunc,
	opts ...ProcessOption,
) (core.ProcessResult, error) {
	if c == nil || c.store == nil {
		return core.ProcessResult{}, fmt.Errorf("idempotency: coordinator is not configured")
	}
	if fn == nil {
		return core.ProcessResult{}, fmt.Errorf("idempotency: process function is required")
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return core.ProcessResult{}, fmt.Errorf("idempotency: event id and type are required: %w", core.ErrMalformedEvent)
	}

	options := processOptions{attempt: 1, maxRetries: c.defaultMaxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	key := event.IdempotencyKey()
	started := c.now()
	fields := map[string]any{
		"event_id":        event.ID,
		"event_type":      event.Type,
		"idempotency_key": key,
		"attempt":         options.attempt,
	}

	txCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		result  core.ProcessResult
		fnErr   error
		settled bool
	)
	txErr := c.store.RunInTx(txCtx, func(txCtx context.Context, tx core.EventTx) error {
		row, err := tx.FindByIdempotencyKeyLocked(txCtx, key)
		if err != nil {
			return err
		}
		if row == nil {
			created, err := tx.Create(txCtx, core.WebhookEvent{
				IdempotencyKey:  key,
				ProviderEventID: event.ID,
				EventType:       event.Type,
				Status:          core.EventStatusPending,
				MaxRetries:      options.maxRetries,
				RawPayload:      event.Raw,
				Metadata:        event.ExtractMetadata(),
				IPAddress:       options.ipAddress,
				UserAgent:       options.userAgent,
			})
			if err != nil {
				return err
			}
			row = &created
		}

		switch row.Status {
		case core.EventStatusCompleted:
			result = core.ProcessResult{
				Success:   true,
				Duplicate: true,
				EventID:   row.ID,
				Status:    row.Status,
			}
			settled = true
			return nil
		case core.EventStatusProcessing:
			result = core.ProcessResult{
				Duplicate: true,
				InFlight:  true,
				EventID:   row.ID,
				Status:    row.Status,
			}
			settled = true
			return nil
		case core.EventStatusDeadLetter:
			resolved := options.redrive
			if !resolved {
				var err error
				if resolved, err = c.isResolved(txCtx, row.ID); err != nil {
					return err
				}
			}
			if !resolved {
				result = core.ProcessResult{EventID: row.ID, Status: row.Status}
				return fmt.Errorf("idempotency: event %s: %w", event.ID, core.ErrEventDeadLettered)
			}
			if err := tx.Reopen(txCtx, row.ID); err != nil {
				return err
			}
		}

		if err := tx.MarkProcessing(txCtx, row.ID, options.attempt); err != nil {
			return err
		}

		runStarted := c.now()
		fnErr = fn(txCtx, event)
		elapsed := c.now().Sub(runStarted).Milliseconds()
		result = core.ProcessResult{EventID: row.ID, ProcessingTimeMs: elapsed}

		if fnErr != nil {
			result.Status = core.EventStatusFailed
			return tx.MarkFailed(txCtx, row.ID, fnErr.Error(), elapsed)
		}
		if err := tx.MarkCompleted(txCtx, row.ID, elapsed); err != nil {
			return err
		}
		result.Success = true
		result.Status = core.EventStatusCompleted
		return nil
	})

	switch {
	case txErr == nil && settled:
		c.record(ctx, started, outcomeFor(result), fields)
		core.LogDebug(ctx, c.logger, "webhook event already handled", withResult(fields, result))
		return result, nil
	case txErr == nil && fnErr != nil:
		c.record(ctx, started, "failed", fields)
		fields["error"] = fnErr.Error()
		core.LogWarn(ctx, c.logger, "webhook event processing failed", withResult(fields, result))
		return result, fnErr
	case txErr == nil:
		c.record(ctx, started, "completed", fields)
		core.LogInfo(ctx, c.logger, "webhook event processed", withResult(fields, result))
		return result, nil
	case errors.Is(txErr, core.ErrDuplicateIdempotencyKey):
		return c.concurrentDelivery(ctx, key, started, fields)
	case errors.Is(txErr, core.ErrEventDeadLettered):
		c.record(ctx, started, "dead_lettered", fields)
		core.LogWarn(ctx, c.logger, "webhook event is dead-lettered", withResult(fields, result))
		return result, txErr
	}

	if ctx.Err() == nil && errors.Is(txErr, context.DeadlineExceeded) {
		txErr = fmt.Errorf("idempotency: event %s after %s: %w: %w", event.ID, c.timeout, core.ErrTransactionTimeout, txErr)
	} else {
		txErr = fmt.Errorf("idempotency: event %s: %w", event.ID, txErr)
	}
	fields["error"] = txErr.Error()
	core.LogError(ctx, c.logger, "webhook event transaction failed", fields)

	failed, err := c.recordRollback(ctx, event, key, options, txErr)
	if err != nil {
		c.record(ctx, started, "error", fields)
		fields["record_error"] = err.Error()
		core.LogError(ctx, c.logger, "rolled back attempt could not be recorded", fields)
		return core.ProcessResult{EventID: result.EventID}, txErr
	}
	c.record(ctx, started, "failed", fields)
	return failed, txErr
}

// recordRollback commits the failed state of an attempt whose transaction
// rolled back, in a fresh transaction, so the failure is classified and routed
// like one returned by fn. Rows held or finished by another delivery are left
// alone and reported as an error.
func (c *Coordinator) recordRollback(
	ctx context.Context,
	event core.Event,
	key string,
	options processOptions,
	cause error,
) (core.ProcessResult, error) {
	if err := ctx.Err(); err != nil {
		return core.ProcessResult{}, err
	}
	txCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result core.ProcessResult
	err := c.store.RunInTx(txCtx, func(txCtx context.Context, tx core.EventTx) error {
		row, err := tx.FindByIdempotencyKeyLocked(txCtx, key)
		if err != nil {
			return err
		}
		if row == nil {
			created, err := tx.Create(txCtx, core.WebhookEvent{
				IdempotencyKey:  key,
				ProviderEventID: event.ID,
				EventType:       event.Type,
				Status:          core.EventStatusPending,
				MaxRetries:      options.maxRetries,
				RawPayload:      event.Raw,
				Metadata:        event.ExtractMetadata(),
				IPAddress:       options.ipAddress,
				UserAgent:       options.userAgent,
			})
			if err != nil {
				return err
			}
			row = &created
		}
		switch row.Status {
		case core.EventStatusPending, core.EventStatusFailed, core.EventStatusRetrying:
		default:
			return fmt.Errorf("idempotency: event %s is %s: %w", event.ID, row.Status, core.ErrIllegalTransition)
		}
		if err := tx.MarkProcessing(txCtx, row.ID, options.attempt); err != nil {
			return err
		}
		if err := tx.MarkFailed(txCtx, row.ID, cause.Error(), 0); err != nil {
			return err
		}
		result = core.ProcessResult{EventID: row.ID, Status: core.EventStatusFailed}
		return nil
	})
	if err != nil {
		return core.ProcessResult{}, err
	}
	return result, nil
}

// concurrentDelivery handles a create that lost the unique key race. The row
// belongs to another delivery, so fn is never called here.
func (c *Coordinator) concurrentDelivery(
	ctx context.Context,
	key string,
	started time.Time,
	fields map[string]any,
) (core.ProcessResult, error) {
	row, err := c.store.GetByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrEventNotFound) {
			// The winning transaction rolled back; report in-flight so the
			// provider redelivers.
			c.record(ctx, started, "in_flight", fields)
			return core.ProcessResult{Duplicate: true, InFlight: true}, nil
		}
		return core.ProcessResult{}, fmt.Errorf("idempotency: reload %s: %w", key, err)
	}
	result := core.ProcessResult{Duplicate: true, EventID: row.ID, Status: row.Status}
	if row.Status == core.EventStatusCompleted {
		result.Success = true
	} else {
		result.InFlight = true
	}
	c.record(ctx, started, outcomeFor(result), fields)
	core.LogDebug(ctx, c.logger, "webhook event claimed by a concurrent delivery", withResult(fields, result))
	return result, nil
}

func (c *Coordinator) isResolved(ctx context.Context, eventID string) (bool, error) {
	if c.resolver == nil {
		return false, nil
	}
	return c.resolver.IsResolved(ctx, eventID)
}

func (c *Coordinator) record(ctx context.Context, started time.Time, outcome string, fields map[string]any) {
	tags := map[string]string{"outcome": outcome}
	if eventType, ok := fields["event_type"].(string); ok {
		tags["event_type"] = eventType
	}
	core.RecordOutcome(ctx, c.metrics, "idempotency.process", c.now().Sub(started).Milliseconds(), tags)
}

func (c *Coordinator) now() time.Time {
	if c != nil && c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func outcomeFor(result core.ProcessResult) string {
	switch {
	case result.InFlight:
		return "in_flight"
	case result.Duplicate:
		return "duplicate"
	case result.Success:
		return "completed"
	default:
		return "failed"
	}
}

func withResult(fields map[string]any, result core.ProcessResult) map[string]any {
	out := core.CloneFields(fields)
	out["webhook_event_id"] = result.EventID
	out["status"] = string(result.Status)
	out["duplicate"] = result.Duplicate
	out["in_flight"] = result.InFlight
	out["processing_time_ms"] = result.ProcessingTimeMs
	return out
}
