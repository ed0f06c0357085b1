package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/idempotency"
	"github.com/goliatone/go-webhook-ledger/retry"
)

type ProcessWebhookInput struct {
	Payload   []byte
	Signature string
	IPAddress string
	UserAgent string
}

// ProcessWebhookResult is what the inbound boundary reports. Err carries the
// internal failure of an accepted delivery; it does not change StatusCode.
type ProcessWebhookResult struct {
	Success          bool
	Duplicate        bool
	InFlight         bool
	EventID          string
	WebhookEventID   string
	ProcessingTimeMs int64
	StatusCode       int
	Err              error
}

type inboundEnvelope struct {
	ID      string `json:"id" validate:"required"`
	Type    string `json:"type" validate:"required"`
	Created int64  `json:"created" validate:"required,gt=0"`
	Data    struct {
		Object map[string]any `json:"object" validate:"required"`
	} `json:"data" validate:"required"`
}

var envelopeValidator = validator.New(validator.WithRequiredStructEnabled())

// Processor is the single place where a failed attempt becomes a retry task
// or a dead letter.
type Processor struct {
	Verifier    core.SignatureVerifier
	Coordinator *idempotency.Coordinator
	Scheduler   *retry.Scheduler
	Router      *Router
	Audit       core.AuditLogger
	MaxEventAge time.Duration
	Logger      core.Logger
	Metrics     core.MetricsRecorder
	Now         func() time.Time
}

func NewProcessor(
	verifier core.SignatureVerifier,
	coordinator *idempotency.Coordinator,
	scheduler *retry.Scheduler,
	router *Router,
) *Processor {
	return &Processor{
		Verifier:    verifier,
		Coordinator: coordinator,
		Scheduler:   scheduler,
		Router:      router,
		MaxEventAge: core.DefaultMaxEventAge,
		Logger:      core.ResolveLogger("webhooks.processor", nil, nil),
		Metrics:     core.NopMetricsRecorder{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (p *Processor) ProcessWebhook(ctx context.Context, in ProcessWebhookInput) (ProcessWebhookResult, error) {
	if err := p.validateConfig(); err != nil {
		return ProcessWebhookResult{}, err
	}
	started := p.now()

	envelope, err := decodeEnvelope(in.Payload)
	if err != nil {
		return p.reject(ctx, in, core.Event{}, http.StatusBadRequest, err, started), nil
	}
	created := time.Unix(envelope.Created, 0).UTC()
	if age := started.Sub(created); age > p.maxEventAge() {
		err := fmt.Errorf("webhooks: event %s is %s old: %w", envelope.ID, age.Truncate(time.Second), core.ErrStaleEvent)
		return p.reject(ctx, in, core.Event{ID: envelope.ID, Type: envelope.Type}, http.StatusBadRequest, err, started), nil
	}
	event, err := p.Verifier.Verify(in.Payload, in.Signature)
	if err != nil {
		return p.reject(ctx, in, core.Event{ID: envelope.ID, Type: envelope.Type}, http.StatusForbidden, err, started), nil
	}

	processed, processErr := p.Coordinator.Process(ctx, event, p.Router.Handle,
		idempotency.WithAttempt(1),
		idempotency.WithRequestInfo(in.IPAddress, in.UserAgent),
	)
	result := ProcessWebhookResult{
		Success:        processed.Success,
		Duplicate:      processed.Duplicate,
		InFlight:       processed.InFlight,
		EventID:        event.ID,
		WebhookEventID: processed.EventID,
		StatusCode:     http.StatusOK,
		Err:            processErr,
	}

	outcome := core.AuditOutcomeSuccess
	switch {
	case processErr == nil && processed.Duplicate:
		outcome = core.AuditOutcomeDuplicate
	case processErr == nil:
	case errors.Is(processErr, core.ErrEventDeadLettered):
		outcome = core.AuditOutcomeRejected
	case processed.Status == core.EventStatusFailed:
		outcome = core.AuditOutcomeFailure
		p.routeFailure(ctx, processed.EventID, event, 1, processErr)
	default:
		// Neither the attempt nor its failure could be committed; the provider
		// redelivers on a non-2xx answer.
		outcome = core.AuditOutcomeFailure
		result.StatusCode = http.StatusServiceUnavailable
	}
	result.ProcessingTimeMs = p.now().Sub(started).Milliseconds()

	p.audit(ctx, core.AuditRecord{
		WebhookEventID:   processed.EventID,
		ProviderEventID:  event.ID,
		EventType:        event.Type,
		Outcome:          outcome,
		Error:            errorText(processErr),
		IPAddress:        in.IPAddress,
		UserAgent:        in.UserAgent,
		ProcessingTimeMs: result.ProcessingTimeMs,
		Metadata:         withAttempt(event.ExtractMetadata().Fields(), 1),
	})
	core.RecordOutcome(ctx, p.Metrics, "processor.webhook", result.ProcessingTimeMs, map[string]string{
		"outcome":    string(outcome),
		"event_type": event.Type,
	})
	return result, nil
}

// HandleRetryTask runs delivery attempt task.AttemptNumber+1. It returns an
// error only when the attempt could not be recorded, so the worker releases
// the task and tries again later.
func (p *Processor) HandleRetryTask(ctx context.Context, task retry.Task) error {
	if err := p.validateConfig(); err != nil {
		return err
	}
	attempt := task.AttemptNumber + 1
	started := p.now()
	fields := map[string]any{
		"webhook_event_id": task.WebhookEventID,
		"event_id":         task.EventID,
		"event_type":       task.EventType,
		"attempt":          attempt,
	}

	event, err := core.DecodeEvent(task.RawPayload)
	if err != nil {
		row, getErr := p.Scheduler.Events().Get(ctx, task.WebhookEventID)
		if getErr != nil {
			return fmt.Errorf("webhooks: load event %s for corrupt retry payload: %w", task.WebhookEventID, getErr)
		}
		if _, dlErr := p.Scheduler.DeadLetter(ctx, row, string(p.Scheduler.Classify(err).Category), err.Error(), task.AttemptNumber); dlErr != nil {
			return dlErr
		}
		core.LogError(ctx, p.logger(), "retry task payload could not be decoded", withError(fields, err))
		return nil
	}

	processed, processErr := p.Coordinator.Process(ctx, event, p.Router.Handle,
		idempotency.WithAttempt(attempt),
		idempotency.WithRequestInfo(task.IPAddress, task.UserAgent),
	)
	outcome := core.AuditOutcomeSuccess
	switch {
	case processErr == nil && processed.Duplicate:
		outcome = core.AuditOutcomeDuplicate
	case processErr == nil:
	case errors.Is(processErr, core.ErrEventDeadLettered):
		outcome = core.AuditOutcomeRejected
	case processed.Status == core.EventStatusFailed:
		outcome = core.AuditOutcomeFailure
		p.routeFailure(ctx, processed.EventID, event, attempt, processErr)
	default:
		core.LogWarn(ctx, p.logger(), "retry attempt rolled back", withError(fields, processErr))
		return processErr
	}

	elapsed := p.now().Sub(started).Milliseconds()
	p.audit(ctx, core.AuditRecord{
		WebhookEventID:   firstNonEmpty(processed.EventID, task.WebhookEventID),
		ProviderEventID:  event.ID,
		EventType:        event.Type,
		Outcome:          outcome,
		Error:            errorText(processErr),
		IPAddress:        task.IPAddress,
		UserAgent:        task.UserAgent,
		ProcessingTimeMs: elapsed,
		Metadata:         withAttempt(event.ExtractMetadata().Fields(), attempt),
	})
	core.RecordOutcome(ctx, p.Metrics, "processor.retry", elapsed, map[string]string{
		"outcome":    string(outcome),
		"event_type": event.Type,
	})
	return nil
}

// Redrive is the processing function operators hand to the dead letter
// service; it is the same router the live path uses.
func (p *Processor) Redrive(ctx context.Context, event core.Event) error {
	if p == nil || p.Router == nil {
		return fmt.Errorf("webhooks: processor router is not configured")
	}
	return p.Router.Handle(ctx, event)
}

// routeFailure classifies a committed failure and schedules the next attempt
// or dead-letters the event. Storage failures here are logged; the failed row
// stays the source of truth for the reconciliation sweep.
func (p *Processor) routeFailure(ctx context.Context, webhookEventID string, event core.Event, attempt int, cause error) {
	fields := map[string]any{
		"webhook_event_id": webhookEventID,
		"event_id":         event.ID,
		"event_type":       event.Type,
		"attempt":          attempt,
	}
	decision, err := p.Scheduler.ScheduleRetry(ctx, webhookEventID, event, attempt, cause)
	if err != nil {
		core.LogError(ctx, p.logger(), "retry scheduling failed", withError(fields, err))
		return
	}
	if decision.Action == retry.ActionScheduled {
		return
	}
	category := retry.DeadLetterCategory(decision, attempt)
	if _, err := p.Scheduler.DeadLetter(ctx, decision.Event, category, errorText(cause), attempt); err != nil {
		core.LogError(ctx, p.logger(), "dead letter write failed", withError(fields, err))
	}
}

func (p *Processor) reject(
	ctx context.Context,
	in ProcessWebhookInput,
	event core.Event,
	status int,
	err error,
	started time.Time,
) ProcessWebhookResult {
	elapsed := p.now().Sub(started).Milliseconds()
	core.LogWarn(ctx, p.logger(), "webhook delivery rejected", map[string]any{
		"event_id":    event.ID,
		"event_type":  event.Type,
		"status_code": status,
		"ip_address":  in.IPAddress,
		"error":       err.Error(),
	})
	p.audit(ctx, core.AuditRecord{
		ProviderEventID:  event.ID,
		EventType:        event.Type,
		Outcome:          core.AuditOutcomeRejected,
		Error:            err.Error(),
		IPAddress:        in.IPAddress,
		UserAgent:        in.UserAgent,
		ProcessingTimeMs: elapsed,
	})
	core.RecordOutcome(ctx, p.Metrics, "processor.webhook", elapsed, map[string]string{
		"outcome":    string(core.AuditOutcomeRejected),
		"event_type": event.Type,
	})
	return ProcessWebhookResult{
		EventID:          event.ID,
		ProcessingTimeMs: elapsed,
		StatusCode:       status,
		Err:              err,
	}
}

func (p *Processor) audit(ctx context.Context, record core.AuditRecord) {
	if p.Audit == nil {
		return
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = p.now()
	}
	if err := p.Audit.LogWebhookProcessing(ctx, record); err != nil {
		core.LogWarn(ctx, p.logger(), "webhook audit write failed", map[string]any{
			"event_id": record.ProviderEventID,
			"outcome":  string(record.Outcome),
			"error":    err.Error(),
		})
	}
}

func (p *Processor) validateConfig() error {
	if p == nil {
		return fmt.Errorf("webhooks: processor is nil")
	}
	if p.Verifier == nil || p.Coordinator == nil || p.Scheduler == nil || p.Router == nil {
		return fmt.Errorf("webhooks: processor requires verifier, coordinator, scheduler and router")
	}
	return nil
}

func (p *Processor) maxEventAge() time.Duration {
	if p.MaxEventAge > 0 {
		return p.MaxEventAge
	}
	return core.DefaultMaxEventAge
}

func (p *Processor) logger() core.Logger {
	if p.Logger == nil {
		p.Logger = core.ResolveLogger("webhooks.processor", nil, nil)
	}
	return p.Logger
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func decodeEnvelope(payload []byte) (inboundEnvelope, error) {
	var envelope inboundEnvelope
	if len(payload) == 0 {
		return envelope, fmt.Errorf("webhooks: empty payload: %w", core.ErrMalformedEvent)
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return envelope, fmt.Errorf("webhooks: decode envelope: %w: %w", core.ErrMalformedEvent, err)
	}
	envelope.ID = strings.TrimSpace(envelope.ID)
	envelope.Type = strings.TrimSpace(envelope.Type)
	if err := envelopeValidator.Struct(envelope); err != nil {
		return envelope, fmt.Errorf("webhooks: invalid envelope: %w: %w", core.ErrMalformedEvent, err)
	}
	return envelope, nil
}

func withAttempt(fields map[string]any, attempt int) map[string]any {
	fields["attempt"] = attempt
	return fields
}

func withError(fields map[string]any, err error) map[string]any {
	out := core.CloneFields(fields)
	if err != nil {
		out["error"] = err.Error()
	}
	return out
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
