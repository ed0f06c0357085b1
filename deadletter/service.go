// Package deadletter exposes operator actions over dead-lettered webhook
// events: listing, resolving, manual re-drive and retention purges.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/idempotency"
)

const (
	DefaultListLimit  = 50
	ResolvedByRedrive = "redrive"
)

type Service struct {
	events      core.EventStore
	store       core.DeadLetterStore
	coordinator *idempotency.Coordinator
	retention   time.Duration
	logger      core.Logger
	metrics     core.MetricsRecorder
	Now         func() time.Time
}

type Option func(*Service)

func WithRetention(retention time.Duration) Option {
	return func(s *Service) {
		if retention > 0 {
			s.retention = retention
		}
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(s *Service) {
		s.logger = core.ResolveLogger("webhooks.deadletter", provider, s.logger)
	}
}

func WithMetrics(recorder core.MetricsRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

func NewService(
	events core.EventStore,
	store core.DeadLetterStore,
	coordinator *idempotency.Coordinator,
	opts ...Option,
) (*Service, error) {
	if events == nil {
		return nil, fmt.Errorf("deadletter: event store is required")
	}
	if store == nil {
		return nil, fmt.Errorf("deadletter: dead letter store is required")
	}
	if coordinator == nil {
		return nil, fmt.Errorf("deadletter: idempotency coordinator is required")
	}
	service := &Service{
		events:      events,
		store:       store,
		coordinator: coordinator,
		retention:   core.DefaultDeadLetterRetain,
		logger:      core.ResolveLogger("webhooks.deadletter", nil, nil),
		metrics:     core.NopMetricsRecorder{},
		Now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service, nil
}

func (s *Service) List(ctx context.Context, limit int) ([]core.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.store.GetUnresolved(ctx, limit)
}

func (s *Service) Get(ctx context.Context, id string) (core.DeadLetterEntry, error) {
	if strings.TrimSpace(id) == "" {
		return core.DeadLetterEntry{}, fmt.Errorf("deadletter: entry id is required")
	}
	return s.store.Get(ctx, id)
}

// Resolve closes an entry without re-processing; the event stays
// dead-lettered but later redeliveries are processed again.
func (s *Service) Resolve(ctx context.Context, id string, resolvedBy string, notes string) (core.DeadLetterEntry, error) {
	if strings.TrimSpace(id) == "" {
		return core.DeadLetterEntry{}, fmt.Errorf("deadletter: entry id is required")
	}
	if strings.TrimSpace(resolvedBy) == "" {
		return core.DeadLetterEntry{}, fmt.Errorf("deadletter: resolved_by is required")
	}
	entry, err := s.store.Resolve(ctx, id, resolvedBy, notes)
	if err != nil {
		return core.DeadLetterEntry{}, err
	}
	core.RecordOutcome(ctx, s.metrics, "deadletter.resolve", 0, map[string]string{"event_type": entry.EventType})
	core.LogInfo(ctx, s.logger, "dead letter resolved", map[string]any{
		"dead_letter_id":   entry.ID,
		"webhook_event_id": entry.WebhookEventID,
		"resolved_by":      entry.ResolvedBy,
	})
	return entry, nil
}

type retryOptions struct {
	resolvedBy string
	notes      string
}

type RetryOption func(*retryOptions)

func WithResolvedBy(resolvedBy string) RetryOption {
	return func(o *retryOptions) {
		if trimmed := strings.TrimSpace(resolvedBy); trimmed != "" {
			o.resolvedBy = trimmed
		}
	}
}

func WithNotes(notes string) RetryOption {
	return func(o *retryOptions) {
		o.notes = strings.TrimSpace(notes)
	}
}

// RetryEntry re-runs fn over the stored payload of a dead-lettered event. On
// success the entry is resolved. On failure the event returns to dead_letter,
// the entry stays open with the redrive error recorded, and the error is
// returned. The automatic retry queue is never involved.
func (s *Service) RetryEntry(
	ctx context.Context,
	id string,
	fn core.ProcessFunc,
	opts ...RetryOption,
) (core.DeadLetterEntry, error) {
	if fn == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("deadletter: process function is required")
	}
	options := retryOptions{resolvedBy: ResolvedByRedrive}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	entry, err := s.Get(ctx, id)
	if err != nil {
		return core.DeadLetterEntry{}, err
	}
	if entry.Resolved {
		return entry, fmt.Errorf("deadletter: entry %s: %w", entry.ID, core.ErrDeadLetterResolved)
	}
	row, err := s.events.Get(ctx, entry.WebhookEventID)
	if err != nil {
		return entry, fmt.Errorf("deadletter: load event %s: %w", entry.WebhookEventID, err)
	}
	payload := entry.RawPayload
	if len(payload) == 0 {
		payload = row.RawPayload
	}
	event, err := core.DecodeEvent(payload)
	if err != nil {
		return entry, fmt.Errorf("deadletter: decode stored payload for %s: %w", entry.ID, err)
	}

	fields := map[string]any{
		"dead_letter_id":   entry.ID,
		"webhook_event_id": row.ID,
		"event_id":         event.ID,
		"event_type":       event.Type,
		"retry_count":      row.RetryCount,
	}
	started := s.now()
	result, processErr := s.coordinator.Process(ctx, event, fn,
		idempotency.WithRedrive(),
		idempotency.WithAttempt(row.LastAttempt+1),
	)
	elapsed := s.now().Sub(started).Milliseconds()

	if processErr == nil && result.InFlight {
		processErr = fmt.Errorf("deadletter: event %s is being processed by another delivery: %w", event.ID, core.NewError(
			"redrive conflicts with an in-flight delivery",
			goerrors.CategoryConflict,
			core.ErrorCodeConflict,
		))
	}
	if processErr == nil {
		if _, err := s.store.RecordRedrive(ctx, entry.ID, ""); err != nil {
			core.LogWarn(ctx, s.logger, "dead letter redrive bookkeeping failed", withError(fields, err))
		}
		resolved, err := s.store.Resolve(ctx, entry.ID, options.resolvedBy, options.notes)
		if err != nil {
			return entry, fmt.Errorf("deadletter: resolve %s after redrive: %w", entry.ID, err)
		}
		core.RecordOutcome(ctx, s.metrics, "deadletter.redrive", elapsed, map[string]string{"outcome": "resolved"})
		core.LogInfo(ctx, s.logger, "dead letter redrive succeeded", fields)
		return resolved, nil
	}

	if err := s.restore(ctx, row.ID, processErr); err != nil {
		core.LogError(ctx, s.logger, "dead letter redrive could not restore event state", withError(fields, err))
	}
	updated, err := s.store.RecordRedrive(ctx, entry.ID, processErr.Error())
	if err != nil {
		core.LogError(ctx, s.logger, "dead letter redrive bookkeeping failed", withError(fields, err))
		updated = entry
	}
	core.RecordOutcome(ctx, s.metrics, "deadletter.redrive", elapsed, map[string]string{"outcome": "failed"})
	core.LogWarn(ctx, s.logger, "dead letter redrive failed", withError(fields, processErr))
	return updated, processErr
}

// restore puts the event back in dead_letter after a failed redrive. A rolled
// back attempt already left it there.
func (s *Service) restore(ctx context.Context, eventID string, cause error) error {
	row, err := s.events.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if row.Status == core.EventStatusDeadLetter {
		return nil
	}
	err = s.events.MarkDeadLetter(ctx, row.ID, cause.Error())
	if errors.Is(err, core.ErrIllegalTransition) {
		return fmt.Errorf("deadletter: event %s left in %s: %w", row.ID, row.Status, err)
	}
	return err
}

// Purge deletes resolved entries, and their events, resolved before the
// retention window.
func (s *Service) Purge(ctx context.Context) (int, error) {
	return s.PurgeOlderThan(ctx, s.now().Add(-s.retention))
}

func (s *Service) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	purged, err := s.store.PurgeResolved(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deadletter: purge resolved entries: %w", err)
	}
	if purged > 0 {
		core.LogInfo(ctx, s.logger, "resolved dead letters purged", map[string]any{
			"count":  purged,
			"cutoff": cutoff.Format(time.RFC3339),
		})
	}
	return purged, nil
}

// IsResolved implements core.ResolutionChecker over the dead letter store.
func (s *Service) IsResolved(ctx context.Context, webhookEventID string) (bool, error) {
	entry, err := s.store.GetByEventID(ctx, webhookEventID)
	if errors.Is(err, core.ErrDeadLetterNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return entry.Resolved, nil
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func withError(fields map[string]any, err error) map[string]any {
	out := core.CloneFields(fields)
	if err != nil {
		out["error"] = err.Error()
	}
	return out
}

var _ core.ResolutionChecker = (*Service)(nil)
