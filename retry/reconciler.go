package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
)

// SweepStats summarizes one reconciliation pass.
type SweepStats struct {
	Scanned      int
	Scheduled    int
	DeadLettered int
	Backfilled   int
	Resumed      int
	Failed       int
}

// Reconciler repairs rows the primary failure path left behind: failed events
// that were never counted, retrying events whose task never reached the queue
// and dead-lettered events with no entry.
type Reconciler struct {
	events     core.EventStore
	deadLetter core.DeadLetterStore
	scheduler  *Scheduler
	tasks      TaskLister
	limit      int
	window     time.Duration
	logger     core.Logger
}

type ReconcilerOption func(*Reconciler)

func WithReconcileLimit(limit int) ReconcilerOption {
	return func(r *Reconciler) {
		if limit > 0 {
			r.limit = limit
		}
	}
}

func WithReconcileWindow(window time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if window > 0 {
			r.window = window
		}
	}
}

// WithTaskLister lets the sweep skip retrying rows that still have a task
// waiting. Without one, a scheduler queue that lists tasks is used, and
// otherwise every retrying row is re-enqueued and left to queue dedupe.
func WithTaskLister(tasks TaskLister) ReconcilerOption {
	return func(r *Reconciler) {
		if tasks != nil {
			r.tasks = tasks
		}
	}
}

func WithReconcilerLoggerProvider(provider core.LoggerProvider) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = core.ResolveLogger("webhooks.retry.reconciler", provider, r.logger)
	}
}

func NewReconciler(
	events core.EventStore,
	deadLetter core.DeadLetterStore,
	scheduler *Scheduler,
	opts ...ReconcilerOption,
) (*Reconciler, error) {
	if events == nil {
		return nil, fmt.Errorf("retry: event store is required")
	}
	if deadLetter == nil {
		return nil, fmt.Errorf("retry: dead letter store is required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("retry: scheduler is required")
	}
	reconciler := &Reconciler{
		events:     events,
		deadLetter: deadLetter,
		scheduler:  scheduler,
		limit:      core.DefaultReconcileLimit,
		window:     core.DefaultReconcileWindow,
		logger:     core.ResolveLogger("webhooks.retry.reconciler", nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(reconciler)
		}
	}
	if reconciler.tasks == nil {
		if lister, ok := scheduler.Queue().(TaskLister); ok {
			reconciler.tasks = lister
		}
	}
	return reconciler, nil
}

// Sweep is safe to run concurrently with live traffic; every step it takes is
// idempotent.
func (r *Reconciler) Sweep(ctx context.Context) (SweepStats, error) {
	stats := SweepStats{}
	if r == nil {
		return stats, fmt.Errorf("retry: reconciler is nil")
	}

	rows, err := r.events.FindEventsForRetry(ctx, r.limit, r.window)
	if err != nil {
		return stats, fmt.Errorf("retry: find events for retry: %w", err)
	}
	var errs []error
	for _, row := range rows {
		stats.Scanned++
		if err := r.reroute(ctx, row, &stats); err != nil {
			stats.Failed++
			errs = append(errs, err)
		}
	}

	retrying, err := r.events.FindRetryingEvents(ctx, r.limit, r.window)
	if err != nil {
		errs = append(errs, fmt.Errorf("retry: find retrying events: %w", err))
	}
	for _, row := range retrying {
		stats.Scanned++
		waiting, err := r.hasWaitingTask(ctx, row)
		if err != nil {
			stats.Failed++
			errs = append(errs, err)
			continue
		}
		if waiting {
			continue
		}
		if _, err := r.scheduler.Resume(ctx, row); err != nil {
			stats.Failed++
			errs = append(errs, err)
			continue
		}
		stats.Resumed++
	}

	missing, err := r.deadLetter.FindMissingEntries(ctx, r.limit)
	if err != nil {
		errs = append(errs, fmt.Errorf("retry: find missing dead letters: %w", err))
	}
	for _, row := range missing {
		stats.Scanned++
		if _, err := r.scheduler.DeadLetter(ctx, row, "reconciled", row.ErrorMessage, row.LastAttempt); err != nil {
			stats.Failed++
			errs = append(errs, err)
			continue
		}
		stats.Backfilled++
	}

	core.LogInfo(ctx, r.logger, "retry reconciliation sweep finished", map[string]any{
		"scanned":       stats.Scanned,
		"scheduled":     stats.Scheduled,
		"dead_lettered": stats.DeadLettered,
		"backfilled":    stats.Backfilled,
		"resumed":       stats.Resumed,
		"failed":        stats.Failed,
	})
	return stats, errors.Join(errs...)
}

// Run sweeps every interval until ctx is done. Sweep errors are logged.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if r == nil || interval <= 0 {
		return
	}
	for {
		if err := waitWithContext(ctx, interval); err != nil {
			return
		}
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			core.LogError(ctx, r.logger, "retry reconciliation sweep failed", map[string]any{"error": err.Error()})
		}
	}
}

func (r *Reconciler) reroute(ctx context.Context, row core.WebhookEvent, stats *SweepStats) error {
	attempt := max(row.LastAttempt, row.RetryCount+1)
	event, decodeErr := core.DecodeEvent(row.RawPayload)
	if decodeErr != nil {
		event = core.Event{ID: row.ProviderEventID, Type: row.EventType, Raw: row.RawPayload}
	}
	cause := reconstructError(row.ErrorMessage)

	decision, err := r.scheduler.ScheduleRetry(ctx, row.ID, event, attempt, cause)
	if err != nil {
		return err
	}
	if decision.Action == ActionScheduled {
		stats.Scheduled++
		return nil
	}
	category := DeadLetterCategory(decision, attempt)
	if _, err := r.scheduler.DeadLetter(ctx, decision.Event, category, row.ErrorMessage, attempt); err != nil {
		return err
	}
	stats.DeadLettered++
	return nil
}

// hasWaitingTask reports whether the row's current retry is queued or claimed.
func (r *Reconciler) hasWaitingTask(ctx context.Context, row core.WebhookEvent) (bool, error) {
	if r.tasks == nil {
		return false, nil
	}
	tasks, err := r.tasks.ListByIdempotencyKey(ctx, row.IdempotencyKey)
	if err != nil {
		return false, fmt.Errorf("retry: list tasks of %s: %w", row.ID, err)
	}
	for _, task := range tasks {
		if task.AttemptNumber >= row.RetryCount && task.Status != TaskStatusDone {
			return true, nil
		}
	}
	return false, nil
}

// reconstructError rebuilds a classifiable error from the stored message.
// Only message-based rules can match it.
func reconstructError(message string) error {
	if message == "" {
		return errors.New("unknown failure")
	}
	return errors.New(message)
}
