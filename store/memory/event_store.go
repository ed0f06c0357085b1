package memorystore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/google/uuid"
)

// EventStore keeps webhook events in memory. Transactions run one at a time
// and work on a copy of the table that is swapped in on commit, so a failed
// callback leaves no trace.
type EventStore struct {
	txMu sync.Mutex

	mu    sync.RWMutex
	rows  map[string]core.WebhookEvent
	byKey map[string]string

	Now func() time.Time
}

func NewEventStore() *EventStore {
	return &EventStore{
		rows:  map[string]core.WebhookEvent{},
		byKey: map[string]string{},
		Now:   time.Now,
	}
}

func (s *EventStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx core.EventTx) error) error {
	if fn == nil {
		return fmt.Errorf("memorystore: transaction callback is required")
	}
	if err := s.lockTx(ctx); err != nil {
		return err
	}
	defer s.txMu.Unlock()

	s.mu.RLock()
	tx := &eventTx{store: s, rows: cloneRows(s.rows), byKey: cloneKeys(s.byKey)}
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.rows = tx.rows
	s.byKey = tx.byKey
	s.mu.Unlock()
	return nil
}

// lockTx waits for the writer slot while honouring ctx cancellation.
func (s *EventStore) lockTx(ctx context.Context) error {
	for {
		if s.txMu.TryLock() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *EventStore) Get(_ context.Context, id string) (core.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[strings.TrimSpace(id)]
	if !ok {
		return core.WebhookEvent{}, fmt.Errorf("memorystore: webhook event %q: %w", id, core.ErrEventNotFound)
	}
	return cloneEvent(row), nil
}

func (s *EventStore) GetByIdempotencyKey(_ context.Context, key string) (core.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[strings.TrimSpace(key)]
	if !ok {
		return core.WebhookEvent{}, fmt.Errorf("memorystore: webhook event for key %q: %w", key, core.ErrEventNotFound)
	}
	return cloneEvent(s.rows[id]), nil
}

func (s *EventStore) IncrementRetry(ctx context.Context, id string, maxRetries int) (core.WebhookEvent, error) {
	var out core.WebhookEvent
	err := s.mutate(ctx, id, func(row *core.WebhookEvent) error {
		if row.Status != core.EventStatusFailed {
			return illegalTransition(row.ID, row.Status, core.EventStatusRetrying)
		}
		row.RetryCount++
		if maxRetries > 0 {
			row.MaxRetries = maxRetries
		}
		if row.MaxRetries < row.RetryCount {
			row.MaxRetries = row.RetryCount
		}
		row.Status = core.EventStatusRetrying
		if row.RetryCount >= row.MaxRetries {
			row.Status = core.EventStatusDeadLetter
		}
		out = cloneEvent(*row)
		return nil
	})
	return out, err
}

func (s *EventStore) MarkDeadLetter(ctx context.Context, id string, message string) error {
	return s.mutate(ctx, id, func(row *core.WebhookEvent) error {
		if row.Status == core.EventStatusDeadLetter {
			return nil
		}
		if !core.CanTransition(row.Status, core.EventStatusDeadLetter) {
			return illegalTransition(row.ID, row.Status, core.EventStatusDeadLetter)
		}
		row.Status = core.EventStatusDeadLetter
		if message = strings.TrimSpace(message); message != "" {
			row.ErrorMessage = message
		}
		return nil
	})
}

func (s *EventStore) ResetForRedrive(ctx context.Context, id string) (core.WebhookEvent, error) {
	var out core.WebhookEvent
	err := s.mutate(ctx, id, func(row *core.WebhookEvent) error {
		if row.Status != core.EventStatusDeadLetter {
			return illegalTransition(row.ID, row.Status, core.EventStatusPending)
		}
		row.Status = core.EventStatusPending
		out = cloneEvent(*row)
		return nil
	})
	return out, err
}

func (s *EventStore) FindEventsForRetry(_ context.Context, limit int, window time.Duration) ([]core.WebhookEvent, error) {
	return s.scan(limit, window, func(row core.WebhookEvent) bool {
		return row.Status == core.EventStatusFailed && row.RetryCount < row.MaxRetries
	}), nil
}

func (s *EventStore) FindRetryingEvents(_ context.Context, limit int, window time.Duration) ([]core.WebhookEvent, error) {
	return s.scan(limit, window, func(row core.WebhookEvent) bool {
		return row.Status == core.EventStatusRetrying
	}), nil
}

func (s *EventStore) scan(limit int, window time.Duration, match func(core.WebhookEvent) bool) []core.WebhookEvent {
	if limit <= 0 {
		limit = core.DefaultReconcileLimit
	}
	if window <= 0 {
		window = core.DefaultReconcileWindow
	}
	cutoff := s.now().Add(-window)
	s.mu.RLock()
	out := make([]core.WebhookEvent, 0)
	for _, row := range s.rows {
		if match(row) && !row.CreatedAt.Before(cutoff) {
			out = append(out, cloneEvent(row))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *EventStore) List() []core.WebhookEvent {
	s.mu.RLock()
	out := make([]core.WebhookEvent, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, cloneEvent(row))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Delete removes rows; the dead-letter purge uses it to drop purged events.
func (s *EventStore) Delete(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		row, ok := s.rows[id]
		if !ok {
			continue
		}
		delete(s.byKey, row.IdempotencyKey)
		delete(s.rows, id)
	}
}

func (s *EventStore) mutate(ctx context.Context, id string, fn func(row *core.WebhookEvent) error) error {
	if err := s.lockTx(ctx); err != nil {
		return err
	}
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[strings.TrimSpace(id)]
	if !ok {
		return fmt.Errorf("memorystore: webhook event %q: %w", id, core.ErrEventNotFound)
	}
	if err := fn(&row); err != nil {
		return err
	}
	row.UpdatedAt = s.now()
	s.rows[row.ID] = row
	return nil
}

func (s *EventStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

type eventTx struct {
	store *EventStore
	rows  map[string]core.WebhookEvent
	byKey map[string]string
}

func (t *eventTx) FindByIdempotencyKeyLocked(_ context.Context, key string) (*core.WebhookEvent, error) {
	id, ok := t.byKey[strings.TrimSpace(key)]
	if !ok {
		return nil, nil
	}
	row := cloneEvent(t.rows[id])
	return &row, nil
}

func (t *eventTx) Create(_ context.Context, event core.WebhookEvent) (core.WebhookEvent, error) {
	key := strings.TrimSpace(event.IdempotencyKey)
	if key == "" {
		return core.WebhookEvent{}, fmt.Errorf("memorystore: idempotency key is required")
	}
	if _, exists := t.byKey[key]; exists {
		return core.WebhookEvent{}, fmt.Errorf("memorystore: create webhook event %q: %w", key, core.ErrDuplicateIdempotencyKey)
	}
	now := t.store.now()
	row := cloneEvent(event)
	row.ID = uuid.NewString()
	row.IdempotencyKey = key
	if row.Status == "" {
		row.Status = core.EventStatusPending
	}
	if row.MaxRetries <= 0 {
		row.MaxRetries = core.DefaultMaxRetries
	}
	row.CreatedAt = now
	row.UpdatedAt = now
	t.rows[row.ID] = row
	t.byKey[key] = row.ID
	return cloneEvent(row), nil
}

func (t *eventTx) MarkProcessing(_ context.Context, id string, attempt int) error {
	if attempt <= 0 {
		attempt = 1
	}
	return t.move(id, core.EventStatusProcessing, func(row *core.WebhookEvent) {
		row.LastAttempt = attempt
	})
}

func (t *eventTx) MarkCompleted(_ context.Context, id string, processingTimeMs int64) error {
	now := t.store.now()
	return t.move(id, core.EventStatusCompleted, func(row *core.WebhookEvent) {
		row.Processed = true
		row.ProcessedAt = &now
		row.ProcessingTimeMs = processingTimeMs
		row.ErrorMessage = ""
	})
}

func (t *eventTx) MarkFailed(_ context.Context, id string, message string, processingTimeMs int64) error {
	return t.move(id, core.EventStatusFailed, func(row *core.WebhookEvent) {
		row.ErrorMessage = strings.TrimSpace(message)
		row.ProcessingTimeMs = processingTimeMs
	})
}

func (t *eventTx) Reopen(_ context.Context, id string) error {
	return t.move(id, core.EventStatusPending, nil)
}

func (t *eventTx) move(id string, to core.EventStatus, apply func(row *core.WebhookEvent)) error {
	row, ok := t.rows[strings.TrimSpace(id)]
	if !ok {
		return fmt.Errorf("memorystore: webhook event %q: %w", id, core.ErrEventNotFound)
	}
	if !core.CanTransition(row.Status, to) {
		return illegalTransition(row.ID, row.Status, to)
	}
	row.Status = to
	row.UpdatedAt = t.store.now()
	if apply != nil {
		apply(&row)
	}
	t.rows[row.ID] = row
	return nil
}

func illegalTransition(id string, from core.EventStatus, to core.EventStatus) error {
	return fmt.Errorf("memorystore: webhook event %s cannot move %s -> %s: %w", id, from, to, core.ErrIllegalTransition)
}

func cloneEvent(event core.WebhookEvent) core.WebhookEvent {
	event.RawPayload = append([]byte(nil), event.RawPayload...)
	if event.ProcessedAt != nil {
		processedAt := *event.ProcessedAt
		event.ProcessedAt = &processedAt
	}
	return event
}

func cloneRows(in map[string]core.WebhookEvent) map[string]core.WebhookEvent {
	out := make(map[string]core.WebhookEvent, len(in))
	for id, row := range in {
		out[id] = cloneEvent(row)
	}
	return out
}

func cloneKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, id := range in {
		out[key] = id
	}
	return out
}

var _ core.EventStore = (*EventStore)(nil)
