package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// WebhookEventStore persists webhook event rows. On Postgres the locked lookup
// uses FOR UPDATE SKIP LOCKED; on SQLite the database write lock held by the
// transaction serialises writers instead.
type WebhookEventStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookEventRecord]
	Now  func() time.Time
}

func NewWebhookEventStore(db *bun.DB) (*WebhookEventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository[*webhookEventRecord](db, webhookEventHandlers(), "webhook event")
	if err != nil {
		return nil, err
	}
	return &WebhookEventStore{db: db, repo: repo, Now: time.Now}, nil
}

// RunInTx runs fn in a transaction at the driver's default isolation. Claims
// take row locks and the idempotency key is unique, which is what duplicate
// detection relies on; SERIALIZABLE would turn key races into 40001 retries.
func (s *WebhookEventStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx core.EventTx) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	if fn == nil {
		return fmt.Errorf("sqlstore: transaction callback is required")
	}
	return conn(ctx, s.db).RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(WithTx(ctx, tx), &webhookEventTx{store: s, tx: tx})
	})
}

func (s *WebhookEventStore) Get(ctx context.Context, id string) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	record, err := loadWebhookEvent(ctx, conn(ctx, s.db), id, false)
	if err != nil {
		return core.WebhookEvent{}, err
	}
	return record.toDomain(), nil
}

func (s *WebhookEventStore) GetByIdempotencyKey(ctx context.Context, key string) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	key = strings.TrimSpace(key)
	record := &webhookEventRecord{}
	err := conn(ctx, s.db).NewSelect().
		Model(record).
		Where("?TableAlias.idempotency_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook event for key %q: %w", key, core.ErrEventNotFound)
		}
		return core.WebhookEvent{}, err
	}
	return record.toDomain(), nil
}

func (s *WebhookEventStore) IncrementRetry(ctx context.Context, id string, maxRetries int) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	var out core.WebhookEvent
	err := conn(ctx, s.db).RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := loadWebhookEvent(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if core.EventStatus(record.Status) != core.EventStatusFailed {
			return illegalTransition(record.ID, core.EventStatus(record.Status), core.EventStatusRetrying)
		}
		count := record.RetryCount + 1
		limit := record.MaxRetries
		if maxRetries > 0 {
			limit = maxRetries
		}
		if limit < count {
			limit = count
		}
		next := core.EventStatusRetrying
		if count >= limit {
			next = core.EventStatusDeadLetter
		}
		now := s.now()
		_, err = tx.NewUpdate().
			Model((*webhookEventRecord)(nil)).
			Set("status = ?", string(next)).
			Set("retry_count = ?", count).
			Set("max_retries = ?", limit).
			Set("updated_at = ?", now).
			Where("id = ?", record.ID).
			Where("status = ?", string(core.EventStatusFailed)).
			Exec(ctx)
		if err != nil {
			return err
		}
		record.Status = string(next)
		record.RetryCount = count
		record.MaxRetries = limit
		record.UpdatedAt = now
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.WebhookEvent{}, err
	}
	return out, nil
}

func (s *WebhookEventStore) MarkDeadLetter(ctx context.Context, id string, message string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	err := updateEventStatus(ctx, conn(ctx, s.db), s.now(), id,
		[]core.EventStatus{core.EventStatusFailed, core.EventStatusRetrying},
		core.EventStatusDeadLetter,
		func(q *bun.UpdateQuery) *bun.UpdateQuery {
			if message = strings.TrimSpace(message); message != "" {
				q = q.Set("error_message = ?", message)
			}
			return q
		},
	)
	if errors.Is(err, core.ErrIllegalTransition) {
		current, getErr := s.Get(ctx, id)
		if getErr == nil && current.Status == core.EventStatusDeadLetter {
			return nil
		}
	}
	return err
}

func (s *WebhookEventStore) ResetForRedrive(ctx context.Context, id string) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	if err := updateEventStatus(ctx, conn(ctx, s.db), s.now(), id,
		[]core.EventStatus{core.EventStatusDeadLetter},
		core.EventStatusPending,
		nil,
	); err != nil {
		return core.WebhookEvent{}, err
	}
	return s.Get(ctx, id)
}

func (s *WebhookEventStore) FindEventsForRetry(ctx context.Context, limit int, window time.Duration) ([]core.WebhookEvent, error) {
	return s.findRecent(ctx, limit, window, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.
			Where("?TableAlias.status = ?", string(core.EventStatusFailed)).
			Where("?TableAlias.retry_count < ?TableAlias.max_retries")
	})
}

func (s *WebhookEventStore) FindRetryingEvents(ctx context.Context, limit int, window time.Duration) ([]core.WebhookEvent, error) {
	return s.findRecent(ctx, limit, window, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.status = ?", string(core.EventStatusRetrying))
	})
}

func (s *WebhookEventStore) findRecent(
	ctx context.Context,
	limit int,
	window time.Duration,
	filter func(*bun.SelectQuery) *bun.SelectQuery,
) ([]core.WebhookEvent, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: webhook event store is not configured")
	}
	if limit <= 0 {
		limit = core.DefaultReconcileLimit
	}
	if window <= 0 {
		window = core.DefaultReconcileWindow
	}
	records, _, err := s.repo.ListTx(ctx, conn(ctx, s.db),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return filter(q).Where("?TableAlias.created_at >= ?", s.now().Add(-window))
		}),
		repository.OrderBy("created_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.WebhookEvent, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *WebhookEventStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

type webhookEventTx struct {
	store *WebhookEventStore
	tx    bun.Tx
}

func (t *webhookEventTx) FindByIdempotencyKeyLocked(ctx context.Context, key string) (*core.WebhookEvent, error) {
	record := &webhookEventRecord{}
	query := t.tx.NewSelect().
		Model(record).
		Where("?TableAlias.idempotency_key = ?", strings.TrimSpace(key)).
		Limit(1)
	if isPostgres(t.tx) {
		query = query.For("UPDATE SKIP LOCKED")
	}
	if err := query.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	event := record.toDomain()
	return &event, nil
}

func (t *webhookEventTx) Create(ctx context.Context, event core.WebhookEvent) (core.WebhookEvent, error) {
	event.IdempotencyKey = strings.TrimSpace(event.IdempotencyKey)
	if event.IdempotencyKey == "" {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: idempotency key is required")
	}
	now := t.store.now()
	record := newWebhookEventRecord(event, now)
	created, err := t.store.repo.CreateTx(ctx, t.tx, record)
	if err != nil {
		if isUniqueViolation(err) {
			return core.WebhookEvent{}, fmt.Errorf(
				"sqlstore: create webhook event %q: %w",
				event.IdempotencyKey,
				core.ErrDuplicateIdempotencyKey,
			)
		}
		return core.WebhookEvent{}, err
	}
	return created.toDomain(), nil
}

func (t *webhookEventTx) MarkProcessing(ctx context.Context, id string, attempt int) error {
	if attempt <= 0 {
		attempt = 1
	}
	return updateEventStatus(ctx, t.tx, t.store.now(), id,
		[]core.EventStatus{core.EventStatusPending, core.EventStatusFailed, core.EventStatusRetrying},
		core.EventStatusProcessing,
		func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Set("last_attempt = ?", attempt)
		},
	)
}

func (t *webhookEventTx) MarkCompleted(ctx context.Context, id string, processingTimeMs int64) error {
	now := t.store.now()
	return updateEventStatus(ctx, t.tx, now, id,
		[]core.EventStatus{core.EventStatusProcessing},
		core.EventStatusCompleted,
		func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.
				Set("processed = ?", true).
				Set("processed_at = ?", now).
				Set("processing_time_ms = ?", processingTimeMs).
				Set("error_message = ?", "")
		},
	)
}

func (t *webhookEventTx) MarkFailed(ctx context.Context, id string, message string, processingTimeMs int64) error {
	return updateEventStatus(ctx, t.tx, t.store.now(), id,
		[]core.EventStatus{core.EventStatusProcessing},
		core.EventStatusFailed,
		func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.
				Set("error_message = ?", strings.TrimSpace(message)).
				Set("processing_time_ms = ?", processingTimeMs)
		},
	)
}

func (t *webhookEventTx) Reopen(ctx context.Context, id string) error {
	return updateEventStatus(ctx, t.tx, t.store.now(), id,
		[]core.EventStatus{core.EventStatusDeadLetter},
		core.EventStatusPending,
		nil,
	)
}

func updateEventStatus(
	ctx context.Context,
	idb bun.IDB,
	now time.Time,
	id string,
	from []core.EventStatus,
	to core.EventStatus,
	apply func(*bun.UpdateQuery) *bun.UpdateQuery,
) error {
	id = strings.TrimSpace(id)
	if parseUUID(id) == uuid.Nil {
		return fmt.Errorf("sqlstore: webhook event %q: %w", id, core.ErrEventNotFound)
	}
	allowed := make([]string, 0, len(from))
	for _, status := range from {
		if core.CanTransition(status, to) {
			allowed = append(allowed, string(status))
		}
	}
	query := idb.NewUpdate().
		Model((*webhookEventRecord)(nil)).
		Set("status = ?", string(to)).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(allowed))
	if apply != nil {
		query = apply(query)
	}
	result, err := query.Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	current, err := loadWebhookEvent(ctx, idb, id, false)
	if err != nil {
		return err
	}
	return illegalTransition(id, core.EventStatus(current.Status), to)
}

func loadWebhookEvent(ctx context.Context, idb bun.IDB, id string, forUpdate bool) (*webhookEventRecord, error) {
	id = strings.TrimSpace(id)
	if parseUUID(id) == uuid.Nil {
		return nil, fmt.Errorf("sqlstore: webhook event %q: %w", id, core.ErrEventNotFound)
	}
	record := &webhookEventRecord{}
	query := idb.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1)
	if forUpdate && isPostgres(idb) {
		query = query.For("UPDATE")
	}
	if err := query.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlstore: webhook event %q: %w", id, core.ErrEventNotFound)
		}
		return nil, err
	}
	return record, nil
}

func illegalTransition(id string, from core.EventStatus, to core.EventStatus) error {
	return fmt.Errorf("sqlstore: webhook event %s cannot move %s -> %s: %w", id, from, to, core.ErrIllegalTransition)
}

func newWebhookEventRecord(event core.WebhookEvent, now time.Time) *webhookEventRecord {
	id := strings.TrimSpace(event.ID)
	if parseUUID(id) == uuid.Nil {
		id = uuid.NewString()
	}
	status := event.Status
	if status == "" {
		status = core.EventStatusPending
	}
	maxRetries := event.MaxRetries
	if maxRetries <= 0 {
		maxRetries = core.DefaultMaxRetries
	}
	return &webhookEventRecord{
		ID:              id,
		IdempotencyKey:  strings.TrimSpace(event.IdempotencyKey),
		ProviderEventID: strings.TrimSpace(event.ProviderEventID),
		EventType:       strings.TrimSpace(event.EventType),
		Status:          string(status),
		RetryCount:      event.RetryCount,
		MaxRetries:      maxRetries,
		LastAttempt:     event.LastAttempt,
		RawPayload:      append([]byte(nil), event.RawPayload...),
		Metadata:        copyAnyMap(event.Metadata.Fields()),
		IPAddress:       strings.TrimSpace(event.IPAddress),
		UserAgent:       strings.TrimSpace(event.UserAgent),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (r *webhookEventRecord) toDomain() core.WebhookEvent {
	if r == nil {
		return core.WebhookEvent{}
	}
	return core.WebhookEvent{
		ID:               r.ID,
		IdempotencyKey:   r.IdempotencyKey,
		ProviderEventID:  r.ProviderEventID,
		EventType:        r.EventType,
		Status:           core.EventStatus(r.Status),
		Processed:        r.Processed,
		ProcessedAt:      cloneTimePointer(r.ProcessedAt),
		ProcessingTimeMs: r.ProcessingTimeMs,
		ErrorMessage:     r.ErrorMessage,
		RetryCount:       r.RetryCount,
		MaxRetries:       r.MaxRetries,
		LastAttempt:      r.LastAttempt,
		RawPayload:       append([]byte(nil), r.RawPayload...),
		Metadata: core.EventMetadata{
			CustomerID:     metadataString(r.Metadata, "customer_id"),
			SubscriptionID: metadataString(r.Metadata, "subscription_id"),
			InvoiceID:      metadataString(r.Metadata, "invoice_id"),
			UserID:         metadataString(r.Metadata, "user_id"),
		},
		IPAddress: r.IPAddress,
		UserAgent: r.UserAgent,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func isPostgres(idb bun.IDB) bool {
	return idb != nil && idb.Dialect().Name() == dialect.PG
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func metadataString(metadata map[string]any, key string) string {
	if len(metadata) == 0 {
		return ""
	}
	value, ok := metadata[key]
	if !ok || value == nil {
		return ""
	}
	text := strings.TrimSpace(fmt.Sprint(value))
	if text == "" || text == "<nil>" {
		return ""
	}
	return text
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

var _ core.EventStore = (*WebhookEventStore)(nil)
