package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-webhook-ledger/retry"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RetryTaskStore is the durable delayed-task queue behind the retry worker
// pool. Tasks are unique per (idempotency_key, attempt_number).
type RetryTaskStore struct {
	db   *bun.DB
	repo repository.Repository[*retryTaskRecord]
	Now  func() time.Time
}

func NewRetryTaskStore(db *bun.DB) (*RetryTaskStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository[*retryTaskRecord](db, retryTaskHandlers(), "retry task")
	if err != nil {
		return nil, err
	}
	return &RetryTaskStore{db: db, repo: repo, Now: time.Now}, nil
}

func (s *RetryTaskStore) Enqueue(ctx context.Context, task retry.Task) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: retry task store is not configured")
	}
	if err := task.Validate(); err != nil {
		return err
	}
	now := s.now()
	runAt := task.RunAt.UTC()
	if task.RunAt.IsZero() {
		runAt = now
	}
	record := &retryTaskRecord{
		ID:              uuid.NewString(),
		IdempotencyKey:  strings.TrimSpace(task.IdempotencyKey),
		WebhookEventID:  strings.TrimSpace(task.WebhookEventID),
		ProviderEventID: strings.TrimSpace(task.EventID),
		EventType:       strings.TrimSpace(task.EventType),
		RawPayload:      append([]byte(nil), task.RawPayload...),
		AttemptNumber:   task.AttemptNumber,
		LastError:       strings.TrimSpace(task.LastError),
		IPAddress:       strings.TrimSpace(task.IPAddress),
		UserAgent:       strings.TrimSpace(task.UserAgent),
		Status:          string(retry.TaskStatusQueued),
		RunAt:           runAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := s.repo.CreateTx(ctx, conn(ctx, s.db), record); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return err
	}
	return nil
}

// Claim leases up to limit due tasks. Claimed tasks whose lease ran out are
// claimed again.
func (s *RetryTaskStore) Claim(ctx context.Context, limit int, lease time.Duration) ([]retry.Task, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: retry task store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	now := s.now()
	expired := now.Add(-lease)
	lockClause := ""
	if isPostgres(s.db) {
		lockClause = "FOR UPDATE SKIP LOCKED"
	}

	var records []retryTaskRecord
	err := conn(ctx, s.db).RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimable AS (
	SELECT id
	FROM webhook_retry_tasks
	WHERE (status = ? AND run_at <= ?)
	   OR (status = ? AND claimed_at <= ?)
	ORDER BY run_at ASC
	LIMIT ?
	` + lockClause + `
)
UPDATE webhook_retry_tasks
SET status = ?, claimed_at = ?, deliveries = deliveries + 1, updated_at = ?
WHERE id IN (SELECT id FROM claimable)
RETURNING
	id,
	idempotency_key,
	webhook_event_id,
	provider_event_id,
	event_type,
	raw_payload,
	attempt_number,
	last_error,
	ip_address,
	user_agent,
	status,
	run_at,
	claimed_at,
	deliveries,
	last_worker_error,
	created_at,
	updated_at
`
		return tx.NewRaw(
			query,
			string(retry.TaskStatusQueued),
			now,
			string(retry.TaskStatusClaimed),
			expired,
			limit,
			string(retry.TaskStatusClaimed),
			now,
			now,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}
	tasks := make([]retry.Task, 0, len(records))
	for i := range records {
		tasks = append(tasks, records[i].toDomain())
	}
	return tasks, nil
}

func (s *RetryTaskStore) Complete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: retry task store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: retry task id is required")
	}
	_, err := conn(ctx, s.db).NewUpdate().
		Model((*retryTaskRecord)(nil)).
		Set("status = ?", string(retry.TaskStatusDone)).
		Set("claimed_at = NULL").
		Set("updated_at = ?", s.now()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (s *RetryTaskStore) Release(ctx context.Context, id string, runAt time.Time, cause error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: retry task store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: retry task id is required")
	}
	lastError := ""
	if cause != nil {
		lastError = strings.TrimSpace(cause.Error())
	}
	now := s.now()
	if runAt.IsZero() {
		runAt = now
	}
	_, err := conn(ctx, s.db).NewUpdate().
		Model((*retryTaskRecord)(nil)).
		Set("status = ?", string(retry.TaskStatusQueued)).
		Set("claimed_at = NULL").
		Set("run_at = ?", runAt.UTC()).
		Set("last_worker_error = ?", lastError).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// ListByIdempotencyKey returns every task scheduled for an event, oldest
// attempt first.
func (s *RetryTaskStore) ListByIdempotencyKey(ctx context.Context, key string) ([]retry.Task, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: retry task store is not configured")
	}
	records, _, err := s.repo.ListTx(ctx, conn(ctx, s.db),
		repository.SelectBy("idempotency_key", "=", strings.TrimSpace(key)),
		repository.OrderBy("attempt_number ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]retry.Task, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *RetryTaskStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *retryTaskRecord) toDomain() retry.Task {
	if r == nil {
		return retry.Task{}
	}
	return retry.Task{
		ID:              r.ID,
		IdempotencyKey:  r.IdempotencyKey,
		WebhookEventID:  r.WebhookEventID,
		EventID:         r.ProviderEventID,
		EventType:       r.EventType,
		RawPayload:      append([]byte(nil), r.RawPayload...),
		AttemptNumber:   r.AttemptNumber,
		LastError:       r.LastError,
		IPAddress:       r.IPAddress,
		UserAgent:       r.UserAgent,
		RunAt:           r.RunAt,
		Status:          retry.TaskStatus(r.Status),
		ClaimedAt:       cloneTimePointer(r.ClaimedAt),
		Deliveries:      r.Deliveries,
		LastWorkerError: r.LastWorkerError,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

var (
	_ retry.Queue   = (*RetryTaskStore)(nil)
	_ retry.Claimer = (*RetryTaskStore)(nil)
)
