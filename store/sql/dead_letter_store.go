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
)

type DeadLetterStore struct {
	db   *bun.DB
	repo repository.Repository[*deadLetterRecord]
	Now  func() time.Time
}

func NewDeadLetterStore(db *bun.DB) (*DeadLetterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository[*deadLetterRecord](db, deadLetterHandlers(), "dead letter")
	if err != nil {
		return nil, err
	}
	return &DeadLetterStore{db: db, repo: repo, Now: time.Now}, nil
}

// AddEntry creates the entry for an event, or re-opens and refreshes the
// existing one so each event keeps a single entry.
func (s *DeadLetterStore) AddEntry(ctx context.Context, in core.AddDeadLetterInput) (core.DeadLetterEntry, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	eventID := strings.TrimSpace(in.Event.ID)
	if eventID == "" {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: webhook event id is required")
	}

	var out core.DeadLetterEntry
	err := conn(ctx, s.db).RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := s.now()
		existing, err := loadDeadLetterByEvent(ctx, tx, eventID)
		if err != nil && !errors.Is(err, core.ErrDeadLetterNotFound) {
			return err
		}
		if existing != nil {
			_, err = tx.NewUpdate().
				Model((*deadLetterRecord)(nil)).
				Set("error_category = ?", strings.TrimSpace(in.ErrorCategory)).
				Set("error_message = ?", strings.TrimSpace(in.ErrorMessage)).
				Set("final_attempt = ?", in.FinalAttempt).
				Set("raw_payload = ?", append([]byte(nil), in.Event.RawPayload...)).
				Set("resolved = ?", false).
				Set("resolved_at = NULL").
				Set("resolved_by = ?", "").
				Set("resolution_notes = ?", "").
				Set("updated_at = ?", now).
				Where("id = ?", existing.ID).
				Exec(ctx)
			if err != nil {
				return err
			}
			refreshed, err := loadDeadLetter(ctx, tx, existing.ID)
			if err != nil {
				return err
			}
			out = refreshed.toDomain()
			return nil
		}

		record := &deadLetterRecord{
			ID:              uuid.NewString(),
			WebhookEventID:  eventID,
			IdempotencyKey:  strings.TrimSpace(in.Event.IdempotencyKey),
			ProviderEventID: strings.TrimSpace(in.Event.ProviderEventID),
			EventType:       strings.TrimSpace(in.Event.EventType),
			ErrorCategory:   strings.TrimSpace(in.ErrorCategory),
			ErrorMessage:    strings.TrimSpace(in.ErrorMessage),
			FinalAttempt:    in.FinalAttempt,
			RawPayload:      append([]byte(nil), in.Event.RawPayload...),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		created, err := s.repo.CreateTx(ctx, tx, record)
		if err != nil {
			return err
		}
		out = created.toDomain()
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent writer created the entry first; refresh it instead.
			return s.AddEntry(ctx, in)
		}
		return core.DeadLetterEntry{}, err
	}
	return out, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (core.DeadLetterEntry, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	record, err := loadDeadLetter(ctx, conn(ctx, s.db), id)
	if err != nil {
		return core.DeadLetterEntry{}, err
	}
	return record.toDomain(), nil
}

func (s *DeadLetterStore) GetByEventID(ctx context.Context, webhookEventID string) (core.DeadLetterEntry, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	record, err := loadDeadLetterByEvent(ctx, conn(ctx, s.db), webhookEventID)
	if err != nil {
		return core.DeadLetterEntry{}, err
	}
	return record.toDomain(), nil
}

func (s *DeadLetterStore) GetUnresolved(ctx context.Context, limit int) ([]core.DeadLetterEntry, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	records, _, err := s.repo.ListTx(ctx, conn(ctx, s.db),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.resolved = ?", false)
		}),
		repository.OrderBy("created_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.DeadLetterEntry, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// Resolve is idempotent; resolving a resolved entry returns it unchanged.
func (s *DeadLetterStore) Resolve(ctx context.Context, id string, resolvedBy string, notes string) (core.DeadLetterEntry, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	record, err := loadDeadLetter(ctx, conn(ctx, s.db), id)
	if err != nil {
		return core.DeadLetterEntry{}, err
	}
	if record.Resolved {
		return record.toDomain(), nil
	}
	now := s.now()
	_, err = conn(ctx, s.db).NewUpdate().
		Model((*deadLetterRecord)(nil)).
		Set("resolved = ?", true).
		Set("resolved_at = ?", now).
		Set("resolved_by = ?", strings.TrimSpace(resolvedBy)).
		Set("resolution_notes = ?", strings.TrimSpace(notes)).
		Set("updated_at = ?", now).
		Where("id = ?", record.ID).
		Where("resolved = ?", false).
		Exec(ctx)
	if err != nil {
		return core.DeadLetterEntry{}, err
	}
	return s.Get(ctx, record.ID)
}

func (s *DeadLetterStore) RecordRedrive(ctx context.Context, id string, redriveErr string) (core.DeadLetterEntry, error) {
	if s == nil || s.db == nil {
		return core.DeadLetterEntry{}, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	record, err := loadDeadLetter(ctx, conn(ctx, s.db), id)
	if err != nil {
		return core.DeadLetterEntry{}, err
	}
	now := s.now()
	_, err = conn(ctx, s.db).NewUpdate().
		Model((*deadLetterRecord)(nil)).
		Set("redrive_count = redrive_count + 1").
		Set("last_redrive_at = ?", now).
		Set("last_redrive_error = ?", strings.TrimSpace(redriveErr)).
		Set("updated_at = ?", now).
		Where("id = ?", record.ID).
		Exec(ctx)
	if err != nil {
		return core.DeadLetterEntry{}, err
	}
	return s.Get(ctx, record.ID)
}

func (s *DeadLetterStore) PurgeResolved(ctx context.Context, olderThan time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	var purged int
	err := conn(ctx, s.db).RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var records []deadLetterRecord
		if err := tx.NewSelect().
			Model(&records).
			Where("?TableAlias.resolved = ?", true).
			Where("?TableAlias.resolved_at IS NOT NULL").
			Where("?TableAlias.resolved_at < ?", olderThan.UTC()).
			Scan(ctx); err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		entryIDs := make([]string, 0, len(records))
		eventIDs := make([]string, 0, len(records))
		for _, record := range records {
			entryIDs = append(entryIDs, record.ID)
			eventIDs = append(eventIDs, record.WebhookEventID)
		}
		if _, err := tx.NewDelete().
			Model((*deadLetterRecord)(nil)).
			Where("id IN (?)", bun.In(entryIDs)).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*retryTaskRecord)(nil)).
			Where("webhook_event_id IN (?)", bun.In(eventIDs)).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*webhookEventRecord)(nil)).
			Where("id IN (?)", bun.In(eventIDs)).
			Exec(ctx); err != nil {
			return err
		}
		purged = len(records)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func (s *DeadLetterStore) FindMissingEntries(ctx context.Context, limit int) ([]core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: dead letter store is not configured")
	}
	if limit <= 0 {
		limit = core.DefaultReconcileLimit
	}
	var records []webhookEventRecord
	err := conn(ctx, s.db).NewSelect().
		Model(&records).
		Where("?TableAlias.status = ?", string(core.EventStatusDeadLetter)).
		Where("NOT EXISTS (SELECT 1 FROM webhook_dead_letters AS dl WHERE dl.webhook_event_id = ?TableAlias.id)").
		OrderExpr("?TableAlias.updated_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.WebhookEvent, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

// IsResolved reports whether the event's entry has been resolved. Events with
// no entry count as unresolved.
func (s *DeadLetterStore) IsResolved(ctx context.Context, webhookEventID string) (bool, error) {
	entry, err := s.GetByEventID(ctx, webhookEventID)
	if err != nil {
		if errors.Is(err, core.ErrDeadLetterNotFound) {
			return false, nil
		}
		return false, err
	}
	return entry.Resolved, nil
}

func (s *DeadLetterStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func loadDeadLetter(ctx context.Context, idb bun.IDB, id string) (*deadLetterRecord, error) {
	id = strings.TrimSpace(id)
	if parseUUID(id) == uuid.Nil {
		return nil, fmt.Errorf("sqlstore: dead letter %q: %w", id, core.ErrDeadLetterNotFound)
	}
	record := &deadLetterRecord{}
	err := idb.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlstore: dead letter %q: %w", id, core.ErrDeadLetterNotFound)
		}
		return nil, err
	}
	return record, nil
}

func loadDeadLetterByEvent(ctx context.Context, idb bun.IDB, webhookEventID string) (*deadLetterRecord, error) {
	webhookEventID = strings.TrimSpace(webhookEventID)
	if parseUUID(webhookEventID) == uuid.Nil {
		return nil, fmt.Errorf("sqlstore: dead letter for event %q: %w", webhookEventID, core.ErrDeadLetterNotFound)
	}
	record := &deadLetterRecord{}
	err := idb.NewSelect().
		Model(record).
		Where("?TableAlias.webhook_event_id = ?", webhookEventID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlstore: dead letter for event %q: %w", webhookEventID, core.ErrDeadLetterNotFound)
		}
		return nil, err
	}
	return record, nil
}

func (r *deadLetterRecord) toDomain() core.DeadLetterEntry {
	if r == nil {
		return core.DeadLetterEntry{}
	}
	return core.DeadLetterEntry{
		ID:               r.ID,
		WebhookEventID:   r.WebhookEventID,
		IdempotencyKey:   r.IdempotencyKey,
		ProviderEventID:  r.ProviderEventID,
		EventType:        r.EventType,
		ErrorCategory:    r.ErrorCategory,
		ErrorMessage:     r.ErrorMessage,
		FinalAttempt:     r.FinalAttempt,
		RawPayload:       append([]byte(nil), r.RawPayload...),
		Resolved:         r.Resolved,
		ResolvedAt:       cloneTimePointer(r.ResolvedAt),
		ResolvedBy:       r.ResolvedBy,
		ResolutionNotes:  r.ResolutionNotes,
		RedriveCount:     r.RedriveCount,
		LastRedriveAt:    cloneTimePointer(r.LastRedriveAt),
		LastRedriveError: r.LastRedriveError,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

var (
	_ core.DeadLetterStore   = (*DeadLetterStore)(nil)
	_ core.ResolutionChecker = (*DeadLetterStore)(nil)
)
