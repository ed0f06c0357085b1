package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AuditLogStore is the default webhook audit sink.
type AuditLogStore struct {
	db   *bun.DB
	repo repository.Repository[*auditLogRecord]
	Now  func() time.Time
}

func NewAuditLogStore(db *bun.DB) (*AuditLogStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository[*auditLogRecord](db, auditLogHandlers(), "audit log")
	if err != nil {
		return nil, err
	}
	return &AuditLogStore{db: db, repo: repo, Now: time.Now}, nil
}

func (s *AuditLogStore) LogWebhookProcessing(ctx context.Context, record core.AuditRecord) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: audit log store is not configured")
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
		if s.Now != nil {
			createdAt = s.Now()
		}
	}
	_, err := s.repo.CreateTx(ctx, conn(ctx, s.db), &auditLogRecord{
		ID:               uuid.NewString(),
		WebhookEventID:   strings.TrimSpace(record.WebhookEventID),
		ProviderEventID:  strings.TrimSpace(record.ProviderEventID),
		EventType:        strings.TrimSpace(record.EventType),
		Outcome:          string(record.Outcome),
		Error:            strings.TrimSpace(record.Error),
		IPAddress:        strings.TrimSpace(record.IPAddress),
		UserAgent:        strings.TrimSpace(record.UserAgent),
		ProcessingTimeMs: record.ProcessingTimeMs,
		Metadata:         copyAnyMap(record.Metadata),
		CreatedAt:        createdAt.UTC(),
	})
	return err
}

// ListByProviderEvent returns audit rows for a provider event id, oldest first.
func (s *AuditLogStore) ListByProviderEvent(ctx context.Context, providerEventID string) ([]core.AuditRecord, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: audit log store is not configured")
	}
	records, _, err := s.repo.ListTx(ctx, conn(ctx, s.db),
		repository.SelectBy("provider_event_id", "=", strings.TrimSpace(providerEventID)),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.AuditRecord, 0, len(records))
	for _, record := range records {
		out = append(out, core.AuditRecord{
			WebhookEventID:   record.WebhookEventID,
			ProviderEventID:  record.ProviderEventID,
			EventType:        record.EventType,
			Outcome:          core.AuditOutcome(record.Outcome),
			Error:            record.Error,
			IPAddress:        record.IPAddress,
			UserAgent:        record.UserAgent,
			ProcessingTimeMs: record.ProcessingTimeMs,
			Metadata:         copyAnyMap(record.Metadata),
			CreatedAt:        record.CreatedAt,
		})
	}
	return out, nil
}

var _ core.AuditLogger = (*AuditLogStore)(nil)
