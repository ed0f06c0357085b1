package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-webhook-ledger/subscriptions"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SubscriptionStateStore keeps subscription lifecycle state with optimistic
// versioning plus an append-only transition history.
type SubscriptionStateStore struct {
	db          *bun.DB
	transitions repository.Repository[*subscriptionTransitionRecord]
}

func NewSubscriptionStateStore(db *bun.DB) (*SubscriptionStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	transitions, err := newRepository[*subscriptionTransitionRecord](
		db,
		subscriptionTransitionHandlers(),
		"subscription transition",
	)
	if err != nil {
		return nil, err
	}
	return &SubscriptionStateStore{db: db, transitions: transitions}, nil
}

func (s *SubscriptionStateStore) Get(ctx context.Context, id string) (subscriptions.Record, error) {
	if s == nil || s.db == nil {
		return subscriptions.Record{}, fmt.Errorf("sqlstore: subscription state store is not configured")
	}
	id = strings.TrimSpace(id)
	record := &subscriptionStateRecord{}
	err := conn(ctx, s.db).NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return subscriptions.Record{}, fmt.Errorf("sqlstore: subscription %q: %w", id, subscriptions.ErrNotFound)
		}
		return subscriptions.Record{}, err
	}
	return record.toDomain(), nil
}

func (s *SubscriptionStateStore) Save(
	ctx context.Context,
	record subscriptions.Record,
	expectedVersion int,
	transition subscriptions.Transition,
) (subscriptions.Record, error) {
	if s == nil || s.db == nil {
		return subscriptions.Record{}, fmt.Errorf("sqlstore: subscription state store is not configured")
	}
	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" {
		return subscriptions.Record{}, fmt.Errorf("sqlstore: subscription id is required")
	}
	now := record.UpdatedAt.UTC()
	if record.UpdatedAt.IsZero() {
		now = time.Now().UTC()
	}
	nextVersion := expectedVersion + 1

	err := conn(ctx, s.db).RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if expectedVersion == 0 {
			createdAt := record.CreatedAt.UTC()
			if record.CreatedAt.IsZero() {
				createdAt = now
			}
			_, err := tx.NewInsert().Model(&subscriptionStateRecord{
				ID:        record.ID,
				State:     string(record.State),
				Version:   nextVersion,
				CreatedAt: createdAt,
				UpdatedAt: now,
			}).Exec(ctx)
			if err != nil {
				if isUniqueViolation(err) {
					return subscriptions.ErrVersionConflict
				}
				return err
			}
		} else {
			result, err := tx.NewUpdate().
				Model((*subscriptionStateRecord)(nil)).
				Set("state = ?", string(record.State)).
				Set("version = ?", nextVersion).
				Set("updated_at = ?", now).
				Where("id = ?", record.ID).
				Where("version = ?", expectedVersion).
				Exec(ctx)
			if err != nil {
				return err
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return subscriptions.ErrVersionConflict
			}
		}

		createdAt := transition.CreatedAt.UTC()
		if transition.CreatedAt.IsZero() {
			createdAt = now
		}
		_, err := s.transitions.CreateTx(ctx, tx, &subscriptionTransitionRecord{
			ID:             uuid.NewString(),
			SubscriptionID: record.ID,
			FromState:      string(transition.From),
			ToState:        string(record.State),
			TriggerType:    strings.TrimSpace(transition.Trigger),
			TriggerID:      strings.TrimSpace(transition.TriggerID),
			Reason:         strings.TrimSpace(transition.Reason),
			Metadata:       copyAnyMap(transition.Metadata),
			CreatedAt:      createdAt,
		})
		return err
	})
	if err != nil {
		return subscriptions.Record{}, err
	}
	return s.Get(ctx, record.ID)
}

func (s *SubscriptionStateStore) History(ctx context.Context, id string) ([]subscriptions.Transition, error) {
	if s == nil || s.transitions == nil {
		return nil, fmt.Errorf("sqlstore: subscription state store is not configured")
	}
	records, _, err := s.transitions.ListTx(ctx, conn(ctx, s.db),
		repository.SelectBy("subscription_id", "=", strings.TrimSpace(id)),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]subscriptions.Transition, 0, len(records))
	for _, record := range records {
		out = append(out, subscriptions.Transition{
			ID:             record.ID,
			SubscriptionID: record.SubscriptionID,
			From:           subscriptions.State(record.FromState),
			To:             subscriptions.State(record.ToState),
			Trigger:        record.TriggerType,
			TriggerID:      record.TriggerID,
			Reason:         record.Reason,
			Metadata:       copyAnyMap(record.Metadata),
			CreatedAt:      record.CreatedAt,
		})
	}
	return out, nil
}

func (r *subscriptionStateRecord) toDomain() subscriptions.Record {
	if r == nil {
		return subscriptions.Record{}
	}
	return subscriptions.Record{
		ID:        r.ID,
		State:     subscriptions.State(r.State),
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

var _ subscriptions.Store = (*SubscriptionStateStore)(nil)
