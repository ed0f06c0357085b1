package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/retry"
	"github.com/goliatone/go-webhook-ledger/subscriptions"
)

type DeadLetterReader interface {
	List(ctx context.Context, limit int) ([]core.DeadLetterEntry, error)
	Get(ctx context.Context, id string) (core.DeadLetterEntry, error)
}

type EventReader interface {
	Get(ctx context.Context, id string) (core.WebhookEvent, error)
	GetByIdempotencyKey(ctx context.Context, key string) (core.WebhookEvent, error)
}

type SubscriptionHistoryReader interface {
	History(ctx context.Context, id string) ([]subscriptions.Transition, error)
}

type ListUnresolvedDeadLettersQuery struct {
	reader DeadLetterReader
}

func NewListUnresolvedDeadLettersQuery(reader DeadLetterReader) *ListUnresolvedDeadLettersQuery {
	return &ListUnresolvedDeadLettersQuery{reader: reader}
}

func (q *ListUnresolvedDeadLettersQuery) Query(
	ctx context.Context,
	msg ListUnresolvedDeadLettersMessage,
) ([]core.DeadLetterEntry, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: dead letter reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.List(ctx, msg.Limit)
}

type GetDeadLetterQuery struct {
	reader DeadLetterReader
}

func NewGetDeadLetterQuery(reader DeadLetterReader) *GetDeadLetterQuery {
	return &GetDeadLetterQuery{reader: reader}
}

func (q *GetDeadLetterQuery) Query(ctx context.Context, msg GetDeadLetterMessage) (core.DeadLetterEntry, error) {
	if q == nil || q.reader == nil {
		return core.DeadLetterEntry{}, queryDependencyError("query: dead letter reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.DeadLetterEntry{}, err
	}
	return q.reader.Get(ctx, strings.TrimSpace(msg.EntryID))
}

type GetWebhookEventQuery struct {
	reader EventReader
}

func NewGetWebhookEventQuery(reader EventReader) *GetWebhookEventQuery {
	return &GetWebhookEventQuery{reader: reader}
}

func (q *GetWebhookEventQuery) Query(ctx context.Context, msg GetWebhookEventMessage) (core.WebhookEvent, error) {
	if q == nil || q.reader == nil {
		return core.WebhookEvent{}, queryDependencyError("query: event reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.WebhookEvent{}, err
	}
	if id := strings.TrimSpace(msg.WebhookEventID); id != "" {
		return q.reader.Get(ctx, id)
	}
	return q.reader.GetByIdempotencyKey(ctx, strings.TrimSpace(msg.IdempotencyKey))
}

type ListRetryTasksQuery struct {
	lister retry.TaskLister
}

func NewListRetryTasksQuery(lister retry.TaskLister) *ListRetryTasksQuery {
	return &ListRetryTasksQuery{lister: lister}
}

func (q *ListRetryTasksQuery) Query(ctx context.Context, msg ListRetryTasksMessage) ([]retry.Task, error) {
	if q == nil || q.lister == nil {
		return nil, queryDependencyError("query: retry task lister is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.lister.ListByIdempotencyKey(ctx, strings.TrimSpace(msg.IdempotencyKey))
}

type SubscriptionHistoryQuery struct {
	reader SubscriptionHistoryReader
}

func NewSubscriptionHistoryQuery(reader SubscriptionHistoryReader) *SubscriptionHistoryQuery {
	return &SubscriptionHistoryQuery{reader: reader}
}

func (q *SubscriptionHistoryQuery) Query(
	ctx context.Context,
	msg SubscriptionHistoryMessage,
) ([]subscriptions.Transition, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: subscription history reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.History(ctx, strings.TrimSpace(msg.SubscriptionID))
}
