package query

import "strings"

const (
	TypeListUnresolvedDeadLetters = "webhooks.query.dead_letter.list_unresolved"
	TypeGetDeadLetter             = "webhooks.query.dead_letter.get"
	TypeGetWebhookEvent           = "webhooks.query.event.get"
	TypeListRetryTasks            = "webhooks.query.retry_task.list"
	TypeSubscriptionHistory       = "webhooks.query.subscription.history"
)

// ListUnresolvedDeadLettersMessage lists open entries oldest first. A zero
// Limit uses the dead letter service default.
type ListUnresolvedDeadLettersMessage struct {
	Limit int
}

func (ListUnresolvedDeadLettersMessage) Type() string { return TypeListUnresolvedDeadLetters }

func (m ListUnresolvedDeadLettersMessage) Validate() error {
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return nil
}

type GetDeadLetterMessage struct {
	EntryID string
}

func (GetDeadLetterMessage) Type() string { return TypeGetDeadLetter }

func (m GetDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.EntryID) == "" {
		return queryValidationError("entry_id", "dead letter entry id is required")
	}
	return nil
}

// GetWebhookEventMessage looks an event up by row id, or by idempotency key
// when the id is empty.
type GetWebhookEventMessage struct {
	WebhookEventID string
	IdempotencyKey string
}

func (GetWebhookEventMessage) Type() string { return TypeGetWebhookEvent }

func (m GetWebhookEventMessage) Validate() error {
	if strings.TrimSpace(m.WebhookEventID) == "" && strings.TrimSpace(m.IdempotencyKey) == "" {
		return queryValidationError("webhook_event_id", "webhook event id or idempotency key is required")
	}
	return nil
}

type ListRetryTasksMessage struct {
	IdempotencyKey string
}

func (ListRetryTasksMessage) Type() string { return TypeListRetryTasks }

func (m ListRetryTasksMessage) Validate() error {
	if strings.TrimSpace(m.IdempotencyKey) == "" {
		return queryValidationError("idempotency_key", "idempotency key is required")
	}
	return nil
}

type SubscriptionHistoryMessage struct {
	SubscriptionID string
}

func (SubscriptionHistoryMessage) Type() string { return TypeSubscriptionHistory }

func (m SubscriptionHistoryMessage) Validate() error {
	if strings.TrimSpace(m.SubscriptionID) == "" {
		return queryValidationError("subscription_id", "subscription id is required")
	}
	return nil
}
