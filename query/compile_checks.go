package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/deadletter"
	"github.com/goliatone/go-webhook-ledger/retry"
	"github.com/goliatone/go-webhook-ledger/subscriptions"
)

var (
	_ gocmd.Querier[ListUnresolvedDeadLettersMessage, []core.DeadLetterEntry] = (*ListUnresolvedDeadLettersQuery)(nil)
	_ gocmd.Querier[GetDeadLetterMessage, core.DeadLetterEntry]               = (*GetDeadLetterQuery)(nil)
	_ gocmd.Querier[GetWebhookEventMessage, core.WebhookEvent]                = (*GetWebhookEventQuery)(nil)
	_ gocmd.Querier[ListRetryTasksMessage, []retry.Task]                      = (*ListRetryTasksQuery)(nil)
	_ gocmd.Querier[SubscriptionHistoryMessage, []subscriptions.Transition]   = (*SubscriptionHistoryQuery)(nil)

	_ DeadLetterReader          = (*deadletter.Service)(nil)
	_ EventReader               = (core.EventStore)(nil)
	_ SubscriptionHistoryReader = (subscriptions.Store)(nil)
)
