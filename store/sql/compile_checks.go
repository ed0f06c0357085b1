package sqlstore

import (
	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/retry"
	"github.com/goliatone/go-webhook-ledger/subscriptions"
)

var (
	_ core.EventTx        = (*webhookEventTx)(nil)
	_ retry.TaskLister    = (*RetryTaskStore)(nil)
	_ subscriptions.Store = (*CachedSubscriptionStateStore)(nil)
)
