package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-webhook-ledger/deadletter"
	"github.com/goliatone/go-webhook-ledger/retry"
)

var (
	_ gocmd.Commander[ResolveDeadLetterMessage] = (*ResolveDeadLetterCommand)(nil)
	_ gocmd.Commander[RedriveDeadLetterMessage] = (*RedriveDeadLetterCommand)(nil)
	_ gocmd.Commander[PurgeDeadLettersMessage]  = (*PurgeDeadLettersCommand)(nil)
	_ gocmd.Commander[ReconcileMessage]         = (*ReconcileCommand)(nil)

	_ DeadLetterService = (*deadletter.Service)(nil)
	_ Reconciler        = (*retry.Reconciler)(nil)
)
