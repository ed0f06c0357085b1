package gocommand

import (
	"fmt"

	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-webhook-ledger/command"
	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/query"
	"github.com/goliatone/go-webhook-ledger/retry"
)

// Operations are the collaborators behind the operator commands and queries.
// Nil members skip the messages that need them.
type Operations struct {
	DeadLetters   command.DeadLetterService
	DeadLetterLog query.DeadLetterReader
	Redrive       core.ProcessFunc
	Reconciler    command.Reconciler
	Events        query.EventReader
	Tasks         retry.TaskLister
	Subscriptions query.SubscriptionHistoryReader
}

// Subscriptions groups dispatcher subscriptions so callers can drop them
// together on shutdown.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, sub := range s {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

// RegisterOperations registers and subscribes every operator message the
// given collaborators can serve. On error nothing stays subscribed.
func RegisterOperations(adapter *RegistryAdapter, ops Operations) (Subscriptions, error) {
	if !adapter.configured() {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	var subs Subscriptions
	keep := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			subs.Unsubscribe()
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	if ops.DeadLetters != nil {
		if err := keep(RegisterAndSubscribe(adapter, command.NewResolveDeadLetterCommand(ops.DeadLetters))); err != nil {
			return nil, err
		}
		if err := keep(RegisterAndSubscribe(adapter, command.NewPurgeDeadLettersCommand(ops.DeadLetters))); err != nil {
			return nil, err
		}
		if ops.Redrive != nil {
			if err := keep(RegisterAndSubscribe(adapter, command.NewRedriveDeadLetterCommand(ops.DeadLetters, ops.Redrive))); err != nil {
				return nil, err
			}
		}
	}
	if ops.Reconciler != nil {
		if err := keep(RegisterAndSubscribe(adapter, command.NewReconcileCommand(ops.Reconciler))); err != nil {
			return nil, err
		}
	}
	if ops.DeadLetterLog != nil {
		if err := keep(RegisterAndSubscribeQuery(adapter, query.NewListUnresolvedDeadLettersQuery(ops.DeadLetterLog))); err != nil {
			return nil, err
		}
		if err := keep(RegisterAndSubscribeQuery(adapter, query.NewGetDeadLetterQuery(ops.DeadLetterLog))); err != nil {
			return nil, err
		}
	}
	if ops.Events != nil {
		if err := keep(RegisterAndSubscribeQuery(adapter, query.NewGetWebhookEventQuery(ops.Events))); err != nil {
			return nil, err
		}
	}
	if ops.Tasks != nil {
		if err := keep(RegisterAndSubscribeQuery(adapter, query.NewListRetryTasksQuery(ops.Tasks))); err != nil {
			return nil, err
		}
	}
	if ops.Subscriptions != nil {
		if err := keep(RegisterAndSubscribeQuery(adapter, query.NewSubscriptionHistoryQuery(ops.Subscriptions))); err != nil {
			return nil, err
		}
	}
	return subs, nil
}
