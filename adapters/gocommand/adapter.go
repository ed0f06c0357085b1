// Package gocommand exposes the ledger's operator commands and queries on a
// go-command registry and dispatcher.
package gocommand

import (
	"context"
	"fmt"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
)

// RegistryAdapter owns the registry operator messages are recorded in. The
// dispatcher side is process global in go-command, so Initialize must run
// once every operation is registered.
type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Initialize() error {
	if !a.configured() {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func (a *RegistryAdapter) configured() bool {
	return a != nil && a.registry != nil
}

// Dispatch sends an operator command to its subscribed handler.
func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

// Query runs an operator query and returns its typed result.
func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

// RegisterAndSubscribe subscribes cmd on the dispatcher and records it in the
// registry. A registry failure drops the subscription again.
func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if !adapter.configured() {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	return register(adapter, cmd, commanddispatcher.SubscribeCommand(cmd, runnerOpts...))
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if !adapter.configured() {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	return register(adapter, qry, commanddispatcher.SubscribeQuery(qry, runnerOpts...))
}

func register(adapter *RegistryAdapter, handler any, sub commanddispatcher.Subscription) (commanddispatcher.Subscription, error) {
	if err := adapter.registry.RegisterCommand(handler); err != nil {
		if sub != nil {
			sub.Unsubscribe()
		}
		return nil, fmt.Errorf("gocommand: register %T: %w", handler, err)
	}
	return sub, nil
}
