package command

import (
	"context"
	"time"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/deadletter"
	"github.com/goliatone/go-webhook-ledger/retry"
)

type DeadLetterService interface {
	Resolve(ctx context.Context, id string, resolvedBy string, notes string) (core.DeadLetterEntry, error)
	RetryEntry(ctx context.Context, id string, fn core.ProcessFunc, opts ...deadletter.RetryOption) (core.DeadLetterEntry, error)
	Purge(ctx context.Context) (int, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type Reconciler interface {
	Sweep(ctx context.Context) (retry.SweepStats, error)
}

type PurgeResult struct {
	Purged int
}

type ResolveDeadLetterCommand struct {
	service DeadLetterService
}

func NewResolveDeadLetterCommand(service DeadLetterService) *ResolveDeadLetterCommand {
	return &ResolveDeadLetterCommand{service: service}
}

func (c *ResolveDeadLetterCommand) Execute(ctx context.Context, msg ResolveDeadLetterMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dead letter service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	entry, err := c.service.Resolve(ctx, msg.EntryID, msg.ResolvedBy, msg.Notes)
	if err != nil {
		return err
	}
	storeResult(ctx, entry)
	return nil
}

// RedriveDeadLetterCommand runs fn, normally the live event router, over the
// stored payload of one entry.
type RedriveDeadLetterCommand struct {
	service DeadLetterService
	fn      core.ProcessFunc
}

func NewRedriveDeadLetterCommand(service DeadLetterService, fn core.ProcessFunc) *RedriveDeadLetterCommand {
	return &RedriveDeadLetterCommand{service: service, fn: fn}
}

func (c *RedriveDeadLetterCommand) Execute(ctx context.Context, msg RedriveDeadLetterMessage) error {
	if c == nil || c.service == nil || c.fn == nil {
		return commandDependencyError("command: dead letter service and process function are required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	entry, err := c.service.RetryEntry(ctx, msg.EntryID, c.fn,
		deadletter.WithResolvedBy(msg.ResolvedBy),
		deadletter.WithNotes(msg.Notes),
	)
	if err != nil {
		return err
	}
	storeResult(ctx, entry)
	return nil
}

type PurgeDeadLettersCommand struct {
	service DeadLetterService
}

func NewPurgeDeadLettersCommand(service DeadLetterService) *PurgeDeadLettersCommand {
	return &PurgeDeadLettersCommand{service: service}
}

func (c *PurgeDeadLettersCommand) Execute(ctx context.Context, msg PurgeDeadLettersMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: dead letter service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	var (
		purged int
		err    error
	)
	if msg.OlderThan.IsZero() {
		purged, err = c.service.Purge(ctx)
	} else {
		purged, err = c.service.PurgeOlderThan(ctx, msg.OlderThan)
	}
	if err != nil {
		return err
	}
	storeResult(ctx, PurgeResult{Purged: purged})
	return nil
}

type ReconcileCommand struct {
	reconciler Reconciler
}

func NewReconcileCommand(reconciler Reconciler) *ReconcileCommand {
	return &ReconcileCommand{reconciler: reconciler}
}

// Execute stores the sweep stats even when some rows failed, then returns the
// joined failure.
func (c *ReconcileCommand) Execute(ctx context.Context, _ ReconcileMessage) error {
	if c == nil || c.reconciler == nil {
		return commandDependencyError("command: reconciler is required")
	}
	stats, err := c.reconciler.Sweep(ctx)
	storeResult(ctx, stats)
	return err
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
