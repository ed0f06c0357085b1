package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
)

const maxVersionRetries = 3

type Machine struct {
	store  Store
	logger core.Logger
	Now    func() time.Time
}

type Option func(*Machine)

func WithLogger(logger core.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(m *Machine) {
		if provider != nil {
			m.logger = core.ResolveLogger("subscriptions", provider, nil)
		}
	}
}

func NewMachine(store Store, opts ...Option) (*Machine, error) {
	if store == nil {
		return nil, fmt.Errorf("subscriptions: store is required")
	}
	machine := &Machine{
		store:  store,
		logger: core.ResolveLogger("subscriptions", nil, nil),
		Now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(machine)
		}
	}
	return machine, nil
}

func (m *Machine) MapStatusToState(providerStatus string) (core.SubscriptionState, error) {
	return MapStatusToState(providerStatus)
}

// Transition moves a subscription to target. A subscription seen for the first
// time is created directly in target. Same-state requests succeed without a
// write. Illegal moves are reported on the result, not as an error.
func (m *Machine) Transition(
	ctx context.Context,
	subscriptionID string,
	target core.SubscriptionState,
	transition core.TransitionContext,
) (core.TransitionResult, error) {
	if m == nil || m.store == nil {
		return core.TransitionResult{}, fmt.Errorf("subscriptions: machine is not configured")
	}
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return core.TransitionResult{}, fmt.Errorf("subscriptions: subscription id is required")
	}
	if _, ok := allowedTransitions[target]; !ok {
		return core.TransitionResult{}, fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	}

	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		result, err := m.transitionOnce(ctx, subscriptionID, target, transition)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return result, err
	}
	return core.TransitionResult{}, fmt.Errorf("subscriptions: transition %s: %w", subscriptionID, ErrVersionConflict)
}

func (m *Machine) transitionOnce(
	ctx context.Context,
	subscriptionID string,
	target State,
	transition core.TransitionContext,
) (core.TransitionResult, error) {
	current, err := m.store.Get(ctx, subscriptionID)
	exists := true
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return core.TransitionResult{}, err
		}
		exists = false
	}

	if exists && current.State == target {
		return core.TransitionResult{Success: true, From: current.State, To: target}, nil
	}
	if exists && !CanTransition(current.State, target) {
		rejected := fmt.Errorf("%w: %s -> %s for %s", ErrTransitionRejected, current.State, target, subscriptionID)
		core.LogWarn(ctx, m.logger, "subscription transition rejected", map[string]any{
			"subscription_id": subscriptionID,
			"from":            string(current.State),
			"to":              string(target),
			"trigger":         transition.Trigger,
			"trigger_id":      transition.TriggerID,
		})
		return core.TransitionResult{Success: false, From: current.State, To: target, Error: rejected}, nil
	}

	now := m.now()
	next := Record{
		ID:        subscriptionID,
		State:     target,
		Version:   current.Version + 1,
		CreatedAt: current.CreatedAt,
		UpdatedAt: now,
	}
	if !exists {
		next.CreatedAt = now
		next.Version = 1
	}
	saved, err := m.store.Save(ctx, next, current.Version, Transition{
		SubscriptionID: subscriptionID,
		From:           current.State,
		To:             target,
		Trigger:        transition.Trigger,
		TriggerID:      transition.TriggerID,
		Reason:         transition.Reason,
		Metadata:       core.CloneFields(transition.Metadata),
		CreatedAt:      now,
	})
	if err != nil {
		return core.TransitionResult{}, err
	}

	core.LogInfo(ctx, m.logger, "subscription transitioned", map[string]any{
		"subscription_id": subscriptionID,
		"from":            string(current.State),
		"to":              string(saved.State),
		"version":         saved.Version,
		"trigger":         transition.Trigger,
		"trigger_id":      transition.TriggerID,
	})
	return core.TransitionResult{Success: true, From: current.State, To: saved.State}, nil
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

var _ core.StateMachine = (*Machine)(nil)
