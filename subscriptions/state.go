// Package subscriptions implements the default subscription lifecycle state
// machine driven by billing webhooks.
package subscriptions

import (
	"context"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-webhook-ledger/core"
)

type State = core.SubscriptionState

const (
	StateIncomplete        State = "incomplete"
	StateIncompleteExpired State = "incomplete_expired"
	StateTrialing          State = "trialing"
	StateActive            State = "active"
	StatePastDue           State = "past_due"
	StateUnpaid            State = "unpaid"
	StatePaused            State = "paused"
	StateCanceled          State = "canceled"
)

const ErrorCodeTransitionRejected = "SUBSCRIPTION_TRANSITION_REJECTED"

var (
	ErrTransitionRejected = core.NewError(
		"subscription transition rejected",
		goerrors.CategoryConflict,
		ErrorCodeTransitionRejected,
	)
	ErrUnknownStatus = core.NewError(
		"unknown subscription status",
		goerrors.CategoryBadInput,
		"SUBSCRIPTION_UNKNOWN_STATUS",
	)
	ErrVersionConflict = core.NewError(
		"subscription state changed concurrently",
		goerrors.CategoryConflict,
		"SUBSCRIPTION_VERSION_CONFLICT",
	)
	ErrNotFound = core.NewError(
		"subscription state not found",
		goerrors.CategoryNotFound,
		"SUBSCRIPTION_NOT_FOUND",
	)
)

var allowedTransitions = map[State][]State{
	StateIncomplete:        {StateActive, StateTrialing, StateIncompleteExpired, StateCanceled, StatePastDue},
	StateIncompleteExpired: {},
	StateTrialing:          {StateActive, StatePastDue, StateUnpaid, StatePaused, StateCanceled},
	StateActive:            {StatePastDue, StateUnpaid, StatePaused, StateCanceled, StateTrialing},
	StatePastDue:           {StateActive, StateUnpaid, StateCanceled, StatePaused},
	StateUnpaid:            {StateActive, StatePastDue, StateCanceled},
	StatePaused:            {StateActive, StateTrialing, StateCanceled},
	StateCanceled:          {},
}

// CanTransition reports whether target is reachable from current in one step.
func CanTransition(current State, target State) bool {
	for _, candidate := range allowedTransitions[current] {
		if candidate == target {
			return true
		}
	}
	return false
}

// MapStatusToState maps a provider subscription status onto a lifecycle state.
func MapStatusToState(providerStatus string) (State, error) {
	state := State(strings.ToLower(strings.TrimSpace(providerStatus)))
	if state == "cancelled" {
		state = StateCanceled
	}
	if _, ok := allowedTransitions[state]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, providerStatus)
	}
	return state, nil
}

type Record struct {
	ID        string
	State     State
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Transition struct {
	ID             string
	SubscriptionID string
	From           State
	To             State
	Trigger        string
	TriggerID      string
	Reason         string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// Store persists subscription states. Save inserts when expectedVersion is
// zero and otherwise updates only if the stored version still matches,
// returning ErrVersionConflict when it does not.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	Save(ctx context.Context, record Record, expectedVersion int, transition Transition) (Record, error)
	History(ctx context.Context, id string) ([]Transition, error)
}
