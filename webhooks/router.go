package webhooks

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/subscriptions"
	"github.com/stripe/stripe-go/v79"
)

const TriggerWebhook = "webhook"

// EventHandler handles one event type inside the idempotent attempt.
type EventHandler func(ctx context.Context, event core.Event) error

// Router dispatches verified events by type. Types without a handler go to
// the legacy handler when one is set and are acknowledged otherwise.
type Router struct {
	machine  core.StateMachine
	legacy   core.LegacyHandler
	handlers map[string]EventHandler
	logger   core.Logger
}

type RouterOption func(*Router)

func WithLegacyHandler(legacy core.LegacyHandler) RouterOption {
	return func(r *Router) {
		r.legacy = legacy
	}
}

func WithRouterLoggerProvider(provider core.LoggerProvider) RouterOption {
	return func(r *Router) {
		r.logger = core.ResolveLogger("webhooks.router", provider, r.logger)
	}
}

// WithHandler overrides or adds the handler for one event type.
func WithHandler(eventType string, handler EventHandler) RouterOption {
	return func(r *Router) {
		r.Register(eventType, handler)
	}
}

func NewRouter(machine core.StateMachine, opts ...RouterOption) (*Router, error) {
	if machine == nil {
		return nil, fmt.Errorf("webhooks: subscription state machine is required")
	}
	router := &Router{
		machine:  machine,
		handlers: map[string]EventHandler{},
		logger:   core.ResolveLogger("webhooks.router", nil, nil),
	}
	router.Register(string(stripe.EventTypeCustomerSubscriptionCreated), router.subscriptionStatus)
	router.Register(string(stripe.EventTypeCustomerSubscriptionUpdated), router.subscriptionStatus)
	router.Register(string(stripe.EventTypeCustomerSubscriptionDeleted), router.subscriptionTo(subscriptions.StateCanceled))
	router.Register(string(stripe.EventTypeCustomerSubscriptionPaused), router.subscriptionTo(subscriptions.StatePaused))
	router.Register(string(stripe.EventTypeCustomerSubscriptionResumed), router.subscriptionTo(subscriptions.StateActive))
	router.Register(string(stripe.EventTypeInvoicePaymentSucceeded), router.invoiceTo(subscriptions.StateActive))
	router.Register(string(stripe.EventTypeInvoicePaymentFailed), router.invoiceTo(subscriptions.StatePastDue))
	router.Register(string(stripe.EventTypeCheckoutSessionCompleted), router.checkoutCompleted)
	for _, opt := range opts {
		if opt != nil {
			opt(router)
		}
	}
	return router, nil
}

func (r *Router) Register(eventType string, handler EventHandler) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" || handler == nil {
		return
	}
	r.handlers[eventType] = handler
}

// Handle is the core.ProcessFunc handed to the idempotency coordinator.
func (r *Router) Handle(ctx context.Context, event core.Event) error {
	if handler, ok := r.handlers[event.Type]; ok {
		return handler(ctx, event)
	}
	if r.legacy != nil {
		return r.legacy.HandleWebhook(ctx, event)
	}
	core.LogDebug(ctx, r.logger, "no handler for webhook event type", map[string]any{
		"event_id":   event.ID,
		"event_type": event.Type,
	})
	return nil
}

func (r *Router) subscriptionStatus(ctx context.Context, event core.Event) error {
	status := event.ObjectString("status")
	target, err := r.machine.MapStatusToState(status)
	if err != nil {
		return fmt.Errorf("webhooks: event %s subscription status %q: %w", event.ID, status, err)
	}
	return r.transition(ctx, event, event.ObjectString("id"), target, "subscription status "+status)
}

func (r *Router) subscriptionTo(target core.SubscriptionState) EventHandler {
	return func(ctx context.Context, event core.Event) error {
		return r.transition(ctx, event, event.ObjectString("id"), target, event.Type)
	}
}

// invoiceTo moves the invoice's subscription; one-off invoices have none.
func (r *Router) invoiceTo(target core.SubscriptionState) EventHandler {
	return func(ctx context.Context, event core.Event) error {
		subscriptionID := event.ObjectString("subscription")
		if subscriptionID == "" {
			return nil
		}
		return r.transition(ctx, event, subscriptionID, target, event.Type)
	}
}

func (r *Router) checkoutCompleted(ctx context.Context, event core.Event) error {
	if event.ObjectString("mode") != "subscription" {
		return nil
	}
	subscriptionID := event.ObjectString("subscription")
	if subscriptionID == "" {
		return nil
	}
	return r.transition(ctx, event, subscriptionID, subscriptions.StateActive, event.Type)
}

// transition fails the attempt when the machine rejects the move so the event
// is retried or dead-lettered instead of dropped.
func (r *Router) transition(
	ctx context.Context,
	event core.Event,
	subscriptionID string,
	target core.SubscriptionState,
	reason string,
) error {
	if subscriptionID == "" {
		return fmt.Errorf("webhooks: event %s has no subscription id: %w", event.ID, core.ErrMalformedEvent)
	}
	metadata := event.ExtractMetadata().Fields()
	metadata["event_type"] = event.Type
	result, err := r.machine.Transition(ctx, subscriptionID, target, core.TransitionContext{
		Trigger:   TriggerWebhook,
		TriggerID: event.ID,
		Reason:    reason,
		Metadata:  metadata,
	})
	if err != nil {
		return fmt.Errorf("webhooks: transition %s to %s: %w", subscriptionID, target, err)
	}
	if !result.Success {
		if result.Error != nil {
			return fmt.Errorf("webhooks: event %s: %w", event.ID, result.Error)
		}
		return fmt.Errorf("webhooks: event %s: %w: %s -> %s", event.ID, subscriptions.ErrTransitionRejected, result.From, target)
	}
	return nil
}
