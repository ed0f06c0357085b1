// Package ledger wires the webhook ledger runtime: stores, the idempotency
// coordinator, the retry scheduler and worker pool, the dead-letter service,
// the provider event router and the inbound endpoint.
package ledger

import (
	"context"
	"fmt"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-webhook-ledger/adapters/gocommand"
	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/deadletter"
	"github.com/goliatone/go-webhook-ledger/idempotency"
	"github.com/goliatone/go-webhook-ledger/inbound"
	"github.com/goliatone/go-webhook-ledger/retry"
	memorystore "github.com/goliatone/go-webhook-ledger/store/memory"
	sqlstore "github.com/goliatone/go-webhook-ledger/store/sql"
	"github.com/goliatone/go-webhook-ledger/subscriptions"
	"github.com/goliatone/go-webhook-ledger/webhooks"
	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"
)

type Config = core.Config

var (
	DefaultConfig = core.DefaultConfig
	LoadConfig    = core.LoadConfig
)

// TaskBackend is a durable delayed-task queue the worker pool can drain.
type TaskBackend interface {
	retry.Queue
	retry.Claimer
	retry.TaskLister
}

// Dependencies are the storage collaborators of a Runtime. Verifier defaults
// to the Stripe verifier built from Config.Signing.
type Dependencies struct {
	Events        core.EventStore
	DeadLetters   core.DeadLetterStore
	Tasks         TaskBackend
	Subscriptions subscriptions.Store
	Audit         core.AuditLogger
	Verifier      core.SignatureVerifier
}

type Option func(*runtimeOptions)

type runtimeOptions struct {
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	legacy         core.LegacyHandler
	handlers       map[string]webhooks.EventHandler
	inboundOpts    []inbound.Option
	cache          repositorycache.CacheService
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(o *runtimeOptions) {
		o.loggerProvider = provider
	}
}

func WithMetrics(recorder core.MetricsRecorder) Option {
	return func(o *runtimeOptions) {
		o.metrics = recorder
	}
}

func WithLegacyHandler(legacy core.LegacyHandler) Option {
	return func(o *runtimeOptions) {
		o.legacy = legacy
	}
}

// WithEventHandler replaces or adds the router handler for eventType.
func WithEventHandler(eventType string, handler webhooks.EventHandler) Option {
	return func(o *runtimeOptions) {
		if o.handlers == nil {
			o.handlers = map[string]webhooks.EventHandler{}
		}
		o.handlers[strings.TrimSpace(eventType)] = handler
	}
}

func WithInboundOptions(opts ...inbound.Option) Option {
	return func(o *runtimeOptions) {
		o.inboundOpts = append(o.inboundOpts, opts...)
	}
}

// WithSubscriptionCache reads subscription state through cacheService when
// the runtime is built from a database.
func WithSubscriptionCache(cacheService repositorycache.CacheService) Option {
	return func(o *runtimeOptions) {
		o.cache = cacheService
	}
}

type Runtime struct {
	Config        Config
	Events        core.EventStore
	DeadLetters   core.DeadLetterStore
	Tasks         TaskBackend
	Subscriptions subscriptions.Store

	Machine     *subscriptions.Machine
	Coordinator *idempotency.Coordinator
	Scheduler   *retry.Scheduler
	Router      *webhooks.Router
	Processor   *webhooks.Processor
	DeadLetter  *deadletter.Service
	Workers     *retry.WorkerPool
	Reconciler  *retry.Reconciler
	Inbound     *inbound.Handler

	logger    core.Logger
	stopSweep context.CancelFunc
	sweeping  chan struct{}
}

// New validates cfg and builds every component on top of deps.
func New(cfg Config, deps Dependencies, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Events == nil || deps.DeadLetters == nil || deps.Tasks == nil || deps.Subscriptions == nil {
		return nil, fmt.Errorf("ledger: events, dead letters, tasks and subscriptions are required")
	}
	options := runtimeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	metrics := options.metrics
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	provider := options.loggerProvider

	verifier := deps.Verifier
	if verifier == nil {
		if strings.TrimSpace(cfg.Signing.Secret) == "" {
			return nil, fmt.Errorf("ledger: signing.secret is required")
		}
		verifier = webhooks.NewStripeVerifier(cfg.Signing.Secret, cfg.Signing.Tolerance)
	}

	rt := &Runtime{
		Config:        cfg,
		Events:        deps.Events,
		DeadLetters:   deps.DeadLetters,
		Tasks:         deps.Tasks,
		Subscriptions: deps.Subscriptions,
		logger:        core.ResolveLogger("webhooks.runtime", provider, nil),
	}

	var err error
	rt.Machine, err = subscriptions.NewMachine(deps.Subscriptions, subscriptions.WithLoggerProvider(provider))
	if err != nil {
		return nil, err
	}

	coordinatorOpts := []idempotency.Option{
		idempotency.WithTimeout(cfg.TransactionTimeout),
		idempotency.WithDefaultMaxRetries(cfg.DefaultMaxRetries),
		idempotency.WithLoggerProvider(provider),
		idempotency.WithMetrics(metrics),
	}
	if checker, ok := deps.DeadLetters.(core.ResolutionChecker); ok {
		coordinatorOpts = append(coordinatorOpts, idempotency.WithResolutionChecker(checker))
	}
	rt.Coordinator, err = idempotency.NewCoordinator(deps.Events, coordinatorOpts...)
	if err != nil {
		return nil, err
	}

	backoff := retry.BackoffPolicy{Multiplier: cfg.Retry.Multiplier, MaxDelay: cfg.Retry.MaxDelay}
	rt.Scheduler, err = retry.NewScheduler(deps.Events, deps.Tasks,
		retry.WithBackoff(backoff),
		retry.WithDeadLetterStore(deps.DeadLetters),
		retry.WithSchedulerLoggerProvider(provider),
		retry.WithSchedulerMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	routerOpts := []webhooks.RouterOption{webhooks.WithRouterLoggerProvider(provider)}
	if options.legacy != nil {
		routerOpts = append(routerOpts, webhooks.WithLegacyHandler(options.legacy))
	}
	for eventType, handler := range options.handlers {
		routerOpts = append(routerOpts, webhooks.WithHandler(eventType, handler))
	}
	rt.Router, err = webhooks.NewRouter(rt.Machine, routerOpts...)
	if err != nil {
		return nil, err
	}

	rt.Processor = webhooks.NewProcessor(verifier, rt.Coordinator, rt.Scheduler, rt.Router)
	rt.Processor.MaxEventAge = cfg.MaxEventAge
	rt.Processor.Audit = deps.Audit
	rt.Processor.Logger = core.ResolveLogger("webhooks.processor", provider, nil)
	rt.Processor.Metrics = metrics

	rt.DeadLetter, err = deadletter.NewService(deps.Events, deps.DeadLetters, rt.Coordinator,
		deadletter.WithRetention(cfg.DeadLetter.Retention),
		deadletter.WithLoggerProvider(provider),
		deadletter.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	rt.Workers, err = retry.NewWorkerPool(deps.Tasks, rt.Processor,
		retry.WithWorkerConfig(retry.WorkerConfig{
			Concurrency:    cfg.Retry.Concurrency,
			PollInterval:   cfg.Retry.PollInterval,
			BatchSize:      cfg.Retry.BatchSize,
			Lease:          cfg.Retry.Lease,
			ReleaseBackoff: backoff,
		}),
		retry.WithWorkerLoggerProvider(provider),
		retry.WithWorkerMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	rt.Reconciler, err = retry.NewReconciler(deps.Events, deps.DeadLetters, rt.Scheduler,
		retry.WithReconcileLimit(cfg.Reconcile.Limit),
		retry.WithReconcileWindow(cfg.Reconcile.Window),
		retry.WithReconcilerLoggerProvider(provider),
		retry.WithTaskLister(deps.Tasks),
	)
	if err != nil {
		return nil, err
	}

	inboundOpts := append([]inbound.Option{inbound.WithLoggerProvider(provider)}, options.inboundOpts...)
	rt.Inbound, err = inbound.NewHandler(rt.Processor, inboundOpts...)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// NewInMemory builds a runtime over the in-memory stores. State does not
// survive the process.
func NewInMemory(cfg Config, opts ...Option) (*Runtime, error) {
	events := memorystore.NewEventStore()
	return New(cfg, Dependencies{
		Events:        events,
		DeadLetters:   memorystore.NewDeadLetterStore(events),
		Tasks:         memorystore.NewTaskQueue(),
		Subscriptions: subscriptions.NewMemoryStore(),
		Audit:         memorystore.NewAuditLog(),
	}, opts...)
}

// NewFromDB builds a runtime over the bun stores. The schema from
// GetMigrationsFS must already be applied.
func NewFromDB(db *bun.DB, cfg Config, opts ...Option) (*Runtime, error) {
	factory, err := sqlstore.NewRepositoryFactoryFromDB(db)
	if err != nil {
		return nil, err
	}
	options := runtimeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	var states subscriptions.Store = factory.SubscriptionStateStore()
	if options.cache != nil {
		cached, err := sqlstore.NewCachedSubscriptionStateStore(states, options.cache)
		if err != nil {
			return nil, err
		}
		states = cached
	}
	return New(cfg, Dependencies{
		Events:        factory.EventStore(),
		DeadLetters:   factory.DeadLetterStore(),
		Tasks:         factory.RetryTaskStore(),
		Subscriptions: states,
		Audit:         factory.AuditLogStore(),
	}, opts...)
}

// Register mounts the inbound endpoint on e.
func (r *Runtime) Register(e *echo.Echo) {
	r.Inbound.Register(e)
}

// RegisterOperations exposes the dead-letter, reconcile and read operations
// as go-command messages. Re-drives run through the live router.
func (r *Runtime) RegisterOperations(adapter *gocommand.RegistryAdapter) (gocommand.Subscriptions, error) {
	return gocommand.RegisterOperations(adapter, gocommand.Operations{
		DeadLetters:   r.DeadLetter,
		DeadLetterLog: r.DeadLetter,
		Redrive:       r.Router.Handle,
		Reconciler:    r.Reconciler,
		Events:        r.Events,
		Tasks:         r.Tasks,
		Subscriptions: r.Subscriptions,
	})
}

// Start runs one reconciliation sweep to pick up work a previous process left
// behind, then starts the worker pool. A positive reconcile interval keeps
// sweeping until Stop.
func (r *Runtime) Start(ctx context.Context) error {
	stats, err := r.Reconciler.Sweep(ctx)
	if err != nil {
		core.LogWarn(ctx, r.logger, "startup reconciliation incomplete", map[string]any{
			"scanned": stats.Scanned,
			"failed":  stats.Failed,
			"error":   err.Error(),
		})
	}
	if err := r.Workers.Start(ctx); err != nil {
		return err
	}
	if interval := r.Config.Reconcile.Interval; interval > 0 && r.stopSweep == nil {
		sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		r.stopSweep = cancel
		r.sweeping = make(chan struct{})
		go func() {
			defer close(r.sweeping)
			r.Reconciler.Run(sweepCtx, interval)
		}()
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context) error {
	if r.stopSweep != nil {
		r.stopSweep()
		select {
		case <-r.sweeping:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.stopSweep = nil
	}
	return r.Workers.Stop(ctx)
}
