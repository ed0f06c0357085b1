package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
)

// WorkerConfig controls how often and how much the pool claims.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
	// ReleaseBackoff delays a task whose handler failed with an infrastructure
	// error. Attempt is the number of deliveries so far.
	ReleaseBackoff BackoffPolicy
	ReleaseBase    time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:    core.DefaultRetryConcurrency,
		PollInterval:   core.DefaultRetryPollInterval,
		BatchSize:      core.DefaultRetryBatchSize,
		Lease:          core.DefaultRetryLease,
		ReleaseBackoff: DefaultBackoffPolicy(),
		ReleaseBase:    time.Second,
	}
}

func (c WorkerConfig) normalized() WorkerConfig {
	defaults := DefaultWorkerConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Lease <= 0 {
		c.Lease = defaults.Lease
	}
	if c.ReleaseBase <= 0 {
		c.ReleaseBase = defaults.ReleaseBase
	}
	return c
}

// WorkerPool drains due retry tasks into a TaskHandler. A nil handler error
// completes the task; any other error releases it for a later delivery.
type WorkerPool struct {
	claimer Claimer
	handler TaskHandler
	config  WorkerConfig
	logger  core.Logger
	metrics core.MetricsRecorder
	Now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

type WorkerOption func(*WorkerPool)

func WithWorkerConfig(config WorkerConfig) WorkerOption {
	return func(p *WorkerPool) {
		p.config = config.normalized()
	}
}

func WithWorkerLogger(logger core.Logger) WorkerOption {
	return func(p *WorkerPool) {
		p.logger = core.ResolveLogger("webhooks.retry.worker", nil, logger)
	}
}

func WithWorkerLoggerProvider(provider core.LoggerProvider) WorkerOption {
	return func(p *WorkerPool) {
		p.logger = core.ResolveLogger("webhooks.retry.worker", provider, p.logger)
	}
}

func WithWorkerMetrics(recorder core.MetricsRecorder) WorkerOption {
	return func(p *WorkerPool) {
		if recorder != nil {
			p.metrics = recorder
		}
	}
}

func NewWorkerPool(claimer Claimer, handler TaskHandler, opts ...WorkerOption) (*WorkerPool, error) {
	if claimer == nil {
		return nil, fmt.Errorf("retry: task claimer is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("retry: task handler is required")
	}
	pool := &WorkerPool{
		claimer: claimer,
		handler: handler,
		config:  DefaultWorkerConfig(),
		logger:  core.ResolveLogger("webhooks.retry.worker", nil, nil),
		metrics: core.NopMetricsRecorder{},
		Now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(pool)
		}
	}
	return pool, nil
}

// Start runs the poll loop until Stop is called or ctx ends.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p == nil {
		return fmt.Errorf("retry: worker pool is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("retry: worker pool already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.loop(runCtx, p.done)
	core.LogInfo(ctx, p.logger, "retry worker pool started", map[string]any{
		"concurrency":   p.config.Concurrency,
		"poll_interval": p.config.PollInterval.String(),
		"batch_size":    p.config.BatchSize,
	})
	return nil
}

// Stop cancels the poll loop and waits for in-flight tasks, or for ctx.
func (p *WorkerPool) Stop(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	if ctx == nil {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			core.LogError(ctx, p.logger, "retry worker poll failed", map[string]any{"error": err.Error()})
		}
		if err := waitWithContext(ctx, p.config.PollInterval); err != nil {
			return
		}
	}
}

// RunOnce claims one batch and processes it with up to Concurrency handlers.
// It returns the number of tasks handled.
func (p *WorkerPool) RunOnce(ctx context.Context) (int, error) {
	if p == nil {
		return 0, fmt.Errorf("retry: worker pool is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	config := p.config.normalized()
	tasks, err := p.claimer.Claim(ctx, config.BatchSize, config.Lease)
	if err != nil {
		return 0, fmt.Errorf("retry: claim tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, config.Concurrency)
	var wg sync.WaitGroup
	for _, task := range tasks {
		sem <- struct{}{}
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			defer func() { <-sem }()
			p.handle(ctx, task, config)
		}(task)
	}
	wg.Wait()
	return len(tasks), nil
}

func (p *WorkerPool) handle(ctx context.Context, task Task, config WorkerConfig) {
	fields := map[string]any{
		"task_id":          task.ID,
		"webhook_event_id": task.WebhookEventID,
		"event_id":         task.EventID,
		"attempt":          task.AttemptNumber,
		"deliveries":       task.Deliveries,
	}
	start := p.now()
	handleErr := p.handler.HandleRetryTask(ctx, task)
	elapsed := p.now().Sub(start).Milliseconds()

	// Completion and release use a detached context so a stopping pool still
	// records the outcome of work it already did.
	writeCtx := context.WithoutCancel(ctx)
	if handleErr == nil {
		if err := p.claimer.Complete(writeCtx, task.ID); err != nil {
			fields["error"] = err.Error()
			core.LogError(ctx, p.logger, "retry task completion failed", fields)
			return
		}
		core.RecordOutcome(ctx, p.metrics, "retry.task", elapsed, map[string]string{"outcome": "completed"})
		core.LogDebug(ctx, p.logger, "retry task completed", fields)
		return
	}

	delay := config.ReleaseBackoff.Delay(config.ReleaseBase, task.Deliveries)
	fields["error"] = handleErr.Error()
	fields["release_delay_ms"] = delay.Milliseconds()
	if err := p.claimer.Release(writeCtx, task.ID, p.now().Add(delay), handleErr); err != nil {
		fields["release_error"] = err.Error()
		core.LogError(ctx, p.logger, "retry task release failed", fields)
		return
	}
	core.RecordOutcome(ctx, p.metrics, "retry.task", elapsed, map[string]string{"outcome": "released"})
	core.LogWarn(ctx, p.logger, "retry task released", fields)
}

func (p *WorkerPool) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
