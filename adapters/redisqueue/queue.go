// Package redisqueue stores delayed retry tasks in Redis sorted sets so
// several ledger processes can share one retry backlog.
//
// Layout under the configured prefix:
//
//	<prefix>:ready            ZSET task id scored by run_at (unix ms)
//	<prefix>:claimed          ZSET task id scored by claim time (unix ms)
//	<prefix>:task:<id>        task record (JSON)
//	<prefix>:key:<task key>   dedupe marker holding the task id
//	<prefix>:event:<idem key> SET of task ids for one event
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/retry"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "webhooks:retry"

// claimScript requeues expired leases then moves up to limit due ids from the
// ready set to the claimed set in one step.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local expired = tonumber(ARGV[3])
local stale = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', expired)
for _, id in ipairs(stale) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], expired, id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, limit)
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], now, id)
end
return ids
`)

type Queue struct {
	client redis.UniversalClient
	prefix string
	logger core.Logger

	Now func() time.Time
}

type Option func(*Queue)

func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			q.prefix = strings.TrimSuffix(prefix, ":")
		}
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(q *Queue) {
		q.logger = core.ResolveLogger("webhooks.redisqueue", provider, q.logger)
	}
}

func New(client redis.UniversalClient, opts ...Option) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redisqueue: redis client is required")
	}
	q := &Queue{
		client: client,
		prefix: DefaultPrefix,
		logger: core.ResolveLogger("webhooks.redisqueue", nil, nil),
		Now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

// Enqueue stores task unless a task with the same key already exists.
func (q *Queue) Enqueue(ctx context.Context, task retry.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	now := q.now()
	task.ID = uuid.NewString()
	task.IdempotencyKey = strings.TrimSpace(task.IdempotencyKey)
	task.Status = retry.TaskStatusQueued
	task.ClaimedAt = nil
	task.Deliveries = 0
	if task.RunAt.IsZero() {
		task.RunAt = now
	}
	task.RunAt = task.RunAt.UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	claimed, err := q.client.SetNX(ctx, q.dedupeKey(task.Key()), task.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("redisqueue: reserve task key: %w", err)
	}
	if !claimed {
		return nil
	}
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.taskKey(task.ID), raw, 0)
		pipe.SAdd(ctx, q.eventKey(task.IdempotencyKey), task.ID)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: score(task.RunAt), Member: task.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisqueue: enqueue task: %w", err)
	}
	return nil
}

func (q *Queue) Claim(ctx context.Context, limit int, lease time.Duration) ([]retry.Task, error) {
	if limit <= 0 {
		limit = 1
	}
	if lease <= 0 {
		lease = core.DefaultRetryLease
	}
	now := q.now()
	ids, err := claimScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.claimedKey()},
		score(now), limit, score(now.Add(-lease)),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redisqueue: claim tasks: %w", err)
	}
	out := make([]retry.Task, 0, len(ids))
	for _, id := range ids {
		task, err := q.mutate(ctx, id, func(task *retry.Task) {
			claimedAt := now
			task.Status = retry.TaskStatusClaimed
			task.ClaimedAt = &claimedAt
			task.Deliveries++
		})
		if err != nil {
			core.LogWarn(ctx, q.logger, "claimed retry task could not be loaded", map[string]any{
				"task_id": id,
				"error":   err.Error(),
			})
			q.client.ZRem(ctx, q.claimedKey(), id)
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out, nil
}

func (q *Queue) Complete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if _, err := q.mutate(ctx, id, func(task *retry.Task) {
		task.Status = retry.TaskStatusDone
		task.ClaimedAt = nil
	}); err != nil {
		return err
	}
	return q.client.ZRem(ctx, q.claimedKey(), id).Err()
}

func (q *Queue) Release(ctx context.Context, id string, runAt time.Time, cause error) error {
	id = strings.TrimSpace(id)
	if runAt.IsZero() {
		runAt = q.now()
	}
	runAt = runAt.UTC()
	if _, err := q.mutate(ctx, id, func(task *retry.Task) {
		task.Status = retry.TaskStatusQueued
		task.ClaimedAt = nil
		task.RunAt = runAt
		task.LastWorkerError = ""
		if cause != nil {
			task.LastWorkerError = strings.TrimSpace(cause.Error())
		}
	}); err != nil {
		return err
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.claimedKey(), id)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: score(runAt), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisqueue: release task: %w", err)
	}
	return nil
}

func (q *Queue) ListByIdempotencyKey(ctx context.Context, key string) ([]retry.Task, error) {
	ids, err := q.client.SMembers(ctx, q.eventKey(strings.TrimSpace(key))).Result()
	if err != nil {
		return nil, fmt.Errorf("redisqueue: list tasks: %w", err)
	}
	out := make([]retry.Task, 0, len(ids))
	for _, id := range ids {
		task, err := q.load(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

// Pending counts tasks waiting in either set.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	ready, err := q.client.ZCard(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, err
	}
	claimed, err := q.client.ZCard(ctx, q.claimedKey()).Result()
	if err != nil {
		return 0, err
	}
	return ready + claimed, nil
}

func (q *Queue) load(ctx context.Context, id string) (retry.Task, error) {
	raw, err := q.client.Get(ctx, q.taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return retry.Task{}, fmt.Errorf("redisqueue: retry task %q not found", id)
		}
		return retry.Task{}, fmt.Errorf("redisqueue: load task: %w", err)
	}
	return decodeTask(raw)
}

func (q *Queue) mutate(ctx context.Context, id string, fn func(task *retry.Task)) (retry.Task, error) {
	task, err := q.load(ctx, id)
	if err != nil {
		return retry.Task{}, err
	}
	fn(&task)
	task.UpdatedAt = q.now()
	raw, err := encodeTask(task)
	if err != nil {
		return retry.Task{}, err
	}
	if err := q.client.Set(ctx, q.taskKey(id), raw, 0).Err(); err != nil {
		return retry.Task{}, fmt.Errorf("redisqueue: store task: %w", err)
	}
	return task, nil
}

func (q *Queue) readyKey() string   { return q.prefix + ":ready" }
func (q *Queue) claimedKey() string { return q.prefix + ":claimed" }

func (q *Queue) taskKey(id string) string {
	return q.prefix + ":task:" + id
}

func (q *Queue) dedupeKey(taskKey string) string {
	return q.prefix + ":key:" + taskKey
}

func (q *Queue) eventKey(idempotencyKey string) string {
	return q.prefix + ":event:" + idempotencyKey
}

func (q *Queue) now() time.Time {
	if q != nil && q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

var (
	_ retry.Queue      = (*Queue)(nil)
	_ retry.Claimer    = (*Queue)(nil)
	_ retry.TaskLister = (*Queue)(nil)
)
