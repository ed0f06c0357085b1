package memorystore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/retry"
	"github.com/google/uuid"
)

// TaskQueue is an in-memory retry queue with the same dedupe and lease rules
// as the SQL task table.
type TaskQueue struct {
	mu    sync.Mutex
	tasks map[string]retry.Task
	byKey map[string]string

	Now func() time.Time
}

func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		tasks: map[string]retry.Task{},
		byKey: map[string]string{},
		Now:   time.Now,
	}
}

func (q *TaskQueue) Enqueue(_ context.Context, task retry.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.byKey[task.Key()]; exists {
		return nil
	}
	now := q.now()
	task.ID = uuid.NewString()
	task.IdempotencyKey = strings.TrimSpace(task.IdempotencyKey)
	task.RawPayload = append([]byte(nil), task.RawPayload...)
	task.Status = retry.TaskStatusQueued
	task.ClaimedAt = nil
	task.Deliveries = 0
	if task.RunAt.IsZero() {
		task.RunAt = now
	}
	task.CreatedAt = now
	task.UpdatedAt = now
	q.tasks[task.ID] = task
	q.byKey[task.Key()] = task.ID
	return nil
}

func (q *TaskQueue) Claim(_ context.Context, limit int, lease time.Duration) ([]retry.Task, error) {
	if limit <= 0 {
		limit = 1
	}
	if lease <= 0 {
		lease = core.DefaultRetryLease
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	due := make([]retry.Task, 0)
	for _, task := range q.tasks {
		switch task.Status {
		case retry.TaskStatusQueued:
			if !task.RunAt.After(now) {
				due = append(due, task)
			}
		case retry.TaskStatusClaimed:
			if task.ClaimedAt != nil && !task.ClaimedAt.After(now.Add(-lease)) {
				due = append(due, task)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]retry.Task, 0, len(due))
	for _, task := range due {
		claimedAt := now
		task.Status = retry.TaskStatusClaimed
		task.ClaimedAt = &claimedAt
		task.Deliveries++
		task.UpdatedAt = now
		q.tasks[task.ID] = task
		out = append(out, cloneTask(task))
	}
	return out, nil
}

func (q *TaskQueue) Complete(_ context.Context, id string) error {
	return q.update(id, func(task *retry.Task) {
		task.Status = retry.TaskStatusDone
		task.ClaimedAt = nil
	})
}

func (q *TaskQueue) Release(_ context.Context, id string, runAt time.Time, cause error) error {
	return q.update(id, func(task *retry.Task) {
		task.Status = retry.TaskStatusQueued
		task.ClaimedAt = nil
		if runAt.IsZero() {
			runAt = q.now()
		}
		task.RunAt = runAt.UTC()
		task.LastWorkerError = ""
		if cause != nil {
			task.LastWorkerError = strings.TrimSpace(cause.Error())
		}
	})
}

func (q *TaskQueue) ListByIdempotencyKey(_ context.Context, key string) ([]retry.Task, error) {
	key = strings.TrimSpace(key)
	q.mu.Lock()
	out := make([]retry.Task, 0)
	for _, task := range q.tasks {
		if task.IdempotencyKey == key {
			out = append(out, cloneTask(task))
		}
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

// Pending counts tasks that are not done.
func (q *TaskQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, task := range q.tasks {
		if task.Status != retry.TaskStatusDone {
			count++
		}
	}
	return count
}

func (q *TaskQueue) update(id string, fn func(task *retry.Task)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[strings.TrimSpace(id)]
	if !ok {
		return fmt.Errorf("memorystore: retry task %q not found", id)
	}
	fn(&task)
	task.UpdatedAt = q.now()
	q.tasks[task.ID] = task
	return nil
}

func (q *TaskQueue) now() time.Time {
	if q != nil && q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

func cloneTask(task retry.Task) retry.Task {
	task.RawPayload = append([]byte(nil), task.RawPayload...)
	if task.ClaimedAt != nil {
		claimedAt := *task.ClaimedAt
		task.ClaimedAt = &claimedAt
	}
	return task
}

var (
	_ retry.Queue      = (*TaskQueue)(nil)
	_ retry.Claimer    = (*TaskQueue)(nil)
	_ retry.TaskLister = (*TaskQueue)(nil)
)
