package redisqueue

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-webhook-ledger/retry"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*Queue, *time.Time) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}

	prefix := "webhooks:test:" + uuid.NewString()
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		_ = client.Close()
	})

	q, err := New(client, WithPrefix(prefix))
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.Now = func() time.Time { return now }
	return q, &now
}

func task(attempt int, runAt time.Time) retry.Task {
	return retry.Task{
		IdempotencyKey: "evt_1:invoice.payment_failed",
		WebhookEventID: "row_1",
		EventID:        "evt_1",
		EventType:      "invoice.payment_failed",
		RawPayload:     []byte(`{"id":"evt_1"}`),
		AttemptNumber:  attempt,
		RunAt:          runAt,
	}
}

func TestQueue_DedupesAndClaimsDueTasks(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, task(1, now.Add(2*time.Second))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, task(1, now.Add(time.Hour))); err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if pending, err := q.Pending(ctx); err != nil || pending != 1 {
		t.Fatalf("expected one pending task, got %d (%v)", pending, err)
	}

	claimed, err := q.Claim(ctx, 10, time.Minute)
	if err != nil || len(claimed) != 0 {
		t.Fatalf("expected nothing due yet, got %d (%v)", len(claimed), err)
	}

	*now = now.Add(3 * time.Second)
	claimed, err = q.Claim(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Status != retry.TaskStatusClaimed || claimed[0].Deliveries != 1 {
		t.Fatalf("unexpected claim: %#v", claimed)
	}
	if string(claimed[0].RawPayload) != `{"id":"evt_1"}` {
		t.Fatalf("expected payload preserved, got %q", claimed[0].RawPayload)
	}

	if err := q.Complete(ctx, claimed[0].ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if pending, _ := q.Pending(ctx); pending != 0 {
		t.Fatalf("expected no pending tasks, got %d", pending)
	}
}

func TestQueue_ReleaseAndExpiredLease(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, task(1, *now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := q.Claim(ctx, 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %d (%v)", len(claimed), err)
	}
	if err := q.Release(ctx, claimed[0].ID, now.Add(5*time.Second), errors.New("worker busy")); err != nil {
		t.Fatalf("release: %v", err)
	}
	if again, _ := q.Claim(ctx, 1, time.Minute); len(again) != 0 {
		t.Fatalf("released task should wait for its run_at")
	}

	*now = now.Add(6 * time.Second)
	claimed, err = q.Claim(ctx, 1, time.Minute)
	if err != nil || len(claimed) != 1 || claimed[0].LastWorkerError != "worker busy" {
		t.Fatalf("expected released task claimable, got %#v (%v)", claimed, err)
	}

	*now = now.Add(2 * time.Minute)
	claimed, err = q.Claim(ctx, 1, time.Minute)
	if err != nil || len(claimed) != 1 || claimed[0].Deliveries != 3 {
		t.Fatalf("expected expired lease reclaimed, got %#v (%v)", claimed, err)
	}
}

func TestQueue_ListByIdempotencyKeyOrdersByAttempt(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()
	for _, attempt := range []int{2, 1, 3} {
		if err := q.Enqueue(ctx, task(attempt, now.Add(time.Duration(attempt)*time.Second))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	tasks, err := q.ListByIdempotencyKey(ctx, "evt_1:invoice.payment_failed")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 3 || tasks[0].AttemptNumber != 1 || tasks[2].AttemptNumber != 3 {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected missing client error")
	}
}

func TestTaskRecordRoundTripKeepsClaimState(t *testing.T) {
	claimedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := task(2, claimedAt)
	in.ID = "task_1"
	in.Status = retry.TaskStatusClaimed
	in.ClaimedAt = &claimedAt
	in.Deliveries = 2

	raw, err := encodeTask(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decodeTask(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Key() != in.Key() || out.ClaimedAt == nil || !out.ClaimedAt.Equal(claimedAt) || out.Deliveries != 2 {
		t.Fatalf("unexpected decoded task: %#v", out)
	}
}

func TestQueue_SurfacesUnreachableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	q, err := New(client, WithPrefix("webhooks:offline"))
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	if err := q.Enqueue(context.Background(), retry.Task{IdempotencyKey: "evt_1:invoice.payment_failed"}); err == nil {
		t.Fatalf("expected invalid task rejected")
	}
	err = q.Enqueue(context.Background(), task(1, time.Now()))
	if err == nil {
		t.Fatalf("expected enqueue to fail without redis")
	}
	if !strings.Contains(err.Error(), "redisqueue: reserve task key") {
		t.Fatalf("expected reservation error, got %v", err)
	}
	if _, err := q.Claim(context.Background(), 1, time.Minute); err == nil {
		t.Fatalf("expected claim to fail without redis")
	}
}
