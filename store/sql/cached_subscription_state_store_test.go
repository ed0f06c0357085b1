package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-webhook-ledger/subscriptions"
	"github.com/uptrace/bun"
)

type stubSubscriptionStore struct {
	mu        sync.Mutex
	record    subscriptions.Record
	getCalls  int
	saveCalls int
	getErr    error
	saveErr   error
}

func (s *stubSubscriptionStore) Get(_ context.Context, _ string) (subscriptions.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return subscriptions.Record{}, s.getErr
	}
	return s.record, nil
}

func (s *stubSubscriptionStore) Save(
	_ context.Context,
	record subscriptions.Record,
	_ int,
	_ subscriptions.Transition,
) (subscriptions.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveErr != nil {
		return subscriptions.Record{}, s.saveErr
	}
	record.Version = s.record.Version + 1
	s.record = record
	return record, nil
}

func (s *stubSubscriptionStore) History(context.Context, string) ([]subscriptions.Transition, error) {
	return nil, nil
}

func TestCachedSubscriptionStateStore_Get_MissFetchThenHit(t *testing.T) {
	base := &stubSubscriptionStore{
		record: subscriptions.Record{ID: "sub_cache_1", State: subscriptions.StateActive, Version: 3},
	}
	store, err := NewCachedSubscriptionStateStore(base, newTestSubscriptionCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}

	first, err := store.Get(context.Background(), "sub_cache_1")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	if first.State != subscriptions.StateActive || first.Version != 3 {
		t.Fatalf("unexpected first record: %+v", first)
	}
	if _, err := store.Get(context.Background(), "sub_cache_1"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if base.getCalls != 1 {
		t.Fatalf("expected second get to be a cache hit, base get calls=%d", base.getCalls)
	}
}

func TestCachedSubscriptionStateStore_GetInsideTxBypassesCache(t *testing.T) {
	base := &stubSubscriptionStore{
		record: subscriptions.Record{ID: "sub_cache_tx", State: subscriptions.StatePastDue, Version: 2},
	}
	store, err := NewCachedSubscriptionStateStore(base, newTestSubscriptionCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	txCtx := WithTx(context.Background(), bun.Tx{})
	for i := 0; i < 2; i++ {
		if _, err := store.Get(txCtx, "sub_cache_tx"); err != nil {
			t.Fatalf("get in tx: %v", err)
		}
	}
	if base.getCalls != 2 {
		t.Fatalf("expected every in-tx read to hit the base store, got %d", base.getCalls)
	}
	for i := 0; i < 2; i++ {
		if _, err := store.Get(context.Background(), "sub_cache_tx"); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if base.getCalls != 3 {
		t.Fatalf("expected in-tx reads to leave the cache empty, base get calls=%d", base.getCalls)
	}
}

func TestCachedSubscriptionStateStore_SaveInvalidatesEntry(t *testing.T) {
	base := &stubSubscriptionStore{
		record: subscriptions.Record{ID: "sub_cache_2", State: subscriptions.StateTrialing, Version: 1},
	}
	store, err := NewCachedSubscriptionStateStore(base, newTestSubscriptionCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Get(ctx, "sub_cache_2"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if _, err := store.Save(ctx, subscriptions.Record{ID: "sub_cache_2", State: subscriptions.StateActive}, 1,
		subscriptions.Transition{From: subscriptions.StateTrialing, To: subscriptions.StateActive}); err != nil {
		t.Fatalf("save: %v", err)
	}

	after, err := store.Get(ctx, "sub_cache_2")
	if err != nil {
		t.Fatalf("get after save: %v", err)
	}
	if after.State != subscriptions.StateActive || after.Version != 2 {
		t.Fatalf("expected fresh record after save, got %+v", after)
	}
	if base.getCalls != 2 {
		t.Fatalf("expected refetch after invalidation, base get calls=%d", base.getCalls)
	}
}

func TestCachedSubscriptionStateStore_SaveConflictStillInvalidates(t *testing.T) {
	base := &stubSubscriptionStore{
		record: subscriptions.Record{ID: "sub_cache_3", State: subscriptions.StateActive, Version: 4},
	}
	store, err := NewCachedSubscriptionStateStore(base, newTestSubscriptionCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Get(ctx, "sub_cache_3"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	base.saveErr = subscriptions.ErrVersionConflict
	if _, err := store.Save(ctx, subscriptions.Record{ID: "sub_cache_3", State: subscriptions.StatePastDue}, 3,
		subscriptions.Transition{}); !errors.Is(err, subscriptions.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if _, err := store.Get(ctx, "sub_cache_3"); err != nil {
		t.Fatalf("get after conflict: %v", err)
	}
	if base.getCalls != 2 {
		t.Fatalf("expected conflict to drop the cached entry, base get calls=%d", base.getCalls)
	}
}

func TestCachedSubscriptionStateStore_PropagatesNotFound(t *testing.T) {
	base := &stubSubscriptionStore{getErr: subscriptions.ErrNotFound}
	store, err := NewCachedSubscriptionStateStore(base, newTestSubscriptionCacheService(t))
	if err != nil {
		t.Fatalf("new cached store: %v", err)
	}
	if _, err := store.Get(context.Background(), "sub_missing"); !errors.Is(err, subscriptions.ErrNotFound) {
		t.Fatalf("expected base error propagation, got %v", err)
	}
}

func TestSubscriptionStateCacheKey(t *testing.T) {
	key, err := SubscriptionStateCacheKey(" sub/with space ")
	if err != nil {
		t.Fatalf("cache key: %v", err)
	}
	if key != "webhook-ledger::subscription_state::v1::sub%2Fwith%20space" {
		t.Fatalf("unexpected cache key %q", key)
	}
	if _, err := SubscriptionStateCacheKey(" "); err == nil {
		t.Fatalf("expected empty id to be rejected")
	}
	if _, err := NewCachedSubscriptionStateStore(nil, newTestSubscriptionCacheService(t)); err == nil {
		t.Fatalf("expected base store to be required")
	}
}

func newTestSubscriptionCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}
