package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-webhook-ledger/subscriptions"
)

const subscriptionStateCacheKeyPrefix = "webhook-ledger::subscription_state::v1"

// CachedSubscriptionStateStore reads subscription state through a cache and
// invalidates the entry on every save, conflicting or not. Reads made inside a
// transaction installed with WithTx skip the cache.
type CachedSubscriptionStateStore struct {
	base  subscriptions.Store
	cache repositorycache.CacheService
}

func NewCachedSubscriptionStateStore(
	base subscriptions.Store,
	cacheService repositorycache.CacheService,
) (*CachedSubscriptionStateStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base subscription state store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: subscription state cache service is required")
	}
	return &CachedSubscriptionStateStore{base: base, cache: cacheService}, nil
}

// SubscriptionStateCacheKey returns
// webhook-ledger::subscription_state::v1::<escaped subscription id>.
func SubscriptionStateCacheKey(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("sqlstore: subscription id is required")
	}
	return subscriptionStateCacheKeyPrefix + "::" + url.PathEscape(id), nil
}

func (s *CachedSubscriptionStateStore) Get(ctx context.Context, id string) (subscriptions.Record, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return subscriptions.Record{}, fmt.Errorf("sqlstore: cached subscription state store is not configured")
	}
	cacheKey, err := SubscriptionStateCacheKey(id)
	if err != nil {
		return subscriptions.Record{}, err
	}
	if _, inTx := TxFromContext(ctx); inTx {
		// Uncommitted state must not reach the shared cache.
		return s.base.Get(ctx, id)
	}
	return repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (subscriptions.Record, error) {
		return s.base.Get(ctx, id)
	})
}

func (s *CachedSubscriptionStateStore) Save(
	ctx context.Context,
	record subscriptions.Record,
	expectedVersion int,
	transition subscriptions.Transition,
) (subscriptions.Record, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return subscriptions.Record{}, fmt.Errorf("sqlstore: cached subscription state store is not configured")
	}
	cacheKey, err := SubscriptionStateCacheKey(record.ID)
	if err != nil {
		return subscriptions.Record{}, err
	}
	saved, saveErr := s.base.Save(ctx, record, expectedVersion, transition)
	if err := s.cache.Delete(ctx, cacheKey); err != nil && saveErr == nil {
		return subscriptions.Record{}, err
	}
	if saveErr != nil {
		return subscriptions.Record{}, saveErr
	}
	return saved, nil
}

func (s *CachedSubscriptionStateStore) History(ctx context.Context, id string) ([]subscriptions.Transition, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached subscription state store is not configured")
	}
	return s.base.History(ctx, id)
}

var _ subscriptions.Store = (*CachedSubscriptionStateStore)(nil)
