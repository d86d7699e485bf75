package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Availability is a read-side cache of on-hand stock per product. It serves
// the availability preview endpoints only; transactions always read the
// locked product row. Writers invalidate after every committed movement, so a
// miss falls through to the database and repopulates.
type Availability struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAvailability constructs the cache with the given entry TTL.
func NewAvailability(client *redis.Client, ttl time.Duration) *Availability {
	return &Availability{client: client, ttl: ttl}
}

func availabilityKey(productID int64) string {
	return fmt.Sprintf("stock:available:%d", productID)
}

// Get returns the cached stock for a product. The second result is false on
// a miss or when the cache is disabled.
func (a *Availability) Get(ctx context.Context, productID int64) (decimal.Decimal, bool) {
	if a == nil || a.client == nil {
		return decimal.Zero, false
	}
	raw, err := a.client.Get(ctx, availabilityKey(productID)).Result()
	if err != nil {
		return decimal.Zero, false
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return value, true
}

// Set stores the current stock for a product.
func (a *Availability) Set(ctx context.Context, productID int64, stock decimal.Decimal) error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Set(ctx, availabilityKey(productID), stock.String(), a.ttl).Err()
}

// Invalidate drops the cached stock for the given products. Called after a
// movement commits.
func (a *Availability) Invalidate(ctx context.Context, productIDs ...int64) error {
	if a == nil || a.client == nil || len(productIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		keys = append(keys, availabilityKey(id))
	}
	if err := a.client.Del(ctx, keys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("platform/cache: invalidate: %w", err)
	}
	return nil
}
