package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Availability {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewAvailability(client, time.Minute)
}

func TestAvailabilityRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	_, ok := c.Get(ctx, 7)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, 7, decimal.RequireFromString("12.5000")))
	got, ok := c.Get(ctx, 7)
	require.True(t, ok)
	require.True(t, got.Equal(decimal.RequireFromString("12.5")))
}

func TestAvailabilityInvalidate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.NoError(t, c.Set(ctx, 1, decimal.NewFromInt(3)))
	require.NoError(t, c.Set(ctx, 2, decimal.NewFromInt(4)))
	require.NoError(t, c.Invalidate(ctx, 1, 2))

	_, ok := c.Get(ctx, 1)
	require.False(t, ok)
	_, ok = c.Get(ctx, 2)
	require.False(t, ok)
}

func TestAvailabilityNilSafe(t *testing.T) {
	ctx := context.Background()
	var c *Availability

	_, ok := c.Get(ctx, 1)
	require.False(t, ok)
	require.NoError(t, c.Set(ctx, 1, decimal.Zero))
	require.NoError(t, c.Invalidate(ctx, 1))
}
