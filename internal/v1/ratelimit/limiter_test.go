package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/partyhall/roomengine/internal/v1/config"
)

func testTiers() map[string]config.RateLimitTier {
	return map[string]config.RateLimitTier{
		TierClient: {MaxRequests: 2, WindowMs: 1_000},
		TierRoom:   {MaxRequests: 5, WindowMs: 1_000},
		TierAction: {MaxRequests: 2, WindowMs: 1_000, BurstSize: 3, BurstWindowMs: 5_000},
	}
}

func TestLimiter_MemoryStore_AllowsUnderLimit(t *testing.T) {
	l, err := New(testTiers(), nil)
	require.NoError(t, err)

	dec, err := l.Check(context.Background(), "player-1", "ABCD", "serve")
	require.NoError(t, err)
	require.True(t, dec.Allowed)
}

func TestLimiter_MemoryStore_RejectsOverClientLimit(t *testing.T) {
	l, err := New(testTiers(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		dec, err := l.Check(ctx, "player-1", "ABCD", "hit")
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}

	dec, err := l.Check(ctx, "player-1", "ABCD", "hit")
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Equal(t, TierClient, dec.Tier)
}

func TestLimiter_MemoryStore_PerClientIsolated(t *testing.T) {
	l, err := New(testTiers(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := l.Check(ctx, "player-1", "ABCD", "hit")
		require.NoError(t, err)
	}

	dec, err := l.Check(ctx, "player-2", "ABCD", "hit")
	require.NoError(t, err)
	require.True(t, dec.Allowed, "a different client should have its own quota")
}

func TestLimiter_RedisStore_SharedAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := map[string]config.RateLimitTier{
		TierClient: {MaxRequests: 1, WindowMs: 1_000},
	}

	l1, err := New(cfg, rc)
	require.NoError(t, err)
	l2, err := New(cfg, rc)
	require.NoError(t, err)

	ctx := context.Background()
	dec, err := l1.Check(ctx, "player-1", "", "")
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = l2.Check(ctx, "player-1", "", "")
	require.NoError(t, err)
	require.False(t, dec.Allowed, "second instance should see the quota consumed by the first via the shared redis store")
}

func TestLimiter_NoTiersConfigured_AlwaysAllows(t *testing.T) {
	l, err := New(map[string]config.RateLimitTier{}, nil)
	require.NoError(t, err)

	dec, err := l.Check(context.Background(), "player-1", "ABCD", "serve")
	require.NoError(t, err)
	require.True(t, dec.Allowed)
}
