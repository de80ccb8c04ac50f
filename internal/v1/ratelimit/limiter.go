// Package ratelimit implements the sliding-window quota tiers consulted
// synchronously before an inbound message reaches a room's intent
// pipeline: client, room, action, and an optional burst window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/partyhall/roomengine/internal/v1/config"
	"github.com/partyhall/roomengine/internal/v1/logging"
	"github.com/partyhall/roomengine/internal/v1/metrics"
)

// Tier names, also used as metric labels.
const (
	TierClient = "client"
	TierRoom   = "room"
	TierAction = "action"
	TierBurst  = "burst"
)

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed   bool
	Tier      string
	Remaining int64
	ResetUnix int64
}

type tierLimiter struct {
	main  *limiter.Limiter
	burst *limiter.Limiter
}

// Limiter holds the per-tier limiter instances, sharing one store.
type Limiter struct {
	tiers map[string]*tierLimiter
	store limiter.Store
}

// New builds a Limiter from the configured tiers. When redisClient is
// non-nil, limits are enforced against a shared Redis store so they hold
// across a horizontally scaled dispatcher tier; otherwise an in-memory
// store is used.
func New(cfg map[string]config.RateLimitTier, redisClient *redis.Client) (*Limiter, error) {
	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "roomengine:ratelimit:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis rate limit store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "rate limiter using memory store")
	}

	l := &Limiter{tiers: make(map[string]*tierLimiter), store: store}
	for name, tierCfg := range cfg {
		rate := limiter.Rate{Period: msToDuration(tierCfg.WindowMs), Limit: int64(tierCfg.MaxRequests)}
		tl := &tierLimiter{main: limiter.New(store, rate)}
		if tierCfg.BurstSize > 0 && tierCfg.BurstWindowMs > 0 {
			burstRate := limiter.Rate{Period: msToDuration(tierCfg.BurstWindowMs), Limit: int64(tierCfg.BurstSize)}
			tl.burst = limiter.New(store, burstRate)
		}
		l.tiers[name] = tl
	}
	return l, nil
}

// Check consults the tiers in priority order: client, room, action,
// falling back to whichever of those three is configured for the given
// keys. A configured burst window for a matched tier is checked in
// addition to the tier's primary window; either exceeding its limit
// rejects the request.
func (l *Limiter) Check(ctx context.Context, clientID, roomCode, action string) (Decision, error) {
	type candidate struct {
		tier string
		key  string
	}
	candidates := []candidate{
		{TierClient, clientID},
		{TierRoom, roomCode},
		{TierAction, action},
	}

	for _, c := range candidates {
		tl, ok := l.tiers[c.tier]
		if !ok || c.key == "" {
			continue
		}
		metrics.RateLimitRequests.WithLabelValues(c.tier).Inc()

		res, err := tl.main.Get(ctx, c.key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", errField(err))
			continue // fail open on store errors
		}
		if res.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.tier).Inc()
			return Decision{Allowed: false, Tier: c.tier, Remaining: res.Remaining, ResetUnix: res.Reset}, nil
		}

		if tl.burst != nil {
			burstRes, err := tl.burst.Get(ctx, c.key+":"+TierBurst)
			if err != nil {
				logging.Error(ctx, "burst rate limiter store failed", errField(err))
				continue
			}
			if burstRes.Reached {
				metrics.RateLimitExceeded.WithLabelValues(TierBurst).Inc()
				return Decision{Allowed: false, Tier: TierBurst, Remaining: burstRes.Remaining, ResetUnix: burstRes.Reset}, nil
			}
		}
		return Decision{Allowed: true, Tier: c.tier, Remaining: res.Remaining, ResetUnix: res.Reset}, nil
	}

	return Decision{Allowed: true}, nil
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func errField(err error) zap.Field {
	return zap.Error(err)
}
