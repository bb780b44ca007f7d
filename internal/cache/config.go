package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/store"
)

var _ store.ConfigRepository = (*ConfigCache)(nil)

// ConfigCache decorates a ConfigRepository with the L1 memory cache.
// Rules and tiers are read on every event and change rarely; the TTL bounds
// staleness and Invalidate drops a program immediately.
type ConfigCache struct {
	next  store.ConfigRepository
	rules *MemoryCache[[]*store.Rule]
	tiers *MemoryCache[[]*store.Tier]
}

// NewConfigCache wraps next. The caller owns Close.
func NewConfigCache(next store.ConfigRepository, cfg *config.CacheConfig) (*ConfigCache, error) {
	if next == nil {
		panic("cache: config repository cannot be nil")
	}
	rules, err := NewMemoryCache[[]*store.Rule](cfg.Capacity, cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("failed to build rules cache: %w", err)
	}
	tiers, err := NewMemoryCache[[]*store.Tier](cfg.Capacity, cfg.TTL)
	if err != nil {
		rules.Close()
		return nil, fmt.Errorf("failed to build tiers cache: %w", err)
	}
	return &ConfigCache{next: next, rules: rules, tiers: tiers}, nil
}

func (c *ConfigCache) ListActiveRules(ctx context.Context, programID string) ([]*store.Rule, error) {
	return cached(ctx, c.rules, programID, c.next.ListActiveRules)
}

func (c *ConfigCache) ListTiers(ctx context.Context, programID string) ([]*store.Tier, error) {
	return cached(ctx, c.tiers, programID, c.next.ListTiers)
}

// Invalidate drops the cached configuration of one program.
func (c *ConfigCache) Invalidate(programID string) {
	c.rules.Del(programID)
	c.tiers.Del(programID)
}

func (c *ConfigCache) Close() {
	c.rules.Close()
	c.tiers.Close()
}

// Cached values are shared between callers and must be treated as read-only.
func cached[V any](ctx context.Context, mc *MemoryCache[V], key string, load func(context.Context, string) (V, error)) (V, error) {
	if v, ok := mc.Get(key); ok {
		observability.ConfigCacheHits.Inc()
		return v, nil
	}
	observability.ConfigCacheMisses.Inc()

	v, err := load(ctx, key)
	if err != nil {
		return v, err
	}
	mc.Set(key, v)
	return v, nil
}

// ListenInvalidations subscribes to channel and invalidates every program id
// received until ctx is cancelled.
func (c *ConfigCache) ListenInvalidations(ctx context.Context, client *redis.Client, channel string) error {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	// Receive blocks until the subscription is confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	log := logger.FromContext(ctx)
	log.Info("listening for config invalidations", slog.String("channel", channel))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			c.Invalidate(msg.Payload)
			log.Debug("config cache invalidated", slog.String("program_id", msg.Payload))
		}
	}
}
