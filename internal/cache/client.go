// Package cache owns the Redis client factory and the in-process L1 cache that
// keeps per-program rules and tiers off the database hot path.
package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/logger"
)

// NewRedisClient initializes a Redis client using the provided configuration.
// It handles connection pooling, TLS, and initial connectivity checks with retries.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}

	opts := &redis.Options{
		Addr:            cfg.Address(),
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		opts.Addr, opts.Password, opts.DB, opts.TLSConfig = parsed.Addr, parsed.Password, parsed.DB, parsed.TLSConfig
	}

	if cfg.TLSEnabled && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	log := logger.FromContext(ctx)

	attempt := 0
	ping := func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis ping failed", slog.Int("attempt", attempt), slog.Any("error", err))
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.PingBackoff
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0

	retries := uint64(cfg.PingMaxRetries - 1)
	if err := backoff.Retry(ping, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", attempt, err)
	}

	log.Info("connected to redis", slog.Int("attempts", attempt))
	return client, nil
}
