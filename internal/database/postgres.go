// Package database provides the PostgreSQL connection factory.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/observability"
)

// NewPostgresPool initializes a PostgreSQL connection pool from configuration.
// It pings with exponential backoff so the worker can start alongside the database.
func NewPostgresPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config cannot be nil")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	if cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	log := logger.FromContext(ctx)
	attempt := 0
	ping := func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			log.Warn("postgres ping failed", slog.Int("attempt", attempt), slog.Any("error", err))
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.PingBackoff
	policy.MaxElapsedTime = 0
	retries := uint64(cfg.PingMaxRetries - 1)

	if err := backoff.Retry(ping, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database after %d attempts: %w", attempt, err)
	}

	log.Info("connected to postgres", slog.Int("attempts", attempt), slog.Int("max_conns", cfg.MaxConns))
	return pool, nil
}

// RunPoolMonitor exports pool statistics until ctx is cancelled.
func RunPoolMonitor(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// pgxpool counters are cumulative; export the delta since the last tick.
	var lastAcquire, lastEmpty int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := pool.Stat()
			observability.DBPoolConnections.WithLabelValues("max").Set(float64(stat.MaxConns()))
			observability.DBPoolConnections.WithLabelValues("total").Set(float64(stat.TotalConns()))
			observability.DBPoolConnections.WithLabelValues("idle").Set(float64(stat.IdleConns()))
			observability.DBPoolConnections.WithLabelValues("in_use").Set(float64(stat.AcquiredConns()))

			if n := stat.AcquireCount(); n > lastAcquire {
				observability.DBPoolAcquireCount.Add(float64(n - lastAcquire))
				lastAcquire = n
			}
			if n := stat.EmptyAcquireCount(); n > lastEmpty {
				observability.DBPoolEmptyAcquire.Add(float64(n - lastEmpty))
				lastEmpty = n
			}
		}
	}
}
