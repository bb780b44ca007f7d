//go:build integration

package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/database"
	"github.com/rafaeljc/tally/internal/testsupport"
)

func TestPostgres_Metrics_Integration(t *testing.T) {
	// 1. Setup Infrastructure
	ctx := context.Background()
	pgCtr, err := testsupport.StartPostgresContainer(ctx, "../../migrations")
	require.NoError(t, err)
	defer pgCtr.Terminate(ctx)

	dbCfg := &config.DatabaseConfig{
		URL:            pgCtr.ConnectionString,
		MaxConns:       5,
		MinConns:       2,
		ConnectTimeout: 5 * time.Second,
		PingMaxRetries: 5,
		PingBackoff:    time.Second,
	}

	pool, err := database.NewPostgresPool(ctx, dbCfg)
	require.NoError(t, err)
	defer pool.Close()

	monitorCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go database.RunPoolMonitor(monitorCtx, pool, 10*time.Millisecond)

	t.Run("Should report the configured pool size", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return testsupport.MetricValue(t, "tally_database_pool_connections", map[string]string{"state": "max"}) == 5
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Should track acquisitions", func(t *testing.T) {
		initial := testsupport.MetricValue(t, "tally_database_pool_acquire_count_total", nil)

		for range 5 {
			conn, err := pool.Acquire(ctx)
			require.NoError(t, err)
			conn.Release()
		}

		require.Eventually(t, func() bool {
			return testsupport.MetricValue(t, "tally_database_pool_acquire_count_total", nil) >= initial+5
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("Should track in-use connections", func(t *testing.T) {
		var held []*pgxpool.Conn
		for range 3 {
			conn, err := pool.Acquire(ctx)
			require.NoError(t, err)
			held = append(held, conn)
		}
		defer func() {
			for _, c := range held {
				c.Release()
			}
		}()

		require.Eventually(t, func() bool {
			return testsupport.MetricValue(t, "tally_database_pool_connections", map[string]string{"state": "in_use"}) >= 3
		}, 2*time.Second, 10*time.Millisecond)
	})
}
