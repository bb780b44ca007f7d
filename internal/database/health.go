package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// requiredTables are probed by the readiness check so a pod against an
// unmigrated database never reports ready.
var requiredTables = []string{"calculation_records", "points_transactions", "program_members"}

// HealthChecker reports PostgreSQL reachability and schema presence.
type HealthChecker struct {
	pool *pgxpool.Pool
}

func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool}
}

func (h *HealthChecker) Name() string {
	return "postgres"
}

// Check pings the pool and verifies the engine tables exist.
func (h *HealthChecker) Check(ctx context.Context) error {
	if h.pool == nil {
		return errors.New("database pool is nil")
	}
	if err := h.pool.Ping(ctx); err != nil {
		return err
	}

	var missing []string
	err := h.pool.QueryRow(ctx,
		`SELECT coalesce(array_agg(t), '{}') FROM unnest($1::text[]) AS t WHERE to_regclass(t) IS NULL`,
		requiredTables,
	).Scan(&missing)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema not migrated, missing tables: %v", missing)
	}
	return nil
}
