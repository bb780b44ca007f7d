// Package testsupport provides helpers for integration tests: ephemeral PostgreSQL
// and Redis containers, schema resets and Prometheus metric assertions.
package testsupport

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/database"
)

const (
	postgresImage = "postgres:15-alpine"
	testDBName    = "tally_test"
	testDBUser    = "tally"
	testDBPass    = "tally-test-password"
)

// engineTables lists every table created by the migrations, children first.
var engineTables = []string{
	"campaign_participants", "campaigns", "segment_members", "segments",
	"redemptions", "calculation_records", "points_transactions", "points_balances",
	"tier_changes", "program_members", "program_tiers", "point_rules", "loyalty_programs",
}

// PostgresContainer is a migrated PostgreSQL instance plus a pool built the
// same way the binaries build theirs.
type PostgresContainer struct {
	Container        testcontainers.Container
	DB               *pgxpool.Pool
	ConnectionString string
}

// Terminate closes the pool and removes the container.
func (c *PostgresContainer) Terminate(ctx context.Context) error {
	c.DB.Close()
	return c.Container.Terminate(ctx)
}

// StartPostgresContainer starts PostgreSQL and applies the *.sql files of
// migrationsDir in filename order as init scripts.
func StartPostgresContainer(ctx context.Context, migrationsDir string) (*PostgresContainer, error) {
	scripts, err := migrationScripts(migrationsDir)
	if err != nil {
		return nil, err
	}

	ctr, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase(testDBName),
		postgres.WithUsername(testDBUser),
		postgres.WithPassword(testDBPass),
		postgres.WithInitScripts(scripts...),
		// The server restarts once after running init scripts.
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = ctr.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, testDatabaseConfig(dsn))
	if err != nil {
		_ = ctr.Terminate(ctx)
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	return &PostgresContainer{Container: ctr, DB: pool, ConnectionString: dsn}, nil
}

func testDatabaseConfig(dsn string) *config.DatabaseConfig {
	return &config.DatabaseConfig{
		URL:              dsn,
		MaxConns:         5,
		MinConns:         1,
		MaxConnLifetime:  30 * time.Minute,
		MaxConnIdleTime:  5 * time.Minute,
		ConnectTimeout:   5 * time.Second,
		StatementTimeout: 10 * time.Second,
		ApplicationName:  "tally-integration",
		PingMaxRetries:   5,
		PingBackoff:      500 * time.Millisecond,
	}
}

func migrationScripts(dir string) ([]string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}
	scripts, err := filepath.Glob(filepath.Join(abs, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	if len(scripts) == 0 {
		return nil, fmt.Errorf("no migration files found in %s", abs)
	}
	slices.Sort(scripts)
	return scripts, nil
}

// Truncate empties every engine table so scenarios sharing a container start clean.
func (c *PostgresContainer) Truncate(ctx context.Context) error {
	query := "TRUNCATE " + strings.Join(engineTables, ", ") + " CASCADE"
	if _, err := c.DB.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to truncate tables: %w", err)
	}
	return nil
}
