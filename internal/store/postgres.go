package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time check to verify that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is the Store implementation backed by PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new repository instance with the given connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresStore{db: db}
}

// inTx runs fn inside a transaction, committing on success.
func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.db, fn)
}

func notFound(err, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}

// --- ProgramRepository ---

const programColumns = `id, merchant_id, name, is_active, points_expiration_days`

func scanProgram(row pgx.Row) (*Program, error) {
	var p Program
	if err := row.Scan(&p.ID, &p.MerchantID, &p.Name, &p.IsActive, &p.PointsExpirationDays); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProgram returns the program by id.
func (s *PostgresStore) GetProgram(ctx context.Context, programID string) (*Program, error) {
	query := `SELECT ` + programColumns + ` FROM loyalty_programs WHERE id = $1`
	p, err := scanProgram(s.db.QueryRow(ctx, query, programID))
	if err != nil {
		return nil, fmt.Errorf("failed to get program %s: %w", programID, notFound(err, ErrProgramNotFound))
	}
	return p, nil
}

// GetProgramByMerchant returns the active program of the merchant.
func (s *PostgresStore) GetProgramByMerchant(ctx context.Context, merchantID string) (*Program, error) {
	query := `SELECT ` + programColumns + ` FROM loyalty_programs WHERE merchant_id = $1 AND is_active`
	p, err := scanProgram(s.db.QueryRow(ctx, query, merchantID))
	if err != nil {
		return nil, fmt.Errorf("failed to get program for merchant %s: %w", merchantID, notFound(err, ErrProgramNotFound))
	}
	return p, nil
}

// ListActivePrograms returns every active program.
func (s *PostgresStore) ListActivePrograms(ctx context.Context) ([]*Program, error) {
	return s.listPrograms(ctx, `SELECT `+programColumns+` FROM loyalty_programs WHERE is_active ORDER BY id`)
}

// ListProgramsWithExpiration returns the active programs that expire points.
func (s *PostgresStore) ListProgramsWithExpiration(ctx context.Context) ([]*Program, error) {
	return s.listPrograms(ctx, `
		SELECT `+programColumns+`
		FROM loyalty_programs
		WHERE is_active AND points_expiration_days IS NOT NULL AND points_expiration_days > 0
		ORDER BY id
	`)
}

func (s *PostgresStore) listPrograms(ctx context.Context, query string) ([]*Program, error) {
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list programs: %w", err)
	}
	defer rows.Close()

	var programs []*Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan program row: %w", err)
		}
		programs = append(programs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return programs, nil
}

// --- ConfigRepository ---

// ListActiveRules returns the active point rules of the program in creation order.
func (s *PostgresStore) ListActiveRules(ctx context.Context, programID string) ([]*Rule, error) {
	query := `
		SELECT id, loyalty_program_id, name, conditions, points, is_active, created_at
		FROM point_rules
		WHERE loyalty_program_id = $1 AND is_active
		ORDER BY created_at, id
	`
	rows, err := s.db.Query(ctx, query, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var r Rule
		var conditions []byte
		if err := rows.Scan(&r.ID, &r.LoyaltyProgramID, &r.Name, &conditions, &r.Points, &r.IsActive, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
			return nil, fmt.Errorf("failed to decode conditions of rule %s: %w", r.ID, err)
		}
		rules = append(rules, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return rules, nil
}

// ListTiers returns the program tiers ordered by threshold.
func (s *PostgresStore) ListTiers(ctx context.Context, programID string) ([]*Tier, error) {
	query := `
		SELECT id, loyalty_program_id, name, points_threshold
		FROM program_tiers
		WHERE loyalty_program_id = $1
		ORDER BY points_threshold ASC
	`
	rows, err := s.db.Query(ctx, query, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	defer rows.Close()

	var tiers []*Tier
	for rows.Next() {
		var t Tier
		if err := rows.Scan(&t.ID, &t.LoyaltyProgramID, &t.Name, &t.PointsThreshold); err != nil {
			return nil, fmt.Errorf("failed to scan tier row: %w", err)
		}
		tiers = append(tiers, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return tiers, nil
}
