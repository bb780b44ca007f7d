package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const calculationColumns = `event_id, user_id, merchant_id, loyalty_program_id, status, total_points,
	matched_rules, attempts, error, created_at, updated_at`

func scanCalculation(row pgx.Row) (*CalculationRecord, error) {
	var rec CalculationRecord
	var matched []byte
	err := row.Scan(
		&rec.EventID, &rec.UserID, &rec.MerchantID, &rec.LoyaltyProgramID, &rec.Status, &rec.TotalPoints,
		&matched, &rec.Attempts, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(matched, &rec.MatchedRules); err != nil {
		return nil, fmt.Errorf("failed to decode matched rules of %s: %w", rec.EventID, err)
	}
	return &rec, nil
}

// BeginCalculation upserts the calculation record on its event id and counts the attempt.
// A COMPLETED record is returned as stored.
func (s *PostgresStore) BeginCalculation(ctx context.Context, rec *CalculationRecord) (*CalculationRecord, error) {
	var out *CalculationRecord
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO calculation_records (event_id, user_id, merchant_id, loyalty_program_id, status, attempts)
			VALUES ($1, $2, $3, $4, 'PENDING', 1)
			ON CONFLICT (event_id) DO UPDATE
			SET attempts = calculation_records.attempts + 1,
				status = 'PENDING',
				error = '',
				updated_at = NOW()
			WHERE calculation_records.status <> 'COMPLETED'
		`, rec.EventID, rec.UserID, rec.MerchantID, rec.LoyaltyProgramID)
		if err != nil {
			return fmt.Errorf("failed to upsert calculation record: %w", err)
		}

		out, err = scanCalculation(tx.QueryRow(ctx,
			`SELECT `+calculationColumns+` FROM calculation_records WHERE event_id = $1`, rec.EventID))
		if err != nil {
			return fmt.Errorf("failed to read calculation record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteCalculation swaps the record to COMPLETED and books the earning in one
// transaction. It returns false when another attempt completed it first.
func (s *PostgresStore) CompleteCalculation(ctx context.Context, e Earning) (bool, error) {
	rec := e.Record
	matched, err := json.Marshal(rec.MatchedRules)
	if err != nil {
		return false, fmt.Errorf("failed to encode matched rules: %w", err)
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode ledger metadata: %w", err)
	}

	var swapped bool
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE calculation_records
			SET status = 'COMPLETED', total_points = $2, matched_rules = $3, error = '', updated_at = $4
			WHERE event_id = $1 AND status <> 'COMPLETED'
		`, rec.EventID, rec.TotalPoints, matched, e.At)
		if err != nil {
			return fmt.Errorf("failed to complete calculation record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.ensureExists(ctx, tx, `SELECT 1 FROM calculation_records WHERE event_id = $1`, rec.EventID)
		}
		swapped = true

		if rec.TotalPoints <= 0 {
			return nil
		}

		var memberID string
		err = tx.QueryRow(ctx, `
			INSERT INTO program_members (id, user_id, loyalty_program_id, points, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, loyalty_program_id) DO UPDATE
			SET points = program_members.points + EXCLUDED.points
			RETURNING id
		`, uuid.NewString(), rec.UserID, rec.LoyaltyProgramID, rec.TotalPoints, e.At).Scan(&memberID)
		if err != nil {
			return fmt.Errorf("failed to upsert member: %w", err)
		}

		if err := adjustBalance(ctx, tx, rec.UserID, rec.MerchantID, rec.TotalPoints); err != nil {
			return err
		}

		return insertLedger(ctx, tx, &PointsTransaction{
			ID:               e.TransactionID,
			UserID:           rec.UserID,
			MerchantID:       rec.MerchantID,
			ProgramMemberID:  &memberID,
			LoyaltyProgramID: rec.LoyaltyProgramID,
			Amount:           rec.TotalPoints,
			Type:             TxEarn,
			Reason:           e.Reason,
			CreatedAt:        e.At,
		}, metadata)
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// FailCalculation marks the record FAILED unless it already completed.
func (s *PostgresStore) FailCalculation(ctx context.Context, eventID, cause string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE calculation_records
		SET status = 'FAILED', error = $2, updated_at = NOW()
		WHERE event_id = $1 AND status <> 'COMPLETED'
	`, eventID, cause)
	if err != nil {
		return fmt.Errorf("failed to mark calculation failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.GetCalculation(ctx, eventID)
		return err
	}
	return nil
}

// GetCalculation returns the calculation record of an event.
func (s *PostgresStore) GetCalculation(ctx context.Context, eventID string) (*CalculationRecord, error) {
	rec, err := scanCalculation(s.db.QueryRow(ctx,
		`SELECT `+calculationColumns+` FROM calculation_records WHERE event_id = $1`, eventID))
	if err != nil {
		return nil, fmt.Errorf("failed to get calculation %s: %w", eventID, notFound(err, ErrNotFound))
	}
	return rec, nil
}

// GetRedemption returns the redemption by id.
func (s *PostgresStore) GetRedemption(ctx context.Context, redemptionID string) (*Redemption, error) {
	var r Redemption
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, merchant_id, loyalty_program_id, points, status, failure_reason, created_at, updated_at
		FROM redemptions
		WHERE id = $1
	`, redemptionID).Scan(
		&r.ID, &r.UserID, &r.MerchantID, &r.LoyaltyProgramID, &r.Points, &r.Status, &r.FailureReason, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get redemption %s: %w", redemptionID, notFound(err, ErrRedemptionNotFound))
	}
	return &r, nil
}

// CompleteRedemption locks the PENDING redemption, debits the balance when it covers
// the points and appends the REDEEM entry.
func (s *PostgresStore) CompleteRedemption(ctx context.Context, redemptionID, ledgerID string, at time.Time) (bool, error) {
	var completed bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var r Redemption
		err := tx.QueryRow(ctx, `
			SELECT id, user_id, merchant_id, loyalty_program_id, points, status
			FROM redemptions
			WHERE id = $1
			FOR UPDATE
		`, redemptionID).Scan(&r.ID, &r.UserID, &r.MerchantID, &r.LoyaltyProgramID, &r.Points, &r.Status)
		if err != nil {
			return notFound(err, ErrRedemptionNotFound)
		}
		if r.Status != StatusPending {
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE points_balances
			SET balance = balance - $3, updated_at = NOW()
			WHERE user_id = $1 AND merchant_id = $2 AND balance >= $3
		`, r.UserID, r.MerchantID, r.Points)
		if err != nil {
			return fmt.Errorf("failed to debit balance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrInsufficientBalance
		}

		if _, err := tx.Exec(ctx,
			`UPDATE redemptions SET status = 'COMPLETED', updated_at = $2 WHERE id = $1`, r.ID, at,
		); err != nil {
			return fmt.Errorf("failed to complete redemption: %w", err)
		}

		var memberID *string
		err = tx.QueryRow(ctx,
			`SELECT id FROM program_members WHERE user_id = $1 AND loyalty_program_id = $2`,
			r.UserID, r.LoyaltyProgramID,
		).Scan(&memberID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to resolve member: %w", err)
		}

		metadata, err := json.Marshal(redemptionLedgerMetadata{RedemptionID: r.ID})
		if err != nil {
			return fmt.Errorf("failed to encode ledger metadata: %w", err)
		}
		if err := insertLedger(ctx, tx, &PointsTransaction{
			ID:               ledgerID,
			UserID:           r.UserID,
			MerchantID:       r.MerchantID,
			ProgramMemberID:  memberID,
			LoyaltyProgramID: r.LoyaltyProgramID,
			Amount:           -r.Points,
			Type:             TxRedeem,
			Reason:           "redemption",
			CreatedAt:        at,
		}, metadata); err != nil {
			return err
		}
		completed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return completed, nil
}

// FailRedemption swaps a PENDING redemption to FAILED.
func (s *PostgresStore) FailRedemption(ctx context.Context, redemptionID, reason string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE redemptions
		SET status = 'FAILED', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, redemptionID, reason)
	if err != nil {
		return false, fmt.Errorf("failed to mark redemption failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRedemption(ctx, redemptionID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ListExpirable pages the program's expirable transactions created before cutoff, by id.
func (s *PostgresStore) ListExpirable(ctx context.Context, programID string, cutoff time.Time, afterID string, limit int) ([]*PointsTransaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, merchant_id, program_member_id, loyalty_program_id, amount, type, reason, metadata, is_expired, created_at
		FROM points_transactions
		WHERE loyalty_program_id = $1
			AND NOT is_expired
			AND amount > 0
			AND type <> 'EXPIRATION'
			AND created_at < $2
			AND id > $3
		ORDER BY id
		LIMIT $4
	`, programID, cutoff, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expirable transactions: %w", err)
	}
	defer rows.Close()

	var out []*PointsTransaction
	for rows.Next() {
		var tx PointsTransaction
		var metadata []byte
		if err := rows.Scan(
			&tx.ID, &tx.UserID, &tx.MerchantID, &tx.ProgramMemberID, &tx.LoyaltyProgramID,
			&tx.Amount, &tx.Type, &tx.Reason, &metadata, &tx.IsExpired, &tx.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode transaction metadata: %w", err)
		}
		out = append(out, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// ExpireTransaction flags the original as expired and, when the flag flips, books the
// compensating entry.
func (s *PostgresStore) ExpireTransaction(ctx context.Context, e Expiry) (bool, error) {
	var flipped bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var orig PointsTransaction
		err := tx.QueryRow(ctx, `
			UPDATE points_transactions
			SET is_expired = TRUE
			WHERE id = $1 AND NOT is_expired
			RETURNING id, user_id, merchant_id, program_member_id, loyalty_program_id, amount
		`, e.Original.ID).Scan(
			&orig.ID, &orig.UserID, &orig.MerchantID, &orig.ProgramMemberID, &orig.LoyaltyProgramID, &orig.Amount,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.ensureExists(ctx, tx, `SELECT 1 FROM points_transactions WHERE id = $1`, e.Original.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to flip expired flag: %w", err)
		}
		flipped = true

		metadata, err := json.Marshal(expiryLedgerMetadata{OriginalTransactionID: orig.ID})
		if err != nil {
			return fmt.Errorf("failed to encode ledger metadata: %w", err)
		}
		if err := insertLedger(ctx, tx, &PointsTransaction{
			ID:               e.CompensatingID,
			UserID:           orig.UserID,
			MerchantID:       orig.MerchantID,
			ProgramMemberID:  orig.ProgramMemberID,
			LoyaltyProgramID: orig.LoyaltyProgramID,
			Amount:           -orig.Amount,
			Type:             TxExpiration,
			Reason:           "points expired",
			CreatedAt:        e.At,
		}, metadata); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE program_members
			SET points = points - $3
			WHERE user_id = $1 AND loyalty_program_id = $2
		`, orig.UserID, orig.LoyaltyProgramID, orig.Amount); err != nil {
			return fmt.Errorf("failed to decrement member points: %w", err)
		}

		return adjustBalance(ctx, tx, orig.UserID, orig.MerchantID, -orig.Amount)
	})
	if err != nil {
		return false, err
	}
	return flipped, nil
}

// adjustBalance applies a relative change, creating the balance row on first use.
func adjustBalance(ctx context.Context, tx pgx.Tx, userID, merchantID string, delta int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO points_balances (user_id, merchant_id, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, merchant_id) DO UPDATE
		SET balance = points_balances.balance + EXCLUDED.balance, updated_at = NOW()
	`, userID, merchantID, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust balance: %w", err)
	}
	return nil
}

// redemptionLedgerMetadata links a REDEEM entry to its redemption.
type redemptionLedgerMetadata struct {
	RedemptionID string `json:"redemptionId"`
}

// expiryLedgerMetadata links an EXPIRATION entry to the transaction it compensates.
type expiryLedgerMetadata struct {
	OriginalTransactionID string `json:"originalTransactionId"`
}

func insertLedger(ctx context.Context, tx pgx.Tx, t *PointsTransaction, metadata []byte) error {
	if len(metadata) == 0 || string(metadata) == "null" {
		metadata = []byte("{}")
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO points_transactions
			(id, user_id, merchant_id, program_member_id, loyalty_program_id, amount, type, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.UserID, t.MerchantID, t.ProgramMemberID, t.LoyaltyProgramID, t.Amount, string(t.Type), t.Reason, metadata, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append %s ledger entry: %w", t.Type, err)
	}
	return nil
}

// ensureExists distinguishes a lost compare-and-swap from a missing row.
func (s *PostgresStore) ensureExists(ctx context.Context, tx pgx.Tx, query, id string) error {
	var one int
	if err := tx.QueryRow(ctx, query, id).Scan(&one); err != nil {
		return notFound(err, ErrNotFound)
	}
	return nil
}
