package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// --- MemberRepository ---

// GetMember returns the membership of the user in the program.
func (s *PostgresStore) GetMember(ctx context.Context, userID, programID string) (*Member, error) {
	query := `
		SELECT id, user_id, loyalty_program_id, tier_id, points, last_tier_update, created_at
		FROM program_members
		WHERE user_id = $1 AND loyalty_program_id = $2
	`
	var m Member
	err := s.db.QueryRow(ctx, query, userID, programID).Scan(
		&m.ID, &m.UserID, &m.LoyaltyProgramID, &m.TierID, &m.Points, &m.LastTierUpdate, &m.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get member %s: %w", userID, notFound(err, ErrMemberNotFound))
	}
	return &m, nil
}

// UpdateMemberTier uses IS NOT DISTINCT FROM so a NULL expected tier compares correctly.
func (s *PostgresStore) UpdateMemberTier(ctx context.Context, t TierTransition) (bool, error) {
	var swapped bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE program_members
			SET tier_id = $2, last_tier_update = $3
			WHERE id = $1 AND tier_id IS NOT DISTINCT FROM $4
		`, t.MemberID, t.Change.NewTierID, t.Change.CreatedAt, t.ExpectedTierID)
		if err != nil {
			return fmt.Errorf("failed to update member tier: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		swapped = true

		c := t.Change
		_, err = tx.Exec(ctx, `
			INSERT INTO tier_changes (id, user_id, loyalty_program_id, old_tier_id, new_tier_id, points_at_change, change_type, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, c.ID, c.UserID, c.LoyaltyProgramID, c.OldTierID, c.NewTierID, c.PointsAtChange, string(c.ChangeType), c.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to append tier change: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// GetMemberActivity aggregates the facts segment criteria are evaluated against.
func (s *PostgresStore) GetMemberActivity(ctx context.Context, userID, programID string) (*MemberActivity, error) {
	query := `
		SELECT
			m.points,
			m.tier_id,
			COALESCE(b.balance, 0),
			(SELECT count(*) FROM points_transactions t
				WHERE t.user_id = m.user_id AND t.loyalty_program_id = m.loyalty_program_id AND t.type = 'EARN'),
			(SELECT count(*) FROM points_transactions t
				WHERE t.user_id = m.user_id AND t.loyalty_program_id = m.loyalty_program_id AND t.type = 'REDEEM'),
			(SELECT max(t.created_at) FROM points_transactions t
				WHERE t.user_id = m.user_id AND t.loyalty_program_id = m.loyalty_program_id AND t.type <> 'EXPIRATION')
		FROM program_members m
		JOIN loyalty_programs p ON p.id = m.loyalty_program_id
		LEFT JOIN points_balances b ON b.user_id = m.user_id AND b.merchant_id = p.merchant_id
		WHERE m.user_id = $1 AND m.loyalty_program_id = $2
	`
	var a MemberActivity
	err := s.db.QueryRow(ctx, query, userID, programID).Scan(
		&a.Points, &a.TierID, &a.Balance, &a.TransactionCount, &a.RedemptionCount, &a.LastActivityAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load activity for %s: %w", userID, notFound(err, ErrMemberNotFound))
	}
	return &a, nil
}

// ListActiveUserIDs pages the ids of users with activity in the program, by user id.
func (s *PostgresStore) ListActiveUserIDs(ctx context.Context, programID, afterUserID string, limit int) ([]string, error) {
	query := `
		SELECT user_id
		FROM program_members
		WHERE loyalty_program_id = $1 AND user_id > $2
		ORDER BY user_id
		LIMIT $3
	`
	rows, err := s.db.Query(ctx, query, programID, afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan user ids: %w", err)
	}
	return ids, nil
}

// GetBalance returns the spendable balance, or zero without a balance row.
func (s *PostgresStore) GetBalance(ctx context.Context, userID, merchantID string) (int, error) {
	var balance int
	err := s.db.QueryRow(ctx,
		`SELECT balance FROM points_balances WHERE user_id = $1 AND merchant_id = $2`,
		userID, merchantID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// --- SegmentRepository ---

const segmentColumns = `id, loyalty_program_id, name, type, criteria, is_active`

func scanSegment(row pgx.Row) (*Segment, error) {
	var seg Segment
	var criteria []byte
	if err := row.Scan(&seg.ID, &seg.LoyaltyProgramID, &seg.Name, &seg.Type, &criteria, &seg.IsActive); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(criteria, &seg.Criteria); err != nil {
		return nil, fmt.Errorf("failed to decode criteria of segment %s: %w", seg.ID, err)
	}
	return &seg, nil
}

// GetSegment returns the segment by id.
func (s *PostgresStore) GetSegment(ctx context.Context, segmentID string) (*Segment, error) {
	seg, err := scanSegment(s.db.QueryRow(ctx, `SELECT `+segmentColumns+` FROM segments WHERE id = $1`, segmentID))
	if err != nil {
		return nil, fmt.Errorf("failed to get segment %s: %w", segmentID, notFound(err, ErrSegmentNotFound))
	}
	return seg, nil
}

// ListActiveSegments returns the active segments of the program.
func (s *PostgresStore) ListActiveSegments(ctx context.Context, programID string) ([]*Segment, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE loyalty_program_id = $1 AND is_active ORDER BY id`,
		programID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment row: %w", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return segments, nil
}

// GetSegmentMember returns the membership row of the user in the segment.
func (s *PostgresStore) GetSegmentMember(ctx context.Context, segmentID, userID string) (*SegmentMember, error) {
	var m SegmentMember
	var metadata []byte
	err := s.db.QueryRow(ctx, `
		SELECT segment_id, user_id, metadata, joined_at
		FROM segment_members
		WHERE segment_id = $1 AND user_id = $2
	`, segmentID, userID).Scan(&m.SegmentID, &m.UserID, &metadata, &m.JoinedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get segment member: %w", notFound(err, ErrNotFound))
	}
	if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode segment member metadata: %w", err)
	}
	return &m, nil
}

// AddSegmentMember inserts the pair and reports whether it was new.
func (s *PostgresStore) AddSegmentMember(ctx context.Context, m *SegmentMember) (bool, error) {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode segment member metadata: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO segment_members (segment_id, user_id, metadata, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (segment_id, user_id) DO NOTHING
	`, m.SegmentID, m.UserID, metadata, m.JoinedAt)
	if err != nil {
		return false, fmt.Errorf("failed to add segment member: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RemoveSegmentMember deletes the pair and reports whether it existed.
func (s *PostgresStore) RemoveSegmentMember(ctx context.Context, segmentID, userID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM segment_members WHERE segment_id = $1 AND user_id = $2`,
		segmentID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to remove segment member: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- CampaignRepository ---

const campaignColumns = `id, loyalty_program_id, name, is_active, start_date, end_date, conditions`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	var conditions []byte
	if err := row.Scan(&c.ID, &c.LoyaltyProgramID, &c.Name, &c.IsActive, &c.StartDate, &c.EndDate, &conditions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(conditions, &c.Conditions); err != nil {
		return nil, fmt.Errorf("failed to decode conditions of campaign %s: %w", c.ID, err)
	}
	if err := CompileRuleSpecs(c.Conditions.Rules); err != nil {
		return nil, fmt.Errorf("campaign %s: %w", c.ID, err)
	}
	return &c, nil
}

// GetCampaign returns the campaign by id.
func (s *PostgresStore) GetCampaign(ctx context.Context, campaignID string) (*Campaign, error) {
	c, err := scanCampaign(s.db.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, campaignID))
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign %s: %w", campaignID, notFound(err, ErrCampaignNotFound))
	}
	return c, nil
}

// ListActiveCampaigns returns the active campaigns of the program, by id.
func (s *PostgresStore) ListActiveCampaigns(ctx context.Context, programID string) ([]*Campaign, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE loyalty_program_id = $1 AND is_active ORDER BY id`,
		programID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign row: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return campaigns, nil
}

// GetParticipant returns the participant row of the user in the campaign.
func (s *PostgresStore) GetParticipant(ctx context.Context, campaignID, userID string) (*CampaignParticipant, error) {
	var p CampaignParticipant
	var metadata []byte
	err := s.db.QueryRow(ctx, `
		SELECT campaign_id, user_id, status, metadata
		FROM campaign_participants
		WHERE campaign_id = $1 AND user_id = $2
	`, campaignID, userID).Scan(&p.CampaignID, &p.UserID, &p.Status, &metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", notFound(err, ErrNotFound))
	}
	if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode participant metadata: %w", err)
	}
	return &p, nil
}

// AddParticipant inserts the participant and reports whether it was new.
func (s *PostgresStore) AddParticipant(ctx context.Context, p *CampaignParticipant) (bool, error) {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode participant metadata: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO campaign_participants (campaign_id, user_id, status, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (campaign_id, user_id) DO NOTHING
	`, p.CampaignID, p.UserID, string(p.Status), metadata)
	if err != nil {
		return false, fmt.Errorf("failed to add participant: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RemoveParticipant deletes the participant and reports whether it existed.
func (s *PostgresStore) RemoveParticipant(ctx context.Context, campaignID, userID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM campaign_participants WHERE campaign_id = $1 AND user_id = $2`,
		campaignID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to remove participant: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
