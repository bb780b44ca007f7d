// Package store is the data access layer of the engine. It defines the domain records,
// the repository interfaces the evaluators depend on, and two implementations:
// PostgresStore (pgx) and MemoryStore.
//
// Every mutation is either a relative increment/decrement or a compare-and-swap so
// concurrent evaluations for the same user stay correct without application locks.
package store

import (
	"context"
	"time"
)

// ProgramRepository reads loyalty program definitions.
type ProgramRepository interface {
	GetProgram(ctx context.Context, programID string) (*Program, error)

	// GetProgramByMerchant returns the merchant's active program.
	GetProgramByMerchant(ctx context.Context, merchantID string) (*Program, error)

	ListActivePrograms(ctx context.Context) ([]*Program, error)

	// ListProgramsWithExpiration returns active programs with a configured expiration window.
	ListProgramsWithExpiration(ctx context.Context) ([]*Program, error)
}

// ConfigRepository reads per-program rule configuration. Results are safe to cache.
type ConfigRepository interface {
	// ListActiveRules returns the active point rules in creation order.
	ListActiveRules(ctx context.Context, programID string) ([]*Rule, error)

	// ListTiers returns the program tiers ordered ascending by threshold.
	ListTiers(ctx context.Context, programID string) ([]*Tier, error)
}

// MemberRepository reads and updates program membership.
type MemberRepository interface {
	GetMember(ctx context.Context, userID, programID string) (*Member, error)

	// UpdateMemberTier moves the member to t.Change.NewTierID only if its stored tier still
	// equals t.ExpectedTierID, appending the TierChange in the same transaction.
	// It returns false when the swap lost.
	UpdateMemberTier(ctx context.Context, t TierTransition) (bool, error)

	GetMemberActivity(ctx context.Context, userID, programID string) (*MemberActivity, error)

	// ListActiveUserIDs pages user ids with any recorded activity in the program,
	// ordered by user id and starting strictly after afterUserID.
	ListActiveUserIDs(ctx context.Context, programID, afterUserID string, limit int) ([]string, error)

	// GetBalance returns the spendable balance, zero when no balance row exists.
	GetBalance(ctx context.Context, userID, merchantID string) (int, error)
}

// SegmentRepository reads segments and applies explicit membership changes.
type SegmentRepository interface {
	GetSegment(ctx context.Context, segmentID string) (*Segment, error)
	ListActiveSegments(ctx context.Context, programID string) ([]*Segment, error)
	GetSegmentMember(ctx context.Context, segmentID, userID string) (*SegmentMember, error)

	// AddSegmentMember inserts the pair, returning false when it already existed.
	AddSegmentMember(ctx context.Context, m *SegmentMember) (bool, error)

	// RemoveSegmentMember deletes the pair, returning false when it did not exist.
	RemoveSegmentMember(ctx context.Context, segmentID, userID string) (bool, error)
}

// CampaignRepository reads campaigns and applies explicit participant changes.
type CampaignRepository interface {
	GetCampaign(ctx context.Context, campaignID string) (*Campaign, error)
	ListActiveCampaigns(ctx context.Context, programID string) ([]*Campaign, error)
	GetParticipant(ctx context.Context, campaignID, userID string) (*CampaignParticipant, error)
	AddParticipant(ctx context.Context, p *CampaignParticipant) (bool, error)
	RemoveParticipant(ctx context.Context, campaignID, userID string) (bool, error)
}

// Earning is the ledger effect of a completed points calculation.
type Earning struct {
	TransactionID string
	Record        *CalculationRecord
	Reason        string
	Metadata      map[string]any
	At            time.Time
}

// Expiry is the ledger effect of expiring one transaction.
type Expiry struct {
	Original       *PointsTransaction
	CompensatingID string
	At             time.Time
}

// LedgerRepository owns the points ledger, balances and idempotency records.
type LedgerRepository interface {
	// BeginCalculation upserts the record by event id, incrementing attempts.
	// A COMPLETED record is returned untouched; any other status becomes PENDING.
	BeginCalculation(ctx context.Context, rec *CalculationRecord) (*CalculationRecord, error)

	// CompleteCalculation atomically swaps the record to COMPLETED and, when the swap wins
	// and total points are positive, upserts the member, increments member points and the
	// balance, and appends an EARN ledger entry. It returns false when the record was
	// already COMPLETED.
	CompleteCalculation(ctx context.Context, e Earning) (bool, error)

	// FailCalculation marks the record FAILED unless it is already COMPLETED.
	FailCalculation(ctx context.Context, eventID, cause string) error

	GetCalculation(ctx context.Context, eventID string) (*CalculationRecord, error)

	GetRedemption(ctx context.Context, redemptionID string) (*Redemption, error)

	// CompleteRedemption swaps PENDING→COMPLETED, decrements the balance only if it
	// covers the points and appends a REDEEM ledger entry, all in one transaction.
	// It returns ErrInsufficientBalance without side effects when the balance is short,
	// and false when the redemption was no longer PENDING.
	CompleteRedemption(ctx context.Context, redemptionID, ledgerID string, at time.Time) (bool, error)

	// FailRedemption swaps PENDING→FAILED with the given reason.
	FailRedemption(ctx context.Context, redemptionID, reason string) (bool, error)

	// ListExpirable pages positive, unexpired, non-EXPIRATION transactions of the program
	// created before cutoff, ordered by id and starting strictly after afterID.
	ListExpirable(ctx context.Context, programID string, cutoff time.Time, afterID string, limit int) ([]*PointsTransaction, error)

	// ExpireTransaction flips is_expired false→true on the original and, when the flip
	// wins, inserts the compensating entry and decrements member points and balance.
	ExpireTransaction(ctx context.Context, e Expiry) (bool, error)
}

// Store aggregates every repository the engine depends on.
type Store interface {
	ProgramRepository
	ConfigRepository
	MemberRepository
	SegmentRepository
	CampaignRepository
	LedgerRepository
}
