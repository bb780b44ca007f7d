package store

import (
	"time"

	"github.com/rafaeljc/tally/internal/condition"
)

// Program is a merchant's loyalty program. A merchant runs at most one active program.
type Program struct {
	ID         string `db:"id"`
	MerchantID string `db:"merchant_id"`
	Name       string `db:"name"`
	IsActive   bool   `db:"is_active"`

	// PointsExpirationDays is the age after which earned points expire.
	// Nil disables expiration for the program.
	PointsExpirationDays *int `db:"points_expiration_days"`
}

// Rule is a points-earning rule. A rule matches when every condition matches.
type Rule struct {
	ID               string                `db:"id"`
	LoyaltyProgramID string                `db:"loyalty_program_id"`
	Name             string                `db:"name"`
	Conditions       []condition.Condition `db:"conditions"`
	Points           int                   `db:"points"`
	IsActive         bool                  `db:"is_active"`
	CreatedAt        time.Time             `db:"created_at"`
}

// Tier is a membership rank. Thresholds are strictly increasing within a program.
type Tier struct {
	ID               string `db:"id" json:"id"`
	LoyaltyProgramID string `db:"loyalty_program_id" json:"loyaltyProgramId"`
	Name             string `db:"name" json:"name"`
	PointsThreshold  int    `db:"points_threshold" json:"pointsThreshold"`
}

// Member is the (user, program) membership row.
type Member struct {
	ID               string     `db:"id"`
	UserID           string     `db:"user_id"`
	LoyaltyProgramID string     `db:"loyalty_program_id"`
	TierID           *string    `db:"tier_id"`
	Points           int        `db:"points"`
	LastTierUpdate   *time.Time `db:"last_tier_update"`
	CreatedAt        time.Time  `db:"created_at"`
}

// TierChangeType is the direction of a tier transition.
type TierChangeType string

const (
	TierUpgrade   TierChangeType = "UPGRADE"
	TierDowngrade TierChangeType = "DOWNGRADE"
)

// TierChange is the append-only audit record of a tier transition.
type TierChange struct {
	ID               string         `db:"id"`
	UserID           string         `db:"user_id"`
	LoyaltyProgramID string         `db:"loyalty_program_id"`
	OldTierID        *string        `db:"old_tier_id"`
	NewTierID        *string        `db:"new_tier_id"`
	PointsAtChange   int            `db:"points_at_change"`
	ChangeType       TierChangeType `db:"change_type"`
	CreatedAt        time.Time      `db:"created_at"`
}

// TierTransition is a compare-and-swap request on a member's tier.
// It succeeds only if the stored tier still equals ExpectedTierID.
type TierTransition struct {
	MemberID       string
	ExpectedTierID *string
	Change         TierChange
}

// SegmentType controls how membership is derived.
type SegmentType string

const (
	SegmentStatic  SegmentType = "STATIC"
	SegmentDynamic SegmentType = "DYNAMIC"
	SegmentHybrid  SegmentType = "HYBRID"
)

// SegmentCriteria is the stored criteria document of a segment.
type SegmentCriteria struct {
	Conditions []condition.Condition `json:"conditions"`
}

// Segment is a named audience within a program.
type Segment struct {
	ID               string          `db:"id"`
	LoyaltyProgramID string          `db:"loyalty_program_id"`
	Name             string          `db:"name"`
	Type             SegmentType     `db:"type"`
	Criteria         SegmentCriteria `db:"criteria"`
	IsActive         bool            `db:"is_active"`
}

// Membership reasons stored in SegmentMember metadata.
const (
	MembershipReasonStatic   = "static"
	MembershipReasonCriteria = "criteria"
)

// SegmentMember is the unique (segment, user) membership row.
type SegmentMember struct {
	SegmentID string         `db:"segment_id"`
	UserID    string         `db:"user_id"`
	Metadata  map[string]any `db:"metadata"`
	JoinedAt  time.Time      `db:"joined_at"`
}

// Reason returns the membership reason tag, defaulting to static for rows
// created outside the engine.
func (m *SegmentMember) Reason() string {
	if r, ok := m.Metadata["reason"].(string); ok && r != "" {
		return r
	}
	return MembershipReasonStatic
}

// Campaign is a time-boxed, optionally tier-restricted set of eligibility rules.
type Campaign struct {
	ID               string             `db:"id"`
	LoyaltyProgramID string             `db:"loyalty_program_id"`
	Name             string             `db:"name"`
	IsActive         bool               `db:"is_active"`
	StartDate        time.Time          `db:"start_date"`
	EndDate          *time.Time         `db:"end_date"`
	Conditions       CampaignConditions `db:"conditions"`
}

// ParticipantStatus is the lifecycle state of a campaign participant.
type ParticipantStatus string

const (
	ParticipantActive    ParticipantStatus = "ACTIVE"
	ParticipantCompleted ParticipantStatus = "COMPLETED"
)

// ParticipantMetadata records why the participant was admitted.
type ParticipantMetadata struct {
	MatchedRules []string  `json:"matchedRules"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// CampaignParticipant is the unique (campaign, user) participation row.
type CampaignParticipant struct {
	CampaignID string              `db:"campaign_id"`
	UserID     string              `db:"user_id"`
	Status     ParticipantStatus   `db:"status"`
	Metadata   ParticipantMetadata `db:"metadata"`
}

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TxEarn       TransactionType = "EARN"
	TxRedeem     TransactionType = "REDEEM"
	TxExpiration TransactionType = "EXPIRATION"
	TxAdjustment TransactionType = "ADJUSTMENT"
)

// PointsTransaction is an append-only ledger entry. IsExpired is the only
// mutable field and flips false→true exactly once.
type PointsTransaction struct {
	ID               string          `db:"id"`
	UserID           string          `db:"user_id"`
	MerchantID       string          `db:"merchant_id"`
	ProgramMemberID  *string         `db:"program_member_id"`
	LoyaltyProgramID string          `db:"loyalty_program_id"`
	Amount           int             `db:"amount"`
	Type             TransactionType `db:"type"`
	Reason           string          `db:"reason"`
	Metadata         map[string]any  `db:"metadata"`
	IsExpired        bool            `db:"is_expired"`
	CreatedAt        time.Time       `db:"created_at"`
}

// OperationStatus is shared by calculation records and redemptions.
type OperationStatus string

const (
	StatusPending   OperationStatus = "PENDING"
	StatusCompleted OperationStatus = "COMPLETED"
	StatusFailed    OperationStatus = "FAILED"
)

// MatchedRule is one rule that contributed to a points calculation.
type MatchedRule struct {
	RuleID            string                `json:"ruleId"`
	RuleName          string                `json:"ruleName"`
	Points            int                   `json:"points"`
	MatchedConditions []condition.Condition `json:"matchedConditions"`
}

// CalculationRecord makes the points award for a triggering event idempotent.
// It is keyed by the event id (the transaction id).
type CalculationRecord struct {
	EventID          string          `db:"event_id"`
	UserID           string          `db:"user_id"`
	MerchantID       string          `db:"merchant_id"`
	LoyaltyProgramID string          `db:"loyalty_program_id"`
	Status           OperationStatus `db:"status"`
	TotalPoints      int             `db:"total_points"`
	MatchedRules     []MatchedRule   `db:"matched_rules"`
	Attempts         int             `db:"attempts"`
	Error            string          `db:"error"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

// Redemption is a request to spend points.
type Redemption struct {
	ID               string          `db:"id"`
	UserID           string          `db:"user_id"`
	MerchantID       string          `db:"merchant_id"`
	LoyaltyProgramID string          `db:"loyalty_program_id"`
	Points           int             `db:"points"`
	Status           OperationStatus `db:"status"`
	FailureReason    string          `db:"failure_reason"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

// MemberActivity is the fact snapshot used by dynamic segment criteria.
type MemberActivity struct {
	Balance          int
	Points           int
	TransactionCount int
	RedemptionCount  int
	LastActivityAt   *time.Time
	TierID           *string
}
