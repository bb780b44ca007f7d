// Package campaign decides whether members qualify for campaigns and manages participants.
//
// Eligibility runs ordered structural checks first (active flag, window, program
// membership, tier restriction), each rejecting with a single reason. After that the
// declared rules are evaluated independently and the member qualifies when any one of
// them matches.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/notify"
	"github.com/rafaeljc/tally/internal/store"
	"github.com/rafaeljc/tally/internal/validation"
)

// Rejection reasons of the structural checks.
const (
	ReasonInactive       = "campaign is not active"
	ReasonNotStarted     = "campaign has not started yet"
	ReasonEnded          = "campaign has ended"
	ReasonNotMember      = "user is not a member of the loyalty program"
	ReasonTierRestricted = "user tier is not eligible for this campaign"
)

// ErrNotEligible is returned by AddParticipant when the eligibility check fails.
var ErrNotEligible = errors.New("user is not eligible for campaign")

// SegmentChecker answers segment membership for SEGMENT_MEMBERSHIP rules.
type SegmentChecker interface {
	EvaluateSegmentCriteria(ctx context.Context, userID, segmentID string) (bool, error)
}

// Eligibility is the outcome of an eligibility check. Ineligibility is a result with
// reasons, not an error.
type Eligibility struct {
	IsEligible   bool     `json:"isEligible"`
	Reasons      []string `json:"reasons"`
	MatchedRules []string `json:"matchedRules"`
}

// Evaluator evaluates campaign eligibility and applies participant changes.
type Evaluator struct {
	programs  store.ProgramRepository
	campaigns store.CampaignRepository
	members   store.MemberRepository
	segments  SegmentChecker
	events    *notify.Emitter
	logger    *slog.Logger
	now       func() time.Time
}

// NewEvaluator creates an Evaluator. It panics on nil dependencies.
func NewEvaluator(programs store.ProgramRepository, campaigns store.CampaignRepository, members store.MemberRepository, segments SegmentChecker, events *notify.Emitter, l *slog.Logger) *Evaluator {
	validation.AssertDependency(programs, "program repository")
	validation.AssertDependency(campaigns, "campaign repository")
	validation.AssertDependency(members, "member repository")
	validation.AssertDependency(segments, "segment checker")
	validation.AssertNotNil(events, "event emitter")
	return &Evaluator{
		programs:  programs,
		campaigns: campaigns,
		members:   members,
		segments:  segments,
		events:    events,
		logger:    logger.OrDefault(l),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EvaluateCampaignEligibility checks whether the user qualifies for the campaign.
func (e *Evaluator) EvaluateCampaignEligibility(ctx context.Context, userID, campaignID string) (*Eligibility, error) {
	c, err := e.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return e.evaluate(ctx, c, userID)
}

func (e *Evaluator) evaluate(ctx context.Context, c *store.Campaign, userID string) (*Eligibility, error) {
	// 1. Structural checks, in order, each with a single reason.
	if reason := windowReason(c, e.now()); reason != "" {
		return reject(reason), nil
	}

	member, err := e.members.GetMember(ctx, userID, c.LoyaltyProgramID)
	if errors.Is(err, store.ErrNotFound) {
		return reject(ReasonNotMember), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read member %s: %w", userID, err)
	}

	if len(c.Conditions.TargetTierIDs) > 0 &&
		(member.TierID == nil || !slices.Contains(c.Conditions.TargetTierIDs, *member.TierID)) {
		return reject(ReasonTierRestricted), nil
	}

	// 2. Rules: any match qualifies. A campaign without rules is open to every member
	// that passed the structural checks.
	res := &Eligibility{Reasons: []string{}, MatchedRules: []string{}}
	if len(c.Conditions.Rules) == 0 {
		res.IsEligible = true
		return res, nil
	}

	facts := &ruleFacts{userID: userID, programID: c.LoyaltyProgramID}
	for i := range c.Conditions.Rules {
		rule := &c.Conditions.Rules[i]
		ok, err := e.evalRule(ctx, rule, facts)
		if err != nil {
			return nil, err
		}
		if ok {
			res.MatchedRules = append(res.MatchedRules, rule.DisplayName())
		} else {
			res.Reasons = append(res.Reasons, "rule not satisfied: "+rule.DisplayName())
		}
	}
	res.IsEligible = len(res.MatchedRules) > 0
	return res, nil
}

// windowReason returns the first failing activity/window check, or "" when the
// campaign is running at now. The end date is inclusive.
func windowReason(c *store.Campaign, now time.Time) string {
	switch {
	case !c.IsActive:
		return ReasonInactive
	case now.Before(c.StartDate):
		return ReasonNotStarted
	case c.EndDate != nil && now.After(*c.EndDate):
		return ReasonEnded
	}
	return ""
}

func reject(reason string) *Eligibility {
	return &Eligibility{Reasons: []string{reason}, MatchedRules: []string{}}
}

// ruleFacts lazily loads the balance shared by every rule of one evaluation.
type ruleFacts struct {
	userID    string
	programID string
	balance   *int
}

func (e *Evaluator) balance(ctx context.Context, f *ruleFacts) (int, error) {
	if f.balance != nil {
		return *f.balance, nil
	}
	p, err := e.programs.GetProgram(ctx, f.programID)
	if err != nil {
		return 0, err
	}
	b, err := e.members.GetBalance(ctx, f.userID, p.MerchantID)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance of user %s: %w", f.userID, err)
	}
	f.balance = &b
	return b, nil
}

// evalRule evaluates one rule. Unsupported or uncompiled kinds never match.
func (e *Evaluator) evalRule(ctx context.Context, rule *store.RuleSpec, f *ruleFacts) (bool, error) {
	switch params := rule.Compiled.(type) {
	case store.PointsThresholdParams:
		b, err := e.balance(ctx, f)
		if err != nil {
			return false, err
		}
		return b >= params.Threshold, nil

	case store.SegmentMembershipParams:
		return e.segments.EvaluateSegmentCriteria(ctx, f.userID, params.SegmentID)

	case store.PurchaseHistoryParams:
		// No purchase ledger backs this kind yet.
		logger.FromContext(ctx).Warn("campaign rule kind not supported yet",
			slog.String("kind", string(rule.Kind)),
			slog.String("rule", rule.DisplayName()),
		)
		return false, nil

	default:
		logger.FromContext(ctx).Warn("skipping unknown campaign rule kind",
			slog.String("kind", string(rule.Kind)),
			slog.String("rule", rule.DisplayName()),
		)
		return false, nil
	}
}
