// Package tier places members on a program's tier ladder and records transitions.
//
// The ladder is derived from the member's current points. Whether a transition is due
// is decided against the tier stored on the member row, so a member whose points fell
// (after expiration, say) below the stored tier is flagged for downgrade.
package tier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/notify"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/store"
	"github.com/rafaeljc/tally/internal/validation"
)

// Evaluation is the tier placement of one member.
type Evaluation struct {
	Points           int         `json:"points"`
	RecordedTierID   *string     `json:"recordedTierId"`
	CurrentTier      *store.Tier `json:"currentTier"`
	NextTier         *store.Tier `json:"nextTier"`
	PointsToNextTier int         `json:"pointsToNextTier"`
	ShouldUpgrade    bool        `json:"shouldUpgrade"`
	ShouldDowngrade  bool        `json:"shouldDowngrade"`
}

// Progress is the read model served to clients.
type Progress struct {
	CurrentTier        *store.Tier `json:"currentTier"`
	NextTier           *store.Tier `json:"nextTier"`
	PointsToNextTier   int         `json:"pointsToNextTier"`
	ProgressPercentage float64     `json:"progressPercentage"`
}

// Evaluator reads members and tiers and applies transitions.
type Evaluator struct {
	programs store.ProgramRepository
	config   store.ConfigRepository
	members  store.MemberRepository
	events   *notify.Emitter
	logger   *slog.Logger
	now      func() time.Time
}

// NewEvaluator creates an Evaluator. It panics on nil dependencies.
func NewEvaluator(programs store.ProgramRepository, config store.ConfigRepository, members store.MemberRepository, events *notify.Emitter, l *slog.Logger) *Evaluator {
	validation.AssertDependency(programs, "program repository")
	validation.AssertDependency(config, "config repository")
	validation.AssertDependency(members, "member repository")
	validation.AssertNotNil(events, "event emitter")
	return &Evaluator{
		programs: programs,
		config:   config,
		members:  members,
		events:   events,
		logger:   logger.OrDefault(l),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Place computes the ladder position for points against tiers sorted ascending by
// threshold. The current tier is the highest tier whose threshold is at most points;
// the next tier is the lowest tier above points. Both are nil at the extremes.
func Place(points int, tiers []*store.Tier, recordedTierID *string) Evaluation {
	ev := Evaluation{Points: points, RecordedTierID: recordedTierID}

	var recorded *store.Tier
	for _, t := range tiers {
		if t.PointsThreshold <= points {
			ev.CurrentTier = t
		} else if ev.NextTier == nil {
			ev.NextTier = t
		}
		if recordedTierID != nil && t.ID == *recordedTierID {
			recorded = t
		}
	}
	if ev.NextTier != nil {
		ev.PointsToNextTier = ev.NextTier.PointsThreshold - points
	}

	switch {
	case recorded != nil && points < recorded.PointsThreshold:
		ev.ShouldDowngrade = true
	case ev.CurrentTier != nil && (recorded == nil || ev.CurrentTier.PointsThreshold > recorded.PointsThreshold):
		ev.ShouldUpgrade = true
	case ev.CurrentTier == nil && recordedTierID != nil:
		// The stored tier no longer exists and the member qualifies for none.
		ev.ShouldDowngrade = true
	}
	return ev
}

// EvaluateMemberTier reads the member and the program tiers and places the member.
func (e *Evaluator) EvaluateMemberTier(ctx context.Context, userID, programID string) (*Evaluation, error) {
	_, ev, err := e.evaluate(ctx, userID, programID)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (e *Evaluator) evaluate(ctx context.Context, userID, programID string) (*store.Member, Evaluation, error) {
	member, err := e.members.GetMember(ctx, userID, programID)
	if err != nil {
		return nil, Evaluation{}, err
	}
	tiers, err := e.config.ListTiers(ctx, programID)
	if err != nil {
		return nil, Evaluation{}, fmt.Errorf("failed to load tiers for program %s: %w", programID, err)
	}
	return member, Place(member.Points, tiers, member.TierID), nil
}

// UpdateMemberTier re-evaluates the member from freshly read state and, when a
// transition is due, moves the stored tier and appends one TierChange. The move is a
// compare-and-swap on the tier that was read, so a concurrent update that got there
// first turns this call into a no-op. changed reports whether this call moved the tier.
func (e *Evaluator) UpdateMemberTier(ctx context.Context, userID, programID string) (ev *Evaluation, changed bool, err error) {
	member, placed, err := e.evaluate(ctx, userID, programID)
	if err != nil {
		return nil, false, err
	}
	ev = &placed
	if !ev.ShouldUpgrade && !ev.ShouldDowngrade {
		return ev, false, nil
	}

	changeType := store.TierUpgrade
	if ev.ShouldDowngrade {
		changeType = store.TierDowngrade
	}
	var newTierID *string
	if ev.CurrentTier != nil {
		id := ev.CurrentTier.ID
		newTierID = &id
	}

	now := e.now()
	won, err := e.members.UpdateMemberTier(ctx, store.TierTransition{
		MemberID:       member.ID,
		ExpectedTierID: member.TierID,
		Change: store.TierChange{
			ID:               uuid.NewString(),
			UserID:           userID,
			LoyaltyProgramID: programID,
			OldTierID:        member.TierID,
			NewTierID:        newTierID,
			PointsAtChange:   ev.Points,
			ChangeType:       changeType,
			CreatedAt:        now,
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to update tier for user %s: %w", userID, err)
	}
	if !won {
		logger.FromContext(ctx).Debug("tier update lost to a concurrent change", slog.String("user_id", userID))
		return ev, false, nil
	}

	observability.TierChanges.WithLabelValues(strings.ToLower(string(changeType))).Inc()
	e.emitChange(ctx, userID, programID, member.TierID, newTierID, ev.Points, changeType)
	ev.RecordedTierID = newTierID
	ev.ShouldUpgrade, ev.ShouldDowngrade = false, false
	return ev, true, nil
}

func (e *Evaluator) emitChange(ctx context.Context, userID, programID string, oldTier, newTier *string, points int, changeType store.TierChangeType) {
	merchantID := ""
	if p, err := e.programs.GetProgram(ctx, programID); err == nil {
		merchantID = p.MerchantID
	} else {
		logger.FromContext(ctx).Warn("tier change event without merchant",
			slog.String("program_id", programID),
			slog.String("error", err.Error()),
		)
	}
	e.events.Emit(ctx, notify.TierChanged, merchantID, userID, map[string]any{
		"loyaltyProgramId": programID,
		"oldTierId":        oldTier,
		"newTierId":        newTier,
		"pointsAtChange":   points,
		"changeType":       changeType,
	})
}

// GetTierProgress reports the member's ladder position. ProgressPercentage is points
// divided by the distance to the next tier, and 100 at the top of the ladder.
func (e *Evaluator) GetTierProgress(ctx context.Context, userID, programID string) (*Progress, error) {
	ev, err := e.EvaluateMemberTier(ctx, userID, programID)
	if err != nil {
		return nil, err
	}
	p := &Progress{
		CurrentTier:        ev.CurrentTier,
		NextTier:           ev.NextTier,
		PointsToNextTier:   ev.PointsToNextTier,
		ProgressPercentage: 100,
	}
	if ev.NextTier != nil && ev.PointsToNextTier > 0 {
		p.ProgressPercentage = float64(ev.Points) / float64(ev.PointsToNextTier) * 100
	}
	return p, nil
}
