// Package segment decides audience membership and reconciles stored membership with it.
//
// STATIC segments are explicit lists maintained outside the engine. DYNAMIC segments are
// derived entirely from member activity facts. HYBRID segments are the inclusive OR of
// both: a static row or matching criteria.
package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rafaeljc/tally/internal/condition"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/notify"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/store"
	"github.com/rafaeljc/tally/internal/validation"
)

// Fact keys assembled from member activity.
const (
	FactBalance          = "balance"
	FactPoints           = "points"
	FactTransactionCount = "transactionCount"
	FactRedemptionCount  = "redemptionCount"
	FactLastActivityAt   = "lastActivityAt"
	FactTierID           = "tierId"
)

// Changes lists the segment ids a reconciliation pass added the user to or removed
// the user from.
type Changes struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Evaluator evaluates segment criteria against member activity.
type Evaluator struct {
	programs  store.ProgramRepository
	segments  store.SegmentRepository
	members   store.MemberRepository
	evaluator *condition.Evaluator
	events    *notify.Emitter
	logger    *slog.Logger
	now       func() time.Time
}

// NewEvaluator creates an Evaluator. It panics on nil dependencies.
func NewEvaluator(programs store.ProgramRepository, segments store.SegmentRepository, members store.MemberRepository, events *notify.Emitter, l *slog.Logger) *Evaluator {
	validation.AssertDependency(programs, "program repository")
	validation.AssertDependency(segments, "segment repository")
	validation.AssertDependency(members, "member repository")
	validation.AssertNotNil(events, "event emitter")

	l = logger.OrDefault(l)
	return &Evaluator{
		programs:  programs,
		segments:  segments,
		members:   members,
		evaluator: condition.NewEvaluator(l),
		events:    events,
		logger:    l,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Facts assembles the fact set criteria are evaluated against. Absent values (no
// activity yet, no tier) are left out so conditions on them fail closed.
func (e *Evaluator) Facts(ctx context.Context, userID, programID string) (condition.Facts, error) {
	act, err := e.members.GetMemberActivity(ctx, userID, programID)
	if err != nil {
		return nil, err
	}
	facts := condition.Facts{
		FactBalance:          act.Balance,
		FactPoints:           act.Points,
		FactTransactionCount: act.TransactionCount,
		FactRedemptionCount:  act.RedemptionCount,
	}
	if act.LastActivityAt != nil {
		facts[FactLastActivityAt] = *act.LastActivityAt
	}
	if act.TierID != nil {
		facts[FactTierID] = *act.TierID
	}
	return facts, nil
}

// EvaluateSegmentCriteria reports whether the user belongs to the segment.
func (e *Evaluator) EvaluateSegmentCriteria(ctx context.Context, userID, segmentID string) (bool, error) {
	seg, err := e.segments.GetSegment(ctx, segmentID)
	if err != nil {
		return false, err
	}

	switch seg.Type {
	case store.SegmentStatic:
		row, err := e.membership(ctx, seg.ID, userID)
		return row != nil, err
	case store.SegmentHybrid:
		row, err := e.membership(ctx, seg.ID, userID)
		if err != nil {
			return false, err
		}
		if row != nil && row.Reason() == store.MembershipReasonStatic {
			return true, nil
		}
	}

	facts, err := e.Facts(ctx, userID, seg.LoyaltyProgramID)
	if err != nil {
		return false, err
	}
	return e.matches(seg, facts), nil
}

func (e *Evaluator) matches(seg *store.Segment, facts condition.Facts) bool {
	_, ok := e.evaluator.MatchAll(seg.Criteria.Conditions, facts)
	return ok
}

// membership returns the stored row, or nil when the user is not a member.
func (e *Evaluator) membership(ctx context.Context, segmentID, userID string) (*store.SegmentMember, error) {
	row, err := e.segments.GetSegmentMember(ctx, segmentID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read membership of segment %s: %w", segmentID, err)
	}
	return row, nil
}

// Reconcile compares criteria with stored membership for every active DYNAMIC and
// HYBRID segment of the program and adds or removes the user on divergence.
//
// STATIC segments are skipped and explicit rows of HYBRID segments are left alone.
// Running it again without a fact change does nothing.
func (e *Evaluator) Reconcile(ctx context.Context, userID, programID string) (*Changes, error) {
	segments, err := e.segments.ListActiveSegments(ctx, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments of program %s: %w", programID, err)
	}

	changes := &Changes{}
	var facts condition.Facts
	for _, seg := range segments {
		if seg.Type == store.SegmentStatic {
			continue
		}
		if facts == nil {
			if facts, err = e.Facts(ctx, userID, programID); err != nil {
				return nil, err
			}
		}

		row, err := e.membership(ctx, seg.ID, userID)
		if err != nil {
			return nil, err
		}
		if row != nil && seg.Type == store.SegmentHybrid && row.Reason() == store.MembershipReasonStatic {
			continue
		}

		want := e.matches(seg, facts)
		switch {
		case want && row == nil:
			added, err := e.segments.AddSegmentMember(ctx, &store.SegmentMember{
				SegmentID: seg.ID,
				UserID:    userID,
				Metadata:  map[string]any{"reason": store.MembershipReasonCriteria},
				JoinedAt:  e.now(),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to add user to segment %s: %w", seg.ID, err)
			}
			if added {
				changes.Added = append(changes.Added, seg.ID)
			}
		case !want && row != nil:
			removed, err := e.segments.RemoveSegmentMember(ctx, seg.ID, userID)
			if err != nil {
				return nil, fmt.Errorf("failed to remove user from segment %s: %w", seg.ID, err)
			}
			if removed {
				changes.Removed = append(changes.Removed, seg.ID)
			}
		}
	}

	e.publish(ctx, userID, programID, changes)
	return changes, nil
}

func (e *Evaluator) publish(ctx context.Context, userID, programID string, changes *Changes) {
	if len(changes.Added) == 0 && len(changes.Removed) == 0 {
		return
	}
	merchantID := ""
	if p, err := e.programs.GetProgram(ctx, programID); err == nil {
		merchantID = p.MerchantID
	}

	for _, id := range changes.Added {
		observability.SegmentMembershipChanges.WithLabelValues("added").Inc()
		e.events.Emit(ctx, notify.SegmentMemberAdded, merchantID, userID, map[string]any{
			"segmentId": id,
			"reason":    store.MembershipReasonCriteria,
		})
	}
	for _, id := range changes.Removed {
		observability.SegmentMembershipChanges.WithLabelValues("removed").Inc()
		e.events.Emit(ctx, notify.SegmentMemberRemoved, merchantID, userID, map[string]any{
			"segmentId": id,
		})
	}
	logger.FromContext(ctx).Info("segment membership reconciled",
		slog.String("user_id", userID),
		slog.Int("added", len(changes.Added)),
		slog.Int("removed", len(changes.Removed)),
	)
}
