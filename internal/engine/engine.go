// Package engine orchestrates the evaluators for each inbound trigger.
//
// Within one trigger the order is fixed: points are calculated and persisted first,
// then the tier is re-evaluated, then segments and campaigns that depend on the new
// tier and balance. Every step after the points write re-derives state from the store,
// so a retried trigger converges whatever step it failed on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rafaeljc/tally/internal/campaign"
	"github.com/rafaeljc/tally/internal/expiration"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/points"
	"github.com/rafaeljc/tally/internal/segment"
	"github.com/rafaeljc/tally/internal/store"
	"github.com/rafaeljc/tally/internal/tier"
	"github.com/rafaeljc/tally/internal/validation"
)

var _ segment.MemberReconciler = (*Engine)(nil)

// TransactionEvent is the "transaction created" trigger.
type TransactionEvent struct {
	TransactionID string          `json:"transactionId" validate:"required"`
	MerchantID    string          `json:"merchantId" validate:"required"`
	UserID        string          `json:"userId" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Metadata      map[string]any  `json:"metadata"`
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Programs   store.ProgramRepository
	Calculator *points.Calculator
	Redeemer   *points.Redeemer
	Tiers      *tier.Evaluator
	Segments   *segment.Evaluator
	Campaigns  *campaign.Evaluator
	Expiration *expiration.Processor
}

// Engine runs triggers end to end.
type Engine struct {
	programs   store.ProgramRepository
	calculator *points.Calculator
	redeemer   *points.Redeemer
	tiers      *tier.Evaluator
	segments   *segment.Evaluator
	campaigns  *campaign.Evaluator
	expiration *expiration.Processor
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Engine. It panics when any dependency is missing.
func New(d Deps, l *slog.Logger) *Engine {
	validation.AssertDependency(d.Programs, "program repository")
	validation.AssertNotNil(d.Calculator, "points calculator")
	validation.AssertNotNil(d.Redeemer, "redeemer")
	validation.AssertNotNil(d.Tiers, "tier evaluator")
	validation.AssertNotNil(d.Segments, "segment evaluator")
	validation.AssertNotNil(d.Campaigns, "campaign evaluator")
	validation.AssertNotNil(d.Expiration, "expiration processor")
	return &Engine{
		programs:   d.Programs,
		calculator: d.Calculator,
		redeemer:   d.Redeemer,
		tiers:      d.Tiers,
		segments:   d.Segments,
		campaigns:  d.Campaigns,
		expiration: d.Expiration,
		logger:     logger.OrDefault(l),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// HandleTransaction awards points for a transaction and reconciles the member.
func (e *Engine) HandleTransaction(ctx context.Context, ev TransactionEvent) (res *points.Result, err error) {
	ctx, span := observability.StartSpan(ctx, "engine.HandleTransaction",
		attribute.String("transaction_id", ev.TransactionID),
		attribute.String("user_id", ev.UserID),
	)
	defer func() { observability.EndSpan(span, err) }()

	prog, err := e.programs.GetProgramByMerchant(ctx, ev.MerchantID)
	if err != nil {
		return nil, err
	}

	res, _, err = e.calculator.Award(ctx, ev.TransactionID, points.TransactionContext{
		TransactionAmount: ev.Amount,
		MerchantID:        ev.MerchantID,
		UserID:            ev.UserID,
		LoyaltyProgramID:  prog.ID,
		Metadata:          ev.Metadata,
	})
	if err != nil {
		return nil, err
	}

	// Reconcile even when the award was a replay: the previous attempt may have
	// failed after the points write.
	if err := e.ReconcileMember(ctx, ev.UserID, prog.ID); err != nil {
		return nil, err
	}
	return res, nil
}

// FailTransaction records the terminal failure of a transaction trigger.
func (e *Engine) FailTransaction(ctx context.Context, transactionID string, cause error) error {
	err := e.calculator.MarkFailed(ctx, transactionID, cause)
	if errors.Is(err, store.ErrNotFound) {
		// The trigger failed before its calculation record existed.
		return nil
	}
	return err
}

// HandleRedemption settles a redemption and reconciles the member.
func (e *Engine) HandleRedemption(ctx context.Context, redemptionID string) (red *store.Redemption, err error) {
	ctx, span := observability.StartSpan(ctx, "engine.HandleRedemption", attribute.String("redemption_id", redemptionID))
	defer func() { observability.EndSpan(span, err) }()

	red, err = e.redeemer.ProcessRedemption(ctx, redemptionID)
	if err != nil {
		return nil, err
	}
	if red.Status == store.StatusCompleted {
		if err := e.ReconcileMember(ctx, red.UserID, red.LoyaltyProgramID); err != nil {
			return nil, err
		}
	}
	return red, nil
}

// FailRedemption records the terminal failure of a redemption trigger.
func (e *Engine) FailRedemption(ctx context.Context, redemptionID string, cause error) error {
	return e.redeemer.MarkFailed(ctx, redemptionID, cause)
}

// HandleAdjustment reconciles a member after an external points adjustment.
func (e *Engine) HandleAdjustment(ctx context.Context, userID, merchantID string) (err error) {
	ctx, span := observability.StartSpan(ctx, "engine.HandleAdjustment", attribute.String("user_id", userID))
	defer func() { observability.EndSpan(span, err) }()

	prog, err := e.programs.GetProgramByMerchant(ctx, merchantID)
	if err != nil {
		return err
	}
	return e.ReconcileMember(ctx, userID, prog.ID)
}

// HandleExpirationTick expires points of one program, or of every program when
// programID is empty, and reconciles the members whose points went down.
func (e *Engine) HandleExpirationTick(ctx context.Context, programID string) (res *expiration.Result, err error) {
	ctx, span := observability.StartSpan(ctx, "engine.HandleExpirationTick", attribute.String("program_id", programID))
	defer func() { observability.EndSpan(span, err) }()

	now := e.now()
	if programID == "" {
		res, err = e.expiration.ExpireAll(ctx, now)
	} else {
		res, err = e.expiration.ExpireProgram(ctx, programID, now)
	}
	if err != nil {
		return res, err
	}

	var failed int
	for _, m := range res.Affected {
		if err := e.ReconcileMember(ctx, m.UserID, m.ProgramID); err != nil {
			failed++
			logger.FromContext(ctx).Warn("failed to reconcile member after expiration",
				slog.String("user_id", m.UserID),
				slog.String("program_id", m.ProgramID),
				slog.String("error", err.Error()),
			)
		}
	}
	if failed > 0 {
		// The ledger side already committed; a retry only re-runs the reconciliation.
		return res, fmt.Errorf("failed to reconcile %d of %d members after expiration", failed, len(res.Affected))
	}
	return res, nil
}

// ReconcileMember re-derives tier, segment membership and campaign participation from
// the member's current facts. A user without a membership row has nothing to derive.
func (e *Engine) ReconcileMember(ctx context.Context, userID, programID string) (err error) {
	ctx, span := observability.StartSpan(ctx, "engine.ReconcileMember",
		attribute.String("user_id", userID),
		attribute.String("program_id", programID),
	)
	defer func() { observability.EndSpan(span, err) }()

	if _, _, err = e.tiers.UpdateMemberTier(ctx, userID, programID); err != nil {
		if errors.Is(err, store.ErrMemberNotFound) {
			logger.FromContext(ctx).Debug("skipping reconciliation for non-member",
				slog.String("user_id", userID),
				slog.String("program_id", programID),
			)
			return nil
		}
		return fmt.Errorf("tier: %w", err)
	}
	if _, err = e.segments.Reconcile(ctx, userID, programID); err != nil {
		return fmt.Errorf("segments: %w", err)
	}
	if _, err = e.campaigns.ReconcileCampaigns(ctx, userID, programID); err != nil {
		return fmt.Errorf("campaigns: %w", err)
	}
	return nil
}
