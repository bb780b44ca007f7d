package points

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/notify"
	"github.com/rafaeljc/tally/internal/store"
	"github.com/rafaeljc/tally/internal/validation"
)

// ReasonInsufficientBalance is the failure reason stored on a redemption whose
// balance did not cover it.
const ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"

// ErrInsufficientBalance is returned by the store when a debit would overdraw.
var ErrInsufficientBalance = store.ErrInsufficientBalance

// Redeemer settles pending redemptions against the spendable balance.
type Redeemer struct {
	ledger store.LedgerRepository
	events *notify.Emitter
	logger *slog.Logger
	now    func() time.Time
}

// NewRedeemer creates a Redeemer. It panics on nil dependencies.
func NewRedeemer(ledger store.LedgerRepository, events *notify.Emitter, l *slog.Logger) *Redeemer {
	validation.AssertDependency(ledger, "ledger repository")
	validation.AssertNotNil(events, "event emitter")
	return &Redeemer{
		ledger: ledger,
		events: events,
		logger: logger.OrDefault(l),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ProcessRedemption settles one redemption. A redemption that is no longer PENDING is
// returned unchanged. An insufficient balance is a business outcome, not an error: the
// redemption becomes FAILED and the balance is left untouched.
func (r *Redeemer) ProcessRedemption(ctx context.Context, redemptionID string) (*store.Redemption, error) {
	log := logger.FromContext(ctx).With(slog.String("redemption_id", redemptionID))

	red, err := r.ledger.GetRedemption(ctx, redemptionID)
	if err != nil {
		return nil, err
	}
	if red.Status != store.StatusPending {
		log.Debug("redemption already settled", slog.String("status", string(red.Status)))
		return red, nil
	}

	won, err := r.ledger.CompleteRedemption(ctx, redemptionID, uuid.NewString(), r.now())
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		failed, ferr := r.ledger.FailRedemption(ctx, redemptionID, ReasonInsufficientBalance)
		if ferr != nil {
			return nil, fmt.Errorf("failed to reject redemption %s: %w", redemptionID, ferr)
		}
		if failed {
			log.Info("redemption rejected", slog.String("reason", ReasonInsufficientBalance))
			r.events.Emit(ctx, notify.RedemptionFailed, red.MerchantID, red.UserID, map[string]any{
				"redemptionId": red.ID,
				"points":       red.Points,
				"reason":       ReasonInsufficientBalance,
			})
		}
	case err != nil:
		return nil, fmt.Errorf("failed to complete redemption %s: %w", redemptionID, err)
	case won:
		log.Info("redemption completed", slog.Int("points", red.Points))
		r.events.Emit(ctx, notify.RedemptionCompleted, red.MerchantID, red.UserID, map[string]any{
			"redemptionId": red.ID,
			"points":       red.Points,
		})
	}

	return r.ledger.GetRedemption(ctx, redemptionID)
}

// MarkFailed records the terminal failure of a redemption after retries are exhausted.
func (r *Redeemer) MarkFailed(ctx context.Context, redemptionID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	failed, err := r.ledger.FailRedemption(ctx, redemptionID, msg)
	if err != nil {
		return fmt.Errorf("failed to mark redemption %s failed: %w", redemptionID, err)
	}
	if failed {
		red, err := r.ledger.GetRedemption(ctx, redemptionID)
		if err == nil {
			r.events.Emit(ctx, notify.RedemptionFailed, red.MerchantID, red.UserID, map[string]any{
				"redemptionId": red.ID,
				"points":       red.Points,
				"reason":       msg,
			})
		}
	}
	return nil
}
