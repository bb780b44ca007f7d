// Package points turns transactions into points. The calculation itself is pure and can be
// retried freely; only the persist step is guarded, by a calculation record keyed by the
// triggering event id, so a replayed event never increments a balance twice.
package points

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rafaeljc/tally/internal/condition"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/notify"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/store"
	"github.com/rafaeljc/tally/internal/validation"
)

// AmountFact is the fact key under which the transaction amount is exposed to rule
// conditions. A metadata entry with the same key takes precedence.
const AmountFact = "transactionAmount"

// TransactionContext is the input of a calculation. It is supplied by the caller and
// never persisted as such.
type TransactionContext struct {
	TransactionAmount decimal.Decimal
	MerchantID        string
	UserID            string
	LoyaltyProgramID  string
	Metadata          map[string]any
}

// Result is the output of a calculation. TotalPoints always equals the sum of the
// matched rules' points, and MatchedRules preserves rule order.
type Result struct {
	TotalPoints  int                 `json:"totalPoints"`
	MatchedRules []store.MatchedRule `json:"matchedRules"`
}

// Calculator applies a program's active rules to transactions.
type Calculator struct {
	rules     store.ConfigRepository
	ledger    store.LedgerRepository
	evaluator *condition.Evaluator
	events    *notify.Emitter
	logger    *slog.Logger
	now       func() time.Time
}

// NewCalculator creates a Calculator. It panics on nil dependencies.
func NewCalculator(rules store.ConfigRepository, ledger store.LedgerRepository, events *notify.Emitter, l *slog.Logger) *Calculator {
	validation.AssertDependency(rules, "rule repository")
	validation.AssertDependency(ledger, "ledger repository")
	validation.AssertNotNil(events, "event emitter")

	l = logger.OrDefault(l)
	return &Calculator{
		rules:     rules,
		ledger:    ledger,
		evaluator: condition.NewEvaluator(l),
		events:    events,
		logger:    l,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CalculatePoints evaluates every active rule of the program against the transaction.
// A rule matches when all of its conditions hold; a rule without conditions always
// matches. It reads the store but writes nothing.
func (c *Calculator) CalculatePoints(ctx context.Context, tc TransactionContext) (*Result, error) {
	rules, err := c.rules.ListActiveRules(ctx, tc.LoyaltyProgramID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for program %s: %w", tc.LoyaltyProgramID, err)
	}

	facts := transactionFacts(tc)
	res := &Result{MatchedRules: []store.MatchedRule{}}
	for _, r := range rules {
		matched, ok := c.evaluator.MatchAll(r.Conditions, facts)
		if !ok {
			continue
		}
		res.TotalPoints += r.Points
		res.MatchedRules = append(res.MatchedRules, store.MatchedRule{
			RuleID:            r.ID,
			RuleName:          r.Name,
			Points:            r.Points,
			MatchedConditions: matched,
		})
	}
	return res, nil
}

func transactionFacts(tc TransactionContext) condition.Facts {
	facts := make(condition.Facts, len(tc.Metadata)+1)
	if !tc.TransactionAmount.IsZero() {
		amount, _ := tc.TransactionAmount.Float64()
		facts[AmountFact] = amount
	}
	for k, v := range tc.Metadata {
		facts[k] = v
	}
	return facts
}

// Award calculates and applies the points of one triggering event.
//
// The calculation record keyed by eventID makes this safe under at-least-once delivery:
// a COMPLETED record short-circuits and returns the cached result, and the store's
// compare-and-swap lets only one concurrent attempt apply the balance increment.
// applied reports whether this call was the one that applied it.
func (c *Calculator) Award(ctx context.Context, eventID string, tc TransactionContext) (res *Result, applied bool, err error) {
	log := logger.FromContext(ctx)

	rec, err := c.ledger.BeginCalculation(ctx, &store.CalculationRecord{
		EventID:          eventID,
		UserID:           tc.UserID,
		MerchantID:       tc.MerchantID,
		LoyaltyProgramID: tc.LoyaltyProgramID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin calculation %s: %w", eventID, err)
	}
	if rec.Status == store.StatusCompleted {
		log.Debug("calculation already completed", slog.String("event_id", eventID))
		return &Result{TotalPoints: rec.TotalPoints, MatchedRules: rec.MatchedRules}, false, nil
	}

	res, err = c.CalculatePoints(ctx, tc)
	if err != nil {
		return nil, false, err
	}

	ruleIDs := make([]string, 0, len(res.MatchedRules))
	for _, m := range res.MatchedRules {
		ruleIDs = append(ruleIDs, m.RuleID)
	}

	rec.TotalPoints = res.TotalPoints
	rec.MatchedRules = res.MatchedRules
	won, err := c.ledger.CompleteCalculation(ctx, store.Earning{
		TransactionID: uuid.NewString(),
		Record:        rec,
		Reason:        "purchase",
		Metadata: map[string]any{
			"transactionId": eventID,
			"matchedRules":  ruleIDs,
		},
		At: c.now(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to complete calculation %s: %w", eventID, err)
	}
	if !won {
		// A concurrent attempt finished first; report what it stored.
		stored, err := c.ledger.GetCalculation(ctx, eventID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read calculation %s: %w", eventID, err)
		}
		return &Result{TotalPoints: stored.TotalPoints, MatchedRules: stored.MatchedRules}, false, nil
	}

	if res.TotalPoints > 0 {
		observability.PointsAwarded.Add(float64(res.TotalPoints))
		c.events.Emit(ctx, notify.PointsEarned, tc.MerchantID, tc.UserID, map[string]any{
			"transactionId":    eventID,
			"loyaltyProgramId": tc.LoyaltyProgramID,
			"points":           res.TotalPoints,
			"matchedRules":     ruleIDs,
		})
	}
	log.Info("points calculated",
		slog.String("event_id", eventID),
		slog.Int("points", res.TotalPoints),
		slog.Int("matched_rules", len(res.MatchedRules)),
	)
	return res, true, nil
}

// MarkFailed records the terminal failure of an event's calculation. A COMPLETED
// record is left as is.
func (c *Calculator) MarkFailed(ctx context.Context, eventID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := c.ledger.FailCalculation(ctx, eventID, msg); err != nil {
		return fmt.Errorf("failed to mark calculation %s failed: %w", eventID, err)
	}
	return nil
}
