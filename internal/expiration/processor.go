// Package expiration ages out earned points. For every positive, unexpired ledger entry
// older than a program's window it appends a compensating EXPIRATION entry and lowers
// the member's points and balance by the original amount.
//
// The is_expired flag on the original entry is the de-duplication guard: the store
// flips it with a compare-and-swap, and the selection skips flagged rows, so re-running
// a sweep over the same window never expires an entry twice.
package expiration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/notify"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/store"
	"github.com/rafaeljc/tally/internal/validation"
)

// AffectedMember is a user whose points went down in a sweep.
type AffectedMember struct {
	UserID    string
	ProgramID string
}

// Result summarizes a sweep.
type Result struct {
	Programs int
	Expired  int
	Points   int
	Affected []AffectedMember
}

func (r *Result) merge(o *Result) {
	r.Programs += o.Programs
	r.Expired += o.Expired
	r.Points += o.Points
	r.Affected = append(r.Affected, o.Affected...)
}

// Processor runs expiration sweeps.
type Processor struct {
	programs store.ProgramRepository
	ledger   store.LedgerRepository
	events   *notify.Emitter
	pageSize int
	logger   *slog.Logger
}

// NewProcessor creates a Processor that reads pageSize entries at a time.
// It panics on nil dependencies or a non-positive page size.
func NewProcessor(programs store.ProgramRepository, ledger store.LedgerRepository, events *notify.Emitter, pageSize int, l *slog.Logger) *Processor {
	validation.AssertDependency(programs, "program repository")
	validation.AssertDependency(ledger, "ledger repository")
	validation.AssertNotNil(events, "event emitter")
	if pageSize <= 0 {
		panic("expiration page size must be positive")
	}
	return &Processor{
		programs: programs,
		ledger:   ledger,
		events:   events,
		pageSize: pageSize,
		logger:   logger.OrDefault(l),
	}
}

// ExpireAll sweeps every active program with an expiration window.
func (p *Processor) ExpireAll(ctx context.Context, now time.Time) (*Result, error) {
	start := time.Now()
	defer func() {
		observability.SweepDuration.WithLabelValues("expiration").Observe(time.Since(start).Seconds())
	}()

	programs, err := p.programs.ListProgramsWithExpiration(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list programs with expiration: %w", err)
	}

	total := &Result{}
	for _, prog := range programs {
		res, err := p.expire(ctx, prog, now)
		if err != nil {
			return total, err
		}
		total.merge(res)
	}
	return total, nil
}

// ExpireProgram sweeps a single program. A program without a window is a no-op.
func (p *Processor) ExpireProgram(ctx context.Context, programID string, now time.Time) (*Result, error) {
	prog, err := p.programs.GetProgram(ctx, programID)
	if err != nil {
		return nil, err
	}
	return p.expire(ctx, prog, now)
}

func (p *Processor) expire(ctx context.Context, prog *store.Program, now time.Time) (*Result, error) {
	res := &Result{Programs: 1}
	if prog.PointsExpirationDays == nil || *prog.PointsExpirationDays <= 0 {
		return res, nil
	}

	log := logger.FromContext(ctx).With(slog.String("program_id", prog.ID))
	cutoff := now.AddDate(0, 0, -*prog.PointsExpirationDays)
	affected := make(map[string]struct{})

	after := ""
	for {
		page, err := p.ledger.ListExpirable(ctx, prog.ID, cutoff, after, p.pageSize)
		if err != nil {
			return res, fmt.Errorf("failed to list expirable transactions of program %s: %w", prog.ID, err)
		}
		for _, tx := range page {
			won, err := p.ledger.ExpireTransaction(ctx, store.Expiry{
				Original:       tx,
				CompensatingID: uuid.NewString(),
				At:             now,
			})
			if err != nil {
				return res, fmt.Errorf("failed to expire transaction %s: %w", tx.ID, err)
			}
			if !won {
				continue
			}

			res.Expired++
			res.Points += tx.Amount
			affected[tx.UserID] = struct{}{}
			observability.ExpiredTransactions.Inc()
			p.events.Emit(ctx, notify.PointsExpired, tx.MerchantID, tx.UserID, map[string]any{
				"loyaltyProgramId":      prog.ID,
				"originalTransactionId": tx.ID,
				"points":                tx.Amount,
			})
		}
		if len(page) < p.pageSize {
			break
		}
		after = page[len(page)-1].ID
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("expiration of program %s interrupted: %w", prog.ID, err)
		}
	}

	users := make([]string, 0, len(affected))
	for u := range affected {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		res.Affected = append(res.Affected, AffectedMember{UserID: u, ProgramID: prog.ID})
	}

	if res.Expired > 0 {
		log.Info("points expired",
			slog.Int("transactions", res.Expired),
			slog.Int("points", res.Points),
			slog.Int("users", len(users)),
		)
	}
	return res, nil
}
