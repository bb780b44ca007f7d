package segment

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/store"
	"github.com/rafaeljc/tally/internal/validation"
)

// Shard maps a user to one of count shards. The mapping is stable across processes,
// so workers configured with distinct indexes split the user space without overlap.
func Shard(userID string, count int) int {
	if count <= 1 {
		return 0
	}
	return int(murmur3.Sum32([]byte(userID)) % uint32(count))
}

// ShardRange selects the users of one shard. A zero Count selects every user.
type ShardRange struct {
	Index int
	Count int
}

func (r ShardRange) contains(userID string) bool {
	return r.Count <= 1 || Shard(userID, r.Count) == r.Index
}

// MemberReconciler re-derives everything that depends on a member's current facts.
type MemberReconciler interface {
	ReconcileMember(ctx context.Context, userID, programID string) error
}

// ReconcilerFunc adapts a function to MemberReconciler.
type ReconcilerFunc func(ctx context.Context, userID, programID string) error

func (f ReconcilerFunc) ReconcileMember(ctx context.Context, userID, programID string) error {
	return f(ctx, userID, programID)
}

// SweepStats summarizes one sweep run.
type SweepStats struct {
	Programs int
	Users    int64
	Failed   int64
}

// Sweeper walks every active program and every user with recorded activity, and
// reconciles the users that fall in the requested shard.
//
// Users are paged by id so an interrupted sweep can simply run again; each per-user
// decision is idempotent on its own. A failing user is logged and counted without
// stopping the sweep.
type Sweeper struct {
	programs   store.ProgramRepository
	members    store.MemberRepository
	reconciler MemberReconciler
	cfg        config.SweepConfig
	logger     *slog.Logger
}

// NewSweeper creates a Sweeper. It panics on nil dependencies.
func NewSweeper(programs store.ProgramRepository, members store.MemberRepository, reconciler MemberReconciler, cfg config.SweepConfig, l *slog.Logger) *Sweeper {
	validation.AssertDependency(programs, "program repository")
	validation.AssertDependency(members, "member repository")
	validation.AssertDependency(reconciler, "member reconciler")
	if cfg.PageSize <= 0 || cfg.Concurrency <= 0 {
		panic("sweep config requires positive page size and concurrency")
	}
	return &Sweeper{
		programs:   programs,
		members:    members,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger.OrDefault(l),
	}
}

// Run sweeps the users of shard in all active programs, or only in programID when
// it is non-empty.
func (s *Sweeper) Run(ctx context.Context, programID string, shard ShardRange) (SweepStats, error) {
	if shard.Count > 0 && (shard.Index < 0 || shard.Index >= shard.Count) {
		return SweepStats{}, fmt.Errorf("shard index %d out of range for %d shards", shard.Index, shard.Count)
	}

	start := time.Now()
	defer func() {
		observability.SweepDuration.WithLabelValues("segments").Observe(time.Since(start).Seconds())
	}()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	var programs []*store.Program
	if programID != "" {
		p, err := s.programs.GetProgram(ctx, programID)
		if err != nil {
			return SweepStats{}, err
		}
		programs = []*store.Program{p}
	} else {
		var err error
		if programs, err = s.programs.ListActivePrograms(ctx); err != nil {
			return SweepStats{}, fmt.Errorf("failed to list programs: %w", err)
		}
	}

	var stats SweepStats
	for _, p := range programs {
		if err := s.sweepProgram(ctx, p.ID, shard, &stats); err != nil {
			return stats, err
		}
		stats.Programs++
	}

	s.logger.Info("segment sweep finished",
		slog.Int("programs", stats.Programs),
		slog.Int64("users", stats.Users),
		slog.Int64("failed", stats.Failed),
		slog.Int("shard_index", shard.Index),
		slog.Int("shard_count", shard.Count),
		slog.Duration("duration", time.Since(start)),
	)
	return stats, nil
}

func (s *Sweeper) sweepProgram(ctx context.Context, programID string, shard ShardRange, stats *SweepStats) error {
	after := ""
	for {
		ids, err := s.members.ListActiveUserIDs(ctx, programID, after, s.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("failed to page users of program %s after %q: %w", programID, after, err)
		}
		if len(ids) == 0 {
			return nil
		}
		after = ids[len(ids)-1]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Concurrency)
		for _, userID := range ids {
			if !shard.contains(userID) {
				continue
			}
			g.Go(func() error {
				atomic.AddInt64(&stats.Users, 1)
				if err := s.reconciler.ReconcileMember(gctx, userID, programID); err != nil {
					atomic.AddInt64(&stats.Failed, 1)
					s.logger.Warn("sweep failed to reconcile member",
						slog.String("user_id", userID),
						slog.String("program_id", programID),
						slog.String("error", err.Error()),
					)
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sweep of program %s interrupted after %q: %w", programID, after, err)
		}
		if len(ids) < s.cfg.PageSize {
			return nil
		}
	}
}
