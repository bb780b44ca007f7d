package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/validation"
)

// Scheduler enqueues the periodic triggers: the expiration tick and the segment sweep.
// It only enqueues; the runner executes.
type Scheduler struct {
	cron     *cron.Cron
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewScheduler registers the configured specs. It fails on an invalid spec.
//
// Each replica enqueues the sweep of the shard it is configured for, and the job
// carries that shard, so whichever worker pops it sweeps the right users.
func NewScheduler(cfg config.SchedulerConfig, sweep config.SweepConfig, enqueuer Enqueuer, l *slog.Logger) (*Scheduler, error) {
	validation.AssertDependency(enqueuer, "enqueuer")
	l = logger.OrDefault(l)

	s := &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger{l}))),
		enqueuer: enqueuer,
		logger:   l,
	}
	if _, err := s.cron.AddFunc(cfg.ExpirationSpec, s.trigger(KindExpirationTick, ExpirationPayload{})); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(cfg.SegmentSweepSpec, s.trigger(KindSegmentsSweep, SweepPayload{
		ShardIndex: sweep.ShardIndex,
		ShardCount: sweep.ShardCount,
	})); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) trigger(kind Kind, payload any) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Enqueue(ctx, kind, payload); err != nil {
			s.logger.Error("failed to enqueue scheduled job",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Enqueue wraps payload in an envelope and enqueues it.
func (s *Scheduler) Enqueue(ctx context.Context, kind Kind, payload any) error {
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	if err := s.enqueuer.Enqueue(ctx, env); err != nil {
		return err
	}
	s.logger.Info("scheduled job enqueued", slog.String("kind", string(kind)), slog.String("job_id", env.ID))
	return nil
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for running
// triggers to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting scheduler", slog.Int("entries", len(s.cron.Entries())))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
