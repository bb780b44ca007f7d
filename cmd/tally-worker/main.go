// Command tally-worker runs the job runner, the cron scheduler and the
// observability server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/tally/internal/bootstrap"
	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/jobs"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/segment"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tally-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	infra, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := infra.Close(); err != nil {
			log.Error("failed to release resources", slog.String("error", err.Error()))
		}
	}()

	evals := bootstrap.NewEvaluators(infra.Store, infra.Config, infra.Events, cfg.Sweep.PageSize, log)
	eng := evals.Engine(infra.Store, log)
	sweeper := segment.NewSweeper(infra.Store, infra.Store, eng, cfg.Sweep, log)
	transport := infra.Jobs(log)

	var queueKeys []string
	if cfg.Worker.Source == config.JobSourceRedis {
		queueKeys = []string{cfg.Worker.QueueKey, cfg.Worker.DeadLetterKey}
	}
	obs := observability.NewServer(log, &cfg.Observability, infra.Checkers(queueKeys...)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return obs.Run(gctx) })
	for _, loop := range infra.Background() {
		g.Go(func() error { return loop(gctx) })
	}

	if cfg.Worker.Enabled {
		if q := transport.Queue; q != nil {
			// The lease must exist before the first receive.
			if err := q.Renew(ctx); err != nil {
				stop()
				_ = g.Wait()
				return err
			}
			g.Go(func() error { return q.Maintain(gctx) })
		}
		runner := jobs.NewRunner(transport.Source, jobs.EngineHandlers(eng, sweeper),
			jobs.NewRetryPolicy(cfg.Worker.Retry), transport.Dead, cfg.Worker.Concurrency, log)
		g.Go(func() error { return runner.Run(gctx) })
	}
	if cfg.Scheduler.Enabled {
		scheduler, err := jobs.NewScheduler(cfg.Scheduler, cfg.Sweep, transport.Enqueuer, log)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("failed to build scheduler: %w", err)
		}
		g.Go(func() error { return scheduler.Run(gctx) })
	}

	obs.MarkReady()
	log.Info("tally worker started",
		slog.Bool("runner", cfg.Worker.Enabled),
		slog.Bool("scheduler", cfg.Scheduler.Enabled),
	)

	<-gctx.Done()
	obs.MarkDraining()
	log.Info("shutting down", slog.Duration("timeout", cfg.App.ShutdownTimeout))
	return bootstrap.Wait(g, cfg.App.ShutdownTimeout)
}
