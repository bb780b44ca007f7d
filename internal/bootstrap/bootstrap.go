// Package bootstrap builds the infrastructure and the evaluator graph shared by the
// worker and API binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/tally/internal/cache"
	"github.com/rafaeljc/tally/internal/campaign"
	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/database"
	"github.com/rafaeljc/tally/internal/engine"
	"github.com/rafaeljc/tally/internal/expiration"
	"github.com/rafaeljc/tally/internal/jobs"
	"github.com/rafaeljc/tally/internal/notify"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/points"
	"github.com/rafaeljc/tally/internal/segment"
	"github.com/rafaeljc/tally/internal/store"
	"github.com/rafaeljc/tally/internal/tier"
)

// poolMonitorInterval is how often pgxpool statistics are exported.
const poolMonitorInterval = 15 * time.Second

// Infra holds the external connections of a binary.
type Infra struct {
	Pool   *pgxpool.Pool
	Redis  *redis.Client
	Store  *store.PostgresStore
	Config store.ConfigRepository
	Events *notify.Emitter

	configCache *cache.ConfigCache
	closers     []func() error
	cfg         *config.Config
	logger      *slog.Logger
}

// Open connects to PostgreSQL and Redis, wraps the configuration repository in the
// L1 cache when enabled and selects the domain event publisher.
func Open(ctx context.Context, cfg *config.Config, l *slog.Logger) (*Infra, error) {
	in := &Infra{cfg: cfg, logger: l}

	tp, err := observability.NewTracerProvider(&cfg.Observability.Tracing, &cfg.App)
	if err != nil {
		return nil, err
	}
	if tp != nil {
		observability.InstallTracing(tp)
		in.closers = append(in.closers, func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tp.Shutdown(sctx)
		})
		l.Info("tracing enabled",
			slog.String("exporter", cfg.Observability.Tracing.Exporter),
			slog.Float64("sample_ratio", cfg.Observability.Tracing.SampleRatio),
		)
	}

	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		in.Close()
		return nil, err
	}
	in.Pool = pool
	in.closers = append(in.closers, func() error { pool.Close(); return nil })

	rdb, err := cache.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		in.Close()
		return nil, err
	}
	in.Redis = rdb
	in.closers = append(in.closers, rdb.Close)

	in.Store = store.NewPostgresStore(pool)
	in.Config = in.Store
	if cfg.Cache.Enabled {
		cc, err := cache.NewConfigCache(in.Store, &cfg.Cache)
		if err != nil {
			in.Close()
			return nil, err
		}
		in.configCache = cc
		in.Config = cc
		in.closers = append(in.closers, func() error { cc.Close(); return nil })
	}

	publisher, err := in.publisher()
	if err != nil {
		in.Close()
		return nil, err
	}
	in.Events = notify.NewEmitter(publisher, l)
	return in, nil
}

func (in *Infra) publisher() (notify.Publisher, error) {
	switch in.cfg.Notify.Driver {
	case config.NotifyDriverLog:
		return notify.NewLogPublisher(in.logger), nil
	case config.NotifyDriverRedis:
		return notify.NewRedisPublisher(in.Redis, in.cfg.Notify.Channel), nil
	case config.NotifyDriverKafka:
		w := jobs.NewKafkaWriter(in.cfg.Kafka, in.cfg.Kafka.EventsTopic)
		in.closers = append(in.closers, w.Close)
		return notify.NewKafkaPublisher(w), nil
	}
	return nil, fmt.Errorf("unknown notify driver %q", in.cfg.Notify.Driver)
}

// Background returns the long-running infrastructure loops: the pool monitor and,
// with the L1 cache enabled, the invalidation listener.
func (in *Infra) Background() []func(ctx context.Context) error {
	loops := []func(ctx context.Context) error{
		func(ctx context.Context) error {
			database.RunPoolMonitor(ctx, in.Pool, poolMonitorInterval)
			return nil
		},
	}
	if in.configCache != nil {
		loops = append(loops, func(ctx context.Context) error {
			return in.configCache.ListenInvalidations(ctx, in.Redis, in.cfg.Cache.InvalidationChannel)
		})
	}
	return loops
}

// Checkers returns the readiness checks of the connections. queueKeys are verified
// to hold Redis lists.
func (in *Infra) Checkers(queueKeys ...string) []observability.Checker {
	checkers := []observability.Checker{
		database.NewHealthChecker(in.Pool),
		cache.NewHealthChecker(in.Redis, queueKeys...),
	}
	if in.cfg.Kafka.IsConfigured() && (in.cfg.Worker.Source == config.JobSourceKafka || in.cfg.Notify.Driver == config.NotifyDriverKafka) {
		checkers = append(checkers, jobs.NewKafkaChecker(in.cfg.Kafka.Brokers))
	}
	return checkers
}

// AddCloser registers a cleanup run by Close, before the connections close.
func (in *Infra) AddCloser(fn func() error) {
	in.closers = append(in.closers, fn)
}

// Close releases everything in reverse order of acquisition.
func (in *Infra) Close() error {
	var errs []error
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	in.closers = nil
	return errors.Join(errs...)
}

// Evaluators is the evaluator graph over one store.
type Evaluators struct {
	Calculator *points.Calculator
	Redeemer   *points.Redeemer
	Tiers      *tier.Evaluator
	Segments   *segment.Evaluator
	Campaigns  *campaign.Evaluator
	Expiration *expiration.Processor
}

// NewEvaluators wires the evaluators. rules serves rules and tiers, st everything else.
func NewEvaluators(st store.Store, rules store.ConfigRepository, events *notify.Emitter, pageSize int, l *slog.Logger) *Evaluators {
	segs := segment.NewEvaluator(st, st, st, events, l)
	return &Evaluators{
		Calculator: points.NewCalculator(rules, st, events, l),
		Redeemer:   points.NewRedeemer(st, events, l),
		Tiers:      tier.NewEvaluator(st, rules, st, events, l),
		Segments:   segs,
		Campaigns:  campaign.NewEvaluator(st, st, st, segs, events, l),
		Expiration: expiration.NewProcessor(st, st, events, pageSize, l),
	}
}

// Engine builds the orchestrator over the evaluators.
func (e *Evaluators) Engine(programs store.ProgramRepository, l *slog.Logger) *engine.Engine {
	return engine.New(engine.Deps{
		Programs:   programs,
		Calculator: e.Calculator,
		Redeemer:   e.Redeemer,
		Tiers:      e.Tiers,
		Segments:   e.Segments,
		Campaigns:  e.Campaigns,
		Expiration: e.Expiration,
	}, l)
}

// JobTransport selects the source, dead-letter sink and enqueuer from configuration.
// The Redis queue serves all three roles; Kafka uses a reader and two writers.
// Queue is set only for Redis: its lease must be held while the runner consumes.
type JobTransport struct {
	Source   jobs.Source
	Dead     jobs.DeadLetterSink
	Enqueuer jobs.Enqueuer
	Queue    *jobs.RedisQueue
}

// Jobs builds the job transport of the worker. Kafka readers and writers are closed
// by Close.
func (in *Infra) Jobs(l *slog.Logger) JobTransport {
	w := in.cfg.Worker
	if w.Source == config.JobSourceKafka {
		reader := jobs.NewKafkaReader(in.cfg.Kafka)
		jobsWriter := jobs.NewKafkaWriter(in.cfg.Kafka, in.cfg.Kafka.JobsTopic)
		deadWriter := jobs.NewKafkaWriter(in.cfg.Kafka, in.cfg.Kafka.DeadTopic)
		in.closers = append(in.closers, reader.Close, jobsWriter.Close, deadWriter.Close)
		return JobTransport{
			Source:   jobs.NewKafkaSource(reader, l),
			Dead:     jobs.NewKafkaDeadLetters(deadWriter),
			Enqueuer: jobs.NewKafkaEnqueuer(jobsWriter),
		}
	}
	q := jobs.NewRedisQueue(in.Redis, w.QueueKey, w.DeadLetterKey, w.PopTimeout, w.LeaseTTL, l)
	return JobTransport{Source: q, Dead: q, Enqueuer: q, Queue: q}
}

// Enqueuer builds only the producing side, for binaries that never consume.
func (in *Infra) Enqueuer() jobs.Enqueuer {
	w := in.cfg.Worker
	if w.Source == config.JobSourceKafka {
		writer := jobs.NewKafkaWriter(in.cfg.Kafka, in.cfg.Kafka.JobsTopic)
		in.closers = append(in.closers, writer.Close)
		return jobs.NewKafkaEnqueuer(writer)
	}
	return jobs.NewRedisQueue(in.Redis, w.QueueKey, w.DeadLetterKey, w.PopTimeout, w.LeaseTTL, in.logger)
}
