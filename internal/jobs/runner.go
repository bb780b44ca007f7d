package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/validation"
)

// Delivery is an envelope received from a Source. Ack confirms it was processed,
// successfully or by dead-lettering. Nack, when set, hands the envelope back to the
// source because processing was interrupted by shutdown.
type Delivery struct {
	Envelope *Envelope
	Ack      func(ctx context.Context) error
	Nack     func(ctx context.Context) error
}

// Source yields deliveries. Receive blocks up to a source-specific timeout and returns
// (nil, nil) when nothing arrived.
type Source interface {
	Receive(ctx context.Context) (*Delivery, error)
}

// Enqueuer publishes envelopes to a Source.
type Enqueuer interface {
	Enqueue(ctx context.Context, env *Envelope) error
}

// DeadLetterSink stores envelopes whose attempts ran out.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// Runner pulls deliveries from a Source with a fixed pool of workers.
type Runner struct {
	source      Source
	handlers    map[Kind]Handler
	policy      RetryPolicy
	dead        DeadLetterSink
	concurrency int
	logger      *slog.Logger
}

// NewRunner creates a Runner. It panics on nil dependencies.
func NewRunner(source Source, handlers map[Kind]Handler, policy RetryPolicy, dead DeadLetterSink, concurrency int, l *slog.Logger) *Runner {
	validation.AssertDependency(source, "job source")
	validation.AssertDependency(dead, "dead letter sink")
	if len(handlers) == 0 {
		panic("runner requires at least one handler")
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		source:      source,
		handlers:    handlers,
		policy:      policy,
		dead:        dead,
		concurrency: concurrency,
		logger:      logger.OrDefault(l),
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("starting job runner", slog.Int("concurrency", r.concurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.concurrency; i++ {
		g.Go(func() error {
			r.work(gctx, i)
			return nil
		})
	}
	err := g.Wait()
	r.logger.Info("job runner stopped")
	return err
}

func (r *Runner) work(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := r.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("failed to receive job",
				slog.Int("worker", worker),
				slog.String("error", err.Error()),
			)
			// Avoid a hot loop while the source is unavailable.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if d == nil {
			continue
		}

		err = r.Process(ctx, d.Envelope)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			r.release(ctx, d)
			return
		}
		if d.Ack != nil {
			if err := d.Ack(ctx); err != nil {
				r.logger.Error("failed to ack job",
					slog.String("job_id", d.Envelope.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (r *Runner) release(ctx context.Context, d *Delivery) {
	if d.Nack == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.Nack(nctx); err != nil {
		r.logger.Error("failed to release interrupted job",
			slog.String("job_id", d.Envelope.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Process executes one envelope with retries. After the last failed attempt it runs
// the handler's OnExhausted hook and writes a dead letter; the returned error is the
// original cause.
func (r *Runner) Process(ctx context.Context, env *Envelope) (err error) {
	start := time.Now()
	kind := string(env.Kind)

	ctx = logger.With(ctx, slog.String("job_id", env.ID), slog.String("kind", kind))
	log := logger.FromContext(ctx)
	ctx, span := observability.StartSpan(ctx, "jobs.Process",
		attribute.String("job.id", env.ID),
		attribute.String("job.kind", kind),
	)
	defer func() {
		observability.EndSpan(span, err)
		status := "success"
		if err != nil {
			status = "failed"
		}
		observability.JobsTotal.WithLabelValues(kind, status).Inc()
		observability.JobDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	h, ok := r.handlers[env.Kind]
	if !ok {
		err = fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
		r.deadLetter(ctx, env, err)
		return err
	}

	err = r.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		env.Attempt = attempt
		return h.Handle(logger.With(ctx, slog.Int("attempt", attempt)), env)
	}, func(err error, wait time.Duration) {
		observability.JobRetries.WithLabelValues(kind).Inc()
		log.Warn("job attempt failed, retrying",
			slog.Int("attempt", env.Attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
	if err == nil {
		log.Debug("job completed", slog.Int("attempt", env.Attempt))
		return nil
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Shutdown, not exhaustion: the envelope will be redelivered or re-enqueued.
		return err
	}

	log.Error("job failed permanently",
		slog.Int("attempts", env.Attempt),
		slog.String("error", err.Error()),
	)
	if herr := h.OnExhausted(ctx, env, err); herr != nil {
		log.Error("failed to record terminal job failure", slog.String("error", herr.Error()))
	}
	r.deadLetter(ctx, env, err)
	return err
}

func (r *Runner) deadLetter(ctx context.Context, env *Envelope, cause error) {
	observability.DeadLetters.WithLabelValues(string(env.Kind)).Inc()
	dl := DeadLetter{Envelope: env, Error: cause.Error(), FailedAt: time.Now().UTC()}
	if err := r.dead.DeadLetter(ctx, dl); err != nil {
		logger.FromContext(ctx).Error("failed to write dead letter",
			slog.String("job_id", env.ID),
			slog.String("error", err.Error()),
		)
	}
}
