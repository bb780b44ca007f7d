package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rafaeljc/tally/internal/engine"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/segment"
	"github.com/rafaeljc/tally/internal/validation"
)

// Handler executes one kind of envelope.
type Handler interface {
	// Handle runs the trigger. It must be idempotent.
	Handle(ctx context.Context, env *Envelope) error

	// OnExhausted records the terminal failure after the last attempt failed.
	OnExhausted(ctx context.Context, env *Envelope, cause error) error
}

// HandlerFuncs adapts a pair of functions to Handler. A nil OnExhaustedFunc is a no-op.
type HandlerFuncs struct {
	HandleFunc      func(ctx context.Context, env *Envelope) error
	OnExhaustedFunc func(ctx context.Context, env *Envelope, cause error) error
}

func (h HandlerFuncs) Handle(ctx context.Context, env *Envelope) error {
	return h.HandleFunc(ctx, env)
}

func (h HandlerFuncs) OnExhausted(ctx context.Context, env *Envelope, cause error) error {
	if h.OnExhaustedFunc == nil {
		return nil
	}
	return h.OnExhaustedFunc(ctx, env, cause)
}

// EngineHandlers binds every trigger kind to the engine and the segment sweeper.
func EngineHandlers(eng *engine.Engine, sweeper *segment.Sweeper) map[Kind]Handler {
	validation.AssertNotNil(eng, "engine")
	validation.AssertNotNil(sweeper, "segment sweeper")

	return map[Kind]Handler{
		KindTransactionCreated: HandlerFuncs{
			HandleFunc: func(ctx context.Context, env *Envelope) error {
				var ev engine.TransactionEvent
				if err := env.Decode(&ev); err != nil {
					return err
				}
				_, err := eng.HandleTransaction(ctx, ev)
				return err
			},
			OnExhaustedFunc: func(ctx context.Context, env *Envelope, cause error) error {
				var ev engine.TransactionEvent
				if err := env.Decode(&ev); err != nil {
					return nil
				}
				return eng.FailTransaction(ctx, ev.TransactionID, cause)
			},
		},

		KindRedemptionRequested: HandlerFuncs{
			HandleFunc: func(ctx context.Context, env *Envelope) error {
				var p RedemptionPayload
				if err := env.Decode(&p); err != nil {
					return err
				}
				_, err := eng.HandleRedemption(ctx, p.RedemptionID)
				return err
			},
			OnExhaustedFunc: func(ctx context.Context, env *Envelope, cause error) error {
				var p RedemptionPayload
				if err := env.Decode(&p); err != nil {
					return nil
				}
				return eng.FailRedemption(ctx, p.RedemptionID, cause)
			},
		},

		KindPointsAdjusted: HandlerFuncs{
			HandleFunc: func(ctx context.Context, env *Envelope) error {
				var p AdjustmentPayload
				if err := env.Decode(&p); err != nil {
					return err
				}
				return eng.HandleAdjustment(ctx, p.UserID, p.MerchantID)
			},
		},

		KindExpirationTick: HandlerFuncs{
			HandleFunc: func(ctx context.Context, env *Envelope) error {
				var p ExpirationPayload
				if err := env.Decode(&p); err != nil {
					return err
				}
				res, err := eng.HandleExpirationTick(ctx, p.ProgramID)
				if res != nil {
					logger.FromContext(ctx).Info("expiration tick finished",
						slog.Int("programs", res.Programs),
						slog.Int("expired", res.Expired),
						slog.Int("points", res.Points),
					)
				}
				return err
			},
		},

		KindSegmentsSweep: HandlerFuncs{
			HandleFunc: func(ctx context.Context, env *Envelope) error {
				var p SweepPayload
				if err := env.Decode(&p); err != nil {
					return err
				}
				if p.ShardCount > 0 && p.ShardIndex >= p.ShardCount {
					return fmt.Errorf("%w: shard index %d out of %d", ErrMalformedPayload, p.ShardIndex, p.ShardCount)
				}
				_, err := sweeper.Run(ctx, p.ProgramID, segment.ShardRange{Index: p.ShardIndex, Count: p.ShardCount})
				return err
			},
		},
	}
}
