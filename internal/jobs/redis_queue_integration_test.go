//go:build integration

package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/tally/internal/jobs"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/testsupport"
)

func TestRedisQueue_Integration(t *testing.T) {
	// 1. Infrastructure Setup
	ctx := context.Background()
	redisCtr, err := testsupport.StartRedisContainer(ctx)
	require.NoError(t, err)
	defer redisCtr.Terminate(ctx)

	q := jobs.NewRedisQueue(redisCtr.Client, "test:jobs", "test:jobs:dead", 200*time.Millisecond, 10*time.Second, logger.Discard())
	require.NoError(t, q.Renew(ctx))

	t.Run("Should deliver envelopes in FIFO order", func(t *testing.T) {
		first, err := jobs.NewEnvelope(jobs.KindExpirationTick, jobs.ExpirationPayload{ProgramID: "p1"})
		require.NoError(t, err)
		second, err := jobs.NewEnvelope(jobs.KindExpirationTick, jobs.ExpirationPayload{ProgramID: "p2"})
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, first))
		require.NoError(t, q.Enqueue(ctx, second))

		d1, err := q.Receive(ctx)
		require.NoError(t, err)
		d2, err := q.Receive(ctx)
		require.NoError(t, err)

		assert.Equal(t, first.ID, d1.Envelope.ID)
		assert.Equal(t, second.ID, d2.Envelope.ID)
		require.NoError(t, d1.Ack(ctx))
		require.NoError(t, d2.Ack(ctx))
	})

	t.Run("Should return nothing when the pop times out", func(t *testing.T) {
		d, err := q.Receive(ctx)

		require.NoError(t, err)
		assert.Nil(t, d)
	})

	t.Run("Should put a nacked envelope at the head", func(t *testing.T) {
		a, _ := jobs.NewEnvelope(jobs.KindSegmentsSweep, jobs.SweepPayload{})
		b, _ := jobs.NewEnvelope(jobs.KindSegmentsSweep, jobs.SweepPayload{})
		require.NoError(t, q.Enqueue(ctx, a))
		require.NoError(t, q.Enqueue(ctx, b))

		d, err := q.Receive(ctx)
		require.NoError(t, err)
		require.NoError(t, d.Nack(ctx))

		again, err := q.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, a.ID, again.Envelope.ID)

		rest, err := q.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, b.ID, rest.Envelope.ID)
		require.NoError(t, again.Ack(ctx))
		require.NoError(t, rest.Ack(ctx))
	})

	t.Run("Should move malformed entries to the dead letter list", func(t *testing.T) {
		require.NoError(t, redisCtr.Client.LPush(ctx, "test:jobs", "{not json").Err())

		d, err := q.Receive(ctx)

		require.NoError(t, err)
		assert.Nil(t, d)
		dead, err := redisCtr.Client.LRange(ctx, "test:jobs:dead", 0, -1).Result()
		require.NoError(t, err)
		assert.Contains(t, dead, "{not json")
		require.NoError(t, redisCtr.Client.Del(ctx, "test:jobs:dead").Err())
	})

	t.Run("Should hold a received envelope in flight until ack", func(t *testing.T) {
		env, err := jobs.NewEnvelope(jobs.KindExpirationTick, jobs.ExpirationPayload{})
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, env))

		d, err := q.Receive(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)

		inFlight, err := q.InFlight(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), inFlight)

		require.NoError(t, d.Ack(ctx))
		inFlight, err = q.InFlight(ctx)
		require.NoError(t, err)
		assert.Zero(t, inFlight)
	})

	t.Run("Should redeliver an unacked envelope once its consumer's lease expires", func(t *testing.T) {
		// Arrange: a consumer receives and then dies without acking.
		crashed := jobs.NewRedisQueue(redisCtr.Client, "test:jobs", "test:jobs:dead", 200*time.Millisecond, 300*time.Millisecond, logger.Discard())
		require.NoError(t, crashed.Renew(ctx))
		env, err := jobs.NewEnvelope(jobs.KindPointsAdjusted, jobs.AdjustmentPayload{UserID: "u", MerchantID: "m"})
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, env))
		lost, err := crashed.Receive(ctx)
		require.NoError(t, err)
		require.NotNil(t, lost)

		// Act & Assert: nothing moves while the lease is alive.
		moved, err := q.Reap(ctx)
		require.NoError(t, err)
		assert.Zero(t, moved)
		empty, err := q.Receive(ctx)
		require.NoError(t, err)
		assert.Nil(t, empty)

		require.Eventually(t, func() bool {
			n, err := q.Reap(ctx)
			return err == nil && n == 1
		}, 5*time.Second, 100*time.Millisecond)

		again, err := q.Receive(ctx)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, env.ID, again.Envelope.ID)
		require.NoError(t, again.Ack(ctx))

		left, err := crashed.InFlight(ctx)
		require.NoError(t, err)
		assert.Zero(t, left)
	})

	t.Run("Should requeue orphaned envelopes oldest first", func(t *testing.T) {
		crashed := jobs.NewRedisQueue(redisCtr.Client, "test:jobs", "test:jobs:dead", 200*time.Millisecond, time.Second, logger.Discard())
		first, _ := jobs.NewEnvelope(jobs.KindSegmentsSweep, jobs.SweepPayload{ProgramID: "p1"})
		second, _ := jobs.NewEnvelope(jobs.KindSegmentsSweep, jobs.SweepPayload{ProgramID: "p2"})
		require.NoError(t, q.Enqueue(ctx, first))
		require.NoError(t, q.Enqueue(ctx, second))
		_, err := crashed.Receive(ctx)
		require.NoError(t, err)
		_, err = crashed.Receive(ctx)
		require.NoError(t, err)

		// crashed never renewed, so its lease is already gone.
		moved, err := q.Reap(ctx)

		require.NoError(t, err)
		assert.Equal(t, 2, moved)
		d1, err := q.Receive(ctx)
		require.NoError(t, err)
		d2, err := q.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, first.ID, d1.Envelope.ID)
		assert.Equal(t, second.ID, d2.Envelope.ID)
		require.NoError(t, d1.Ack(ctx))
		require.NoError(t, d2.Ack(ctx))
	})

	t.Run("Should dead-letter exhausted jobs through the runner", func(t *testing.T) {
		handlers := map[jobs.Kind]jobs.Handler{
			jobs.KindPointsAdjusted: jobs.HandlerFuncs{HandleFunc: func(context.Context, *jobs.Envelope) error {
				return assert.AnError
			}},
		}
		policy := jobs.RetryPolicy{MaxAttempts: 2, Multiplier: 1, MinDelay: time.Millisecond, MaxDelay: time.Millisecond}
		runner := jobs.NewRunner(q, handlers, policy, q, 1, logger.Discard())

		env, err := jobs.NewEnvelope(jobs.KindPointsAdjusted, jobs.AdjustmentPayload{UserID: "u", MerchantID: "m"})
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, env))

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() { _ = runner.Run(runCtx) }()

		require.Eventually(t, func() bool {
			n, err := redisCtr.Client.LLen(ctx, "test:jobs:dead").Result()
			return err == nil && n == 1
		}, 5*time.Second, 50*time.Millisecond)

		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Zero(t, depth)
	})
}
