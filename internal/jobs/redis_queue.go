package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/validation"
)

var (
	_ Source         = (*RedisQueue)(nil)
	_ Enqueuer       = (*RedisQueue)(nil)
	_ DeadLetterSink = (*RedisQueue)(nil)
)

// RedisQueue is a reliable FIFO job list. Producers LPUSH; a consumer BLMOVEs each
// envelope into its own processing list and removes it from there on Ack. Every
// consumer holds a lease key refreshed by Maintain. Processing lists whose lease
// expired belong to a dead consumer and are moved back to the queue by Reap.
// Dead letters go to a separate list.
type RedisQueue struct {
	client        *redis.Client
	key           string
	deadKey       string
	consumerID    string
	processingKey string
	leaseKey      string
	popTimeout    time.Duration
	leaseTTL      time.Duration
	logger        *slog.Logger
}

// NewRedisQueue creates a queue on key with dead letters on deadKey. leaseTTL is how
// long a consumer may go without renewing its lease before its in-flight envelopes
// are handed to other consumers.
func NewRedisQueue(client *redis.Client, key, deadKey string, popTimeout, leaseTTL time.Duration, l *slog.Logger) *RedisQueue {
	validation.AssertNotNil(client, "redis client")
	if key == "" || deadKey == "" || key == deadKey {
		panic("redis queue requires distinct queue and dead letter keys")
	}
	if strings.HasPrefix(deadKey, key+":processing:") || strings.HasPrefix(deadKey, key+":lease:") {
		panic("redis queue dead letter key collides with the processing namespace")
	}
	if leaseTTL <= 0 {
		panic("redis queue requires a positive lease ttl")
	}
	id := uuid.NewString()
	return &RedisQueue{
		client:        client,
		key:           key,
		deadKey:       deadKey,
		consumerID:    id,
		processingKey: processingKey(key, id),
		leaseKey:      leaseKey(key, id),
		popTimeout:    popTimeout,
		leaseTTL:      leaseTTL,
		logger:        logger.OrDefault(l),
	}
}

func processingKey(key, consumerID string) string { return key + ":processing:" + consumerID }

func leaseKey(key, consumerID string) string { return key + ":lease:" + consumerID }

func (q *RedisQueue) Enqueue(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", env.ID, err)
	}
	return nil
}

// Receive moves the oldest envelope into this consumer's processing list. It stays
// there until Ack or Nack, so a crash mid-job leaves it for Reap. An undecodable
// entry is moved to the dead-letter list and reported as an empty receive.
func (q *RedisQueue) Receive(ctx context.Context) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.key, q.processingKey, "RIGHT", "LEFT", q.popTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", q.key, err)
	}
	if depth, err := q.client.LLen(ctx, q.key).Result(); err == nil {
		observability.QueueDepth.Set(float64(depth))
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		observability.DeadLetters.WithLabelValues("malformed").Inc()
		_, perr := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processingKey, 1, raw)
			pipe.LPush(ctx, q.deadKey, raw)
			return nil
		})
		if perr != nil {
			return nil, fmt.Errorf("failed to dead-letter malformed job: %w", perr)
		}
		return nil, nil
	}

	return &Delivery{
		Envelope: &env,
		Ack: func(ctx context.Context) error {
			return q.client.LRem(ctx, q.processingKey, 1, raw).Err()
		},
		Nack: func(ctx context.Context) error {
			// RPUSH puts it back at the consuming end, so it is the next one popped.
			_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, q.processingKey, 1, raw)
				pipe.RPush(ctx, q.key, raw)
				return nil
			})
			return err
		},
	}, nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, dl DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}
	return q.client.LPush(ctx, q.deadKey, body).Err()
}

// Depth returns the number of waiting envelopes.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// InFlight returns the number of envelopes this consumer received and has not yet
// acknowledged.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.processingKey).Result()
}

// Renew extends this consumer's lease.
func (q *RedisQueue) Renew(ctx context.Context) error {
	if err := q.client.Set(ctx, q.leaseKey, q.consumerID, q.leaseTTL).Err(); err != nil {
		return fmt.Errorf("failed to renew queue lease: %w", err)
	}
	return nil
}

// Reap moves the envelopes of every consumer whose lease expired back to the
// consuming end of the queue, oldest first, and returns how many it moved.
func (q *RedisQueue) Reap(ctx context.Context) (int, error) {
	prefix := q.key + ":processing:"
	moved := 0
	iter := q.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		list := iter.Val()
		owner := strings.TrimPrefix(list, prefix)
		if owner == q.consumerID {
			continue
		}
		alive, err := q.client.Exists(ctx, leaseKey(q.key, owner)).Result()
		if err != nil {
			return moved, fmt.Errorf("failed to read lease of consumer %s: %w", owner, err)
		}
		if alive > 0 {
			continue
		}

		n, err := q.requeue(ctx, list)
		moved += n
		if err != nil {
			return moved, err
		}
		if n > 0 {
			q.logger.Warn("requeued jobs of expired consumer",
				slog.String("consumer_id", owner),
				slog.Int("jobs", n),
			)
		}
	}
	if err := iter.Err(); err != nil {
		return moved, fmt.Errorf("failed to scan processing lists: %w", err)
	}
	return moved, nil
}

// requeue drains list into the queue. Taking the newest entry first and pushing at
// the consuming end leaves the oldest one to be popped first.
func (q *RedisQueue) requeue(ctx context.Context, list string) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, list, q.key, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to requeue from %s: %w", list, err)
		}
		n++
	}
}

// Maintain renews the lease and reaps expired consumers every third of the lease
// until ctx is cancelled, then releases the lease. The first reap runs at startup.
func (q *RedisQueue) Maintain(ctx context.Context) error {
	if err := q.Renew(ctx); err != nil {
		return err
	}
	q.reap(ctx)

	ticker := time.NewTicker(q.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := q.client.Del(rctx, q.leaseKey).Err(); err != nil {
				q.logger.Warn("failed to release queue lease", slog.String("error", err.Error()))
			}
			return nil
		case <-ticker.C:
			if err := q.Renew(ctx); err != nil {
				q.logger.Error("queue lease renewal failed", slog.String("error", err.Error()))
				continue
			}
			q.reap(ctx)
		}
	}
}

func (q *RedisQueue) reap(ctx context.Context) {
	if _, err := q.Reap(ctx); err != nil && ctx.Err() == nil {
		q.logger.Error("failed to reap expired consumers", slog.String("error", err.Error()))
	}
}
