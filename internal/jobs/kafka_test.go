package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/tally/internal/logger"
)

// fakeReader commits like a consumer group: the committed position of a partition
// is one past the highest offset ever committed, and never moves back.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed map[int]int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) == 0 {
		r.mu.Unlock()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	defer r.mu.Unlock()
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed == nil {
		r.committed = make(map[int]int64)
	}
	for _, m := range msgs {
		if next := m.Offset + 1; next > r.committed[m.Partition] {
			r.committed[m.Partition] = next
		}
	}
	return nil
}

func (r *fakeReader) position(partition int) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	off, ok := r.committed[partition]
	return off, ok
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func kafkaMessage(t *testing.T, partition int, offset int64, env *Envelope) kafka.Message {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Partition: partition, Offset: offset, Value: body}
}

func TestKafkaSource_Receive(t *testing.T) {
	t.Parallel()

	t.Run("Should commit the offset only on ack", func(t *testing.T) {
		t.Parallel()

		// Arrange
		env := mustEnvelope(t, KindSegmentsSweep, SweepPayload{ProgramID: "p1"})
		reader := &fakeReader{msgs: []kafka.Message{kafkaMessage(t, 0, 7, env)}}
		src := NewKafkaSource(reader, logger.Discard())

		// Act
		d, err := src.Receive(context.Background())

		// Assert
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, env.ID, d.Envelope.ID)
		assert.Nil(t, d.Nack, "uncommitted offsets are redelivered by the group")
		_, committed := reader.position(0)
		assert.False(t, committed)

		require.NoError(t, d.Ack(context.Background()))
		pos, _ := reader.position(0)
		assert.Equal(t, int64(8), pos)
	})

	t.Run("Should commit and skip a malformed message", func(t *testing.T) {
		t.Parallel()

		reader := &fakeReader{msgs: []kafka.Message{{Offset: 3, Value: []byte("garbage")}}}
		src := NewKafkaSource(reader, logger.Discard())

		d, err := src.Receive(context.Background())

		require.NoError(t, err)
		assert.Nil(t, d)
		pos, _ := reader.position(0)
		assert.Equal(t, int64(4), pos)
	})

	t.Run("Should return fetch errors", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		src := NewKafkaSource(&fakeReader{}, logger.Discard())

		_, err := src.Receive(ctx)

		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestKafkaSource_OutOfOrderAcks(t *testing.T) {
	t.Parallel()

	t.Run("Should not commit past an offset still being processed", func(t *testing.T) {
		t.Parallel()

		// Arrange
		ctx := context.Background()
		reader := &fakeReader{msgs: []kafka.Message{
			kafkaMessage(t, 0, 10, mustEnvelope(t, KindExpirationTick, ExpirationPayload{})),
			kafkaMessage(t, 0, 11, mustEnvelope(t, KindExpirationTick, ExpirationPayload{})),
			kafkaMessage(t, 0, 12, mustEnvelope(t, KindExpirationTick, ExpirationPayload{})),
		}}
		src := NewKafkaSource(reader, logger.Discard())
		d10, err := src.Receive(ctx)
		require.NoError(t, err)
		d11, err := src.Receive(ctx)
		require.NoError(t, err)
		d12, err := src.Receive(ctx)
		require.NoError(t, err)

		// Act & Assert
		require.NoError(t, d12.Ack(ctx))
		require.NoError(t, d11.Ack(ctx))
		_, committed := reader.position(0)
		assert.False(t, committed, "offset 10 is unfinished so nothing may be committed")

		require.NoError(t, d10.Ack(ctx))
		pos, _ := reader.position(0)
		assert.Equal(t, int64(13), pos)
	})

	t.Run("Should track partitions independently", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		reader := &fakeReader{msgs: []kafka.Message{
			kafkaMessage(t, 0, 5, mustEnvelope(t, KindExpirationTick, ExpirationPayload{})),
			kafkaMessage(t, 1, 9, mustEnvelope(t, KindExpirationTick, ExpirationPayload{})),
		}}
		src := NewKafkaSource(reader, logger.Discard())
		_, err := src.Receive(ctx)
		require.NoError(t, err)
		d1, err := src.Receive(ctx)
		require.NoError(t, err)

		require.NoError(t, d1.Ack(ctx))

		pos, _ := reader.position(1)
		assert.Equal(t, int64(10), pos)
		_, committed := reader.position(0)
		assert.False(t, committed)
	})

	t.Run("Should restart tracking when a partition rewinds after a rebalance", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		env := mustEnvelope(t, KindExpirationTick, ExpirationPayload{})
		reader := &fakeReader{msgs: []kafka.Message{
			kafkaMessage(t, 0, 20, env),
			kafkaMessage(t, 0, 20, env),
		}}
		src := NewKafkaSource(reader, logger.Discard())
		stale, err := src.Receive(ctx)
		require.NoError(t, err)
		fresh, err := src.Receive(ctx)
		require.NoError(t, err)

		require.NoError(t, fresh.Ack(ctx))
		require.NoError(t, stale.Ack(ctx))

		pos, _ := reader.position(0)
		assert.Equal(t, int64(21), pos)
	})
}

func TestRunner_KafkaSourceKeepsUnfinishedOffsets(t *testing.T) {
	t.Parallel()

	// Arrange: with two workers, offset 10 hangs until shutdown while 11 succeeds.
	reader := &fakeReader{msgs: []kafka.Message{
		kafkaMessage(t, 0, 10, mustEnvelope(t, KindPointsAdjusted, AdjustmentPayload{UserID: "slow", MerchantID: "m"})),
		kafkaMessage(t, 0, 11, mustEnvelope(t, KindPointsAdjusted, AdjustmentPayload{UserID: "fast", MerchantID: "m"})),
	}}
	var fastDone atomic.Bool
	handlers := map[Kind]Handler{
		KindPointsAdjusted: HandlerFuncs{HandleFunc: func(ctx context.Context, env *Envelope) error {
			var p AdjustmentPayload
			if err := env.Decode(&p); err != nil {
				return err
			}
			if p.UserID == "fast" {
				fastDone.Store(true)
				return nil
			}
			<-ctx.Done()
			return ctx.Err()
		}},
	}
	runner := NewRunner(NewKafkaSource(reader, logger.Discard()), handlers, fastPolicy(1), NewMemoryQueue(1), 2, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	// Act
	go func() { done <- runner.Run(ctx) }()
	require.Eventually(t, fastDone.Load, 2*time.Second, 10*time.Millisecond)
	// Give the fast worker time to ack before shutting down.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}

	// Assert
	_, committed := reader.position(0)
	assert.False(t, committed, "offset 10 was interrupted and must be redelivered")
}

func TestKafkaEnqueuer_Enqueue(t *testing.T) {
	t.Parallel()

	// Arrange
	w := &fakeWriter{}
	env := mustEnvelope(t, KindRedemptionRequested, RedemptionPayload{RedemptionID: "red-1"})

	// Act
	err := NewKafkaEnqueuer(w).Enqueue(context.Background(), env)

	// Assert
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, env.ID, string(w.msgs[0].Key))
	require.Len(t, w.msgs[0].Headers, 1)
	assert.Equal(t, string(KindRedemptionRequested), string(w.msgs[0].Headers[0].Value))

	var got Envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, env.ID, got.ID)
}

func TestKafkaDeadLetters_DeadLetter(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	env := mustEnvelope(t, KindSegmentsSweep, SweepPayload{})

	err := NewKafkaDeadLetters(w).DeadLetter(context.Background(), DeadLetter{Envelope: env, Error: "boom"})

	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	var dl DeadLetter
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &dl))
	assert.Equal(t, "boom", dl.Error)
	assert.Equal(t, env.ID, dl.Envelope.ID)
}
