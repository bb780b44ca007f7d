package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/tally/internal/logger"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error {
	return errors.New("boundary down")
}

type captureWriter struct {
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestEmitter_Emit(t *testing.T) {
	t.Parallel()

	t.Run("Should stamp id and time on emitted events", func(t *testing.T) {
		t.Parallel()
		rec := &Recorder{}
		em := NewEmitter(rec, logger.Discard())

		em.Emit(context.Background(), PointsEarned, "m-1", "u-1", map[string]any{"points": 10})

		events := rec.Events()
		require.Len(t, events, 1)
		assert.NotEmpty(t, events[0].ID)
		assert.False(t, events[0].OccurredAt.IsZero())
		assert.Equal(t, PointsEarned, events[0].Type)
		assert.Equal(t, "u-1", events[0].UserID)
		assert.Equal(t, 10, events[0].Payload["points"])
	})

	t.Run("Should swallow publisher failures", func(t *testing.T) {
		t.Parallel()
		em := NewEmitter(failingPublisher{}, logger.Discard())

		assert.NotPanics(t, func() {
			em.Emit(context.Background(), TierChanged, "m-1", "u-1", nil)
		})
	})

	t.Run("Should panic without a publisher", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { NewEmitter(nil, nil) })
	})
}

func TestRecorder_OfType(t *testing.T) {
	t.Parallel()
	rec := &Recorder{}
	ctx := context.Background()
	_ = rec.Publish(ctx, Event{Type: PointsEarned})
	_ = rec.Publish(ctx, Event{Type: TierChanged})
	_ = rec.Publish(ctx, Event{Type: PointsEarned})

	assert.Len(t, rec.OfType(PointsEarned), 2)
	assert.Len(t, rec.OfType(TierChanged), 1)
	assert.Empty(t, rec.OfType(RedemptionFailed))
}

func TestKafkaPublisher_Publish(t *testing.T) {
	t.Parallel()

	// Arrange
	w := &captureWriter{}
	pub := NewKafkaPublisher(w)
	ev := Event{ID: "e-1", Type: RedemptionCompleted, UserID: "u-9", Payload: map[string]any{"points": 50}}

	// Act
	err := pub.Publish(context.Background(), ev)

	// Assert
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("u-9"), w.msgs[0].Key)
	assert.Equal(t, "event-type", w.msgs[0].Headers[0].Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "e-1", decoded.ID)
	assert.Equal(t, RedemptionCompleted, decoded.Type)
}
