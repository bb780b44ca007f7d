// Package notify is the outbound boundary for domain events. The engine decides that an
// event happened; delivery, retry and signing belong to whatever consumes the channel
// or topic a Publisher writes to.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/validation"
)

// EventType names a domain event.
type EventType string

const (
	PointsEarned               EventType = "points.earned"
	PointsExpired              EventType = "points.expired"
	RedemptionCompleted        EventType = "redemption.completed"
	RedemptionFailed           EventType = "redemption.failed"
	TierChanged                EventType = "tier.changed"
	SegmentMemberAdded         EventType = "segment.member_added"
	SegmentMemberRemoved       EventType = "segment.member_removed"
	CampaignParticipantAdded   EventType = "campaign.participant_added"
	CampaignParticipantRemoved EventType = "campaign.participant_removed"
)

// Event is the envelope written to the notification boundary.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	MerchantID string         `json:"merchantId,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload"`
}

// Publisher delivers an event to the boundary.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Emitter stamps events and hands them to a Publisher.
//
// Callers emit only after the store reports that their compare-and-swap won, which is
// what limits the boundary to one event per completed mutation. A failed publish is
// logged and counted; it never fails the mutation that already committed.
type Emitter struct {
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewEmitter creates an Emitter. It panics if publisher is nil.
func NewEmitter(publisher Publisher, l *slog.Logger) *Emitter {
	validation.AssertDependency(publisher, "publisher")
	return &Emitter{
		publisher: publisher,
		logger:    logger.OrDefault(l),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Emit publishes one event of the given type.
func (e *Emitter) Emit(ctx context.Context, typ EventType, merchantID, userID string, payload map[string]any) {
	ev := Event{
		ID:         uuid.NewString(),
		Type:       typ,
		MerchantID: merchantID,
		UserID:     userID,
		OccurredAt: e.now(),
		Payload:    payload,
	}

	if err := e.publisher.Publish(ctx, ev); err != nil {
		observability.DomainEvents.WithLabelValues(string(typ), "error").Inc()
		logger.FromContext(ctx).Error("failed to publish domain event",
			slog.String("event_id", ev.ID),
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
		return
	}
	observability.DomainEvents.WithLabelValues(string(typ), "published").Inc()
}
