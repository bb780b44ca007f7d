// Package jobs executes engine triggers under at-least-once delivery.
//
// A trigger travels as an Envelope through a Source (a Redis list or a Kafka topic).
// The Runner decodes it, dispatches it to the Handler registered for its Kind and
// retries failures with bounded, jittered exponential backoff. When attempts run out
// the handler records a terminal failure and the envelope is written to a dead-letter
// sink with the original cause. Handlers are idempotent, so redelivery is harmless.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Kind names a trigger.
type Kind string

const (
	KindTransactionCreated  Kind = "transaction.created"
	KindRedemptionRequested Kind = "redemption.requested"
	KindExpirationTick      Kind = "points.expiration_tick"
	KindPointsAdjusted      Kind = "points.adjusted"
	KindSegmentsSweep       Kind = "segments.sweep"
)

var (
	// ErrUnknownKind is returned for envelopes no handler is registered for.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrMalformedPayload is returned when a payload cannot be decoded or validated.
	ErrMalformedPayload = errors.New("malformed job payload")
)

// Envelope is the unit of work carried by a Source.
type Envelope struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempt    int             `json:"attempt"`
}

// RedemptionPayload is the "redemption requested" trigger.
type RedemptionPayload struct {
	RedemptionID string `json:"redemptionId" validate:"required"`
	MerchantID   string `json:"merchantId,omitempty"`
	UserID       string `json:"userId,omitempty"`
}

// ExpirationPayload is the periodic expiration tick. An empty ProgramID means all programs.
type ExpirationPayload struct {
	ProgramID string `json:"programId,omitempty"`
}

// AdjustmentPayload is the "points adjusted" trigger.
type AdjustmentPayload struct {
	UserID     string `json:"userId" validate:"required"`
	MerchantID string `json:"merchantId" validate:"required"`
}

// SweepPayload starts a segment sweep. An empty ProgramID means all programs. The
// sweep covers the users of shard ShardIndex out of ShardCount; a zero ShardCount
// means the whole user space.
type SweepPayload struct {
	ProgramID  string `json:"programId,omitempty"`
	ShardIndex int    `json:"shardIndex,omitempty" validate:"min=0"`
	ShardCount int    `json:"shardCount,omitempty" validate:"min=0"`
}

var validate = validator.New()

// NewEnvelope validates payload and wraps it in a new envelope.
func NewEnvelope(kind Kind, payload any) (*Envelope, error) {
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return &Envelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals and validates the payload into dst.
func (e *Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// DeadLetter is an envelope whose attempts ran out, with the cause that ended it.
type DeadLetter struct {
	Envelope *Envelope `json:"envelope"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}
