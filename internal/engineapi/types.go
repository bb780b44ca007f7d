package engineapi

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/rafaeljc/tally/internal/store"
)

// TransactionRequest is the payload of POST /api/v1/events/transactions.
type TransactionRequest struct {
	TransactionID string          `json:"transactionId" validate:"required,max=255"`
	MerchantID    string          `json:"merchantId" validate:"required,max=255"`
	UserID        string          `json:"userId" validate:"required,max=255"`
	Amount        decimal.Decimal `json:"amount"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Sanitize trims identifiers.
func (r *TransactionRequest) Sanitize() {
	r.TransactionID = strings.TrimSpace(r.TransactionID)
	r.MerchantID = strings.TrimSpace(r.MerchantID)
	r.UserID = strings.TrimSpace(r.UserID)
}

// Validate checks required fields and rejects negative amounts.
func (r *TransactionRequest) Validate() *ErrorResponse {
	if errResp := validateStruct(r); errResp != nil {
		return errResp
	}
	if r.Amount.IsNegative() {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Request validation failed",
			Details: []ErrorDetail{{Field: "amount", Issue: "must not be negative"}},
		}
	}
	return nil
}

// ParticipantRequest is the payload of POST /api/v1/campaigns/{campaignID}/participants.
type ParticipantRequest struct {
	UserID string `json:"userId" validate:"required,max=255"`
}

// JobAccepted is returned for every enqueued trigger.
type JobAccepted struct {
	JobID string `json:"jobId"`
	Kind  string `json:"kind"`
}

// SegmentMembership is the response of the segment membership endpoint.
type SegmentMembership struct {
	SegmentID string `json:"segmentId"`
	UserID    string `json:"userId"`
	IsMember  bool   `json:"isMember"`
}

// Participant is the API view of a campaign participant.
type Participant struct {
	CampaignID   string    `json:"campaignId"`
	UserID       string    `json:"userId"`
	Status       string    `json:"status"`
	MatchedRules []string  `json:"matchedRules"`
	JoinedAt     time.Time `json:"joinedAt"`
}

func mapParticipant(p *store.CampaignParticipant) Participant {
	rules := p.Metadata.MatchedRules
	if rules == nil {
		rules = []string{}
	}
	return Participant{
		CampaignID:   p.CampaignID,
		UserID:       p.UserID,
		Status:       string(p.Status),
		MatchedRules: rules,
		JoinedAt:     p.Metadata.JoinedAt.UTC(),
	}
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details provides optional granular validation errors.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail provides context about a specific field failure.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct turns validator tag failures into a 400 error body.
func validateStruct(v any) *ErrorResponse {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	resp := &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Request validation failed"}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			resp.Details = append(resp.Details, ErrorDetail{Field: fe.Field(), Issue: fe.Tag()})
		}
	}
	return resp
}
