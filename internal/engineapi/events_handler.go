package engineapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	"github.com/rafaeljc/tally/internal/engine"
	"github.com/rafaeljc/tally/internal/jobs"
	"github.com/rafaeljc/tally/internal/logger"
)

// handleTransactionEvent processes POST /api/v1/events/transactions.
func (a *API) handleTransactionEvent(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	a.enqueue(w, r, jobs.KindTransactionCreated, engine.TransactionEvent{
		TransactionID: req.TransactionID,
		MerchantID:    req.MerchantID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		Metadata:      req.Metadata,
	})
}

// handleRedemptionEvent processes POST /api/v1/events/redemptions.
func (a *API) handleRedemptionEvent(w http.ResponseWriter, r *http.Request) {
	var p jobs.RedemptionPayload
	if !decodeJSON(w, r, &p) {
		return
	}
	p.RedemptionID = strings.TrimSpace(p.RedemptionID)
	a.validateAndEnqueue(w, r, jobs.KindRedemptionRequested, &p)
}

// handleAdjustmentEvent processes POST /api/v1/events/adjustments.
func (a *API) handleAdjustmentEvent(w http.ResponseWriter, r *http.Request) {
	var p jobs.AdjustmentPayload
	if !decodeJSON(w, r, &p) {
		return
	}
	p.UserID = strings.TrimSpace(p.UserID)
	p.MerchantID = strings.TrimSpace(p.MerchantID)
	a.validateAndEnqueue(w, r, jobs.KindPointsAdjusted, &p)
}

// handleExpirationEvent processes POST /api/v1/events/expirations. An empty body
// expires every program.
func (a *API) handleExpirationEvent(w http.ResponseWriter, r *http.Request) {
	var p jobs.ExpirationPayload
	if err := render.DecodeJSON(r.Body, &p); err != nil && !errors.Is(err, io.EOF) {
		badJSON(w, r, err)
		return
	}
	p.ProgramID = strings.TrimSpace(p.ProgramID)
	a.enqueue(w, r, jobs.KindExpirationTick, p)
}

func (a *API) validateAndEnqueue(w http.ResponseWriter, r *http.Request, kind jobs.Kind, payload any) {
	if errResp := validateStruct(payload); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}
	a.enqueue(w, r, kind, payload)
}

func (a *API) enqueue(w http.ResponseWriter, r *http.Request, kind jobs.Kind, payload any) {
	log := logger.FromContext(r.Context())

	env, err := jobs.NewEnvelope(kind, payload)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INVALID_INPUT", Message: err.Error()})
		return
	}
	if err := a.jobs.Enqueue(r.Context(), env); err != nil {
		log.Error("failed to enqueue job", slog.String("kind", string(kind)), slog.String("error", err.Error()))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, ErrorResponse{Code: "ERR_UNAVAILABLE", Message: "Failed to enqueue event"})
		return
	}

	log.Info("job enqueued", slog.String("kind", string(kind)), slog.String("job_id", env.ID))
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, JobAccepted{JobID: env.ID, Kind: string(kind)})
}

// decodeJSON writes a 400 and returns false when the body is not valid JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		badJSON(w, r, err)
		return false
	}
	return true
}

func badJSON(w http.ResponseWriter, r *http.Request, err error) {
	logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{
		Code:    "ERR_INVALID_JSON",
		Message: "Invalid JSON payload: " + err.Error(),
	})
}
