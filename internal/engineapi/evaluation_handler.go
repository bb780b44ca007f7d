package engineapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/tally/internal/campaign"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/store"
)

// handleTierProgress processes GET /api/v1/programs/{programID}/members/{userID}/tier.
func (a *API) handleTierProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := a.tiers.GetTierProgress(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "programID"))
	if err != nil {
		writeError(w, r, err, "Failed to compute tier progress")
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, progress)
}

// handleSegmentMembership processes GET /api/v1/segments/{segmentID}/members/{userID}.
func (a *API) handleSegmentMembership(w http.ResponseWriter, r *http.Request) {
	segmentID, userID := chi.URLParam(r, "segmentID"), chi.URLParam(r, "userID")

	ok, err := a.segments.EvaluateSegmentCriteria(r.Context(), userID, segmentID)
	if err != nil {
		writeError(w, r, err, "Failed to evaluate segment")
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, SegmentMembership{SegmentID: segmentID, UserID: userID, IsMember: ok})
}

// handleCampaignEligibility processes GET /api/v1/campaigns/{campaignID}/eligibility/{userID}.
// Ineligibility is a 200 with reasons.
func (a *API) handleCampaignEligibility(w http.ResponseWriter, r *http.Request) {
	el, err := a.campaigns.EvaluateCampaignEligibility(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeError(w, r, err, "Failed to evaluate campaign eligibility")
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, el)
}

// handleCampaignProgress processes GET /api/v1/campaigns/{campaignID}/progress/{userID}.
func (a *API) handleCampaignProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := a.campaigns.GetCampaignProgress(r.Context(), chi.URLParam(r, "campaignID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err, "Failed to compute campaign progress")
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, progress)
}

// handleAddParticipant processes POST /api/v1/campaigns/{campaignID}/participants.
// An already enrolled user gets the existing row back.
func (a *API) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	var req ParticipantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if errResp := validateStruct(&req); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	p, err := a.campaigns.AddParticipant(r.Context(), chi.URLParam(r, "campaignID"), req.UserID)
	if err != nil {
		writeError(w, r, err, "Failed to add participant")
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, mapParticipant(p))
}

// handleRemoveParticipant processes DELETE /api/v1/campaigns/{campaignID}/participants/{userID}.
func (a *API) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	if err := a.campaigns.RemoveParticipant(r.Context(), chi.URLParam(r, "campaignID"), chi.URLParam(r, "userID")); err != nil {
		writeError(w, r, err, "Failed to remove participant")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps domain errors to HTTP statuses. Anything unrecognised is a 500
// with a generic message; the cause is only logged.
func writeError(w http.ResponseWriter, r *http.Request, err error, internalMsg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{Code: "ERR_NOT_FOUND", Message: err.Error()})
	case errors.Is(err, campaign.ErrNotEligible):
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, ErrorResponse{Code: "ERR_NOT_ELIGIBLE", Message: err.Error()})
	default:
		logger.FromContext(r.Context()).Error(internalMsg, slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Code: "ERR_INTERNAL", Message: internalMsg})
	}
}
