// Package engineapi implements the REST API of the Tally engine: trigger ingestion
// and read-only evaluations of tiers, segments and campaigns.
package engineapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/rafaeljc/tally/internal/campaign"
	"github.com/rafaeljc/tally/internal/jobs"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/store"
	"github.com/rafaeljc/tally/internal/tier"
	"github.com/rafaeljc/tally/internal/validation"
)

// TierReader reports tier progress.
type TierReader interface {
	GetTierProgress(ctx context.Context, userID, programID string) (*tier.Progress, error)
}

// SegmentReader answers segment membership questions.
type SegmentReader interface {
	EvaluateSegmentCriteria(ctx context.Context, userID, segmentID string) (bool, error)
}

// CampaignService evaluates eligibility and manages participants.
type CampaignService interface {
	EvaluateCampaignEligibility(ctx context.Context, userID, campaignID string) (*campaign.Eligibility, error)
	AddParticipant(ctx context.Context, campaignID, userID string) (*store.CampaignParticipant, error)
	RemoveParticipant(ctx context.Context, campaignID, userID string) error
	GetCampaignProgress(ctx context.Context, campaignID, userID string) (*campaign.Progress, error)
}

// Deps groups the collaborators of the API.
type Deps struct {
	Tiers     TierReader
	Segments  SegmentReader
	Campaigns CampaignService

	// Jobs receives the triggers posted to /api/v1/events.
	Jobs jobs.Enqueuer
}

// API holds the dependencies and the router of the engine API.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	tiers     TierReader
	segments  SegmentReader
	campaigns CampaignService
	jobs      jobs.Enqueuer

	// apiKeyHash is the SHA-256 hex digest of the accepted API key.
	apiKeyHash string

	// skipAuth disables authentication (tests and local development only).
	skipAuth bool

	maxBodyBytes int64
	logger       *slog.Logger
}

// NewAPI creates an API with authentication enabled. It panics when apiKeyHash is empty.
func NewAPI(d Deps, apiKeyHash string, maxBodyBytes int64, l *slog.Logger) *API {
	return NewAPIWithConfig(d, apiKeyHash, maxBodyBytes, false, l)
}

// NewAPIWithConfig creates an API with explicit control over authentication.
//
// Panics if:
//   - any dependency in d is nil
//   - apiKeyHash is empty when skipAuth is false
func NewAPIWithConfig(d Deps, apiKeyHash string, maxBodyBytes int64, skipAuth bool, l *slog.Logger) *API {
	validation.AssertDependency(d.Tiers, "tier reader")
	validation.AssertDependency(d.Segments, "segment reader")
	validation.AssertDependency(d.Campaigns, "campaign service")
	validation.AssertDependency(d.Jobs, "job enqueuer")
	if !skipAuth && apiKeyHash == "" {
		panic("engineapi: apiKeyHash cannot be empty when authentication is enabled")
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}

	api := &API{
		Router:       chi.NewRouter(),
		tiers:        d.Tiers,
		segments:     d.Segments,
		campaigns:    d.Campaigns,
		jobs:         d.Jobs,
		apiKeyHash:   apiKeyHash,
		skipAuth:     skipAuth,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.OrDefault(l),
	}

	api.configureRoutes()
	return api
}

func (a *API) configureRoutes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(a.requestLogger)
	a.Router.Use(recordMetrics)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)
		r.Use(middleware.RequestSize(a.maxBodyBytes))

		r.Route("/events", func(r chi.Router) {
			r.Post("/transactions", a.handleTransactionEvent)
			r.Post("/redemptions", a.handleRedemptionEvent)
			r.Post("/adjustments", a.handleAdjustmentEvent)
			r.Post("/expirations", a.handleExpirationEvent)
		})

		r.Get("/programs/{programID}/members/{userID}/tier", a.handleTierProgress)
		r.Get("/segments/{segmentID}/members/{userID}", a.handleSegmentMembership)

		r.Route("/campaigns/{campaignID}", func(r chi.Router) {
			r.Get("/eligibility/{userID}", a.handleCampaignEligibility)
			r.Get("/progress/{userID}", a.handleCampaignProgress)
			r.Post("/participants", a.handleAddParticipant)
			r.Delete("/participants/{userID}", a.handleRemoveParticipant)
		})
	})
}

// handleHealthCheck reports HTTP serving capability. Dependency checks live on the
// observability server's readiness probe.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
