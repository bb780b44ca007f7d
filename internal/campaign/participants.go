package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/notify"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/store"
)

// RuleProgress is the state of one declared rule.
type RuleProgress struct {
	Name      string         `json:"name"`
	Kind      store.RuleKind `json:"type"`
	Completed bool           `json:"completed"`
}

// Progress reports how many of a campaign's rules the user currently satisfies.
type Progress struct {
	CampaignID         string         `json:"campaignId"`
	TotalRules         int            `json:"totalRules"`
	CompletedRules     int            `json:"completedRules"`
	ProgressPercentage float64        `json:"progressPercentage"`
	Rules              []RuleProgress `json:"rules"`
}

// AddParticipant re-runs eligibility and, when it passes, creates the participant with
// the matched rules as metadata. An ineligible user gets an error wrapping
// ErrNotEligible and no row. Adding an existing participant returns the stored row.
func (e *Evaluator) AddParticipant(ctx context.Context, campaignID, userID string) (*store.CampaignParticipant, error) {
	c, err := e.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	p, _, err := e.admit(ctx, c, userID)
	return p, err
}

func (e *Evaluator) admit(ctx context.Context, c *store.Campaign, userID string) (*store.CampaignParticipant, bool, error) {
	elig, err := e.evaluate(ctx, c, userID)
	if err != nil {
		return nil, false, err
	}
	if !elig.IsEligible {
		return nil, false, fmt.Errorf("%w: %s", ErrNotEligible, strings.Join(elig.Reasons, "; "))
	}

	p := &store.CampaignParticipant{
		CampaignID: c.ID,
		UserID:     userID,
		Status:     store.ParticipantActive,
		Metadata: store.ParticipantMetadata{
			MatchedRules: elig.MatchedRules,
			JoinedAt:     e.now(),
		},
	}
	created, err := e.campaigns.AddParticipant(ctx, p)
	if err != nil {
		return nil, false, fmt.Errorf("failed to add participant to campaign %s: %w", c.ID, err)
	}
	if !created {
		existing, err := e.campaigns.GetParticipant(ctx, c.ID, userID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	observability.CampaignParticipantsAdded.Inc()
	e.events.Emit(ctx, notify.CampaignParticipantAdded, e.merchantOf(ctx, c.LoyaltyProgramID), userID, map[string]any{
		"campaignId":   c.ID,
		"matchedRules": elig.MatchedRules,
	})
	logger.FromContext(ctx).Info("campaign participant added",
		slog.String("campaign_id", c.ID),
		slog.String("user_id", userID),
	)
	return p, true, nil
}

// RemoveParticipant deletes the participant. It returns an error wrapping
// store.ErrNotFound when the user was not participating.
func (e *Evaluator) RemoveParticipant(ctx context.Context, campaignID, userID string) error {
	c, err := e.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	removed, err := e.campaigns.RemoveParticipant(ctx, campaignID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove participant from campaign %s: %w", campaignID, err)
	}
	if !removed {
		return fmt.Errorf("participant %s of campaign %s: %w", userID, campaignID, store.ErrNotFound)
	}

	e.events.Emit(ctx, notify.CampaignParticipantRemoved, e.merchantOf(ctx, c.LoyaltyProgramID), userID, map[string]any{
		"campaignId": campaignID,
	})
	return nil
}

// GetCampaignProgress evaluates every declared rule, without short-circuiting, and
// reports completed/total as a percentage.
func (e *Evaluator) GetCampaignProgress(ctx context.Context, campaignID, userID string) (*Progress, error) {
	c, err := e.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if _, err := e.members.GetMember(ctx, userID, c.LoyaltyProgramID); err != nil {
		return nil, err
	}

	prog := &Progress{
		CampaignID: c.ID,
		TotalRules: len(c.Conditions.Rules),
		Rules:      make([]RuleProgress, 0, len(c.Conditions.Rules)),
	}
	facts := &ruleFacts{userID: userID, programID: c.LoyaltyProgramID}
	for i := range c.Conditions.Rules {
		rule := &c.Conditions.Rules[i]
		ok, err := e.evalRule(ctx, rule, facts)
		if err != nil {
			return nil, err
		}
		if ok {
			prog.CompletedRules++
		}
		prog.Rules = append(prog.Rules, RuleProgress{Name: rule.DisplayName(), Kind: rule.Kind, Completed: ok})
	}
	if prog.TotalRules > 0 {
		prog.ProgressPercentage = float64(prog.CompletedRules) / float64(prog.TotalRules) * 100
	}
	return prog, nil
}

// ReconcileCampaigns enrols the user in every running campaign of the program they
// now qualify for. Participants are never removed here.
//
// A campaign that fails to evaluate does not hold back the others. When the failure
// is a missing record, such as a rule naming a deleted segment, the campaign counts
// as not matched. Any other failure is returned, joined, after every campaign ran.
func (e *Evaluator) ReconcileCampaigns(ctx context.Context, userID, programID string) ([]string, error) {
	campaigns, err := e.campaigns.ListActiveCampaigns(ctx, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns of program %s: %w", programID, err)
	}

	var (
		added []string
		errs  []error
	)
	now := e.now()
	for _, c := range campaigns {
		if windowReason(c, now) != "" {
			continue
		}
		_, err := e.campaigns.GetParticipant(ctx, c.ID, userID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, e.skipCampaign(c.ID, userID, fmt.Errorf("failed to read participant of campaign %s: %w", c.ID, err)))
			continue
		}

		_, created, err := e.admit(ctx, c, userID)
		switch {
		case errors.Is(err, ErrNotEligible):
			continue
		case errors.Is(err, store.ErrNotFound):
			observability.CampaignReconcileErrors.WithLabelValues("not_found").Inc()
			e.logger.Warn("campaign references a missing record, treating as not matched",
				slog.String("campaign_id", c.ID),
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			continue
		case err != nil:
			errs = append(errs, e.skipCampaign(c.ID, userID, fmt.Errorf("campaign %s: %w", c.ID, err)))
			continue
		}
		if created {
			added = append(added, c.ID)
		}
	}
	return added, errors.Join(errs...)
}

func (e *Evaluator) skipCampaign(campaignID, userID string, err error) error {
	observability.CampaignReconcileErrors.WithLabelValues("failed").Inc()
	e.logger.Error("failed to reconcile campaign",
		slog.String("campaign_id", campaignID),
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)
	return err
}

func (e *Evaluator) merchantOf(ctx context.Context, programID string) string {
	p, err := e.programs.GetProgram(ctx, programID)
	if err != nil {
		e.logger.Warn("campaign event without merchant",
			slog.String("program_id", programID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return p.MerchantID
}
