package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RuleKind identifies the shape of a campaign eligibility rule.
type RuleKind string

const (
	RulePointsThreshold   RuleKind = "POINTS_THRESHOLD"
	RulePurchaseHistory   RuleKind = "PURCHASE_HISTORY"
	RuleSegmentMembership RuleKind = "SEGMENT_MEMBERSHIP"
)

// RuleSpec is one campaign eligibility rule as stored in the campaign conditions document.
// Params holds the raw kind-specific parameters; Compiled holds the parsed form after
// CompileRuleSpecs has run.
type RuleSpec struct {
	Kind   RuleKind        `json:"type"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params"`

	Compiled any `json:"-"`
}

// DisplayName is the name used in eligibility reasons and participant metadata.
func (r *RuleSpec) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return string(r.Kind)
}

// PointsThresholdParams matches when the member balance reaches Threshold.
type PointsThresholdParams struct {
	Threshold int `json:"threshold"`
}

// PurchaseHistoryParams is declared for campaigns but has no evaluator yet.
type PurchaseHistoryParams struct {
	MinPurchases  int `json:"minPurchases"`
	TimeframeDays int `json:"timeframeDays"`
}

// SegmentMembershipParams matches when the user belongs to SegmentID.
type SegmentMembershipParams struct {
	SegmentID string `json:"segmentId"`
}

// CampaignConditions is the stored conditions document of a campaign.
type CampaignConditions struct {
	Rules         []RuleSpec `json:"rules"`
	TargetTierIDs []string   `json:"targetTierIds"`
}

// CompileRuleSpecs parses the Params of every rule into its typed form.
// It must run after a campaign is loaded from storage and before evaluation.
func CompileRuleSpecs(rules []RuleSpec) error {
	for i := range rules {
		if err := compileRuleSpec(&rules[i]); err != nil {
			return fmt.Errorf("failed to compile rule %q: %w", rules[i].DisplayName(), err)
		}
	}
	return nil
}

func compileRuleSpec(rule *RuleSpec) error {
	params := rule.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	switch rule.Kind {
	case RulePointsThreshold:
		var p PointsThresholdParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("invalid POINTS_THRESHOLD params: %w", err)
		}
		if p.Threshold < 0 {
			return fmt.Errorf("threshold must be non-negative, got %d", p.Threshold)
		}
		rule.Compiled = p
	case RulePurchaseHistory:
		var p PurchaseHistoryParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("invalid PURCHASE_HISTORY params: %w", err)
		}
		rule.Compiled = p
	case RuleSegmentMembership:
		var p SegmentMembershipParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("invalid SEGMENT_MEMBERSHIP params: %w", err)
		}
		if p.SegmentID == "" {
			return errors.New("segmentId is required")
		}
		rule.Compiled = p
	default:
		// Unknown kinds stay uncompiled and evaluate as non-matching.
		rule.Compiled = nil
	}
	return nil
}
