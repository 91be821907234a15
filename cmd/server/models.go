package main

import (
	"time"

	"github.com/liamcoop/tenantrules/rules"
)

// API request and response models.

// EvaluateRequest is the body of POST /tenants/{tenantId}/evaluate.
type EvaluateRequest struct {
	RuleType string         `json:"rule_type" example:"product_mapping"`
	Context  map[string]any `json:"context"`
}

// EvaluateResponse reports the winning rule or an explicit no-match.
type EvaluateResponse struct {
	EvaluationID string         `json:"evaluation_id"`
	TenantID     string         `json:"tenant_id"`
	RuleType     string         `json:"rule_type"`
	Matched      bool           `json:"matched"`
	RuleID       string         `json:"rule_id,omitempty"`
	Action       map[string]any `json:"action,omitempty"`
	Priority     *int           `json:"priority,omitempty"`
}

// RuleRequest is the body for creating or upserting a rule. Definition is
// the YAML rule document.
type RuleRequest struct {
	RuleID     string `json:"rule_id,omitempty"`
	Definition string `json:"definition"`
	Priority   *int   `json:"priority,omitempty"`
	IsActive   *bool  `json:"is_active,omitempty"`
}

// ImportRequest carries a YAML list of rule documents.
type ImportRequest struct {
	Definitions string `json:"definitions"`
}

// RuleResponse represents a rule in API responses.
type RuleResponse struct {
	TenantID      string         `json:"tenant_id"`
	RuleID        string         `json:"rule_id"`
	RuleType      string         `json:"rule_type"`
	Description   string         `json:"description,omitempty"`
	Condition     map[string]any `json:"condition"`
	ConditionType string         `json:"condition_type"`
	Action        map[string]any `json:"action"`
	When          string         `json:"when,omitempty"`
	Priority      int            `json:"priority"`
	IsActive      bool           `json:"is_active"`
	Definition    string         `json:"definition"`
	CreatedAt     *time.Time     `json:"created_at,omitempty"`
	UpdatedAt     *time.Time     `json:"updated_at,omitempty"`
}

// RulesListResponse represents the response for listing rules.
type RulesListResponse struct {
	TenantID string         `json:"tenant_id"`
	Rules    []RuleResponse `json:"rules"`
	Count    int            `json:"count"`
}

// SkippedRule describes one rejected entry of an import.
type SkippedRule struct {
	Index int    `json:"index"`
	Line  int    `json:"line,omitempty"`
	Error string `json:"error"`
}

// ImportResponse summarises a batch import.
type ImportResponse struct {
	TenantID      string         `json:"tenant_id"`
	ImportedCount int            `json:"imported_count"`
	SkippedCount  int            `json:"skipped_count"`
	Imported      []RuleResponse `json:"imported"`
	Skipped       []SkippedRule  `json:"skipped,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toRuleResponse(r *rules.Rule) RuleResponse {
	resp := RuleResponse{
		TenantID:      r.TenantID,
		RuleID:        r.ID,
		RuleType:      r.Type,
		Description:   r.Description,
		Condition:     r.Condition.Map(),
		ConditionType: string(r.ConditionType),
		Action:        r.Action.Map(),
		When:          r.When,
		Priority:      r.Priority,
		IsActive:      r.Active,
		Definition:    r.Source,
	}
	if !r.CreatedAt.IsZero() {
		created := r.CreatedAt
		resp.CreatedAt = &created
	}
	if !r.UpdatedAt.IsZero() {
		updated := r.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

func toRuleResponses(rs []*rules.Rule) []RuleResponse {
	out := make([]RuleResponse, 0, len(rs))
	for _, r := range rs {
		out = append(out, toRuleResponse(r))
	}
	return out
}

func toEvaluateResponse(tenantID, ruleType string, res *rules.MatchResult) EvaluateResponse {
	resp := EvaluateResponse{
		EvaluationID: res.EvaluationID,
		TenantID:     tenantID,
		RuleType:     ruleType,
		Matched:      res.Matched,
	}
	if res.Matched {
		priority := res.Priority
		resp.RuleID = res.RuleID
		resp.Action = res.Action.Map()
		resp.Priority = &priority
	}
	return resp
}
