package multitenantengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/liamcoop/tenantrules/internal/logger"
	"github.com/liamcoop/tenantrules/rules"
)

// Health states reported by HealthCheck.
const (
	StatusServing    = "SERVING"
	StatusNotServing = "NOT_SERVING"
)

// EvaluateRequest asks for the winning rule of one type for a tenant.
type EvaluateRequest struct {
	TenantID string
	RuleType string
	Context  rules.Values
}

// RuleRequest creates or updates a single rule. Priority and IsActive
// override the definition's own values when set.
type RuleRequest struct {
	TenantID   string
	RuleID     string
	Definition string
	Priority   *int
	IsActive   *bool
}

// ImportResult summarises a batch import.
type ImportResult struct {
	Imported []*rules.Rule
	Skipped  []rules.BatchError
}

// HealthStatus is the result of HealthCheck.
type HealthStatus struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Counters  map[string]int64  `json:"counters,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Manager is the service surface over the rule engine: evaluation, rule
// reads and writes for every tenant, cache administration and health.
type Manager struct {
	engine *rules.Engine
	repo   *rules.Repository
	logger *slog.Logger
}

// NewManager creates a manager around an engine.
func NewManager(engine *rules.Engine) *Manager {
	return &Manager{
		engine: engine,
		repo:   engine.Repository(),
		logger: logger.Component("multitenantengine"),
	}
}

// EvaluateRule returns the winning rule's action or a no-match result.
func (m *Manager) EvaluateRule(ctx context.Context, req EvaluateRequest) (*rules.MatchResult, error) {
	if err := ValidateTenantID(req.TenantID); err != nil {
		return nil, err
	}
	if err := ValidateRuleType(req.RuleType); err != nil {
		return nil, err
	}
	if err := ValidateContext(req.Context); err != nil {
		return nil, err
	}
	return m.engine.Evaluate(ctx, req.TenantID, req.RuleType, req.Context)
}

// GetTenantRules returns the tenant's active rules in evaluation order, read
// from the store. An empty ruleType returns every type.
func (m *Manager) GetTenantRules(ctx context.Context, tenantID, ruleType string) ([]*rules.Rule, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if ruleType != "" {
		if err := ValidateRuleType(ruleType); err != nil {
			return nil, err
		}
	}
	return m.repo.GetTenantRules(ctx, tenantID, ruleType, true)
}

// GetRule looks up one rule, active or not.
func (m *Manager) GetRule(ctx context.Context, tenantID, ruleID string) (*rules.Rule, bool, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, false, err
	}
	if err := ValidateRuleID(ruleID); err != nil {
		return nil, false, err
	}
	return m.repo.GetRuleByID(ctx, tenantID, ruleID)
}

// CreateRule inserts a new rule; an existing (tenant_id, rule_id) fails
// with rules.ErrConflict.
func (m *Manager) CreateRule(ctx context.Context, req RuleRequest) (*rules.Rule, error) {
	if err := m.checkRequest(req); err != nil {
		return nil, err
	}

	rule, err := m.repo.CreateRule(ctx, req.TenantID, m.input(req))
	if err != nil {
		return nil, err
	}
	m.engine.Invalidate(req.TenantID)

	m.logger.Info("rule created", "tenant_id", rule.TenantID, "rule_id", rule.ID, "rule_type", rule.Type)
	return rule, nil
}

// UpdateTenantRules creates or replaces a rule. Repeating the same request
// leaves exactly one stored rule. The tenant's cache entry is invalidated
// only after the store acknowledged the write.
func (m *Manager) UpdateTenantRules(ctx context.Context, req RuleRequest) (*rules.Rule, error) {
	if req.RuleID == "" {
		return nil, fmt.Errorf("%w: rule_id is required", rules.ErrInvalidArgument)
	}
	if err := m.checkRequest(req); err != nil {
		return nil, err
	}

	rule, err := m.repo.UpsertRule(ctx, req.TenantID, m.input(req))
	if err != nil {
		return nil, err
	}
	m.engine.Invalidate(req.TenantID)

	m.logger.Info("rule upserted",
		"tenant_id", rule.TenantID,
		"rule_id", rule.ID,
		"priority", rule.Priority,
		"is_active", rule.Active,
	)
	return rule, nil
}

// ImportRules upserts every valid rule in a batch document. Invalid entries
// are skipped and reported. A storage failure stops the import; rules
// written before it stay written.
func (m *Manager) ImportRules(ctx context.Context, tenantID, text string) (*ImportResult, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	batch, err := m.repo.Parser().ParseBatch(text)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{Skipped: batch.Skipped}
	for _, skipped := range batch.Skipped {
		m.logger.Warn("skipping invalid rule in import",
			"tenant_id", tenantID,
			"index", skipped.Index,
			"line", skipped.Line,
			"error", skipped.Err,
		)
	}

	defer func() {
		if len(res.Imported) > 0 {
			m.engine.Invalidate(tenantID)
		}
	}()

	for i, parsed := range batch.Rules {
		index := batch.Positions[i]
		if err := validateParsed(parsed); err != nil {
			res.Skipped = append(res.Skipped, rules.BatchError{Index: index, Err: err})
			continue
		}
		rule, err := m.repo.UpsertRule(ctx, tenantID, rules.RuleInput{
			RuleID:     parsed.ID,
			Definition: parsed.Source,
		})
		if err != nil {
			if errors.Is(err, rules.ErrInvalidRuleFormat) {
				res.Skipped = append(res.Skipped, rules.BatchError{Index: index, Err: err})
				continue
			}
			return res, fmt.Errorf("import stopped after %d rules: %w", len(res.Imported), err)
		}
		res.Imported = append(res.Imported, rule)
	}

	m.logger.Info("rules imported",
		"tenant_id", tenantID,
		"imported", len(res.Imported),
		"skipped", len(res.Skipped),
	)
	return res, nil
}

// InvalidateTenant drops a tenant's cached rule set.
func (m *Manager) InvalidateTenant(tenantID string) error {
	if err := ValidateTenantID(tenantID); err != nil {
		return err
	}
	m.engine.Invalidate(tenantID)
	return nil
}

// ClearCache drops every cached rule set.
func (m *Manager) ClearCache() {
	m.engine.Cache().Clear()
	m.logger.Info("rule cache cleared")
}

// CacheStats reports the cache's entry count and TTL.
func (m *Manager) CacheStats() rules.CacheStats {
	return m.engine.Cache().Stats()
}

// HealthCheck reports SERVING when the rule store is reachable.
func (m *Manager) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    StatusServing,
		Checks:    map[string]string{"store": "ok"},
		Counters:  logger.Counters(),
		Timestamp: time.Now(),
	}
	if err := m.repo.Ping(ctx); err != nil {
		status.Status = StatusNotServing
		status.Checks["store"] = err.Error()
	}
	return status
}

func (m *Manager) checkRequest(req RuleRequest) error {
	if err := ValidateTenantID(req.TenantID); err != nil {
		return err
	}
	if req.RuleID != "" {
		if err := ValidateRuleID(req.RuleID); err != nil {
			return err
		}
	}
	parsed, err := m.repo.Parser().Parse(req.Definition)
	if err != nil {
		return err
	}
	return validateParsed(parsed)
}

// validateParsed applies identifier rules to what a definition declares, so
// every stored rule can later be addressed and evaluated.
func validateParsed(r *rules.Rule) error {
	if err := ValidateRuleID(r.ID); err != nil {
		return err
	}
	return ValidateRuleType(r.Type)
}

func (m *Manager) input(req RuleRequest) rules.RuleInput {
	return rules.RuleInput{
		RuleID:     req.RuleID,
		Definition: req.Definition,
		Priority:   req.Priority,
		Active:     req.IsActive,
	}
}
