package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/liamcoop/tenantrules/internal/logger"
	"github.com/liamcoop/tenantrules/internal/metrics"
)

// DefaultRepositoryTimeout bounds each store call when no timeout is configured.
const DefaultRepositoryTimeout = 5 * time.Second

// RuleInput is a write request for a single rule. Priority and Active
// override the values in the definition when set.
type RuleInput struct {
	RuleID     string
	Definition string
	Priority   *int
	Active     *bool
}

// Repository is the only component that talks to the RuleStore. It parses
// stored definitions into Rules and bounds every call with a timeout.
// Store failures are returned wrapped in ErrStorageUnavailable and never
// retried here.
type Repository struct {
	store   RuleStore
	parser  *Parser
	timeout time.Duration
	logger  *slog.Logger
}

// NewRepository creates a repository. A zero timeout uses DefaultRepositoryTimeout;
// a negative one disables the bound.
func NewRepository(store RuleStore, parser *Parser, timeout time.Duration) *Repository {
	if timeout == 0 {
		timeout = DefaultRepositoryTimeout
	}
	return &Repository{
		store:   store,
		parser:  parser,
		timeout: timeout,
		logger:  logger.Component("rules.repository"),
	}
}

// Parser returns the parser used to materialise stored definitions.
func (r *Repository) Parser() *Parser {
	return r.parser
}

func (r *Repository) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout < 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RepositoryDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// GetTenantRules returns the tenant's rules ordered by priority descending
// and rule_id ascending. An empty ruleType returns all types. Stored
// definitions that no longer parse are skipped and logged.
func (r *Repository) GetTenantRules(ctx context.Context, tenantID, ruleType string, activeOnly bool) (rules []*Rule, err error) {
	start := time.Now()
	defer func() { observe("list", start, err) }()

	ctx, cancel := r.bound(ctx)
	defer cancel()

	recs, err := r.store.List(ctx, tenantID, ruleType, activeOnly)
	if err != nil {
		logger.StorageFailure("list", err, "tenant_id", tenantID)
		return nil, storageErr("list rules", err)
	}

	rules = make([]*Rule, 0, len(recs))
	for _, rec := range recs {
		rule, err := r.materialize(rec)
		if err != nil {
			metrics.SkippedRules.Inc()
			logger.SkippedRule(rec.TenantID, rec.RuleID, err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// GetRuleByID looks up a single rule. A missing key returns (nil, false, nil).
func (r *Repository) GetRuleByID(ctx context.Context, tenantID, ruleID string) (rule *Rule, found bool, err error) {
	start := time.Now()
	defer func() { observe("get", start, err) }()

	ctx, cancel := r.bound(ctx)
	defer cancel()

	rec, err := r.store.Get(ctx, tenantID, ruleID)
	if err != nil {
		logger.StorageFailure("get", err, "tenant_id", tenantID, "rule_id", ruleID)
		return nil, false, storageErr("get rule", err)
	}
	if rec == nil {
		return nil, false, nil
	}
	rule, err = r.materialize(rec)
	if err != nil {
		return nil, false, err
	}
	return rule, true, nil
}

// CreateRule validates and inserts a new rule. It fails with ErrConflict
// when the key exists.
func (r *Repository) CreateRule(ctx context.Context, tenantID string, in RuleInput) (rule *Rule, err error) {
	start := time.Now()
	defer func() { observe("create", start, err) }()

	parsed, rec, err := r.prepare(tenantID, in)
	if err != nil {
		return nil, err
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()

	stored, err := r.store.Insert(ctx, rec)
	if err != nil {
		err = storageErr("insert rule", err)
		if !isConflict(err) {
			logger.StorageFailure("insert", err, "tenant_id", tenantID, "rule_id", rec.RuleID)
		}
		return nil, err
	}
	return parsed.withRecord(stored), nil
}

// UpsertRule validates and creates or replaces a rule. On an existing key
// only the definition, priority and active flag change.
func (r *Repository) UpsertRule(ctx context.Context, tenantID string, in RuleInput) (rule *Rule, err error) {
	start := time.Now()
	defer func() { observe("upsert", start, err) }()

	parsed, rec, err := r.prepare(tenantID, in)
	if err != nil {
		return nil, err
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()

	stored, err := r.store.Upsert(ctx, rec)
	if err != nil {
		logger.StorageFailure("upsert", err, "tenant_id", tenantID, "rule_id", rec.RuleID)
		return nil, storageErr("upsert rule", err)
	}
	return parsed.withRecord(stored), nil
}

// Ping checks the store within the repository timeout.
func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.store.Ping(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (r *Repository) prepare(tenantID string, in RuleInput) (*Rule, *Record, error) {
	parsed, err := r.parser.Parse(in.Definition)
	if err != nil {
		return nil, nil, err
	}
	if in.RuleID != "" && in.RuleID != parsed.ID {
		return nil, nil, formatErr(parsed.ID, fieldRuleID, "does not match requested rule %q", in.RuleID)
	}

	rec := &Record{
		TenantID:   tenantID,
		RuleID:     parsed.ID,
		RuleType:   parsed.Type,
		Definition: in.Definition,
		Priority:   parsed.Priority,
		Active:     parsed.Active,
	}
	if in.Priority != nil {
		rec.Priority = *in.Priority
	}
	if in.Active != nil {
		rec.Active = *in.Active
	}
	return parsed, rec, nil
}

func (r *Repository) materialize(rec *Record) (*Rule, error) {
	rule, err := r.parser.Parse(rec.Definition)
	if err != nil {
		return nil, err
	}
	if rule.ID != rec.RuleID {
		return nil, fmt.Errorf("%w: stored definition declares rule %q under key %q",
			ErrInvalidRuleFormat, rule.ID, rec.RuleID)
	}
	return rule.withRecord(rec), nil
}
