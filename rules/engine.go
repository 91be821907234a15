package rules

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/liamcoop/tenantrules/internal/logger"
	"github.com/liamcoop/tenantrules/internal/metrics"
)

// Engine selects the winning rule for an evaluation context. Rule sets are
// served from the cache and loaded through the repository on a miss;
// concurrent misses for the same tenant share one repository call.
type Engine struct {
	repo   *Repository
	cache  RulesCache
	group  singleflight.Group
	logger *slog.Logger
	newID  func() string
}

// NewEngine creates an engine over a repository and a cache.
func NewEngine(repo *Repository, cache RulesCache) *Engine {
	return &Engine{
		repo:   repo,
		cache:  cache,
		logger: logger.Component("rules.engine"),
		newID:  uuid.NewString,
	}
}

// Cache returns the engine's rule cache.
func (en *Engine) Cache() RulesCache {
	return en.cache
}

// Repository returns the engine's repository.
func (en *Engine) Repository() *Repository {
	return en.repo
}

// Evaluate returns the action of the highest-priority active rule of
// ruleType whose condition holds for facts. No match is a normal result.
// Errors come only from loading the rule set.
func (en *Engine) Evaluate(ctx context.Context, tenantID, ruleType string, facts Values) (*MatchResult, error) {
	start := time.Now()
	defer func() { metrics.EvaluationDuration.Observe(time.Since(start).Seconds()) }()

	evaluationID := en.newID()

	all, err := en.TenantRules(ctx, tenantID)
	if err != nil {
		metrics.Evaluations.WithLabelValues("error").Inc()
		return nil, err
	}

	for _, rule := range Candidates(all, ruleType) {
		ok, err := rule.Matches(facts)
		if err != nil {
			en.logger.Debug("rule guard failed, treating as no match",
				"tenant_id", tenantID,
				"rule_id", rule.ID,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}

		metrics.Evaluations.WithLabelValues("matched").Inc()
		en.logger.Debug("rule matched",
			"evaluation_id", evaluationID,
			"tenant_id", tenantID,
			"rule_type", ruleType,
			"rule_id", rule.ID,
			"priority", rule.Priority,
		)
		return &MatchResult{
			EvaluationID: evaluationID,
			Matched:      true,
			RuleID:       rule.ID,
			Action:       rule.Action.Clone(),
			Priority:     rule.Priority,
		}, nil
	}

	metrics.Evaluations.WithLabelValues("no_match").Inc()
	return NoMatch(evaluationID), nil
}

// TenantRules returns the tenant's full active rule set, from the cache when
// fresh. A failed load is returned to the caller and never cached. A caller
// whose ctx ends stops waiting; the shared load keeps running for the others.
func (en *Engine) TenantRules(ctx context.Context, tenantID string) ([]*Rule, error) {
	if rules, ok := en.cache.Get(tenantID); ok {
		metrics.CacheHits.Inc()
		return rules, nil
	}
	metrics.CacheMisses.Inc()

	ch := en.group.DoChan(tenantID, func() (any, error) {
		version := en.cache.Version(tenantID)
		// The flight outlives any single caller; the repository timeout bounds it.
		rules, err := en.repo.GetTenantRules(context.WithoutCancel(ctx), tenantID, "", true)
		if err != nil {
			return nil, err
		}
		if !en.cache.SetIfVersion(tenantID, rules, version) {
			en.logger.Debug("discarding rule set loaded before an invalidation", "tenant_id", tenantID)
		}
		return rules, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			en.logger.Debug("coalesced rule set load", "tenant_id", tenantID)
		}
		return res.Val.([]*Rule), nil
	case <-ctx.Done():
		return nil, storageErr("wait for rule set", ctx.Err())
	}
}

// Invalidate drops the tenant's cached rules and detaches any in-flight
// load so the next evaluation reads the store again. Call it only after the
// write it follows has been acknowledged.
func (en *Engine) Invalidate(tenantID string) {
	en.cache.Invalidate(tenantID)
	en.group.Forget(tenantID)
}

// Candidates filters rules to the active rules of ruleType and orders them
// by priority descending, then rule_id ascending.
func Candidates(all []*Rule, ruleType string) []*Rule {
	out := make([]*Rule, 0, len(all))
	for _, r := range all {
		if r.Active && r.Type == ruleType {
			out = append(out, r)
		}
	}
	SortRules(out)
	return out
}

// SortRules orders rules by priority descending, then rule_id ascending.
func SortRules(rules []*Rule) {
	slices.SortStableFunc(rules, func(a, b *Rule) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
