package rules

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// RuleStore is durable storage for rule records, keyed by (tenant_id, rule_id).
// Implementations must be safe for concurrent use.
type RuleStore interface {
	// List returns a tenant's records ordered by priority descending, then
	// rule_id ascending. An empty ruleType returns every type.
	List(ctx context.Context, tenantID, ruleType string, activeOnly bool) ([]*Record, error)

	// Get returns the record, or nil with a nil error when it does not exist.
	Get(ctx context.Context, tenantID, ruleID string) (*Record, error)

	// Insert creates a record and fails with ErrConflict if the key exists.
	Insert(ctx context.Context, rec *Record) (*Record, error)

	// Upsert creates the record or replaces its definition, priority and
	// active flag. rule_type is kept from the existing record.
	Upsert(ctx context.Context, rec *Record) (*Record, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// sortRecords applies the canonical evaluation order.
func sortRecords(recs []*Record) {
	slices.SortStableFunc(recs, func(a, b *Record) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.RuleID, b.RuleID)
	})
}

// InMemoryRuleStore implements RuleStore with a map. It backs tests and
// single-process deployments that do not need durability.
type InMemoryRuleStore struct {
	tenants map[string]map[string]Record
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryRuleStore creates an empty in-memory store.
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		tenants: make(map[string]map[string]Record),
		now:     time.Now,
	}
}

func (s *InMemoryRuleStore) List(ctx context.Context, tenantID, ruleType string, activeOnly bool) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.tenants[tenantID] {
		if activeOnly && !rec.Active {
			continue
		}
		if ruleType != "" && rec.RuleType != ruleType {
			continue
		}
		r := rec
		out = append(out, &r)
	}
	sortRecords(out)
	return out, nil
}

func (s *InMemoryRuleStore) Get(ctx context.Context, tenantID, ruleID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tenants[tenantID][ruleID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryRuleStore) Insert(ctx context.Context, rec *Record) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := s.tenants[rec.TenantID]
	if _, exists := rules[rec.RuleID]; exists {
		return nil, fmt.Errorf("%w: tenant %s rule %s", ErrConflict, rec.TenantID, rec.RuleID)
	}
	if rules == nil {
		rules = make(map[string]Record)
		s.tenants[rec.TenantID] = rules
	}

	stored := *rec
	stored.CreatedAt = s.now()
	stored.UpdatedAt = stored.CreatedAt
	rules[rec.RuleID] = stored
	return &stored, nil
}

func (s *InMemoryRuleStore) Upsert(ctx context.Context, rec *Record) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := s.tenants[rec.TenantID]
	if rules == nil {
		rules = make(map[string]Record)
		s.tenants[rec.TenantID] = rules
	}

	now := s.now()
	stored := *rec
	if existing, ok := rules[rec.RuleID]; ok {
		stored.RuleType = existing.RuleType
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	rules[rec.RuleID] = stored
	return &stored, nil
}

func (s *InMemoryRuleStore) Ping(ctx context.Context) error {
	return ctx.Err()
}
