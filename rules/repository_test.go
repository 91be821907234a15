package rules

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

const kopiDefinition = `
rule_id: kopi_rule
rule_type: product_mapping
condition:
  product: kopi
action:
  account: "4001"
priority: 10
`

// flakyStore wraps a RuleStore with injectable failures and latency.
type flakyStore struct {
	RuleStore
	listErr   error
	delay     time.Duration
	listCalls atomic.Int64
}

func (s *flakyStore) List(ctx context.Context, tenantID, ruleType string, activeOnly bool) ([]*Record, error) {
	s.listCalls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.RuleStore.List(ctx, tenantID, ruleType, activeOnly)
}

func newTestRepository(t *testing.T, store RuleStore, timeout time.Duration) *Repository {
	t.Helper()
	return NewRepository(store, newTestParser(t), timeout)
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepository(t, NewInMemoryRuleStore(), 0)
	ctx := context.Background()

	created, err := repo.CreateRule(ctx, "cafe-1", RuleInput{Definition: kopiDefinition})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if created.TenantID != "cafe-1" || created.ID != "kopi_rule" || created.Priority != 10 {
		t.Errorf("Unexpected created rule: %+v", created)
	}
	if created.CreatedAt.IsZero() {
		t.Error("Expected created_at from the store")
	}

	got, found, err := repo.GetRuleByID(ctx, "cafe-1", "kopi_rule")
	if err != nil || !found {
		t.Fatalf("GetRuleByID failed: found=%v err=%v", found, err)
	}
	if got.Action["account"].String() != "4001" {
		t.Errorf("Unexpected action: %v", got.Action)
	}

	_, found, err = repo.GetRuleByID(ctx, "cafe-1", "missing")
	if err != nil || found {
		t.Errorf("Expected not found without error, got found=%v err=%v", found, err)
	}
}

func TestRepository_CreateConflict(t *testing.T) {
	repo := newTestRepository(t, NewInMemoryRuleStore(), 0)
	ctx := context.Background()

	if _, err := repo.CreateRule(ctx, "cafe-1", RuleInput{Definition: kopiDefinition}); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	_, err := repo.CreateRule(ctx, "cafe-1", RuleInput{Definition: kopiDefinition})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}
	if errors.Is(err, ErrStorageUnavailable) {
		t.Error("Conflict must not be reported as a storage failure")
	}
}

func TestRepository_UpsertIdempotent(t *testing.T) {
	repo := newTestRepository(t, NewInMemoryRuleStore(), 0)
	ctx := context.Background()

	for range 3 {
		if _, err := repo.UpsertRule(ctx, "cafe-1", RuleInput{RuleID: "kopi_rule", Definition: kopiDefinition}); err != nil {
			t.Fatalf("UpsertRule failed: %v", err)
		}
	}

	list, err := repo.GetTenantRules(ctx, "cafe-1", "", false)
	if err != nil {
		t.Fatalf("GetTenantRules failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected one stored rule after repeated upserts, got %d", len(list))
	}
}

func TestRepository_UpsertOverridesAndKeepsType(t *testing.T) {
	repo := newTestRepository(t, NewInMemoryRuleStore(), 0)
	ctx := context.Background()

	if _, err := repo.UpsertRule(ctx, "cafe-1", RuleInput{Definition: kopiDefinition}); err != nil {
		t.Fatalf("UpsertRule failed: %v", err)
	}

	priority, active := 42, false
	retyped := `
rule_id: kopi_rule
rule_type: discount
condition: {product: kopi}
action: {account: "5000"}
`
	rule, err := repo.UpsertRule(ctx, "cafe-1", RuleInput{Definition: retyped, Priority: &priority, Active: &active})
	if err != nil {
		t.Fatalf("UpsertRule failed: %v", err)
	}
	if rule.Type != "product_mapping" {
		t.Errorf("Expected rule_type to stay product_mapping, got %s", rule.Type)
	}
	if rule.Priority != 42 || rule.Active {
		t.Errorf("Expected overrides to apply, got priority=%d active=%v", rule.Priority, rule.Active)
	}

	active_, err := repo.GetTenantRules(ctx, "cafe-1", "", true)
	if err != nil {
		t.Fatalf("GetTenantRules failed: %v", err)
	}
	if len(active_) != 0 {
		t.Errorf("Expected inactive rule to be excluded from active reads, got %d", len(active_))
	}
}

func TestRepository_RuleIDMismatch(t *testing.T) {
	repo := newTestRepository(t, NewInMemoryRuleStore(), 0)

	_, err := repo.UpsertRule(context.Background(), "cafe-1", RuleInput{RuleID: "other", Definition: kopiDefinition})
	if !errors.Is(err, ErrInvalidRuleFormat) {
		t.Errorf("Expected ErrInvalidRuleFormat, got %v", err)
	}
}

func TestRepository_InvalidDefinitionNotStored(t *testing.T) {
	store := NewInMemoryRuleStore()
	repo := newTestRepository(t, store, 0)

	_, err := repo.CreateRule(context.Background(), "cafe-1", RuleInput{Definition: "rule_id: r\naction: {x: y}\n"})
	if !errors.Is(err, ErrInvalidRuleFormat) {
		t.Fatalf("Expected ErrInvalidRuleFormat, got %v", err)
	}
	recs, _ := store.List(context.Background(), "cafe-1", "", false)
	if len(recs) != 0 {
		t.Error("Rejected rule must not be written")
	}
}

func TestRepository_SkipsMalformedStoredRules(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()

	store.Insert(ctx, &Record{TenantID: "cafe-1", RuleID: "kopi_rule", RuleType: "product_mapping", Definition: kopiDefinition, Priority: 10, Active: true})
	store.Insert(ctx, &Record{TenantID: "cafe-1", RuleID: "broken", RuleType: "product_mapping", Definition: "rule_id: broken\ncondition: oops\n", Active: true})
	store.Insert(ctx, &Record{TenantID: "cafe-1", RuleID: "renamed", RuleType: "product_mapping", Definition: kopiDefinition, Active: true})

	repo := newTestRepository(t, store, 0)
	list, err := repo.GetTenantRules(ctx, "cafe-1", "", true)
	if err != nil {
		t.Fatalf("GetTenantRules failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "kopi_rule" {
		t.Errorf("Expected only kopi_rule to survive, got %d rules", len(list))
	}
}

func TestRepository_StoredColumnsTakePrecedence(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()
	store.Insert(ctx, &Record{TenantID: "cafe-1", RuleID: "kopi_rule", RuleType: "legacy", Definition: kopiDefinition, Priority: 77, Active: true})

	repo := newTestRepository(t, store, 0)
	rule, found, err := repo.GetRuleByID(ctx, "cafe-1", "kopi_rule")
	if err != nil || !found {
		t.Fatalf("GetRuleByID failed: %v", err)
	}
	if rule.Priority != 77 || rule.Type != "legacy" {
		t.Errorf("Expected stored priority and type, got %d %s", rule.Priority, rule.Type)
	}
}

func TestRepository_StorageFailure(t *testing.T) {
	store := &flakyStore{RuleStore: NewInMemoryRuleStore(), listErr: errors.New("connection reset")}
	repo := newTestRepository(t, store, 0)

	_, err := repo.GetTenantRules(context.Background(), "cafe-1", "", true)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}
}

func TestRepository_Timeout(t *testing.T) {
	store := &flakyStore{RuleStore: NewInMemoryRuleStore(), delay: time.Second}
	repo := newTestRepository(t, store, 20*time.Millisecond)

	start := time.Now()
	_, err := repo.GetTenantRules(context.Background(), "cafe-1", "", true)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Expected timeout to map to ErrStorageUnavailable, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Expected the repository timeout to bound the call")
	}
}
