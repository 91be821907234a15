//go:build integration
// +build integration

package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container and returns a migrated connection
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "rules_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=rules_test sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Wait for connection to be available
	for i := 0; i < 30; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "postgres", "000001_create_tenant_rules.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

func TestPostgresRuleStore(t *testing.T) {
	db := setupTestDB(t)

	runRuleStoreSuite(t, func(t *testing.T) RuleStore {
		if _, err := db.Exec(`TRUNCATE tenant_rules`); err != nil {
			t.Fatalf("Failed to truncate: %v", err)
		}
		return NewPostgresRuleStore(db)
	})
}

func TestPostgresRuleStore_ConflictAndUpsert(t *testing.T) {
	db := setupTestDB(t)
	store := NewPostgresRuleStore(db)
	ctx := context.Background()
	tenantID := uuid.NewString()

	first, err := store.Insert(ctx, testRecord(tenantID, "kopi", "product_mapping", 1, true))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	_, err = store.Insert(ctx, testRecord(tenantID, "kopi", "product_mapping", 2, true))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict from a unique violation, got %v", err)
	}

	updated, err := store.Upsert(ctx, testRecord(tenantID, "kopi", "discount", 9, false))
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if updated.RuleType != "product_mapping" {
		t.Errorf("Expected rule_type to be preserved, got %s", updated.RuleType)
	}
	if updated.Priority != 9 || updated.Active {
		t.Errorf("Expected priority 9 inactive, got %d %v", updated.Priority, updated.Active)
	}
	if !updated.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("Expected created_at to be preserved, got %v want %v", updated.CreatedAt, first.CreatedAt)
	}
}

func TestEngine_Postgres(t *testing.T) {
	db := setupTestDB(t)
	en := newTestEngine(t, NewPostgresRuleStore(db))
	ctx := context.Background()

	tenantA, tenantB := uuid.NewString(), uuid.NewString()
	seed(t, en, tenantA,
		kopiDefinition,
		"rule_id: teh_rule\ncondition: {product: teh}\naction: {account: \"4002\"}\npriority: 5\n",
	)
	seed(t, en, tenantB, "rule_id: kopi_rule\ncondition: {product: kopi}\naction: {account: \"9000\"}\n")

	res, err := en.Evaluate(ctx, tenantA, "product_mapping", ctxOf("product", "teh"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.RuleID != "teh_rule" || res.Action["account"].String() != "4002" {
		t.Errorf("Unexpected result for tenant A: %+v", res)
	}

	res, _ = en.Evaluate(ctx, tenantB, "product_mapping", ctxOf("product", "kopi"))
	if res.Action["account"].String() != "9000" {
		t.Errorf("Expected tenant B's own rule, got %v", res.Action)
	}

	res, _ = en.Evaluate(ctx, tenantB, "product_mapping", ctxOf("product", "teh"))
	if res.Matched {
		t.Error("Tenant B must not see tenant A's rules")
	}

	list, err := en.Repository().GetTenantRules(ctx, tenantA, "product_mapping", true)
	if err != nil {
		t.Fatalf("GetTenantRules failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "kopi_rule" {
		t.Errorf("Expected kopi_rule first by priority, got %d rules", len(list))
	}
}
