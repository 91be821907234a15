package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// pqUniqueViolation is the SQLSTATE for unique_violation.
const pqUniqueViolation = "23505"

const recordColumns = `tenant_id, rule_id, rule_type, rule_yaml, priority, is_active, created_at, updated_at`

// PostgresRuleStore implements RuleStore backed by PostgreSQL.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a store over an open database handle. The
// tenant_rules table must already exist (see migrations/postgres).
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

func (s *PostgresRuleStore) List(ctx context.Context, tenantID, ruleType string, activeOnly bool) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM tenant_rules
		WHERE tenant_id = $1
		  AND ($2 = '' OR rule_type = $2)
		  AND (NOT $3 OR is_active)
		ORDER BY priority DESC, rule_id ASC
	`, tenantID, ruleType, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *PostgresRuleStore) Get(ctx context.Context, tenantID, ruleID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM tenant_rules
		WHERE tenant_id = $1 AND rule_id = $2
	`, tenantID, ruleID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rec, nil
}

func (s *PostgresRuleStore) Insert(ctx context.Context, rec *Record) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tenant_rules (tenant_id, rule_id, rule_type, rule_yaml, priority, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING `+recordColumns,
		rec.TenantID, rec.RuleID, rec.RuleType, rec.Definition, rec.Priority, rec.Active)

	stored, err := scanRecord(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, fmt.Errorf("%w: tenant %s rule %s", ErrConflict, rec.TenantID, rec.RuleID)
		}
		return nil, fmt.Errorf("failed to insert rule: %w", err)
	}
	return stored, nil
}

func (s *PostgresRuleStore) Upsert(ctx context.Context, rec *Record) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tenant_rules (tenant_id, rule_id, rule_type, rule_yaml, priority, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (tenant_id, rule_id) DO UPDATE
		SET rule_yaml = EXCLUDED.rule_yaml,
		    priority = EXCLUDED.priority,
		    is_active = EXCLUDED.is_active,
		    updated_at = NOW()
		RETURNING `+recordColumns,
		rec.TenantID, rec.RuleID, rec.RuleType, rec.Definition, rec.Priority, rec.Active)

	stored, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert rule: %w", err)
	}
	return stored, nil
}

func (s *PostgresRuleStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	err := row.Scan(
		&rec.TenantID,
		&rec.RuleID,
		&rec.RuleType,
		&rec.Definition,
		&rec.Priority,
		&rec.Active,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return out, nil
}
