package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteRuleStore implements RuleStore on an embedded SQLite database. It
// suits single-node deployments; timestamps are stored as unix nanoseconds.
type SQLiteRuleStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens a database file with WAL and a busy timeout. ":memory:"
// opens a private in-memory database limited to one connection so every
// query sees the same data.
func OpenSQLite(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if busyTimeout == 0 {
		busyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busyTimeout.Milliseconds())
	if path == ":memory:" {
		dsn = fmt.Sprintf("file::memory:?_pragma=busy_timeout(%d)", busyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewSQLiteRuleStore creates a store over an open handle. The tenant_rules
// table must already exist (see migrations/sqlite).
func NewSQLiteRuleStore(db *sql.DB) *SQLiteRuleStore {
	return &SQLiteRuleStore{db: db, now: time.Now}
}

func (s *SQLiteRuleStore) List(ctx context.Context, tenantID, ruleType string, activeOnly bool) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM tenant_rules
		WHERE tenant_id = ?1
		  AND (?2 = '' OR rule_type = ?2)
		  AND (?3 = 0 OR is_active = 1)
		ORDER BY priority DESC, rule_id ASC
	`, tenantID, ruleType, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
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

func (s *SQLiteRuleStore) Get(ctx context.Context, tenantID, ruleID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM tenant_rules
		WHERE tenant_id = ? AND rule_id = ?
	`, tenantID, ruleID)

	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rec, nil
}

func (s *SQLiteRuleStore) Insert(ctx context.Context, rec *Record) (*Record, error) {
	now := s.now().UnixNano()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tenant_rules (tenant_id, rule_id, rule_type, rule_yaml, priority, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, rule_id) DO NOTHING
		RETURNING `+recordColumns,
		rec.TenantID, rec.RuleID, rec.RuleType, rec.Definition, rec.Priority, rec.Active, now, now)

	stored, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: tenant %s rule %s", ErrConflict, rec.TenantID, rec.RuleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert rule: %w", err)
	}
	return stored, nil
}

func (s *SQLiteRuleStore) Upsert(ctx context.Context, rec *Record) (*Record, error) {
	now := s.now().UnixNano()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tenant_rules (tenant_id, rule_id, rule_type, rule_yaml, priority, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, rule_id) DO UPDATE
		SET rule_yaml = excluded.rule_yaml,
		    priority = excluded.priority,
		    is_active = excluded.is_active,
		    updated_at = excluded.updated_at
		RETURNING `+recordColumns,
		rec.TenantID, rec.RuleID, rec.RuleType, rec.Definition, rec.Priority, rec.Active, now, now)

	stored, err := scanSQLiteRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert rule: %w", err)
	}
	return stored, nil
}

func (s *SQLiteRuleStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanSQLiteRecord(row rowScanner) (*Record, error) {
	var (
		rec              Record
		created, updated int64
	)
	err := row.Scan(
		&rec.TenantID,
		&rec.RuleID,
		&rec.RuleType,
		&rec.Definition,
		&rec.Priority,
		&rec.Active,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, created)
	rec.UpdatedAt = time.Unix(0, updated)
	return &rec, nil
}
