package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arrgate/arrgate/internal/domain/rules"
	"github.com/arrgate/arrgate/internal/domain/upstream"
)

// RuleStore implements rules.Store on a sqlite database.
type RuleStore struct {
	db *sql.DB
}

// NewRuleStore creates a rule store over an opened database.
func NewRuleStore(d *DB) *RuleStore {
	return &RuleStore{db: d.db}
}

const ruleColumns = `id, upstream, name, description, severity, condition, remediation, enabled, built_in, created_at, updated_at`

// List returns the rules for one upstream kind ordered by ID.
func (s *RuleStore) List(ctx context.Context, kind upstream.Kind) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM audit_rules WHERE upstream = ? ORDER BY id`,
		string(kind))
	if err != nil {
		return nil, fmt.Errorf("query rules for %s: %w", kind, err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListAll returns every stored rule ordered by ID.
func (s *RuleStore) ListAll(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM audit_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// Get returns a rule by ID.
func (s *RuleStore) Get(ctx context.Context, id string) (*rules.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM audit_rules WHERE id = ?`, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rules.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query rule %s: %w", id, err)
	}
	return rule, nil
}

// Save creates or replaces a rule.
func (s *RuleStore) Save(ctx context.Context, rule *rules.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			upstream = excluded.upstream,
			name = excluded.name,
			description = excluded.description,
			severity = excluded.severity,
			condition = excluded.condition,
			remediation = excluded.remediation,
			enabled = excluded.enabled,
			built_in = excluded.built_in,
			updated_at = excluded.updated_at`,
		rule.ID,
		string(rule.Upstream),
		rule.Name,
		rule.Description,
		string(rule.Severity),
		rule.Condition,
		rule.Remediation,
		boolToInt(rule.Enabled),
		boolToInt(rule.BuiltIn),
		rule.CreatedAt.UTC().Format(time.RFC3339Nano),
		rule.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", rule.ID, err)
	}
	return nil
}

// Delete removes a rule by ID.
func (s *RuleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	if n == 0 {
		return rules.ErrRuleNotFound
	}
	return nil
}

func collectRules(rows *sql.Rows) ([]rules.Rule, error) {
	var result []rules.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		result = append(result, *rule)
	}
	return result, rows.Err()
}

func scanRule(row scanner) (*rules.Rule, error) {
	var (
		r         rules.Rule
		kind      string
		severity  string
		enabled   int
		builtIn   int
		createdAt string
		updatedAt string
	)
	err := row.Scan(&r.ID, &kind, &r.Name, &r.Description, &severity,
		&r.Condition, &r.Remediation, &enabled, &builtIn, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Upstream = upstream.Kind(kind)
	r.Severity = rules.Severity(severity)
	r.Enabled = enabled != 0
	r.BuiltIn = builtIn != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		r.UpdatedAt = t
	}
	return &r, nil
}

// Compile-time interface verification.
var _ rules.Store = (*RuleStore)(nil)
