// Package rules contains the best-practice rules the config auditor
// evaluates against upstream configuration snapshots, and the findings an
// audit run produces.
package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arrgate/arrgate/internal/domain/upstream"
)

// Severity ranks a finding.
type Severity string

const (
	// SeverityInfo is advice; the setup works but could be better.
	SeverityInfo Severity = "info"
	// SeverityWarning is a misconfiguration that degrades reliability.
	SeverityWarning Severity = "warning"
	// SeverityCritical is a misconfiguration that loses data or media.
	SeverityCritical Severity = "critical"
)

// Validate checks the severity value.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("unknown severity %q", string(s))
	}
}

// Rule is one best-practice check. Condition is a CEL expression over the
// audit input; a true result raises a finding.
type Rule struct {
	// ID is the unique rule identifier.
	ID string `json:"id"`
	// Upstream is the kind the rule applies to.
	Upstream upstream.Kind `json:"upstream"`
	// Name is a short human-readable rule name.
	Name string `json:"name"`
	// Description explains what the rule detects.
	Description string `json:"description"`
	// Severity ranks findings raised by this rule.
	Severity Severity `json:"severity"`
	// Condition is a CEL expression over the variables `config` (map),
	// `version` (string), and `kind` (string). True raises a finding.
	Condition string `json:"condition"`
	// Remediation tells the operator how to fix the finding.
	Remediation string `json:"remediation"`
	// Enabled rules run during audits; disabled rules are kept but skipped.
	Enabled bool `json:"enabled"`
	// BuiltIn marks seed rules shipped with the gateway.
	BuiltIn bool `json:"built_in"`
	// CreatedAt is when the rule was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the rule was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the structural validity of a rule.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule id is required")
	}
	if err := r.Upstream.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name is required")
	}
	if err := r.Severity.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Condition) == "" {
		return fmt.Errorf("rule condition is required")
	}
	return nil
}

// Finding is one raised rule within an audit report.
type Finding struct {
	// RuleID identifies the raising rule.
	RuleID string `json:"rule_id"`
	// RuleName is the rule's display name.
	RuleName string `json:"rule_name"`
	// Severity is copied from the rule.
	Severity Severity `json:"severity"`
	// Description is copied from the rule.
	Description string `json:"description"`
	// Remediation is copied from the rule.
	Remediation string `json:"remediation"`
}

// Report is the outcome of one audit run against one upstream.
type Report struct {
	// Upstream is the audited kind.
	Upstream upstream.Kind `json:"upstream"`
	// RanAt is when the audit started.
	RanAt time.Time `json:"ran_at"`
	// Duration is the audit wall time.
	Duration time.Duration `json:"duration"`
	// RulesEvaluated counts the enabled rules that ran.
	RulesEvaluated int `json:"rules_evaluated"`
	// Findings are the raised rules, highest severity first.
	Findings []Finding `json:"findings"`
	// Skipped lists rules whose condition failed to evaluate, with the
	// reason. A skipped rule never fails the audit.
	Skipped map[string]string `json:"skipped,omitempty"`
}

// ErrRuleNotFound is returned when a rule ID does not exist in the store.
var ErrRuleNotFound = errors.New("rule not found")

// Store persists best-practice rules.
type Store interface {
	// List returns the rules for one upstream kind.
	List(ctx context.Context, kind upstream.Kind) ([]Rule, error)
	// ListAll returns every stored rule.
	ListAll(ctx context.Context) ([]Rule, error)
	// Get returns a rule by ID. Returns ErrRuleNotFound when absent.
	Get(ctx context.Context, id string) (*Rule, error)
	// Save creates or replaces a rule.
	Save(ctx context.Context, rule *Rule) error
	// Delete removes a rule by ID. Returns ErrRuleNotFound when absent.
	Delete(ctx context.Context, id string) error
}

// ConditionEvaluator compiles and evaluates rule conditions. Implemented
// by the CEL adapter.
type ConditionEvaluator interface {
	// ValidateCondition checks that an expression compiles and yields a
	// boolean. Used before saving a rule.
	ValidateCondition(condition string) error
	// EvaluateCondition runs a compiled condition against an audit input.
	EvaluateCondition(ctx context.Context, condition string, input Input) (bool, error)
}

// Input is the variable set a condition sees.
type Input struct {
	// Kind is the audited upstream kind.
	Kind upstream.Kind
	// Version is the upstream's reported server version.
	Version string
	// Config is the upstream's configuration snapshot.
	Config map[string]any
}
