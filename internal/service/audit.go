package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arrgate/arrgate/internal/domain/rules"
	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/eventbus"
)

// ErrAuditDisabled is returned by Run when audits are switched off.
var ErrAuditDisabled = errors.New("config audits are disabled")

// ErrAuditRunning is returned by Run when an audit for the same kind is
// already in flight.
var ErrAuditRunning = errors.New("audit already running")

// AuditConfig tunes the config auditor. The Enabled toggle is taken as
// given.
type AuditConfig struct {
	// Enabled gates Run.
	Enabled bool
}

// Audit runs best-practice checks against upstream configuration
// snapshots. A run fetches the live config through the orchestrator,
// evaluates the stored rule set for that kind, and publishes the outcome
// on the event bus. The latest report per kind stays in memory for the
// API surface; rules persist in the store.
type Audit struct {
	cfg    AuditConfig
	orch   *Orchestrator
	store  rules.Store
	eval   rules.ConditionEvaluator
	bus    *eventbus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running map[upstream.Kind]bool
	reports map[upstream.Kind]*rules.Report
}

// NewAudit creates the auditor. No background loop; runs are on demand.
func NewAudit(cfg AuditConfig, orch *Orchestrator, store rules.Store, eval rules.ConditionEvaluator, bus *eventbus.Bus, logger *slog.Logger) *Audit {
	return &Audit{
		cfg:     cfg,
		orch:    orch,
		store:   store,
		eval:    eval,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		running: make(map[upstream.Kind]bool),
		reports: make(map[upstream.Kind]*rules.Report),
	}
}

// Seed installs the built-in rule set. Rules an operator already toggled
// keep their enabled flag and creation time, so re-seeding after an
// upgrade updates conditions without undoing local choices.
func (a *Audit) Seed(ctx context.Context) error {
	installed := 0
	for _, rule := range rules.BuiltIn() {
		existing, err := a.store.Get(ctx, rule.ID)
		switch {
		case err == nil:
			rule.Enabled = existing.Enabled
			rule.CreatedAt = existing.CreatedAt
		case errors.Is(err, rules.ErrRuleNotFound):
			installed++
		default:
			return fmt.Errorf("seed rules: %w", err)
		}
		if err := a.store.Save(ctx, &rule); err != nil {
			return fmt.Errorf("seed rule %q: %w", rule.ID, err)
		}
	}
	if installed > 0 {
		a.logger.Info("seeded built-in audit rules", "installed", installed)
	}
	return nil
}

// Rules lists the stored rules for one kind, or every rule when kind is
// empty.
func (a *Audit) Rules(ctx context.Context, kind upstream.Kind) ([]rules.Rule, error) {
	if kind == "" {
		return a.store.ListAll(ctx)
	}
	if err := kind.Validate(); err != nil {
		return nil, upstream.NewError(upstream.KindValidation, kind, "audit", "%s", err)
	}
	return a.store.List(ctx, kind)
}

// SaveRule validates and persists a rule. The condition must compile to
// a boolean before anything is written. An existing rule keeps its
// built-in marker and creation time.
func (a *Audit) SaveRule(ctx context.Context, rule *rules.Rule) error {
	if err := rule.Validate(); err != nil {
		return upstream.NewError(upstream.KindValidation, rule.Upstream, "audit", "%s", err)
	}
	if err := a.eval.ValidateCondition(rule.Condition); err != nil {
		return upstream.NewError(upstream.KindValidation, rule.Upstream, "audit", "%s", err)
	}

	now := a.now().UTC()
	rule.UpdatedAt = now
	existing, err := a.store.Get(ctx, rule.ID)
	switch {
	case err == nil:
		rule.BuiltIn = existing.BuiltIn
		rule.CreatedAt = existing.CreatedAt
	case errors.Is(err, rules.ErrRuleNotFound):
		rule.BuiltIn = false
		rule.CreatedAt = now
	default:
		return fmt.Errorf("save rule %q: %w", rule.ID, err)
	}
	return a.store.Save(ctx, rule)
}

// DeleteRule removes a custom rule. Built-in rules cannot be deleted,
// only disabled, so a re-seed stays meaningful.
func (a *Audit) DeleteRule(ctx context.Context, id string) error {
	rule, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rule.BuiltIn {
		return upstream.NewError(upstream.KindValidation, rule.Upstream, "audit",
			"rule %q is built in; disable it instead of deleting", id)
	}
	return a.store.Delete(ctx, id)
}

// LastReport returns the most recent report for one kind, if any run
// completed since boot.
func (a *Audit) LastReport(kind upstream.Kind) (*rules.Report, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.reports[kind]
	return r, ok
}

// Run audits one upstream now. Exactly one run per kind executes at a
// time; a second submission while one is in flight is refused. The
// returned report is also retained for LastReport.
func (a *Audit) Run(ctx context.Context, kind upstream.Kind) (*rules.Report, error) {
	if !a.cfg.Enabled {
		return nil, ErrAuditDisabled
	}
	if err := kind.Validate(); err != nil {
		return nil, upstream.NewError(upstream.KindValidation, kind, "audit", "%s", err)
	}

	a.mu.Lock()
	if a.running[kind] {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w for %s", ErrAuditRunning, kind)
	}
	a.running[kind] = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.running, kind)
		a.mu.Unlock()
	}()

	ranAt := a.now().UTC()
	started := a.bus.Publish(eventbus.Event{
		Topic:   eventbus.TopicAuditStarted,
		Payload: map[string]any{"upstream": string(kind)},
		Source:  "audit",
	})

	input, err := a.snapshot(ctx, kind)
	if err != nil {
		a.publishFailed(started, kind, err)
		return nil, fmt.Errorf("audit %s: %w", kind, err)
	}

	ruleSet, err := a.store.List(ctx, kind)
	if err != nil {
		err = fmt.Errorf("list rules: %w", err)
		a.publishFailed(started, kind, err)
		return nil, fmt.Errorf("audit %s: %w", kind, err)
	}

	report := a.evaluate(ctx, kind, ruleSet, input)
	report.RanAt = ranAt
	report.Duration = a.now().UTC().Sub(ranAt)

	a.mu.Lock()
	a.reports[kind] = report
	a.mu.Unlock()

	counts := map[rules.Severity]int{}
	for _, f := range report.Findings {
		counts[f.Severity]++
	}
	a.bus.Publish(eventbus.Event{
		Topic: eventbus.TopicAuditCompleted,
		Payload: map[string]any{
			"upstream":        string(kind),
			"rules_evaluated": report.RulesEvaluated,
			"findings":        len(report.Findings),
			"critical":        counts[rules.SeverityCritical],
			"warning":         counts[rules.SeverityWarning],
			"info":            counts[rules.SeverityInfo],
			"skipped":         len(report.Skipped),
			"duration_ms":     report.Duration.Milliseconds(),
		},
		CorrelationID: started.CorrelationID,
		CausationID:   started.ID,
		Source:        "audit",
	})

	a.logger.Info("config audit completed",
		"kind", kind,
		"rules", report.RulesEvaluated,
		"findings", len(report.Findings),
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, nil
}

// snapshot fetches the upstream's normalized config through the
// orchestrator and pairs it with the recorded server version.
func (a *Audit) snapshot(ctx context.Context, kind upstream.Kind) (rules.Input, error) {
	res := a.orch.Call(ctx, upstream.ToolCall{Upstream: kind, Tool: "get_config"})
	if res.Err != nil {
		return rules.Input{}, fmt.Errorf("fetch config: %w", res.Err)
	}

	var cfg map[string]any
	if err := json.Unmarshal(res.Data, &cfg); err != nil {
		return rules.Input{}, fmt.Errorf("decode config snapshot: %w", err)
	}

	input := rules.Input{Kind: kind, Config: cfg}
	if v, err := a.orch.Version(kind); err == nil && v != (upstream.Version{}) {
		input.Version = v.String()
	}
	return input, nil
}

// evaluate runs every enabled rule against the input. A condition that
// errors is recorded as skipped and never fails the run.
func (a *Audit) evaluate(ctx context.Context, kind upstream.Kind, ruleSet []rules.Rule, input rules.Input) *rules.Report {
	report := &rules.Report{Upstream: kind}

	for _, rule := range ruleSet {
		if !rule.Enabled {
			continue
		}
		raised, err := a.eval.EvaluateCondition(ctx, rule.Condition, input)
		if err != nil {
			if report.Skipped == nil {
				report.Skipped = make(map[string]string)
			}
			report.Skipped[rule.ID] = err.Error()
			a.logger.Warn("audit rule skipped", "kind", kind, "rule", rule.ID, "error", err)
			continue
		}
		report.RulesEvaluated++
		if raised {
			report.Findings = append(report.Findings, rules.Finding{
				RuleID:      rule.ID,
				RuleName:    rule.Name,
				Severity:    rule.Severity,
				Description: rule.Description,
				Remediation: rule.Remediation,
			})
		}
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		ri, rj := severityRank(report.Findings[i].Severity), severityRank(report.Findings[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return report.Findings[i].RuleID < report.Findings[j].RuleID
	})
	return report
}

func (a *Audit) publishFailed(started eventbus.Event, kind upstream.Kind, err error) {
	a.bus.Publish(eventbus.Event{
		Topic: eventbus.TopicAuditFailed,
		Payload: map[string]any{
			"upstream": string(kind),
			"error":    err.Error(),
		},
		CorrelationID: started.CorrelationID,
		CausationID:   started.ID,
		Source:        "audit",
	})
	a.logger.Warn("config audit failed", "kind", kind, "error", err)
}

func severityRank(s rules.Severity) int {
	switch s {
	case rules.SeverityCritical:
		return 3
	case rules.SeverityWarning:
		return 2
	case rules.SeverityInfo:
		return 1
	default:
		return 0
	}
}
