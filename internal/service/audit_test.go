package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	celadapter "github.com/arrgate/arrgate/internal/adapter/outbound/cel"
	"github.com/arrgate/arrgate/internal/adapter/outbound/memory"
	"github.com/arrgate/arrgate/internal/domain/rules"
	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/eventbus"
)

func newAuditFixture(t *testing.T, cfg AuditConfig, adapters ...*stubAdapter) (*Audit, *memory.RuleStore, *eventbus.Bus) {
	t.Helper()
	o := newTestOrchestrator(t, OrchestratorConfig{}, adapters...)
	bus := eventbus.New(testLogger())
	t.Cleanup(bus.Close)

	eval, err := celadapter.NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	store := memory.NewRuleStore()
	return NewAudit(cfg, o, store, eval, bus, testLogger()), store, bus
}

// downloadConfigStub answers get_config with a fixed snapshot.
func downloadConfigStub(snapshot string) *stubAdapter {
	adapter := newStubAdapter(upstream.KindDownload)
	adapter.setCallFn(func(_ context.Context, tool string, _ map[string]any) (json.RawMessage, error) {
		if tool == "get_config" {
			return json.RawMessage(snapshot), nil
		}
		return json.RawMessage(`{}`), nil
	})
	return adapter
}

func TestAuditRunRaisesFindings(t *testing.T) {
	// One server, pre-check off, direct unpack off: every download seed
	// rule raises. Stub version is 4.0.0, so the gated unpack rule applies.
	adapter := downloadConfigStub(`{"server_count":1,"pre_check":false,"direct_unpack":false}`)
	audit, _, bus := newAuditFixture(t, AuditConfig{Enabled: true}, adapter)
	ctx := context.Background()

	if err := audit.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	report, err := audit.Run(ctx, upstream.KindDownload)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Upstream != upstream.KindDownload {
		t.Errorf("report.Upstream = %q, want download", report.Upstream)
	}
	if report.RulesEvaluated != 3 {
		t.Errorf("RulesEvaluated = %d, want 3", report.RulesEvaluated)
	}
	if len(report.Findings) != 3 {
		t.Fatalf("findings = %d, want 3", len(report.Findings))
	}
	if len(report.Skipped) != 0 {
		t.Errorf("skipped = %v, want none", report.Skipped)
	}

	// Highest severity first, ties broken by rule ID.
	if report.Findings[0].RuleID != "download-single-server" {
		t.Errorf("first finding = %q, want the warning-severity single-server rule", report.Findings[0].RuleID)
	}
	if report.Findings[0].Severity != rules.SeverityWarning {
		t.Errorf("first finding severity = %q, want warning", report.Findings[0].Severity)
	}
	if report.Findings[1].RuleID != "download-no-retention-check" || report.Findings[2].RuleID != "download-unpack-disabled" {
		t.Errorf("info findings out of order: %q, %q", report.Findings[1].RuleID, report.Findings[2].RuleID)
	}
	for _, f := range report.Findings {
		if f.Remediation == "" {
			t.Errorf("finding %q carries no remediation", f.RuleID)
		}
	}

	// Retained for the API surface.
	last, ok := audit.LastReport(upstream.KindDownload)
	if !ok {
		t.Fatal("LastReport returned nothing after a run")
	}
	if last.RulesEvaluated != report.RulesEvaluated || len(last.Findings) != len(report.Findings) {
		t.Error("LastReport differs from the returned report")
	}

	// started and completed share one correlation chain.
	started := bus.ByTopic(eventbus.TopicAuditStarted, 0)
	completed := bus.ByTopic(eventbus.TopicAuditCompleted, 0)
	if len(started) != 1 || len(completed) != 1 {
		t.Fatalf("events: started=%d completed=%d, want 1 each", len(started), len(completed))
	}
	if completed[0].CorrelationID != started[0].CorrelationID {
		t.Error("completed event lost the started event's correlation")
	}
	if completed[0].CausationID != started[0].ID {
		t.Error("completed event not caused by the started event")
	}
	if got := completed[0].Payload["findings"]; got != 3 {
		t.Errorf("completed payload findings = %v, want 3", got)
	}
	if got := completed[0].Payload["warning"]; got != 1 {
		t.Errorf("completed payload warning = %v, want 1", got)
	}
	if got := completed[0].Payload["info"]; got != 2 {
		t.Errorf("completed payload info = %v, want 2", got)
	}
}

func TestAuditRunCleanConfig(t *testing.T) {
	// Two servers, pre-check on, unpack on: nothing raises.
	adapter := downloadConfigStub(`{"server_count":2,"pre_check":true,"direct_unpack":true}`)
	audit, _, _ := newAuditFixture(t, AuditConfig{Enabled: true}, adapter)
	ctx := context.Background()

	if err := audit.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	report, err := audit.Run(ctx, upstream.KindDownload)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Findings) != 0 {
		t.Errorf("findings = %v, want none", report.Findings)
	}
	if report.RulesEvaluated != 3 {
		t.Errorf("RulesEvaluated = %d, want 3", report.RulesEvaluated)
	}
}

func TestAuditRunRecordsSkippedRules(t *testing.T) {
	adapter := downloadConfigStub(`{"server_count":2,"pre_check":true,"direct_unpack":true}`)
	audit, store, bus := newAuditFixture(t, AuditConfig{Enabled: true}, adapter)
	ctx := context.Background()

	// Compiles, but the unguarded key is absent at runtime.
	broken := &rules.Rule{
		ID:        "download-custom-broken",
		Upstream:  upstream.KindDownload,
		Name:      "Broken custom check",
		Severity:  rules.SeverityInfo,
		Condition: `config.never_set == true`,
		Enabled:   true,
	}
	if err := store.Save(ctx, broken); err != nil {
		t.Fatalf("Save: %v", err)
	}

	report, err := audit.Run(ctx, upstream.KindDownload)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.RulesEvaluated != 0 {
		t.Errorf("RulesEvaluated = %d, want 0 (only the broken rule is stored)", report.RulesEvaluated)
	}
	if len(report.Skipped) != 1 {
		t.Fatalf("skipped = %v, want the broken rule", report.Skipped)
	}
	if _, ok := report.Skipped["download-custom-broken"]; !ok {
		t.Errorf("skipped map misses the broken rule: %v", report.Skipped)
	}

	completed := bus.ByTopic(eventbus.TopicAuditCompleted, 0)
	if len(completed) != 1 {
		t.Fatalf("completed events = %d, want 1 (skips never fail the run)", len(completed))
	}
	if got := completed[0].Payload["skipped"]; got != 1 {
		t.Errorf("completed payload skipped = %v, want 1", got)
	}
}

func TestAuditRunSkipsDisabledRules(t *testing.T) {
	adapter := downloadConfigStub(`{"server_count":1,"pre_check":false,"direct_unpack":false}`)
	audit, store, _ := newAuditFixture(t, AuditConfig{Enabled: true}, adapter)
	ctx := context.Background()

	if err := audit.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	rule, err := store.Get(ctx, "download-single-server")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	rule.Enabled = false
	if err := store.Save(ctx, rule); err != nil {
		t.Fatalf("Save: %v", err)
	}

	report, err := audit.Run(ctx, upstream.KindDownload)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.RulesEvaluated != 2 {
		t.Errorf("RulesEvaluated = %d, want 2 (disabled rule must not run)", report.RulesEvaluated)
	}
	for _, f := range report.Findings {
		if f.RuleID == "download-single-server" {
			t.Error("disabled rule raised a finding")
		}
	}
}

func TestAuditRunUpstreamFailure(t *testing.T) {
	adapter := newStubAdapter(upstream.KindDownload)
	adapter.setCallFn(func(_ context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		return nil, upstream.NewError(upstream.KindTransport, upstream.KindDownload, "get_config", "connection refused")
	})
	audit, _, bus := newAuditFixture(t, AuditConfig{Enabled: true}, adapter)
	ctx := context.Background()

	if err := audit.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if _, err := audit.Run(ctx, upstream.KindDownload); err == nil {
		t.Fatal("Run should fail when the snapshot cannot be fetched")
	}

	started := bus.ByTopic(eventbus.TopicAuditStarted, 0)
	failed := bus.ByTopic(eventbus.TopicAuditFailed, 0)
	if len(started) != 1 || len(failed) != 1 {
		t.Fatalf("events: started=%d failed=%d, want 1 each", len(started), len(failed))
	}
	if failed[0].CorrelationID != started[0].CorrelationID {
		t.Error("failed event lost the started event's correlation")
	}
	if msg, ok := failed[0].Payload["error"].(string); !ok || msg == "" {
		t.Error("failed payload carries no error")
	}
	if len(bus.ByTopic(eventbus.TopicAuditCompleted, 0)) != 0 {
		t.Error("completed event emitted for a failed run")
	}
	if _, ok := audit.LastReport(upstream.KindDownload); ok {
		t.Error("failed run must not retain a report")
	}
}

func TestAuditRunDisabled(t *testing.T) {
	audit, _, bus := newAuditFixture(t, AuditConfig{}, newStubAdapter(upstream.KindDownload))

	_, err := audit.Run(context.Background(), upstream.KindDownload)
	if !errors.Is(err, ErrAuditDisabled) {
		t.Fatalf("err = %v, want ErrAuditDisabled", err)
	}
	if len(bus.ByTopic(eventbus.TopicAuditStarted, 0)) != 0 {
		t.Error("disabled audit must not emit events")
	}
}

func TestAuditRunRejectsUnknownKind(t *testing.T) {
	audit, _, _ := newAuditFixture(t, AuditConfig{Enabled: true})

	_, err := audit.Run(context.Background(), upstream.Kind("jellyfin"))
	if err == nil {
		t.Fatal("expected validation error for unknown kind")
	}
	var ue *upstream.Error
	if !errors.As(err, &ue) || ue.Kind != upstream.KindValidation {
		t.Errorf("err = %v, want validation upstream.Error", err)
	}
}

func TestAuditRunRefusesOverlap(t *testing.T) {
	block := make(chan struct{})
	adapter := newStubAdapter(upstream.KindDownload)
	adapter.setCallFn(func(ctx context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"server_count":2,"pre_check":true}`), nil
	})
	audit, _, _ := newAuditFixture(t, AuditConfig{Enabled: true}, adapter)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := audit.Run(ctx, upstream.KindDownload)
		done <- err
	}()

	waitFor(t, time.Second, func() bool {
		audit.mu.Lock()
		defer audit.mu.Unlock()
		return audit.running[upstream.KindDownload]
	})

	if _, err := audit.Run(ctx, upstream.KindDownload); !errors.Is(err, ErrAuditRunning) {
		t.Errorf("second run should be refused while the first is in flight, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestAuditSeedPreservesOperatorToggles(t *testing.T) {
	audit, store, _ := newAuditFixture(t, AuditConfig{Enabled: true})
	ctx := context.Background()

	if err := audit.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	all, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	seeded := len(all)
	if seeded == 0 {
		t.Fatal("seed installed no rules")
	}

	rule, err := store.Get(ctx, "download-single-server")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	rule.Enabled = false
	if err := store.Save(ctx, rule); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Re-seed: conditions refresh, the toggle survives, no duplicates.
	if err := audit.Seed(ctx); err != nil {
		t.Fatalf("re-Seed: %v", err)
	}
	all, err = store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != seeded {
		t.Errorf("rules after re-seed = %d, want %d", len(all), seeded)
	}
	rule, err = store.Get(ctx, "download-single-server")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rule.Enabled {
		t.Error("re-seed reverted the operator's enabled toggle")
	}
}

func TestAuditSaveRule(t *testing.T) {
	audit, store, _ := newAuditFixture(t, AuditConfig{Enabled: true})
	ctx := context.Background()

	t.Run("rejects invalid condition", func(t *testing.T) {
		err := audit.SaveRule(ctx, &rules.Rule{
			ID:        "download-custom-bad",
			Upstream:  upstream.KindDownload,
			Name:      "Bad",
			Severity:  rules.SeverityInfo,
			Condition: `nonexistent_var == true`,
		})
		if err == nil {
			t.Fatal("expected error for condition over unknown variables")
		}
		var ue *upstream.Error
		if !errors.As(err, &ue) || ue.Kind != upstream.KindValidation {
			t.Errorf("err = %v, want validation upstream.Error", err)
		}
	})

	t.Run("rejects non-boolean condition", func(t *testing.T) {
		err := audit.SaveRule(ctx, &rules.Rule{
			ID:        "download-custom-str",
			Upstream:  upstream.KindDownload,
			Name:      "Stringy",
			Severity:  rules.SeverityInfo,
			Condition: `version`,
		})
		if err == nil {
			t.Fatal("expected error for non-boolean condition")
		}
	})

	t.Run("saves custom rule", func(t *testing.T) {
		rule := &rules.Rule{
			ID:        "download-custom-ok",
			Upstream:  upstream.KindDownload,
			Name:      "Custom",
			Severity:  rules.SeverityInfo,
			Condition: `has(config.completed_dir)`,
			Enabled:   true,
			BuiltIn:   true, // callers cannot mint built-ins
		}
		if err := audit.SaveRule(ctx, rule); err != nil {
			t.Fatalf("SaveRule: %v", err)
		}
		stored, err := store.Get(ctx, "download-custom-ok")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if stored.BuiltIn {
			t.Error("custom rule stored as built-in")
		}
		if stored.CreatedAt.IsZero() || stored.UpdatedAt.IsZero() {
			t.Error("timestamps not set on save")
		}
	})

	t.Run("keeps built-in marker on update", func(t *testing.T) {
		if err := audit.Seed(ctx); err != nil {
			t.Fatalf("Seed: %v", err)
		}
		update := &rules.Rule{
			ID:        "download-single-server",
			Upstream:  upstream.KindDownload,
			Name:      "Single news server",
			Severity:  rules.SeverityCritical, // operator raised the severity
			Condition: `int(config.server_count) < 2`,
			Enabled:   true,
		}
		if err := audit.SaveRule(ctx, update); err != nil {
			t.Fatalf("SaveRule: %v", err)
		}
		stored, err := store.Get(ctx, "download-single-server")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !stored.BuiltIn {
			t.Error("built-in marker lost on update")
		}
		if stored.Severity != rules.SeverityCritical {
			t.Errorf("severity = %q, want the operator's critical", stored.Severity)
		}
	})
}

func TestAuditDeleteRule(t *testing.T) {
	audit, store, _ := newAuditFixture(t, AuditConfig{Enabled: true})
	ctx := context.Background()

	if err := audit.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	if err := audit.DeleteRule(ctx, "download-single-server"); err == nil {
		t.Error("deleting a built-in rule must be refused")
	}

	custom := &rules.Rule{
		ID:        "download-custom-del",
		Upstream:  upstream.KindDownload,
		Name:      "Disposable",
		Severity:  rules.SeverityInfo,
		Condition: `true`,
		Enabled:   true,
	}
	if err := audit.SaveRule(ctx, custom); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	if err := audit.DeleteRule(ctx, "download-custom-del"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if _, err := store.Get(ctx, "download-custom-del"); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("rule still present after delete: %v", err)
	}

	if err := audit.DeleteRule(ctx, "no-such-rule"); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("err = %v, want ErrRuleNotFound", err)
	}
}
