package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/arrgate/arrgate/internal/adapter/outbound/eventlog"
	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/eventbus"
	"github.com/arrgate/arrgate/internal/service"
)

// TestDaemonCoreBootAndShutdown wires the daemon core the way serve does:
// event bus, JSONL event log, orchestrator with all four upstreams,
// activity log, monitor, and recovery. It drives one monitor cycle and
// then tears everything down in reverse order without leaking goroutines.
func TestDaemonCoreBootAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := testLogger()
	bus := eventbus.New(logger, eventbus.WithMaxHistory(100))

	logDir := t.TempDir()
	sink, err := eventlog.NewFileSink(eventlog.Config{Dir: logDir}, logger)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	sink.Attach(bus)

	download := newFakeUpstream(upstream.KindDownload)
	download.setCallFn(func(_ context.Context, tool string, _ map[string]any) (json.RawMessage, error) {
		switch tool {
		case "get_queue":
			return json.RawMessage(`{"paused":false,"speed_kbps":1200,"slots":[{"id":"nzo_1","name":"Some.Show.S01E01.1080p.WEB.x264","status":"Downloading","category":"tv","percentage":40}]}`), nil
		case "get_history":
			return json.RawMessage(`{"slots":[]}`), nil
		}
		return json.RawMessage(`{}`), nil
	})
	tv := newFakeUpstream(upstream.KindTvManager)
	movies := newFakeUpstream(upstream.KindMovieManager)
	library := newFakeUpstream(upstream.KindMediaLibrary)

	orch := newTestOrchestrator(t, service.OrchestratorConfig{}, download, tv, movies, library)
	errs := orch.ConnectAll(context.Background())
	for kind, cerr := range errs {
		if cerr != nil {
			t.Fatalf("ConnectAll(%s): %v", kind, cerr)
		}
	}

	activity := service.NewActivity(service.ActivityConfig{MaxItems: 100}, bus, logger)
	activity.Start()

	queueCh := collectTopic(t, bus, eventbus.TopicQueueUpdated)

	monitor := service.NewMonitor(service.MonitorConfig{
		PollInterval:     time.Hour,
		FailureDetection: true,
	}, orch, bus, logger)
	monitor.Start(context.Background())

	recovery := service.NewRecovery(service.RecoveryConfig{
		ImmediateRetry: true,
		ResultDeadline: time.Hour,
	}, orch, bus, logger)
	recovery.Start(context.Background())

	// The first monitor cycle runs at start and publishes the initial
	// queue snapshot.
	queueEv := waitEvent(t, queueCh, "queue.updated")
	if paused, _ := queueEv.Payload["paused"].(bool); paused {
		t.Errorf("queue reported paused, want running")
	}

	health := orch.Health(context.Background())
	if health.Status != "healthy" {
		t.Errorf("health status = %q, want healthy", health.Status)
	}
	if len(health.Upstreams) != 4 {
		t.Fatalf("health reports %d upstreams, want 4", len(health.Upstreams))
	}
	for _, up := range health.Upstreams {
		if up.Status != upstream.StatusConnected {
			t.Errorf("%s status = %s, want connected", up.Kind, up.Status)
		}
	}

	// The activity log records the queue event through its wildcard
	// subscription.
	waitForCondition(t, func() bool {
		return activity.Query(service.ActivityQuery{Topic: eventbus.TopicQueueUpdated}).Total >= 1
	}, "activity to record queue.updated")

	// The event log sink persists it as one JSON line.
	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	logFile := filepath.Join(logDir, fmt.Sprintf("events-%s.log", time.Now().UTC().Format(time.DateOnly)))
	waitForCondition(t, func() bool {
		data, rerr := os.ReadFile(logFile)
		if rerr != nil {
			return false
		}
		_ = sink.Flush()
		return strings.Contains(string(data), eventbus.TopicQueueUpdated)
	}, "event log to contain queue.updated")

	// Teardown in reverse boot order.
	recovery.Stop()
	monitor.Stop()
	activity.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := orch.Shutdown(ctx, true); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close sink: %v", err)
	}
	bus.Close()
}

// waitForCondition polls until cond holds or the deadline passes.
func waitForCondition(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
