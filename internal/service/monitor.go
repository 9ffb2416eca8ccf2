package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arrgate/arrgate/internal/domain/download"
	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/eventbus"
)

// MonitorConfig tunes the polling loop. Zero values fall back to the
// documented defaults; the boolean toggles are taken as given.
type MonitorConfig struct {
	// PollInterval is the period between poll cycles.
	PollInterval time.Duration
	// FailureDetection toggles failed-download detection.
	FailureDetection bool
	// PatternRecognition toggles failure burst aggregation.
	PatternRecognition bool
	// AlertThrottleWindow suppresses repeat alerts for the same download.
	AlertThrottleWindow time.Duration
	// PatternWindow is the sliding window for burst counting.
	PatternWindow time.Duration
	// PatternThreshold is the same-category failure count inside the
	// window that raises a pattern event.
	PatternThreshold int
	// PollFailureThreshold is the consecutive failed cycles before the
	// monitor reports itself degraded.
	PollFailureThreshold int
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.AlertThrottleWindow <= 0 {
		c.AlertThrottleWindow = 10 * time.Minute
	}
	if c.PatternWindow <= 0 {
		c.PatternWindow = 15 * time.Minute
	}
	if c.PatternThreshold <= 0 {
		c.PatternThreshold = 3
	}
	if c.PollFailureThreshold <= 0 {
		c.PollFailureThreshold = 5
	}
	return c
}

// patternOccurrence is one classified failure inside the sliding window.
type patternOccurrence struct {
	downloadID string
	at         time.Time
}

// Monitor is the background poller: every PollInterval it snapshots the
// download daemon's queue and history through the orchestrator, detects
// new failures, aggregates failure bursts, and polls the managers' wanted
// lists. Everything it learns is published on the event bus; the monitor
// itself holds no consumers.
//
// A cycle that cannot reach the download daemon is counted, not fatal.
// Crossing PollFailureThreshold consecutive failed cycles emits a single
// monitoring.degraded event; the next working cycle emits
// monitoring.recovered and resets the counter.
type Monitor struct {
	cfg    MonitorConfig
	orch   *Orchestrator
	bus    *eventbus.Bus
	logger *slog.Logger
	now    func() time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	// inFlight drops poll attempts that overlap a running cycle.
	inFlight atomic.Bool

	// Loop-owned state. Only the poll goroutine (or a test driving
	// pollOnce directly) touches these.
	queueHash    uint64
	queueSeen    bool
	alerted      map[string]time.Time
	occurrences  map[string][]patternOccurrence
	pollFailures int
	degraded     bool
}

// NewMonitor creates a monitor. Start launches the loop.
func NewMonitor(cfg MonitorConfig, orch *Orchestrator, bus *eventbus.Bus, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:         cfg.withDefaults(),
		orch:        orch,
		bus:         bus,
		logger:      logger,
		now:         time.Now,
		alerted:     make(map[string]time.Time),
		occurrences: make(map[string][]patternOccurrence),
	}
}

// Start launches the polling loop. The loop runs until ctx is cancelled
// or Stop is called, whichever comes first.
func (m *Monitor) Start(ctx context.Context) {
	if m.started {
		return
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop cancels the loop and waits for the current cycle to finish.
func (m *Monitor) Stop() {
	if !m.started {
		return
	}
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	m.logger.Info("monitor started",
		"poll_interval", m.cfg.PollInterval,
		"failure_detection", m.cfg.FailureDetection,
		"pattern_recognition", m.cfg.PatternRecognition,
	)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	// First cycle runs immediately so boot does not wait a full interval
	// for the initial queue snapshot.
	m.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

// pollOnce runs one cycle. It returns false when a cycle is already in
// flight; overlapping attempts are dropped, never queued.
func (m *Monitor) pollOnce(ctx context.Context) bool {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("poll already in flight, dropping cycle")
		return false
	}
	defer m.inFlight.Store(false)

	registered := make(map[upstream.Kind]bool)
	for _, k := range m.orch.Kinds() {
		registered[k] = true
	}

	if registered[upstream.KindDownload] {
		m.pollDownload(ctx)
	}
	for _, kind := range []upstream.Kind{upstream.KindTvManager, upstream.KindMovieManager} {
		if registered[kind] {
			m.pollWanted(ctx, kind)
		}
	}
	return true
}

// pollDownload snapshots the daemon queue and history in one parallel
// batch and feeds both halves of the cycle: queue change detection and
// failure detection.
func (m *Monitor) pollDownload(ctx context.Context) {
	results := m.orch.CallParallel(ctx, []upstream.ToolCall{
		{Upstream: upstream.KindDownload, Tool: "get_queue"},
		{Upstream: upstream.KindDownload, Tool: "get_history"},
	}, ParallelOptions{MaxParallel: 2})

	queueRes, historyRes := results[0], results[1]
	if queueRes.Err != nil || historyRes.Err != nil {
		m.recordPollFailure(firstError(queueRes.Err, historyRes.Err))
		return
	}
	m.recordPollSuccess()

	if err := m.handleQueue(queueRes.Data); err != nil {
		m.logger.Error("queue snapshot unusable", "error", err)
	}
	if m.cfg.FailureDetection {
		if err := m.handleHistory(historyRes.Data); err != nil {
			m.logger.Error("history snapshot unusable", "error", err)
		}
	}
}

// handleQueue publishes queue.updated when the snapshot differs from the
// previous one. Identical snapshots are skipped by fingerprint.
func (m *Monitor) handleQueue(data json.RawMessage) error {
	var q download.Queue
	if err := json.Unmarshal(data, &q); err != nil {
		return err
	}

	hash := download.QueueFingerprint(q)
	if m.queueSeen && hash == m.queueHash {
		return nil
	}
	m.queueHash = hash
	m.queueSeen = true

	m.bus.Publish(eventbus.Event{
		Topic:  eventbus.TopicQueueUpdated,
		Source: "monitor",
		Payload: map[string]any{
			"paused":     q.Paused,
			"speed_kbps": q.SpeedKBps,
			"slots":      q.Slots,
		},
	})
	m.logger.Debug("queue updated", "slots", len(q.Slots), "paused", q.Paused)
	return nil
}

// handleHistory walks the history snapshot for failed slots, throttles
// repeats, classifies new failures, and publishes one download.failed per
// new failure. Each failure gets its own correlation ID; recovery reuses
// it for the whole retry chain.
func (m *Monitor) handleHistory(data json.RawMessage) error {
	var snapshot struct {
		Slots []download.HistorySlot `json:"slots"`
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}

	now := m.now()
	m.pruneAlerted(now)

	for _, slot := range snapshot.Slots {
		if slot.Status != download.StatusFailed {
			continue
		}
		if last, seen := m.alerted[slot.ID]; seen && now.Sub(last) < m.cfg.AlertThrottleWindow {
			continue
		}
		m.alerted[slot.ID] = now

		failure := download.NewFailure(slot)
		m.logger.Warn("download failed",
			"download_id", failure.DownloadID,
			"name", failure.Name,
			"category", failure.Category,
		)

		if m.cfg.PatternRecognition {
			m.recordOccurrence(failure, now)
		}

		m.bus.Publish(eventbus.Event{
			Topic:  eventbus.TopicDownloadFailed,
			Source: "monitor",
			Payload: map[string]any{
				"download_id": failure.DownloadID,
				"name":        failure.Name,
				"message":     failure.Message,
				"category":    string(failure.Category),
				"detected_at": failure.DetectedAt,
			},
		})
	}
	return nil
}

// recordOccurrence adds a failure to its category's sliding window and
// publishes failure.pattern.detected when the count crosses the
// threshold. The event fires on the crossing only; the window has to
// drain below the threshold before the same category can fire again.
func (m *Monitor) recordOccurrence(f download.Failure, now time.Time) {
	key := download.PatternKey(f)
	cutoff := now.Add(-m.cfg.PatternWindow)

	window := m.occurrences[key][:0]
	for _, occ := range m.occurrences[key] {
		if occ.at.After(cutoff) {
			window = append(window, occ)
		}
	}
	before := len(window)
	window = append(window, patternOccurrence{downloadID: f.DownloadID, at: now})
	m.occurrences[key] = window

	if before >= m.cfg.PatternThreshold || len(window) < m.cfg.PatternThreshold {
		return
	}

	ids := make([]string, 0, len(window))
	for _, occ := range window {
		ids = append(ids, occ.downloadID)
	}
	if len(ids) > 5 {
		ids = ids[len(ids)-5:]
	}

	m.logger.Warn("failure pattern detected", "category", key, "count", len(window))
	m.bus.Publish(eventbus.Event{
		Topic:  eventbus.TopicPatternDetected,
		Source: "monitor",
		Payload: map[string]any{
			"category":       key,
			"count":          len(window),
			"download_ids":   ids,
			"window_seconds": m.cfg.PatternWindow.Seconds(),
		},
	})
}

// pollWanted fetches one manager's wanted/missing page and publishes
// wanted.updated. Manager outages are logged but never count toward the
// monitor's own degradation; the daemon polls are the health signal.
func (m *Monitor) pollWanted(ctx context.Context, kind upstream.Kind) {
	res := m.orch.Call(ctx, upstream.ToolCall{
		Upstream: kind,
		Tool:     "get_wanted_missing",
		Params:   map[string]any{"page": 1, "page_size": 20},
	})
	if res.Err != nil {
		m.logger.Debug("wanted poll failed", "kind", kind, "error", res.Err)
		return
	}

	var page struct {
		TotalRecords int `json:"totalRecords"`
		Records      []struct {
			Title string `json:"title"`
		} `json:"records"`
	}
	if err := json.Unmarshal(res.Data, &page); err != nil {
		m.logger.Debug("wanted page unusable", "kind", kind, "error", err)
		return
	}

	titles := make([]string, 0, len(page.Records))
	for _, r := range page.Records {
		if r.Title != "" {
			titles = append(titles, r.Title)
		}
		if len(titles) == 10 {
			break
		}
	}

	m.bus.Publish(eventbus.Event{
		Topic:  eventbus.TopicWantedUpdated,
		Source: "monitor",
		Payload: map[string]any{
			"upstream": string(kind),
			"total":    page.TotalRecords,
			"titles":   titles,
		},
	})
}

// recordPollFailure counts a failed cycle and emits monitoring.degraded
// exactly once when the consecutive count crosses the threshold.
func (m *Monitor) recordPollFailure(err error) {
	m.pollFailures++
	m.logger.Warn("poll cycle failed",
		"consecutive", m.pollFailures,
		"threshold", m.cfg.PollFailureThreshold,
		"error", err,
	)

	if m.pollFailures < m.cfg.PollFailureThreshold || m.degraded {
		return
	}
	m.degraded = true

	m.bus.Publish(eventbus.Event{
		Topic:  eventbus.TopicMonitoringDegraded,
		Source: "monitor",
		Payload: map[string]any{
			"consecutive_failures": m.pollFailures,
			"threshold":            m.cfg.PollFailureThreshold,
			"last_error":           err.Error(),
		},
	})
}

// recordPollSuccess resets the failure counter and clears a degraded
// state with a monitoring.recovered event.
func (m *Monitor) recordPollSuccess() {
	failures := m.pollFailures
	m.pollFailures = 0

	if !m.degraded {
		return
	}
	m.degraded = false

	m.logger.Info("monitoring recovered", "after_failures", failures)
	m.bus.Publish(eventbus.Event{
		Topic:  eventbus.TopicMonitoringRecovered,
		Source: "monitor",
		Payload: map[string]any{
			"after_failures": failures,
		},
	})
}

// pruneAlerted drops throttle entries old enough that they can no longer
// suppress anything.
func (m *Monitor) pruneAlerted(now time.Time) {
	cutoff := now.Add(-2 * m.cfg.AlertThrottleWindow)
	for id, at := range m.alerted {
		if at.Before(cutoff) {
			delete(m.alerted, id)
		}
	}
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
