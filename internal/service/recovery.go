package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arrgate/arrgate/internal/domain/download"
	"github.com/arrgate/arrgate/internal/domain/release"
	"github.com/arrgate/arrgate/internal/domain/upstream"
	"github.com/arrgate/arrgate/internal/eventbus"
)

// RetryStrategy names one way recovery can react to a failed download.
type RetryStrategy string

const (
	// StrategyImmediate retries the download right away.
	StrategyImmediate RetryStrategy = "immediate"
	// StrategyBackoff retries after an exponentially growing delay.
	StrategyBackoff RetryStrategy = "backoff"
	// StrategyQualityFallback searches the manager for the same item one
	// quality tier lower.
	StrategyQualityFallback RetryStrategy = "quality_fallback"
	// StrategyAlternativeSearch searches the manager for a different
	// release at the same quality.
	StrategyAlternativeSearch RetryStrategy = "alternative_search"
)

// RecoveryConfig tunes the retry loop. Zero values fall back to the
// documented defaults; the boolean toggles are taken as given.
type RecoveryConfig struct {
	// MaxRetryAttempts is the per-download attempt budget.
	MaxRetryAttempts int
	// ImmediateRetry enables the first-attempt immediate strategy.
	ImmediateRetry bool
	// Backoff enables the delayed-retry strategy.
	Backoff bool
	// QualityFallback enables re-search at a lower quality tier.
	QualityFallback bool
	// BackoffBase is the first backoff delay.
	BackoffBase time.Duration
	// BackoffMultiplier scales successive backoff delays.
	BackoffMultiplier float64
	// BackoffMax caps the backoff delay.
	BackoffMax time.Duration
	// ResultDeadline is how long recovery waits for a retried download to
	// reappear before marking the attempt failed.
	ResultDeadline time.Duration
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2.0
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Minute
	}
	if c.ResultDeadline <= 0 {
		c.ResultDeadline = 2 * time.Minute
	}
	return c
}

// ledgerRetention is how long an idle ledger entry survives before the
// sweep drops it.
const ledgerRetention = 24 * time.Hour

// pendingResult tracks one started attempt whose outcome has not been
// observed yet. The queue watcher resolves it as success, a repeated
// failure or the deadline sweep resolves it as failure.
type pendingResult struct {
	attempt       int
	strategy      RetryStrategy
	title         string
	correlationID string
	causationID   string
	deadline      time.Time
}

// retryState is the ledger entry for one download id. busy is the
// per-download lock: a failure event arriving while an attempt is in
// flight is dropped. The remaining fields are guarded by Recovery.mu.
type retryState struct {
	busy atomic.Bool

	downloadID   string
	name         string
	attempts     int
	downgrades   int
	lastStrategy RetryStrategy
	exhausted    bool
	pending      *pendingResult
	updatedAt    time.Time
}

// AttemptRecord is a point-in-time view of one ledger entry.
type AttemptRecord struct {
	DownloadID     string        `json:"download_id"`
	Name           string        `json:"name,omitempty"`
	Attempts       int           `json:"attempts"`
	Downgrades     int           `json:"downgrades"`
	LastStrategy   RetryStrategy `json:"last_strategy,omitempty"`
	Exhausted      bool          `json:"exhausted"`
	AwaitingResult bool          `json:"awaiting_result"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// failureRef is the slice of a download.failed event the attempt needs.
type failureRef struct {
	downloadID    string
	name          string
	category      download.FailureCategory
	correlationID string
	causationID   string
}

// Recovery reacts to download.failed events: it picks a retry strategy
// from the attempt number and the failure classification, executes it
// through the orchestrator, and tracks per-download attempts until the
// budget is spent.
//
// Attempt one retries immediately, attempt two after a backoff, and later
// attempts re-search the owning manager, stepping the quality ladder down
// or looking for an alternative release. Every event recovery emits
// carries the correlation id of the originating failure, so one failure's
// whole retry chain can be replayed from the event history.
type Recovery struct {
	cfg    RecoveryConfig
	orch   *Orchestrator
	bus    *eventbus.Bus
	logger *slog.Logger
	now    func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	unsubs  []func()
	started bool

	// spawnMu orders attempt spawning against Stop so the wait group is
	// never grown while Stop is waiting on it.
	spawnMu  sync.Mutex
	stopping bool
	wg       sync.WaitGroup

	mu     sync.Mutex
	ledger map[string]*retryState
}

// NewRecovery creates a recovery loop. Start attaches it to the bus.
func NewRecovery(cfg RecoveryConfig, orch *Orchestrator, bus *eventbus.Bus, logger *slog.Logger) *Recovery {
	return &Recovery{
		cfg:    cfg.withDefaults(),
		orch:   orch,
		bus:    bus,
		logger: logger,
		now:    time.Now,
		ctx:    context.Background(),
		ledger: make(map[string]*retryState),
	}
}

// Start subscribes to the failure and queue topics and launches the
// result-deadline sweep.
func (r *Recovery) Start(ctx context.Context) {
	if r.started {
		return
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.unsubs = append(r.unsubs,
		r.bus.Subscribe(eventbus.TopicDownloadFailed, "recovery", r.onDownloadFailed),
		r.bus.Subscribe(eventbus.TopicQueueUpdated, "recovery-watch", r.onQueueUpdated),
	)

	r.wg.Add(1)
	go r.sweepLoop()

	r.logger.Info("recovery started",
		"max_attempts", r.cfg.MaxRetryAttempts,
		"immediate", r.cfg.ImmediateRetry,
		"backoff", r.cfg.Backoff,
		"quality_fallback", r.cfg.QualityFallback,
	)
}

// Stop detaches from the bus, cancels in-flight attempts, and waits for
// them to finish.
func (r *Recovery) Stop() {
	if !r.started {
		return
	}
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil

	r.spawnMu.Lock()
	r.stopping = true
	r.spawnMu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.logger.Info("recovery stopped")
}

// Ledger returns every tracked download's retry state, sorted by id.
func (r *Recovery) Ledger() []AttemptRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AttemptRecord, 0, len(r.ledger))
	for _, s := range r.ledger {
		out = append(out, AttemptRecord{
			DownloadID:     s.downloadID,
			Name:           s.name,
			Attempts:       s.attempts,
			Downgrades:     s.downgrades,
			LastStrategy:   s.lastStrategy,
			Exhausted:      s.exhausted,
			AwaitingResult: s.pending != nil,
			UpdatedAt:      s.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DownloadID < out[j].DownloadID })
	return out
}

// onDownloadFailed is the main handler. One failure event drives at most
// one attempt; the per-download busy flag drops events that race an
// attempt already in flight.
func (r *Recovery) onDownloadFailed(_ context.Context, ev eventbus.Event) error {
	id, _ := ev.Payload["download_id"].(string)
	if id == "" {
		return fmt.Errorf("download.failed event %s carries no download_id", ev.ID)
	}
	name, _ := ev.Payload["name"].(string)
	categoryStr, _ := ev.Payload["category"].(string)
	category := download.FailureCategory(categoryStr)

	r.mu.Lock()
	state := r.ledger[id]
	if state == nil {
		state = &retryState{downloadID: id}
		r.ledger[id] = state
	}
	if name != "" {
		state.name = name
	}
	state.updatedAt = r.now()

	// A failure for a download we are awaiting an outcome for is that
	// outcome: the retried download failed again.
	if p := state.pending; p != nil {
		state.pending = nil
		r.mu.Unlock()
		r.publishRetryFailed(id, p, "download failed again")
		r.mu.Lock()
	}

	attempt := state.attempts + 1
	if attempt > r.cfg.MaxRetryAttempts {
		alreadyExhausted := state.exhausted
		state.exhausted = true
		attempts := state.attempts
		fullName := state.name
		r.mu.Unlock()

		if !alreadyExhausted {
			r.logger.Warn("recovery exhausted", "download_id", id, "attempts", attempts)
			r.bus.Publish(eventbus.Event{
				Topic:         eventbus.TopicRecoveryExhausted,
				Source:        "recovery",
				CorrelationID: ev.CorrelationID,
				CausationID:   ev.ID,
				Payload: map[string]any{
					"download_id": id,
					"name":        fullName,
					"attempts":    attempts,
				},
			})
		}
		return nil
	}
	downgrades := state.downgrades
	fullName := state.name
	r.mu.Unlock()

	strategy, delay := r.chooseStrategy(attempt, category, fullName, downgrades)

	if !state.busy.CompareAndSwap(false, true) {
		r.logger.Debug("retry already in flight, dropping failure event", "download_id", id)
		return nil
	}

	r.spawnMu.Lock()
	if r.stopping {
		r.spawnMu.Unlock()
		state.busy.Store(false)
		return nil
	}
	r.wg.Add(1)
	r.spawnMu.Unlock()

	ref := failureRef{
		downloadID:    id,
		name:          fullName,
		category:      category,
		correlationID: ev.CorrelationID,
		causationID:   ev.ID,
	}
	go r.runAttempt(state, ref, attempt, strategy, delay)
	return nil
}

// chooseStrategy maps the attempt number and failure classification to a
// strategy. Disk-space failures skip the immediate retry, quality
// failures jump straight to the fallback search, and a spent downgrade
// budget or an unparseable name degrades the fallback to an alternative
// search.
func (r *Recovery) chooseStrategy(attempt int, category download.FailureCategory, name string, downgrades int) (RetryStrategy, time.Duration) {
	tier, hasTier := release.ParseQuality(name)
	hasLower := false
	if hasTier {
		_, hasLower = tier.NextLower()
	}
	canFallback := r.cfg.QualityFallback && hasLower && downgrades < release.MaxDowngrades

	if category == download.FailureQuality && canFallback {
		return StrategyQualityFallback, 0
	}

	switch {
	case attempt == 1 && r.cfg.ImmediateRetry && category != download.FailureDiskSpace:
		return StrategyImmediate, 0
	case attempt <= 2 && r.cfg.Backoff:
		return StrategyBackoff, r.backoffDelay(attempt)
	case canFallback:
		return StrategyQualityFallback, 0
	default:
		return StrategyAlternativeSearch, 0
	}
}

// backoffDelay is base * multiplier^(attempt-2) capped at BackoffMax. The
// exponent clamps at zero so an attempt pushed onto the backoff path early
// still waits at least the base delay.
func (r *Recovery) backoffDelay(attempt int) time.Duration {
	exp := attempt - 2
	if exp < 0 {
		exp = 0
	}
	delay := time.Duration(float64(r.cfg.BackoffBase) * math.Pow(r.cfg.BackoffMultiplier, float64(exp)))
	if delay > r.cfg.BackoffMax {
		delay = r.cfg.BackoffMax
	}
	return delay
}

// runAttempt executes one strategy. It owns the busy flag for its whole
// duration, backoff sleep included.
func (r *Recovery) runAttempt(state *retryState, f failureRef, attempt int, strategy RetryStrategy, delay time.Duration) {
	defer r.wg.Done()
	defer state.busy.Store(false)

	if delay > 0 {
		r.logger.Info("retry backoff",
			"download_id", f.downloadID,
			"attempt", attempt,
			"delay", delay,
		)
		select {
		case <-time.After(delay):
		case <-r.ctx.Done():
			return
		}
	}

	switch strategy {
	case StrategyImmediate, StrategyBackoff:
		r.retryDownload(f, attempt, strategy, delay)
	case StrategyQualityFallback, StrategyAlternativeSearch:
		r.searchReplacement(f, attempt, strategy)
	}
}

// retryDownload re-queues the failed download on the daemon.
func (r *Recovery) retryDownload(f failureRef, attempt int, strategy RetryStrategy, delay time.Duration) {
	res := r.orch.Call(r.ctx, upstream.ToolCall{
		Upstream: upstream.KindDownload,
		Tool:     "retry_download",
		Params:   map[string]any{"download_id": f.downloadID},
	})
	if res.Err != nil {
		r.recordAttemptFailed(f, attempt, strategy, res.Err.Error())
		return
	}

	payload := map[string]any{
		"download_id": f.downloadID,
		"name":        f.name,
		"strategy":    string(strategy),
		"attempt":     attempt,
	}
	if delay > 0 {
		payload["delay_ms"] = delay.Milliseconds()
	}
	r.recordStarted(f, attempt, strategy, payload)
}

// searchReplacement resolves the failed release to its manager item and
// triggers a new release search, one quality tier lower for the fallback
// strategy. Failing to locate the item is a distinct outcome: the
// download exists but nothing in either manager claims it.
func (r *Recovery) searchReplacement(f failureRef, attempt int, strategy RetryStrategy) {
	manager := upstream.KindMovieManager
	if release.IsEpisode(f.name) {
		manager = upstream.KindTvManager
	}

	title := release.SearchTitle(f.name)
	if title == "" {
		r.recordUnresolved(f, attempt, manager, "release name yields no searchable title")
		return
	}

	itemsRes := r.orch.Call(r.ctx, upstream.ToolCall{Upstream: manager, Tool: "get_items"})
	if itemsRes.Err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.recordUnresolved(f, attempt, manager, itemsRes.Err.Error())
		return
	}

	var items []struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(itemsRes.Data, &items); err != nil {
		r.recordUnresolved(f, attempt, manager, "manager item list unusable: "+err.Error())
		return
	}

	var (
		itemID    int64 = -1
		itemTitle string
	)
	for _, item := range items {
		if release.TitlesMatch(item.Title, title) {
			itemID = item.ID
			itemTitle = item.Title
			break
		}
	}
	if itemID < 0 {
		r.recordUnresolved(f, attempt, manager, fmt.Sprintf("no %s item matches %q", manager, title))
		return
	}

	searchParams := map[string]any{"item_id": itemID}
	var fromTier, toTier release.Quality
	if strategy == StrategyQualityFallback {
		fromTier, _ = release.ParseQuality(f.name)
		toTier, _ = fromTier.NextLower()
		searchParams["quality"] = string(toTier)
	}

	searchRes := r.orch.Call(r.ctx, upstream.ToolCall{
		Upstream: manager,
		Tool:     "search_item",
		Params:   searchParams,
	})
	if searchRes.Err != nil {
		r.recordAttemptFailed(f, attempt, strategy, searchRes.Err.Error())
		return
	}

	payload := map[string]any{
		"download_id": f.downloadID,
		"name":        f.name,
		"strategy":    string(strategy),
		"attempt":     attempt,
		"manager":     string(manager),
		"item_id":     itemID,
		"title":       itemTitle,
	}
	if strategy == StrategyQualityFallback {
		payload["from_quality"] = string(fromTier)
		payload["to_quality"] = string(toTier)
	}
	r.recordStarted(f, attempt, strategy, payload)
}

// recordStarted commits the attempt to the ledger, arms the result
// watcher, and publishes download.retry.started.
func (r *Recovery) recordStarted(f failureRef, attempt int, strategy RetryStrategy, payload map[string]any) {
	started := r.bus.Publish(eventbus.Event{
		Topic:         eventbus.TopicRetryStarted,
		Source:        "recovery",
		CorrelationID: f.correlationID,
		CausationID:   f.causationID,
		Payload:       payload,
	})

	// Plain retries keep their daemon id, so the watcher matches by id
	// alone. Search strategies produce a fresh grab under a new id, so
	// those match by title instead.
	titleKey := ""
	if strategy == StrategyQualityFallback || strategy == StrategyAlternativeSearch {
		titleKey = release.SearchTitle(f.name)
	}

	r.mu.Lock()
	if state := r.ledger[f.downloadID]; state != nil {
		state.attempts = attempt
		state.lastStrategy = strategy
		state.updatedAt = r.now()
		if strategy == StrategyQualityFallback {
			state.downgrades++
		}
		state.pending = &pendingResult{
			attempt:       attempt,
			strategy:      strategy,
			title:         titleKey,
			correlationID: started.CorrelationID,
			causationID:   started.ID,
			deadline:      r.now().Add(r.cfg.ResultDeadline),
		}
	}
	r.mu.Unlock()

	r.logger.Info("retry started",
		"download_id", f.downloadID,
		"attempt", attempt,
		"strategy", strategy,
	)
}

// recordAttemptFailed counts an attempt whose action could not be
// executed and publishes download.retry.failed. Nothing is published
// during shutdown.
func (r *Recovery) recordAttemptFailed(f failureRef, attempt int, strategy RetryStrategy, reason string) {
	if r.ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	if state := r.ledger[f.downloadID]; state != nil {
		state.attempts = attempt
		state.lastStrategy = strategy
		state.updatedAt = r.now()
	}
	r.mu.Unlock()

	r.logger.Warn("retry attempt failed",
		"download_id", f.downloadID,
		"attempt", attempt,
		"strategy", strategy,
		"reason", reason,
	)
	r.bus.Publish(eventbus.Event{
		Topic:         eventbus.TopicRetryFailed,
		Source:        "recovery",
		CorrelationID: f.correlationID,
		CausationID:   f.causationID,
		Payload: map[string]any{
			"download_id": f.downloadID,
			"attempt":     attempt,
			"strategy":    string(strategy),
			"reason":      reason,
		},
	})
}

// recordUnresolved counts an attempt that found no matching manager item
// and publishes recovery.unresolved.
func (r *Recovery) recordUnresolved(f failureRef, attempt int, manager upstream.Kind, reason string) {
	r.mu.Lock()
	if state := r.ledger[f.downloadID]; state != nil {
		state.attempts = attempt
		state.updatedAt = r.now()
	}
	r.mu.Unlock()

	r.logger.Warn("recovery unresolved",
		"download_id", f.downloadID,
		"attempt", attempt,
		"manager", manager,
		"reason", reason,
	)
	r.bus.Publish(eventbus.Event{
		Topic:         eventbus.TopicRecoveryUnresolved,
		Source:        "recovery",
		CorrelationID: f.correlationID,
		CausationID:   f.causationID,
		Payload: map[string]any{
			"download_id": f.downloadID,
			"name":        f.name,
			"attempt":     attempt,
			"manager":     string(manager),
			"reason":      reason,
		},
	})
}

// publishRetryFailed resolves a pending watcher as a failure.
func (r *Recovery) publishRetryFailed(id string, p *pendingResult, reason string) {
	r.logger.Warn("retry failed",
		"download_id", id,
		"attempt", p.attempt,
		"strategy", p.strategy,
		"reason", reason,
	)
	r.bus.Publish(eventbus.Event{
		Topic:         eventbus.TopicRetryFailed,
		Source:        "recovery",
		CorrelationID: p.correlationID,
		CausationID:   p.causationID,
		Payload: map[string]any{
			"download_id": id,
			"attempt":     p.attempt,
			"strategy":    string(p.strategy),
			"reason":      reason,
		},
	})
}

// onQueueUpdated resolves pending attempts as successes when the retried
// download, or a fresh grab of the same title after a search strategy,
// shows up in the queue snapshot.
func (r *Recovery) onQueueUpdated(_ context.Context, ev eventbus.Event) error {
	slots, ok := ev.Payload["slots"].([]download.QueueSlot)
	if !ok || len(slots) == 0 {
		return nil
	}

	type hit struct {
		id string
		p  *pendingResult
	}
	var hits []hit

	r.mu.Lock()
	for id, state := range r.ledger {
		p := state.pending
		if p == nil {
			continue
		}
		for _, slot := range slots {
			if slot.ID == id || (p.title != "" && release.TitlesMatch(release.SearchTitle(slot.Name), p.title)) {
				state.pending = nil
				state.updatedAt = r.now()
				hits = append(hits, hit{id: id, p: p})
				break
			}
		}
	}
	r.mu.Unlock()

	for _, h := range hits {
		r.logger.Info("retry succeeded",
			"download_id", h.id,
			"attempt", h.p.attempt,
			"strategy", h.p.strategy,
		)
		r.bus.Publish(eventbus.Event{
			Topic:         eventbus.TopicRetrySucceeded,
			Source:        "recovery",
			CorrelationID: h.p.correlationID,
			CausationID:   h.p.causationID,
			Payload: map[string]any{
				"download_id": h.id,
				"attempt":     h.p.attempt,
				"strategy":    string(h.p.strategy),
			},
		})
	}
	return nil
}

// sweepLoop periodically fails pending attempts whose result deadline
// elapsed and prunes idle ledger entries.
func (r *Recovery) sweepLoop() {
	defer r.wg.Done()

	interval := r.cfg.ResultDeadline / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

// sweepOnce resolves expired pending attempts as failures and drops
// ledger entries idle past the retention window.
func (r *Recovery) sweepOnce() {
	now := r.now()

	type expired struct {
		id string
		p  *pendingResult
	}
	var out []expired

	r.mu.Lock()
	for id, state := range r.ledger {
		if p := state.pending; p != nil && now.After(p.deadline) {
			state.pending = nil
			state.updatedAt = now
			out = append(out, expired{id: id, p: p})
			continue
		}
		if state.pending == nil && !state.busy.Load() && now.Sub(state.updatedAt) > ledgerRetention {
			delete(r.ledger, id)
		}
	}
	r.mu.Unlock()

	for _, e := range out {
		r.publishRetryFailed(e.id, e.p, "no outcome observed within result deadline")
	}
}
