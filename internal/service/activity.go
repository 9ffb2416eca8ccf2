package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arrgate/arrgate/internal/eventbus"
)

// ActivityConfig tunes the activity log.
type ActivityConfig struct {
	// MaxItems caps the log; the oldest entries are evicted first.
	MaxItems int
	// Topics is the allow-list of recorded topics. Empty records every
	// topic except the log's own activity.created notifications.
	Topics []string
}

func (c ActivityConfig) withDefaults() ActivityConfig {
	if c.MaxItems <= 0 {
		c.MaxItems = 500
	}
	return c
}

// defaultActivityQueryLimit pages queries that do not name a limit.
const defaultActivityQueryLimit = 50

// ActivityEntry is one recorded event. ID is a process-local sequence
// number that keeps ascending across evictions, so clients can detect
// gaps.
type ActivityEntry struct {
	ID            int64          `json:"id"`
	EventID       string         `json:"event_id"`
	Topic         string         `json:"topic"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	Source        string         `json:"source,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// ActivityQuery filters and pages the log. Zero values mean no filter,
// offset zero, and the default limit.
type ActivityQuery struct {
	Topic         string
	CorrelationID string
	Offset        int
	Limit         int
}

// ActivityPage is one page of matching entries, newest first. Total is
// the match count before paging.
type ActivityPage struct {
	Items  []ActivityEntry `json:"items"`
	Total  int             `json:"total"`
	Offset int             `json:"offset"`
	Limit  int             `json:"limit"`
}

// ActivityStats is a snapshot of the log counters.
type ActivityStats struct {
	Recorded uint64 `json:"recorded"`
	Evicted  uint64 `json:"evicted"`
	Size     int    `json:"size"`
}

// Activity is the queryable tail of the event stream: a wildcard bus
// subscriber that keeps the most recent allow-listed events in a bounded
// FIFO. It backs the activity API surface and announces each recorded
// entry with an activity.created event for live observers.
type Activity struct {
	cfg     ActivityConfig
	bus     *eventbus.Bus
	logger  *slog.Logger
	allowed map[string]bool

	unsub   func()
	started bool

	mu       sync.Mutex
	items    []ActivityEntry
	nextID   int64
	recorded uint64
	evicted  uint64
}

// NewActivity creates an activity log. Start attaches it to the bus.
func NewActivity(cfg ActivityConfig, bus *eventbus.Bus, logger *slog.Logger) *Activity {
	cfg = cfg.withDefaults()
	var allowed map[string]bool
	if len(cfg.Topics) > 0 {
		allowed = make(map[string]bool, len(cfg.Topics))
		for _, t := range cfg.Topics {
			allowed[t] = true
		}
	}
	return &Activity{
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
		allowed: allowed,
		items:   make([]ActivityEntry, 0, cfg.MaxItems),
	}
}

// Start subscribes the log to every topic.
func (a *Activity) Start() {
	if a.started {
		return
	}
	a.started = true
	a.unsub = a.bus.Subscribe(eventbus.TopicWildcard, "activity", a.record)
	a.logger.Info("activity log started", "max_items", a.cfg.MaxItems, "topics", len(a.cfg.Topics))
}

// Stop detaches the log from the bus. Recorded entries stay queryable.
func (a *Activity) Stop() {
	if !a.started {
		return
	}
	a.started = false
	a.unsub()
}

// record is the wildcard handler. The log never records its own
// notifications, otherwise each entry would spawn the next.
func (a *Activity) record(_ context.Context, ev eventbus.Event) error {
	if ev.Topic == eventbus.TopicActivityCreated {
		return nil
	}
	if a.allowed != nil && !a.allowed[ev.Topic] {
		return nil
	}

	a.mu.Lock()
	a.nextID++
	entry := ActivityEntry{
		ID:            a.nextID,
		EventID:       ev.ID,
		Topic:         ev.Topic,
		Payload:       ev.Payload,
		CorrelationID: ev.CorrelationID,
		Source:        ev.Source,
		OccurredAt:    ev.EmittedAt,
	}
	if len(a.items) >= a.cfg.MaxItems {
		copy(a.items, a.items[1:])
		a.items[len(a.items)-1] = entry
		a.evicted++
	} else {
		a.items = append(a.items, entry)
	}
	a.recorded++
	a.mu.Unlock()

	a.bus.Publish(eventbus.Event{
		Topic:         eventbus.TopicActivityCreated,
		Source:        "activity",
		CorrelationID: ev.CorrelationID,
		CausationID:   ev.ID,
		Payload: map[string]any{
			"activity_id": entry.ID,
			"topic":       ev.Topic,
		},
	})
	return nil
}

// Query returns one page of matching entries, newest first.
func (a *Activity) Query(q ActivityQuery) ActivityPage {
	if q.Limit <= 0 {
		q.Limit = defaultActivityQueryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	matched := make([]ActivityEntry, 0, len(a.items))
	for i := len(a.items) - 1; i >= 0; i-- {
		entry := a.items[i]
		if q.Topic != "" && entry.Topic != q.Topic {
			continue
		}
		if q.CorrelationID != "" && entry.CorrelationID != q.CorrelationID {
			continue
		}
		matched = append(matched, entry)
	}

	total := len(matched)
	start := q.Offset
	if start > total {
		start = total
	}
	end := start + q.Limit
	if end > total {
		end = total
	}

	items := make([]ActivityEntry, end-start)
	copy(items, matched[start:end])
	return ActivityPage{
		Items:  items,
		Total:  total,
		Offset: q.Offset,
		Limit:  q.Limit,
	}
}

// Stats returns a snapshot of the log counters.
func (a *Activity) Stats() ActivityStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ActivityStats{
		Recorded: a.recorded,
		Evicted:  a.evicted,
		Size:     len(a.items),
	}
}
