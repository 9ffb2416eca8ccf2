package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxHistory bounds the event history ring when no override is
// configured.
const DefaultMaxHistory = 1000

// subscriberBuffer is the per-subscriber delivery queue depth. A slow
// handler drops events rather than stalling publishers.
const subscriberBuffer = 64

// Handler processes one event. Returned errors are counted and logged but
// never propagate to the publisher.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	topic string
	name  string
	ch    chan Event
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published     uint64            `json:"published"`
	Dropped       uint64            `json:"dropped"`
	HandlerErrors uint64            `json:"handler_errors"`
	Subscriptions int               `json:"subscriptions"`
	PerTopic      map[string]uint64 `json:"per_topic"`
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxHistory overrides the history ring capacity.
func WithMaxHistory(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxHistory = n
		}
	}
}

// Bus is the in-process event bus. Publishing never blocks: each
// subscriber owns a bounded queue drained by its own goroutine, so a slow
// handler loses events instead of stalling the emitter, and every
// subscriber sees events in emit order.
type Bus struct {
	logger     *slog.Logger
	maxHistory int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	subs     map[string][]*subscription
	history  []Event
	perTopic map[string]uint64

	published     uint64
	dropped       uint64
	handlerErrors uint64
}

// New creates a Bus ready for use.
func New(logger *slog.Logger, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:     logger,
		maxHistory: DefaultMaxHistory,
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string][]*subscription),
		perTopic:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.history = make([]Event, 0, b.maxHistory)
	return b
}

// Subscribe registers a handler for one topic, or for every topic via
// TopicWildcard. The name labels the subscriber in logs. The returned
// function unsubscribes; it is safe to call more than once.
func (b *Bus) Subscribe(topic, name string, h Handler) func() {
	sub := &subscription{
		topic: topic,
		name:  name,
		ch:    make(chan Event, subscriberBuffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.pump(sub, h)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub) })
	}
}

// pump delivers queued events to one handler, isolating panics and
// counting errors. It exits when the subscription channel is closed.
func (b *Bus) pump(sub *subscription, h Handler) {
	defer b.wg.Done()
	for ev := range sub.ch {
		b.invoke(sub, h, ev)
	}
}

func (b *Bus) invoke(sub *subscription, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.handlerErrors++
			b.mu.Unlock()
			b.logger.Error("event handler panicked",
				"subscriber", sub.name,
				"topic", ev.Topic,
				"panic", r)
		}
	}()

	if err := h(b.ctx, ev); err != nil {
		b.mu.Lock()
		b.handlerErrors++
		b.mu.Unlock()
		b.logger.Warn("event handler failed",
			"subscriber", sub.name,
			"topic", ev.Topic,
			"event_id", ev.ID,
			"error", err)
	}
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	close(sub.ch)
}

// Publish enriches the event (ID, timestamp, correlation ID when absent),
// appends it to history, and queues it for every matching subscriber. It
// returns the enriched event so publishers can chain causation. Publish
// never blocks on slow subscribers.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ev
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}

	// Bounded history: evict the oldest entry once full.
	if len(b.history) >= b.maxHistory {
		copy(b.history, b.history[1:])
		b.history[len(b.history)-1] = ev
	} else {
		b.history = append(b.history, ev)
	}

	b.published++
	b.perTopic[ev.Topic]++

	// Queue for exact-topic and wildcard subscribers while still holding
	// the lock, so per-subscriber order matches history order.
	for _, sub := range b.subs[ev.Topic] {
		b.send(sub, ev)
	}
	if ev.Topic != TopicWildcard {
		for _, sub := range b.subs[TopicWildcard] {
			b.send(sub, ev)
		}
	}
	b.mu.Unlock()

	return ev
}

// send is non-blocking. Caller holds b.mu.
func (b *Bus) send(sub *subscription, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		b.dropped++
		b.logger.Warn("event dropped, subscriber queue full",
			"subscriber", sub.name,
			"topic", ev.Topic)
	}
}

// Recent returns up to limit events, newest first.
func (b *Bus) Recent(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, b.history[i])
	}
	return out
}

// ByTopic returns up to limit events for one topic, newest first.
func (b *Bus) ByTopic(topic string, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 {
		limit = len(b.history)
	}
	out := make([]Event, 0, limit)
	for i := len(b.history) - 1; i >= 0 && len(out) < limit; i-- {
		if b.history[i].Topic == topic {
			out = append(out, b.history[i])
		}
	}
	return out
}

// ByCorrelation returns every retained event of one flow in emit order,
// oldest first, so callers can replay the chain.
func (b *Bus) ByCorrelation(correlationID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, ev := range b.history {
		if ev.CorrelationID == correlationID {
			out = append(out, ev)
		}
	}
	return out
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	per := make(map[string]uint64, len(b.perTopic))
	for k, v := range b.perTopic {
		per[k] = v
	}
	subs := 0
	for _, list := range b.subs {
		subs += len(list)
	}
	return Stats{
		Published:     b.published,
		Dropped:       b.dropped,
		HandlerErrors: b.handlerErrors,
		Subscriptions: subs,
		PerTopic:      per,
	}
}

// Close stops the bus: no further events are accepted, subscriber queues
// are drained, and all pump goroutines exit before Close returns.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for topic, list := range b.subs {
		all = append(all, list...)
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	for _, sub := range all {
		close(sub.ch)
	}
	b.wg.Wait()
	b.cancel()
}
