package eventbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishEnrichesEvent(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	ev := b.Publish(Event{Topic: TopicQueueUpdated, Source: "monitor"})
	if ev.ID == "" {
		t.Errorf("ID not assigned")
	}
	if ev.CorrelationID == "" {
		t.Errorf("CorrelationID not assigned")
	}
	if ev.EmittedAt.IsZero() {
		t.Errorf("EmittedAt not assigned")
	}

	// A caller-provided correlation ID is preserved.
	ev2 := b.Publish(Event{Topic: TopicDownloadFailed, CorrelationID: "corr-1"})
	if ev2.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want corr-1", ev2.CorrelationID)
	}
}

func TestSubscribeReceivesInEmitOrder(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	got := make(chan string, 16)
	b.Subscribe(TopicQueueUpdated, "test", func(ctx context.Context, ev Event) error {
		got <- ev.Payload["n"].(string)
		return nil
	})

	for i := 0; i < 5; i++ {
		b.Publish(Event{Topic: TopicQueueUpdated, Payload: map[string]any{"n": fmt.Sprintf("%d", i)}})
	}

	for i := 0; i < 5; i++ {
		select {
		case n := <-got:
			if n != fmt.Sprintf("%d", i) {
				t.Fatalf("event %d arrived as %s, order not preserved", i, n)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestWildcardReceivesEveryTopic(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	var mu sync.Mutex
	var topics []string
	done := make(chan struct{}, 8)
	b.Subscribe(TopicWildcard, "all", func(ctx context.Context, ev Event) error {
		mu.Lock()
		topics = append(topics, ev.Topic)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	b.Publish(Event{Topic: TopicDownloadFailed})
	b.Publish(Event{Topic: TopicQueueUpdated})
	b.Publish(Event{Topic: TopicRetryStarted})

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for wildcard delivery %d", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{TopicDownloadFailed, TopicQueueUpdated, TopicRetryStarted}
	for i := range want {
		if topics[i] != want[i] {
			t.Errorf("wildcard order[%d] = %q, want %q", i, topics[i], want[i])
		}
	}
}

func TestHandlerErrorAndPanicIsolation(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	delivered := make(chan struct{}, 4)
	b.Subscribe(TopicDownloadFailed, "panicky", func(ctx context.Context, ev Event) error {
		panic("handler bug")
	})
	b.Subscribe(TopicDownloadFailed, "failing", func(ctx context.Context, ev Event) error {
		return errors.New("handler error")
	})
	b.Subscribe(TopicDownloadFailed, "healthy", func(ctx context.Context, ev Event) error {
		delivered <- struct{}{}
		return nil
	})

	b.Publish(Event{Topic: TopicDownloadFailed})
	b.Publish(Event{Topic: TopicDownloadFailed})

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatalf("healthy subscriber starved by failing peers")
		}
	}

	// Counters catch up once the failing pumps drain.
	deadline := time.After(2 * time.Second)
	for {
		if b.Stats().HandlerErrors >= 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("HandlerErrors = %d, want 4", b.Stats().HandlerErrors)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHistoryEviction(t *testing.T) {
	b := New(testLogger(), WithMaxHistory(3))
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Topic: TopicQueueUpdated, Payload: map[string]any{"n": i}})
	}

	recent := b.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("history length = %d, want 3", len(recent))
	}
	// Newest first: 4, 3, 2.
	for i, want := range []int{4, 3, 2} {
		if got := recent[i].Payload["n"].(int); got != want {
			t.Errorf("recent[%d] = %d, want %d", i, got, want)
		}
	}

	if got := b.Stats().Published; got != 5 {
		t.Errorf("Published = %d, want 5 despite eviction", got)
	}
}

func TestByTopicAndLimit(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	b.Publish(Event{Topic: TopicQueueUpdated})
	b.Publish(Event{Topic: TopicDownloadFailed})
	b.Publish(Event{Topic: TopicQueueUpdated})

	got := b.ByTopic(TopicQueueUpdated, 0)
	if len(got) != 2 {
		t.Errorf("ByTopic returned %d events, want 2", len(got))
	}
	got = b.ByTopic(TopicQueueUpdated, 1)
	if len(got) != 1 {
		t.Errorf("ByTopic with limit returned %d events, want 1", len(got))
	}
}

func TestByCorrelationInEmitOrder(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	b.Publish(Event{Topic: TopicDownloadFailed, CorrelationID: "flow-1"})
	b.Publish(Event{Topic: TopicQueueUpdated, CorrelationID: "other"})
	b.Publish(Event{Topic: TopicRetryStarted, CorrelationID: "flow-1"})
	b.Publish(Event{Topic: TopicRetrySucceeded, CorrelationID: "flow-1"})

	chain := b.ByCorrelation("flow-1")
	want := []string{TopicDownloadFailed, TopicRetryStarted, TopicRetrySucceeded}
	if len(chain) != len(want) {
		t.Fatalf("chain length = %d, want %d", len(chain), len(want))
	}
	var last time.Time
	for i, ev := range chain {
		if ev.Topic != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, ev.Topic, want[i])
		}
		if ev.EmittedAt.Before(last) {
			t.Errorf("chain[%d] emitted before its predecessor", i)
		}
		last = ev.EmittedAt
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	got := make(chan Event, 4)
	unsub := b.Subscribe(TopicQueueUpdated, "test", func(ctx context.Context, ev Event) error {
		got <- ev
		return nil
	})

	b.Publish(Event{Topic: TopicQueueUpdated})
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("first event not delivered")
	}

	unsub()
	unsub() // second call is a no-op

	b.Publish(Event{Topic: TopicQueueUpdated})
	select {
	case <-got:
		t.Fatalf("event delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	block := make(chan struct{})
	b.Subscribe(TopicQueueUpdated, "slow", func(ctx context.Context, ev Event) error {
		<-block
		return nil
	})

	// One event occupies the handler, subscriberBuffer fill the queue,
	// everything beyond that must drop without stalling Publish.
	total := subscriberBuffer + 10
	done := make(chan struct{})
	go func() {
		for i := 0; i < total+1; i++ {
			b.Publish(Event{Topic: TopicQueueUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a slow subscriber")
	}
	close(block)

	deadline := time.After(2 * time.Second)
	for b.Stats().Dropped == 0 {
		select {
		case <-deadline:
			t.Fatalf("no drops recorded, Dropped = %d", b.Stats().Dropped)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCloseDrainsAndStopsPumps(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New(testLogger())
	var mu sync.Mutex
	count := 0
	b.Subscribe(TopicQueueUpdated, "counter", func(ctx context.Context, ev Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 10; i++ {
		b.Publish(Event{Topic: TopicQueueUpdated})
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("delivered = %d, want 10 (queued events must drain on close)", count)
	}

	// Publishing after close is a silent no-op.
	b.Publish(Event{Topic: TopicQueueUpdated})
	if got := b.Stats().Published; got != 10 {
		t.Errorf("Published after close = %d, want 10", got)
	}
}

func TestStatsPerTopic(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	b.Publish(Event{Topic: TopicQueueUpdated})
	b.Publish(Event{Topic: TopicQueueUpdated})
	b.Publish(Event{Topic: TopicDownloadFailed})

	stats := b.Stats()
	if stats.PerTopic[TopicQueueUpdated] != 2 || stats.PerTopic[TopicDownloadFailed] != 1 {
		t.Errorf("PerTopic = %v", stats.PerTopic)
	}
}
