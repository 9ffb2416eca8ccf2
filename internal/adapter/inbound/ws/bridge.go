// Package ws bridges the event bus to WebSocket clients. Each connected
// client gets a welcome frame, then a JSON frame per bus event on the
// configured topics, plus a periodic status pulse. Clients that stop
// reading are evicted silently; the bus never blocks on a slow socket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arrgate/arrgate/internal/config"
	"github.com/arrgate/arrgate/internal/eventbus"
	"github.com/arrgate/arrgate/internal/service"
)

// Bridge owns the client set and the bus subscriptions. It implements
// http.Handler for the /ws mount.
type Bridge struct {
	cfg    config.WebSocketConfig
	bus    *eventbus.Bus
	orch   *service.Orchestrator
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	started bool
	unsubs  []func()

	stopCh chan struct{}
	pulse  sync.WaitGroup
}

// NewBridge creates the bridge. The orchestrator is optional; when
// present, status pulses carry per-upstream breaker states.
func NewBridge(cfg config.WebSocketConfig, bus *eventbus.Bus, orch *service.Orchestrator, logger *slog.Logger) *Bridge {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	return &Bridge{
		cfg:    cfg,
		bus:    bus,
		orch:   orch,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The transport's origin guard runs ahead of /ws; the
			// upgrader must not second-guess it with a same-host check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start subscribes to the configured topics and begins the status
// pulse. Connections are refused until Start.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true

	topics := b.cfg.Topics
	if len(topics) == 0 {
		topics = []string{eventbus.TopicWildcard}
	}
	for _, topic := range topics {
		b.unsubs = append(b.unsubs, b.bus.Subscribe(topic, "ws", b.forward))
	}

	if b.cfg.StatusPulseInterval > 0 {
		b.pulse.Add(1)
		go b.pulseLoop()
	}
	b.logger.Info("websocket bridge started", "topics", len(topics))
}

// Stop detaches from the bus, stops the pulse, and closes every client.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	unsubs := b.unsubs
	b.unsubs = nil
	close(b.stopCh)
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	b.pulse.Wait()
	b.logger.Info("websocket bridge stopped")
}

// ClientCount returns the number of connected clients. The metrics
// collector reads it at scrape time.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ServeHTTP upgrades the connection, sends the welcome frame, and
// registers the client for event fan-out.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	running := b.started
	b.mu.Unlock()
	if !running {
		http.Error(w, "event bridge not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake error.
		b.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, b.cfg.SendBuffer),
		remote: r.RemoteAddr,
	}

	welcome, err := json.Marshal(welcomeFrame{
		Type:      frameTypeWelcome,
		Timestamp: time.Now().UTC(),
		Meta:      welcomeMeta{Topics: b.cfg.Topics},
	})
	if err != nil {
		conn.Close()
		return
	}

	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		conn.Close()
		return
	}
	// The fresh queue always has room for the welcome frame, so it is
	// delivered ahead of any broadcast.
	c.send <- welcome
	b.clients[c] = struct{}{}
	total := len(b.clients)
	b.mu.Unlock()

	go c.writePump(b)
	go c.readPump(b)

	b.logger.Info("websocket client connected", "remote", c.remote, "clients", total)
}

// forward is the bus handler: one event becomes one frame to every
// client.
func (b *Bridge) forward(_ context.Context, ev eventbus.Event) error {
	b.broadcast(eventFrame{
		Type:          frameTypeEvent,
		EventType:     ev.Topic,
		CorrelationID: ev.CorrelationID,
		Timestamp:     ev.EmittedAt,
		Payload:       ev.Payload,
		Meta: frameMeta{
			EventID:     ev.ID,
			CausationID: ev.CausationID,
			Source:      ev.Source,
		},
	})
	return nil
}

// Broadcast sends a custom frame to every connected client.
func (b *Bridge) Broadcast(frame any) {
	b.broadcast(frame)
}

// broadcast marshals once and enqueues to every client. A client whose
// queue is full is evicted rather than stalling the bus.
func (b *Bridge) broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		b.logger.Error("marshal websocket frame", "error", err)
		return
	}

	b.mu.Lock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			b.evictLocked(c)
			b.logger.Debug("evicted slow websocket client", "remote", c.remote)
		}
	}
	b.mu.Unlock()
}

// evictLocked removes a client and closes its queue. Caller holds b.mu;
// closing under the lock keeps enqueue and close ordered.
func (b *Bridge) evictLocked(c *client) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	close(c.send)
}

// drop is the pump-side eviction path.
func (b *Bridge) drop(c *client) {
	b.mu.Lock()
	b.evictLocked(c)
	b.mu.Unlock()
}

// pulseLoop broadcasts the periodic status frame.
func (b *Bridge) pulseLoop() {
	defer b.pulse.Done()
	ticker := time.NewTicker(b.cfg.StatusPulseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.broadcast(b.statusFrame())
		}
	}
}

func (b *Bridge) statusFrame() statusFrame {
	payload := map[string]any{"clients": b.ClientCount()}
	if b.orch != nil {
		upstreams := make(map[string]string)
		for kind, snap := range b.orch.BreakerSnapshots() {
			upstreams[string(kind)] = string(snap.State)
		}
		payload["upstreams"] = upstreams
	}
	return statusFrame{
		Type:      frameTypeStatus,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
