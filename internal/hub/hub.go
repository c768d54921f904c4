package hub

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultQueueSize bounds the per-connection outbound queue. When the
	// queue is full the oldest payload is dropped so one slow consumer
	// cannot stall delivery to others.
	DefaultQueueSize = 256

	// DefaultPingInterval is how often connections are pinged.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongTimeout is how long a connection may stay silent before
	// it is forcibly closed and removed.
	DefaultPongTimeout = 90 * time.Second
)

// WithQueueSize sets the per-connection outbound queue size.
func WithQueueSize(size int) func(*Hub) {
	return func(h *Hub) {
		h.queueSize = size
	}
}

// WithHeartbeat sets the ping interval and pong timeout.
func WithHeartbeat(ping, timeout time.Duration) func(*Hub) {
	return func(h *Hub) {
		h.pingInterval = ping
		h.pongTimeout = timeout
	}
}

// WithLogger sets the logger for the hub.
func WithLogger(logger *slog.Logger) func(*Hub) {
	return func(h *Hub) {
		h.logger = logger.With(slog.String("component", "hub"))
	}
}

// Hub tracks dashboard connections and fans published events out to
// every connection subscribed to the event's topic.
type Hub struct {
	queueSize    int
	pingInterval time.Duration
	pongTimeout  time.Duration
	logger       *slog.Logger

	mu    sync.Mutex
	conns map[string]*Conn
}

// New creates a hub with no connections.
func New(options ...func(*Hub)) *Hub {
	h := Hub{
		queueSize:    DefaultQueueSize,
		pingInterval: DefaultPingInterval,
		pongTimeout:  DefaultPongTimeout,
		conns:        make(map[string]*Conn),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&h)
	}

	return &h
}

// PingInterval returns the configured heartbeat ping interval.
func (h *Hub) PingInterval() time.Duration { return h.pingInterval }

// PongTimeout returns the configured heartbeat timeout.
func (h *Hub) PongTimeout() time.Duration { return h.pongTimeout }

// Register adds a connection to the hub. Registering an ID that is
// already present returns the existing connection untouched.
func (h *Hub) Register(id string) (*Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.conns[id]; ok {
		return c, fmt.Errorf("connection %s already registered", id)
	}

	c := &Conn{
		id:       id,
		topics:   make(map[string]struct{}),
		send:     make(chan []byte, h.queueSize),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}
	h.conns[id] = c

	h.logger.Debug("connection registered", slog.String("connID", id))
	return c, nil
}

// Unregister removes and closes a connection. Unknown IDs are a no-op.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()

	if ok {
		c.close()
		h.logger.Debug("connection unregistered",
			slog.String("connID", id),
			slog.Int64("dropped", c.Dropped()))
	}
}

// Subscribe adds a topic to the connection's subscription set.
func (h *Hub) Subscribe(connID, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("unknown connection %s", connID)
	}

	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes a topic from the connection's subscription set.
func (h *Hub) Unsubscribe(connID, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("unknown connection %s", connID)
	}

	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
	return nil
}

// Publish delivers the event to every open connection subscribed to
// topic. It never blocks: a full outbound queue drops its oldest
// payload to make room. Encoding failures are logged and the event
// is discarded.
func (h *Hub) Publish(topic string, event Event) {
	payload, err := event.Encode()
	if err != nil {
		h.logger.Error(err.Error(), slog.String("topic", topic))
		return
	}

	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.subscribed(topic) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			h.logger.Warn("outbound queue full, dropped oldest",
				slog.String("connID", c.id),
				slog.String("topic", topic))
		}
	}
}

// CloseStale force-closes every connection that has not been seen within
// the pong timeout. This is the only cleanup path for dead connections.
// Returns the IDs of the connections removed.
func (h *Hub) CloseStale(now time.Time) []string {
	h.mu.Lock()
	var stale []*Conn
	for id, c := range h.conns {
		if now.Sub(c.LastSeen()) > h.pongTimeout {
			stale = append(stale, c)
			delete(h.conns, id)
		}
	}
	h.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, c := range stale {
		c.close()
		ids = append(ids, c.id)
		h.logger.Warn("closed stale connection",
			slog.String("connID", c.id),
			slog.Duration("silentFor", now.Sub(c.LastSeen())))
	}
	return ids
}

// Size returns the number of open connections.
func (h *Hub) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
