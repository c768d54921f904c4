package hub

import (
	"sync"
	"sync/atomic"
	"time"
)

// Conn is one dashboard connection with its own subscription set and a
// bounded outbound queue. The transport layer drains Outbound and feeds
// Touch on heartbeat responses; the hub core never blocks on a slow
// transport.
type Conn struct {
	id string

	mu     sync.Mutex
	topics map[string]struct{}

	send    chan []byte
	done    chan struct{}
	dropped atomic.Int64

	seenMu   sync.Mutex
	lastSeen time.Time

	closeOnce sync.Once
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Outbound is the queue of encoded events awaiting delivery.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done is closed when the connection is removed from the hub.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Touch records activity on the connection, deferring stale cleanup.
func (c *Conn) Touch() {
	c.seenMu.Lock()
	c.lastSeen = time.Now()
	c.seenMu.Unlock()
}

// LastSeen returns the time of the last recorded activity.
func (c *Conn) LastSeen() time.Time {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return c.lastSeen
}

// Dropped returns how many payloads were discarded due to a full queue.
func (c *Conn) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Conn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// enqueue adds a payload to the outbound queue, dropping the oldest
// entry when full. Returns false if a drop occurred.
func (c *Conn) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return true // closed, silently discard
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
	}

	// Queue full: drop oldest, then retry once. A concurrent reader may
	// have drained the queue in between, in which case the retry wins.
	select {
	case <-c.send:
		c.dropped.Add(1)
	default:
	}

	select {
	case c.send <- payload:
	default:
		c.dropped.Add(1)
	}
	return false
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
