package realtime

import (
	"sync"
	"time"
)

// Transport is the write side of a client connection. Implementations
// must be safe for concurrent Send calls.
type Transport interface {
	Send(payload []byte) error
	Close() error
}

// Conn is one authenticated dashboard connection with its subscription
// set and activity clock. The hub owns the lifecycle; the transport only
// moves bytes.
type Conn struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	transport Transport

	mu           sync.Mutex
	lastActivity time.Time
	topics       map[string]struct{}
}

func newConn(id, userID string, transport Transport, now time.Time) *Conn {
	return &Conn{
		ID:           id,
		UserID:       userID,
		ConnectedAt:  now,
		transport:    transport,
		lastActivity: now,
		topics:       make(map[string]struct{}),
	}
}

// touch refreshes the activity clock. Any inbound frame counts.
func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Conn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Conn) subscribe(key string) {
	c.mu.Lock()
	c.topics[key] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) unsubscribe(key string) {
	c.mu.Lock()
	delete(c.topics, key)
	c.mu.Unlock()
}

// subscribedToAny reports whether the connection holds at least one of
// the given subscription keys.
func (c *Conn) subscribedToAny(keys []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if _, ok := c.topics[key]; ok {
			return true
		}
	}
	return false
}

func (c *Conn) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for key := range c.topics {
		out = append(out, key)
	}
	return out
}

func (c *Conn) send(payload []byte) error {
	return c.transport.Send(payload)
}
