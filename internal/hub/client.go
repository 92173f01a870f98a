package hub

import (
	"sync"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/observability"
)

// Client is one connected device. The transport drains its queue; the hub
// only ever appends to it.
type Client struct {
	ID       string
	Identity auth.Identity

	hub    *Hub
	topics map[string]struct{} // guarded by hub.mu

	mu     sync.Mutex
	queue  []frame
	zone   string
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

type frame struct {
	key  string
	data []byte
}

func (c *Client) push(key string, data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if key != "" {
		for i := range c.queue {
			if c.queue[i].key == key {
				c.queue[i].data = data
				c.mu.Unlock()
				observability.HubEventsDropped.WithLabelValues("superseded").Inc()
				return true
			}
		}
	}
	if len(c.queue) >= c.hub.queueSize {
		c.mu.Unlock()
		observability.HubEventsDropped.WithLabelValues("overflow").Inc()
		c.hub.logger.Warn("session queue overflow, closing", "conn_id", c.ID, "user_id", c.Identity.UserID)
		c.Close()
		return false
	}
	c.queue = append(c.queue, frame{key: key, data: data})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// Drain hands the queued frames to the transport in order.
func (c *Client) Drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := make([][]byte, len(c.queue))
	for i, f := range c.queue {
		out[i] = f.data
	}
	c.queue = c.queue[:0]
	return out
}

// Wake fires whenever frames were queued since the last Drain.
func (c *Client) Wake() <-chan struct{} { return c.wake }

// Done is closed once the session is closed for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.queue = nil
	close(c.done)
}

func (c *Client) swapZone(zone string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.zone
	c.zone = zone
	return prev
}
