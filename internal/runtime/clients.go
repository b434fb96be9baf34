package runtime

import (
	"sort"
	"sync"
	"time"

	"offlinegate/internal/metrics"
)

// Client is one open page session, identified by the client cookie.
type Client struct {
	ID         string
	Controller string
	LastSeen   time.Time
}

// Clients is the client-control API handed to activating workers.
type Clients struct {
	mu    sync.Mutex
	items map[string]*Client
	now   func() time.Time
}

func NewClients() *Clients {
	return &Clients{
		items: make(map[string]*Client),
		now:   time.Now,
	}
}

// Touch records activity for id. A client seen for the first time is
// controlled by controller, which may be empty when no worker is active.
func (c *Clients) Touch(id, controller string) Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.items[id]
	if !ok {
		cl = &Client{ID: id, Controller: controller}
		c.items[id] = cl
		metrics.SetClientsOpen(len(c.items))
	}
	if cl.Controller == "" {
		cl.Controller = controller
	}
	cl.LastSeen = c.now()
	return *cl
}

// Claim makes controller the controller of every open client and returns
// how many clients changed hands.
func (c *Clients) Claim(controller string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, cl := range c.items {
		if cl.Controller != controller {
			cl.Controller = controller
			n++
		}
	}
	return n
}

// ControlledBy counts open clients whose controller is version.
func (c *Clients) ControlledBy(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, cl := range c.items {
		if cl.Controller == version {
			n++
		}
	}
	return n
}

// Expire forgets clients idle for longer than idle and returns how many
// were removed.
func (c *Clients) Expire(idle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-idle)
	n := 0
	for id, cl := range c.items {
		if cl.LastSeen.Before(cutoff) {
			delete(c.items, id)
			n++
		}
	}
	if n > 0 {
		metrics.SetClientsOpen(len(c.items))
	}
	return n
}

func (c *Clients) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// List returns a snapshot ordered by id.
func (c *Clients) List() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Client, 0, len(c.items))
	for _, cl := range c.items {
		out = append(out, *cl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
