// Package deliver turns qualified events into Discord webhook messages:
// per-profile bounded queues, rollup summaries under burst, client-side
// rate limiting and a circuit breaker for dead webhooks.
package deliver

import (
	"sync"

	"github.com/guarzo/eve-killwatch/internal/esi"
	"github.com/guarzo/eve-killwatch/internal/killmail"
)

// Item is one queued notification, carrying everything the renderer needs
// so a send never does I/O beyond the webhook POST itself.
type Item struct {
	Kill  *killmail.Killmail
	Names esi.Names
	Score float64
	// Digest marks a kill interesting enough for its own line in a rollup
	// summary; kills below it are folded into one count line.
	Digest   bool
	IsKill   bool
	Priority bool
	Patterns []string
}

// Queue is a bounded FIFO of pending notifications. When full, Push evicts
// the oldest entry: stale kill alerts are worth less than fresh ones.
type Queue struct {
	mu      sync.Mutex
	items   []*Item
	cap     int
	dropped int64
}

// NewQueue returns a queue holding at most capacity items.
func NewQueue(capacity int) *Queue {
	return &Queue{cap: capacity}
}

// Push appends an item, evicting and returning the oldest entry when the
// queue is at capacity.
func (q *Queue) Push(it *Item) (evicted *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		evicted = q.items[0]
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, it)
	return evicted
}

// Pop removes and returns the oldest item.
func (q *Queue) Pop() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

// PopN removes and returns up to n oldest items.
func (q *Queue) PopN(n int) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return nil
	}
	out := make([]*Item, n)
	copy(out, q.items[:n])
	q.items = q.items[n:]
	return out
}

// Peek returns the oldest item without removing it.
func (q *Queue) Peek() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Len returns the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many entries overflow has evicted.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
