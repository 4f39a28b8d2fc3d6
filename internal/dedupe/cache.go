// ABOUTME: TTL cache over message item ids for suppressing re-delivered events
// ABOUTME: The push transport re-delivers on reconnect; each item must be processed once

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type seenItem struct {
	at      time.Time
	element *list.Element
}

// Cache tracks recently seen message item ids. Size-limited with oldest-first
// eviction so a chatty account can't grow it without bound.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*seenItem
	order   *list.List // item ids oldest-first
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache that remembers item ids for ttl, holding at most
// maxSize entries. A background goroutine sweeps expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*seenItem),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Seen reports whether itemID was already processed, marking it if not. The
// check and the mark are one atomic step.
func (c *Cache) Seen(itemID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.seen[itemID]; ok && time.Since(item.at) < c.ttl {
		return true
	}

	c.mark(itemID)
	return false
}

// mark records itemID, evicting the oldest entry at capacity. Must be called
// with mu held.
func (c *Cache) mark(itemID string) {
	now := time.Now()

	if item, ok := c.seen[itemID]; ok {
		item.at = now
		c.order.MoveToBack(item.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			old, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, old)
		}
	}

	c.seen[itemID] = &seenItem{at: now, element: c.order.PushBack(itemID)}
}

// Len returns the number of tracked item ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for id, item := range c.seen {
				if now.Sub(item.at) > c.ttl {
					c.order.Remove(item.element)
					delete(c.seen, id)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
