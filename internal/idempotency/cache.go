package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	result    Result
	timestamp time.Time
	element   *list.Element
}

// Cache is an in-memory Store bounded by TTL and entry count. The oldest
// entry is evicted when the cache is full.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewCache starts a background sweep of expired entries; call Close to
// stop it.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *Cache) Get(_ context.Context, key string) (Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Result{}, false, nil
	}
	if c.now().Sub(entry.timestamp) >= c.ttl {
		c.order.Remove(entry.element)
		delete(c.entries, key)
		return Result{}, false, nil
	}
	return entry.result, true, nil
}

func (c *Cache) Put(_ context.Context, key string, res Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.entries[key]; ok {
		if now.Sub(entry.timestamp) < c.ttl {
			return nil
		}
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[key] = &cacheEntry{
		result:    res,
		timestamp: now,
		element:   c.order.PushBack(key),
	}
	return nil
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		key, _ := e.Value.(string)
		if entry := c.entries[key]; entry != nil && now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(e)
			delete(c.entries, key)
		} else {
			// Insertion order is timestamp order.
			break
		}
		e = next
	}
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
