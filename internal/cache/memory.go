package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	defaultMaxEntries = 1024
	sweepInterval     = 30 * time.Second
)

type memEntry struct {
	key       string
	entry     *Entry
	expiresAt time.Time
}

// MemoryCache is an in-process LRU result cache with per-entry TTL.
// It is the default when no redis address is configured. Expiry is
// checked lazily on read and swept periodically so expired-but-unread
// entries do not hold LRU capacity.
type MemoryCache struct {
	mu       sync.Mutex
	max      int
	ll       *list.List
	items    map[string]*list.Element
	bySource map[string]map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates a cache bounded to maxEntries results;
// maxEntries <= 0 selects the default bound.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	c := &MemoryCache{
		max:      maxEntries,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		bySource: make(map[string]map[string]struct{}),
		stop:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get implements Cache. Expired entries are dropped on access.
func (c *MemoryCache) Get(_ context.Context, key string) (*Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	me := el.Value.(*memEntry)
	if time.Now().After(me.expiresAt) {
		c.remove(el)
		return nil, false, nil
	}
	c.ll.MoveToFront(el)
	return me.entry, true, nil
}

// Set implements Cache, evicting the least recently used entry at the
// bound.
func (c *MemoryCache) Set(_ context.Context, key string, e *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
	me := &memEntry{key: key, entry: e, expiresAt: time.Now().Add(ttl)}
	el := c.ll.PushFront(me)
	c.items[key] = el
	for _, src := range e.Sources {
		keys, ok := c.bySource[src]
		if !ok {
			keys = make(map[string]struct{})
			c.bySource[src] = keys
		}
		keys[key] = struct{}{}
	}

	for c.ll.Len() > c.max {
		c.remove(c.ll.Back())
	}
	return nil
}

// Invalidate implements Cache.
func (c *MemoryCache) Invalidate(_ context.Context, sourceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.bySource[sourceID] {
		if el, ok := c.items[key]; ok {
			c.remove(el)
		}
	}
	delete(c.bySource, sourceID)
	return nil
}

// Close implements Cache, stopping the expiry sweep.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// sweep drops every entry whose TTL elapsed before now.
func (c *MemoryCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next *list.Element
	for el := c.ll.Front(); el != nil; el = next {
		next = el.Next()
		if now.After(el.Value.(*memEntry).expiresAt) {
			c.remove(el)
		}
	}
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// remove drops an element and its source index entries. Caller holds
// the lock.
func (c *MemoryCache) remove(el *list.Element) {
	me := el.Value.(*memEntry)
	c.ll.Remove(el)
	delete(c.items, me.key)
	for _, src := range me.entry.Sources {
		if keys, ok := c.bySource[src]; ok {
			delete(keys, me.key)
			if len(keys) == 0 {
				delete(c.bySource, src)
			}
		}
	}
}
