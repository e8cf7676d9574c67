package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// Stats describes local cache usage.
type Stats struct {
	Size     int
	Capacity int
	Hits     int64
	Misses   int64
}

// LRUCache is a size-bounded, TTL-aware cache. It backs the community tier and
// serves as L1 of the two-phase cache.
type LRUCache struct {
	mu       sync.Mutex
	maxSize  int
	items    map[string]*list.Element
	order    *list.List
	counters map[string]*counter
	hits     int64
	misses   int64
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type counter struct {
	n         int64
	expiresAt time.Time
}

// NewLRUCache creates a cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LRUCache{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]*counter),
	}
}

func (c *LRUCache) Get(_ context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[scopedKey(tenantID, key)]
	if !ok {
		c.misses++
		return nil, nil
	}
	e := elem.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.remove(elem)
		c.misses++
		return nil, nil
	}

	c.order.MoveToFront(elem)
	c.hits++
	return e.value, nil
}

func (c *LRUCache) Set(_ context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	full := scopedKey(tenantID, key)
	expires := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[full]; ok {
		e := elem.Value.(*entry)
		e.value, e.expiresAt = value, expires
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[full] = c.order.PushFront(&entry{key: full, value: value, expiresAt: expires})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
	}
	return nil
}

func (c *LRUCache) Delete(_ context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[scopedKey(tenantID, key)]; ok {
		c.remove(elem)
	}
	return nil
}

// IncrementCounter counts within a fixed window that starts on the first increment.
func (c *LRUCache) IncrementCounter(_ context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}
	full := scopedKey(tenantID, "counter:"+key)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ctr, ok := c.counters[full]
	if !ok || now.After(ctr.expiresAt) {
		c.counters[full] = &counter{n: 1, expiresAt: now.Add(window)}
		return 1, nil
	}
	ctr.n++
	return ctr.n, nil
}

func (c *LRUCache) Ping(context.Context) error {
	return nil
}

func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.counters = make(map[string]*counter)
	return nil
}

// Stats returns a snapshot of size and hit counters.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: c.order.Len(), Capacity: c.maxSize, Hits: c.hits, Misses: c.misses}
}

func (c *LRUCache) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}

func scopedKey(tenantID, key string) string {
	return tenantID + ":" + key
}
