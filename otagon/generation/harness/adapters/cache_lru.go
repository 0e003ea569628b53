package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/otagon/otagon/generation/harness/ports"
)

// LRUCache is the in-process response tier: a capacity-bounded LRU list
// whose entries expire after their TTL.
type LRUCache struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	items      map[string]*cacheItem
	head       *cacheItem
	tail       *cacheItem
	now        func() time.Time
}

type cacheItem struct {
	key       string
	value     []byte
	expiresAt time.Time
	prev      *cacheItem
	next      *cacheItem
}

// NewLRUCache creates a cache holding at most capacity entries. Set calls
// with a non-positive TTL use defaultTTL.
func NewLRUCache(capacity int, defaultTTL time.Duration) *LRUCache {
	if capacity <= 0 {
		capacity = 1
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &LRUCache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		items:      make(map[string]*cacheItem),
		now:        time.Now,
	}
}

// Get returns a live entry and marks it most recently used. An expired entry
// is evicted and reported as a miss.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return nil, false
	}

	if !c.now().Before(item.expiresAt) {
		c.unlink(item)
		delete(c.items, key)
		return nil, false
	}

	c.moveToFront(item)
	return item.value, true
}

func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	ttl := c.defaultTTL
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if item, exists := c.items[key]; exists {
		item.value = value
		item.expiresAt = expiresAt
		c.moveToFront(item)
		return nil
	}

	item := &cacheItem{key: key, value: value, expiresAt: expiresAt}
	c.pushFront(item)
	c.items[key] = item

	for len(c.items) > c.capacity {
		c.evictOldest()
	}
	return nil
}

func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		c.unlink(item)
		delete(c.items, key)
	}
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// PurgeExpired drops every expired entry and returns how many were removed.
func (c *LRUCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, item := range c.items {
		if !now.Before(item.expiresAt) {
			c.unlink(item)
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *LRUCache) moveToFront(item *cacheItem) {
	if item == c.head {
		return
	}
	c.unlink(item)
	c.pushFront(item)
}

func (c *LRUCache) pushFront(item *cacheItem) {
	item.next = c.head
	item.prev = nil
	if c.head != nil {
		c.head.prev = item
	}
	c.head = item
	if c.tail == nil {
		c.tail = item
	}
}

func (c *LRUCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev = nil
	item.next = nil
}

func (c *LRUCache) evictOldest() {
	if c.tail == nil {
		return
	}
	item := c.tail
	c.unlink(item)
	delete(c.items, item.key)
}

var _ ports.Cache = (*LRUCache)(nil)
