// Package convcache is a bounded LRU cache with per-entry TTL, used by
// the auto-responder to keep recent conversation history per chat.
// The LRU is backed by container/list, instrumented with prometheus
// hit/miss/size metrics registered against an injected Registerer, and
// swept for expired entries in the background.
package convcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type entry struct {
	key       string
	value     interface{}
	timestamp time.Time
	ttl       time.Duration
}

// Cache is a capacity-bounded LRU with optional per-entry TTL.
type Cache struct {
	mu        sync.Mutex
	items     map[string]*list.Element
	evictList *list.List
	capacity  int

	hits   prometheus.Counter
	misses prometheus.Counter
	size   prometheus.Gauge
}

// New creates a Cache holding at most capacity entries, registering its
// metrics against reg.
func New(capacity int, reg prometheus.Registerer) *Cache {
	factory := promauto.With(reg)
	return &Cache{
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		capacity:  capacity,
		hits: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_convcache_hits_total",
			Help: "Total number of conversation cache hits.",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_convcache_misses_total",
			Help: "Total number of conversation cache misses.",
		}),
		size: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_convcache_size",
			Help: "Current number of conversation cache entries.",
		}),
	}
}

// Get returns the value for key if present and unexpired.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		c.misses.Inc()
		return nil, false
	}
	e := element.Value.(*entry)
	if e.ttl > 0 && time.Since(e.timestamp) > e.ttl {
		c.evictElement(element)
		c.misses.Inc()
		return nil, false
	}
	c.evictList.MoveToFront(element)
	c.hits.Inc()
	return e.value, true
}

// Set stores value under key with the given ttl (0 = no expiry),
// evicting the least-recently-used entry when over capacity.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, exists := c.items[key]; exists {
		c.evictList.MoveToFront(element)
		e := element.Value.(*entry)
		e.value = value
		e.timestamp = time.Now()
		e.ttl = ttl
		return
	}

	element := c.evictList.PushFront(&entry{key: key, value: value, timestamp: time.Now(), ttl: ttl})
	c.items[key] = element
	c.size.Inc()

	if c.evictList.Len() > c.capacity {
		if back := c.evictList.Back(); back != nil {
			c.evictElement(back)
		}
	}
}

func (c *Cache) evictElement(element *list.Element) {
	c.evictList.Remove(element)
	delete(c.items, element.Value.(*entry).key)
	c.size.Dec()
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if element, exists := c.items[key]; exists {
		c.evictElement(element)
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// RunCleanup sweeps expired entries every interval until ctx is
// cancelled.
func (c *Cache) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanupExpired()
		}
	}
}

func (c *Cache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, element := range c.items {
		e := element.Value.(*entry)
		if e.ttl > 0 && now.Sub(e.timestamp) > e.ttl {
			c.evictElement(element)
		}
	}
}
