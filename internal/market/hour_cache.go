package market

import (
	"sync"
	"time"
)

// hourCache stores USD prices keyed by (token, hour bucket) with a size cap.
// Eviction is coarse: when full, the oldest half by insertion order is
// dropped. Price lookups dominate writes by orders of magnitude, so the
// RWMutex keeps readers cheap.
type hourCache struct {
	mu      sync.RWMutex
	max     int
	entries map[hourKey]float64
	order   []hourKey
}

type hourKey struct {
	token  string
	bucket int64 // unix hour
}

func newHourCache(max int) *hourCache {
	if max <= 0 {
		max = 1024
	}
	return &hourCache{
		max:     max,
		entries: make(map[hourKey]float64, max),
	}
}

func (c *hourCache) get(token string, bucket time.Time) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	usd, ok := c.entries[hourKey{token, bucket.Unix()}]
	return usd, ok
}

func (c *hourCache) put(token string, bucket time.Time, usd float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := hourKey{token, bucket.Unix()}
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = usd

	if len(c.entries) > c.max {
		drop := len(c.order) / 2
		for _, k := range c.order[:drop] {
			delete(c.entries, k)
		}
		c.order = append(c.order[:0], c.order[drop:]...)
	}
}

func (c *hourCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
