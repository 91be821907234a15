package rules

import (
	"sync"
	"time"

	"github.com/liamcoop/tenantrules/internal/metrics"
)

type cacheEntry struct {
	rules    []*Rule
	cachedAt time.Time
}

// InMemoryRulesCache is a per-tenant TTL cache. Expiry is lazy: a stale
// entry is evicted when it is read, or by Sweep.
// Thread-safe for concurrent access
type InMemoryRulesCache struct {
	entries  map[string]*cacheEntry
	versions map[string]uint64
	epoch    uint64
	ttl      time.Duration
	now      func() time.Time
	mu       sync.RWMutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries:  make(map[string]*cacheEntry),
		versions: make(map[string]uint64),
		ttl:      config.TTL,
		now:      time.Now,
	}
}

func (c *InMemoryRulesCache) expired(e *cacheEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.cachedAt) >= c.ttl
}

// Get retrieves a tenant's cached rules. The returned slice is a copy.
func (c *InMemoryRulesCache) Get(tenantID string) ([]*Rule, bool) {
	c.mu.RLock()
	e, ok := c.entries[tenantID]
	if ok && !c.expired(e, c.now()) {
		rules := make([]*Rule, len(e.rules))
		copy(rules, e.rules)
		c.mu.RUnlock()
		return rules, true
	}
	c.mu.RUnlock()

	if ok {
		c.mu.Lock()
		// Only evict the entry we saw; a concurrent Set may have replaced it.
		if cur, still := c.entries[tenantID]; still && cur == e {
			delete(c.entries, tenantID)
			metrics.CacheEvictions.WithLabelValues("expired").Inc()
			metrics.CacheEntries.Set(float64(len(c.entries)))
		}
		c.mu.Unlock()
	}
	return nil, false
}

// Set stores a copy of rules for the tenant.
func (c *InMemoryRulesCache) Set(tenantID string, rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(tenantID, rules)
}

func (c *InMemoryRulesCache) store(tenantID string, rules []*Rule) {
	stored := make([]*Rule, len(rules))
	copy(stored, rules)
	c.entries[tenantID] = &cacheEntry{rules: stored, cachedAt: c.now()}
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

func (c *InMemoryRulesCache) Version(tenantID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch + c.versions[tenantID]
}

func (c *InMemoryRulesCache) SetIfVersion(tenantID string, rules []*Rule, version uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch+c.versions[tenantID] != version {
		return false
	}
	c.store(tenantID, rules)
	return true
}

// Invalidate clears one tenant's entry, forcing a refresh on next Get
func (c *InMemoryRulesCache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.versions[tenantID]++
	if _, ok := c.entries[tenantID]; ok {
		delete(c.entries, tenantID)
		metrics.CacheEvictions.WithLabelValues("invalidated").Inc()
		metrics.CacheEntries.Set(float64(len(c.entries)))
	}
}

// Clear drops every entry.
func (c *InMemoryRulesCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	if n := len(c.entries); n > 0 {
		metrics.CacheEvictions.WithLabelValues("cleared").Add(float64(n))
	}
	c.entries = make(map[string]*cacheEntry)
	metrics.CacheEntries.Set(0)
}

func (c *InMemoryRulesCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for tenantID, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, tenantID)
			removed++
		}
	}
	if removed > 0 {
		metrics.CacheEvictions.WithLabelValues("expired").Add(float64(removed))
		metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	return removed
}

// SetTTL changes the TTL; existing entries are judged against the new value.
func (c *InMemoryRulesCache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

func (c *InMemoryRulesCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Entries:    len(c.entries),
		TTLSeconds: c.ttl.Seconds(),
	}
}

// Tenants returns the tenant IDs currently cached, including expired
// entries not yet evicted.
func (c *InMemoryRulesCache) Tenants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tenants := make([]string, 0, len(c.entries))
	for tenantID := range c.entries {
		tenants = append(tenants, tenantID)
	}
	return tenants
}
