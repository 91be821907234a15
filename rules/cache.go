package rules

import "time"

// DefaultCacheTTL is how long a tenant's rule set is served before a refetch.
const DefaultCacheTTL = 300 * time.Second

// RulesCache holds parsed rule sets per tenant.
// This allows swapping between in-memory or other caching implementations.
type RulesCache interface {
	// Get returns the tenant's cached rules; false on a miss or an expired entry.
	Get(tenantID string) ([]*Rule, bool)

	// Set stores the tenant's rules, replacing any previous entry.
	Set(tenantID string, rules []*Rule)

	// Version returns a token that changes whenever the tenant's entry is
	// invalidated or the cache is cleared.
	Version(tenantID string) uint64

	// SetIfVersion stores rules only if no invalidation happened since
	// Version returned version. It reports whether the entry was stored.
	SetIfVersion(tenantID string, rules []*Rule, version uint64) bool

	// Invalidate evicts one tenant so the next Get is a miss.
	Invalidate(tenantID string)

	// Clear evicts every tenant.
	Clear()

	// Sweep evicts expired entries and returns how many were removed.
	Sweep() int

	// Stats reports the entry count and TTL.
	Stats() CacheStats
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Zero or negative disables expiry (explicit invalidation only).
	TTL time.Duration
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: DefaultCacheTTL}
}

// CacheStats is introspection data for the cache.
type CacheStats struct {
	Entries    int     `json:"entries"`
	TTLSeconds float64 `json:"ttl_seconds"`
}
