package tenantengine

import (
	"encoding/json"
	"sync"
	"time"
)

// TenantRuleset is one tenant's active workflow ruleset definition as
// stored in the database. A nil Definition means the tenant uses the
// built-in default ruleset.
type TenantRuleset struct {
	TenantID   string
	Definition json.RawMessage
}

// RulesetCache fronts the database read of tenant ruleset definitions.
// Allows swapping in Redis or another backend later.
type RulesetCache interface {
	// Get returns cached rulesets, nil on miss or expiry.
	Get() []TenantRuleset

	// Set stores rulesets in the cache.
	Set(rulesets []TenantRuleset)

	// Invalidate clears the cache, forcing a refresh on next Get.
	Invalidate()
}

// CacheConfig holds cache behavior settings.
type CacheConfig struct {
	// TTL for cached entries; 0 means manual invalidation only.
	TTL time.Duration
}

// DefaultCacheConfig returns the defaults: no TTL, invalidate on
// ruleset mutations only.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}

// InMemoryRulesetCache is a thread-safe in-memory RulesetCache.
type InMemoryRulesetCache struct {
	rulesets []TenantRuleset
	cachedAt time.Time
	config   CacheConfig
	valid    bool
	mu       sync.RWMutex
}

// NewInMemoryRulesetCache creates an empty in-memory ruleset cache.
func NewInMemoryRulesetCache(config CacheConfig) *InMemoryRulesetCache {
	return &InMemoryRulesetCache{config: config}
}

// Get returns cached rulesets, nil on miss or expiry.
func (c *InMemoryRulesetCache) Get() []TenantRuleset {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.valid {
		return nil
	}
	if c.config.TTL > 0 && time.Since(c.cachedAt) > c.config.TTL {
		return nil
	}

	out := make([]TenantRuleset, len(c.rulesets))
	copy(out, c.rulesets)
	return out
}

// Set stores rulesets in the cache.
func (c *InMemoryRulesetCache) Set(rulesets []TenantRuleset) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rulesets = make([]TenantRuleset, len(rulesets))
	copy(c.rulesets, rulesets)
	c.cachedAt = time.Now()
	c.valid = true
}

// Invalidate clears the cache.
func (c *InMemoryRulesetCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.valid = false
	c.rulesets = nil
}
