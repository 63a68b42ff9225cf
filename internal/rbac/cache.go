package rbac

import (
	"sync"
	"time"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
)

// PermissionCache holds role permission sets between lookups.
//
// Every entry is tagged with the generation it was loaded under. Invalidate bumps the
// generation, so a load that started before an invalidation can never publish its result.
type PermissionCache interface {
	// Get returns the cached set for key and the current generation.
	Get(key string) (perms []models.Permission, gen uint64, ok bool)
	// Set stores perms if gen is still current; stale generations are dropped.
	Set(key string, perms []models.Permission, gen uint64)
	// Invalidate drops every entry.
	Invalidate()
}

type cacheEntry struct {
	perms    []models.Permission
	loadedAt time.Time
}

// MemoryCache is a process-local PermissionCache. A zero ttl keeps entries until the next
// invalidation.
type MemoryCache struct {
	mu      sync.RWMutex
	gen     uint64
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func (c *MemoryCache) Get(key string) ([]models.Permission, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, c.gen, false
	}
	if c.ttl > 0 && c.now().Sub(e.loadedAt) > c.ttl {
		return nil, c.gen, false
	}
	return e.perms, c.gen, true
}

func (c *MemoryCache) Set(key string, perms []models.Permission, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	cp := make([]models.Permission, len(perms))
	copy(cp, perms)
	c.entries[key] = cacheEntry{perms: cp, loadedAt: c.now()}
}

func (c *MemoryCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries = make(map[string]cacheEntry)
}

// Len reports the number of cached roles.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
