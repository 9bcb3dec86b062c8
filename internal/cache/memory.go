package cache

import (
	"context"
	"sync"
	"time"

	"github.com/trogers1052/equity-oracle/internal/models"
)

type memoryEntry struct {
	price     models.ConsensusPrice
	expiresAt time.Time
}

// MemoryPriceCache is an in-process PriceCache used when no Redis is configured.
type MemoryPriceCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryPriceCache creates an empty in-process cache.
func NewMemoryPriceCache() *MemoryPriceCache {
	return &MemoryPriceCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns a copy of the cached price. Expired entries are removed on read.
func (c *MemoryPriceCache) Get(_ context.Context, key string) (*models.ConsensusPrice, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if current, still := c.entries[key]; still && current.expiresAt.Equal(entry.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}

	price := entry.price
	price.Sources = append([]models.SourceQuote(nil), entry.price.Sources...)
	return &price, true, nil
}

// Set stores a copy of price for ttl. A non-positive ttl is a no-op.
func (c *MemoryPriceCache) Set(_ context.Context, key string, price *models.ConsensusPrice, ttl time.Duration) error {
	if price == nil || ttl <= 0 {
		return nil
	}

	stored := *price
	stored.Sources = append([]models.SourceQuote(nil), price.Sources...)

	c.mu.Lock()
	c.entries[key] = memoryEntry{price: stored, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Invalidate removes key.
func (c *MemoryPriceCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired or not.
func (c *MemoryPriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
