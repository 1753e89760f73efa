package cache

import (
	"context"
	"sync"
	"time"

	"possale/backend/internal/domain"
)

// SaleCache holds rendered sale details keyed by sale id. A miss is reported
// as (nil, false, nil); errors are for the caller to log, never to fail on.
type SaleCache interface {
	Get(ctx context.Context, saleID string) (*domain.SaleDetail, bool, error)
	Set(ctx context.Context, value *domain.SaleDetail, ttl time.Duration) error
	Delete(ctx context.Context, saleID string) error
}

type NoopSaleCache struct{}

func (NoopSaleCache) Get(_ context.Context, _ string) (*domain.SaleDetail, bool, error) {
	return nil, false, nil
}

func (NoopSaleCache) Set(_ context.Context, _ *domain.SaleDetail, _ time.Duration) error {
	return nil
}

func (NoopSaleCache) Delete(_ context.Context, _ string) error {
	return nil
}

// MemorySaleCache is an in-process SaleCache for single-node runs and tests.
type MemorySaleCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	detail    domain.SaleDetail
	expiresAt time.Time
}

func NewMemorySaleCache() *MemorySaleCache {
	return &MemorySaleCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemorySaleCache) Get(_ context.Context, saleID string) (*domain.SaleDetail, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[saleID]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		delete(c.entries, saleID)
		return nil, false, nil
	}
	detail := entry.detail
	return &detail, true, nil
}

func (c *MemorySaleCache) Set(_ context.Context, value *domain.SaleDetail, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := memoryEntry{detail: *value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries[value.ID] = entry
	return nil
}

func (c *MemorySaleCache) Delete(_ context.Context, saleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, saleID)
	return nil
}

func (c *MemorySaleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
