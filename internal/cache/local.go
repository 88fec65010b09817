package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gotrs-io/mailbridge/internal/metrics"
	"github.com/gotrs-io/mailbridge/internal/models"
)

// LocalOrganizationCache is an in-process cache for single-instance
// deployments without Redis.
type LocalOrganizationCache struct {
	mu    sync.RWMutex
	items map[string]localItem
	now   func() time.Time
}

type localItem struct {
	org       models.Organization
	expiresAt time.Time
}

// NewLocalOrganizationCache creates an empty cache.
func NewLocalOrganizationCache() *LocalOrganizationCache {
	return &LocalOrganizationCache{items: make(map[string]localItem), now: time.Now}
}

// GetOrganization returns nil, nil on a miss or an expired entry.
func (lc *LocalOrganizationCache) GetOrganization(_ context.Context, address string) (*models.Organization, error) {
	key := strings.ToLower(address)
	lc.mu.RLock()
	item, ok := lc.items[key]
	lc.mu.RUnlock()
	if !ok || !lc.now().Before(item.expiresAt) {
		if ok {
			lc.mu.Lock()
			if cur, still := lc.items[key]; still && !lc.now().Before(cur.expiresAt) {
				delete(lc.items, key)
			}
			lc.mu.Unlock()
		}
		metrics.OrganizationCache.WithLabelValues("miss").Inc()
		return nil, nil
	}
	metrics.OrganizationCache.WithLabelValues("hit").Inc()
	org := item.org
	return &org, nil
}

// SetOrganization stores a copy of org for ttl.
func (lc *LocalOrganizationCache) SetOrganization(_ context.Context, address string, org *models.Organization, ttl time.Duration) error {
	if org == nil || ttl <= 0 {
		return nil
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.items[strings.ToLower(address)] = localItem{org: *org, expiresAt: lc.now().Add(ttl)}
	return nil
}

// Invalidate drops the entry for address.
func (lc *LocalOrganizationCache) Invalidate(_ context.Context, address string) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	delete(lc.items, strings.ToLower(address))
	return nil
}
