package access

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/gateway"
)

const (
	defaultMemoryCacheTTL = 10 * time.Minute
	memoryCacheSweepSize  = 4096
)

type cachedDetails struct {
	details   gateway.PaymentDetails
	expiresAt time.Time
}

// MemoryCache is the single-instance DetailCache used when Redis is not configured.
type MemoryCache struct {
	mutex   sync.Mutex
	entries map[string]cachedDetails
	ttl     time.Duration
	nowFn   func() time.Time
}

// NewMemoryCache keeps entries for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = defaultMemoryCacheTTL
	}
	return &MemoryCache{
		entries: make(map[string]cachedDetails),
		ttl:     ttl,
		nowFn:   time.Now,
	}
}

// Get returns a live entry. Expired entries are evicted on read.
func (cache *MemoryCache) Get(_ context.Context, reference string) (gateway.PaymentDetails, bool, error) {
	key := strings.TrimSpace(reference)
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	entry, ok := cache.entries[key]
	if !ok {
		return gateway.PaymentDetails{}, false, nil
	}
	if !cache.nowFn().Before(entry.expiresAt) {
		delete(cache.entries, key)
		return gateway.PaymentDetails{}, false, nil
	}
	return entry.details, true, nil
}

// Set stores details under their payment reference.
func (cache *MemoryCache) Set(_ context.Context, details gateway.PaymentDetails) error {
	key := strings.TrimSpace(details.Reference)
	if key == "" {
		return nil
	}
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	now := cache.nowFn()
	if len(cache.entries) >= memoryCacheSweepSize {
		for candidate, entry := range cache.entries {
			if !now.Before(entry.expiresAt) {
				delete(cache.entries, candidate)
			}
		}
	}
	cache.entries[key] = cachedDetails{details: details, expiresAt: now.Add(cache.ttl)}
	return nil
}
