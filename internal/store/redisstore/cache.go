package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/gateway"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	detailKeyPrefix   = "credits:payment:v1:"
	DefaultDetailsTTL = 10 * time.Minute
)

// DetailCache caches gateway payment details by reference.
type DetailCache struct {
	client goredis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewDetailCache returns a cache. A non-positive ttl selects DefaultDetailsTTL.
func NewDetailCache(client goredis.UniversalClient, ttl time.Duration, logger *zap.Logger) (*DetailCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: client is nil")
	}
	if ttl <= 0 {
		ttl = DefaultDetailsTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetailCache{client: client, ttl: ttl, logger: logger}, nil
}

// DetailKey formats the cache key of a payment reference.
func DetailKey(reference string) string {
	return detailKeyPrefix + reference
}

// Get returns the cached details. A miss returns ok false and no error.
func (cache *DetailCache) Get(ctx context.Context, reference string) (gateway.PaymentDetails, bool, error) {
	raw, err := cache.client.Get(ctx, DetailKey(reference)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return gateway.PaymentDetails{}, false, nil
	}
	if err != nil {
		return gateway.PaymentDetails{}, false, fmt.Errorf("get payment details: %w", err)
	}
	var details gateway.PaymentDetails
	if err := json.Unmarshal(raw, &details); err != nil {
		// A corrupt entry behaves like a miss and is dropped.
		cache.logger.Warn("dropping unreadable payment cache entry", zap.String("payment_reference", reference), zap.Error(err))
		_ = cache.client.Del(ctx, DetailKey(reference)).Err()
		return gateway.PaymentDetails{}, false, nil
	}
	return details, true, nil
}

// Set stores details for the configured ttl.
func (cache *DetailCache) Set(ctx context.Context, details gateway.PaymentDetails) error {
	if details.Reference == "" {
		return fmt.Errorf("set payment details: reference is required")
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal payment details: %w", err)
	}
	if err := cache.client.Set(ctx, DetailKey(details.Reference), raw, cache.ttl).Err(); err != nil {
		return fmt.Errorf("set payment details: %w", err)
	}
	return nil
}
