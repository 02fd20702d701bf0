package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisclient "github.com/richxcame/taxi-dispatch/pkg/redis"
)

// Manager handles caching operations with JSON serialization
type Manager struct {
	redis redisclient.ClientInterface
}

// NewManager creates a new cache manager
func NewManager(redis redisclient.ClientInterface) *Manager {
	return &Manager{redis: redis}
}

// Get retrieves a cached value and unmarshals it into result
func (m *Manager) Get(ctx context.Context, key string, result interface{}) error {
	data, err := m.redis.GetString(ctx, key)
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(data), result)
}

// Set marshals and caches a value with expiration
func (m *Manager) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	return m.redis.SetWithExpiration(ctx, key, string(data), ttl)
}

// Delete removes keys from cache
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	return m.redis.Delete(ctx, keys...)
}

// CacheKeys defines the cache key patterns used by the dispatch core
type CacheKeys struct{}

var Keys = CacheKeys{}

// DriverProfile returns the cache key for a driver's behavioral profile
func (k CacheKeys) DriverProfile(driverID string) string {
	return fmt.Sprintf("driver:profile:%s", driverID)
}

// Offer returns the tracking key for an offer sent to a driver
func (k CacheKeys) Offer(orderID, driverID string) string {
	return fmt.Sprintf("order_offer:%s:%s", orderID, driverID)
}

// OrderStatus returns the cache key mirroring an order's dispatch status
func (k CacheKeys) OrderStatus(orderID string) string {
	return fmt.Sprintf("order_status:%s", orderID)
}

// ETARoute returns the cross-process hint key for a cached ETA five-tuple
func (k CacheKeys) ETARoute(originLat, originLng, destLat, destLng float64, hour int) string {
	return fmt.Sprintf("eta:%.4f:%.4f:%.4f:%.4f:%d", originLat, originLng, destLat, destLng, hour)
}
