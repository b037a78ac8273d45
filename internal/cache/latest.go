package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SAI-MANIKANTA-TUNIKI/SmartaGrhas/internal/store"
)

const DefaultTTL = 24 * time.Hour

// Latest keeps the most recent sensor reading of each device.
type Latest struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewLatest(rdb *redis.Client, ttl time.Duration) *Latest {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Latest{rdb: rdb, ttl: ttl}
}

func key(deviceID string) string { return "relayhub:sensor:latest:" + deviceID }

func (c *Latest) Set(ctx context.Context, s store.SensorSample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key(s.DeviceID), b, c.ttl).Err()
}

// Get returns nil, nil on a miss.
func (c *Latest) Get(ctx context.Context, deviceID string) (*store.SensorSample, error) {
	b, err := c.rdb.Get(ctx, key(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s store.SensorSample
	if err := json.Unmarshal(b, &s); err != nil {
		// A corrupt entry is a miss; the store is authoritative.
		_ = c.rdb.Del(ctx, key(deviceID)).Err()
		return nil, nil
	}
	return &s, nil
}

func (c *Latest) Delete(ctx context.Context, deviceID string) error {
	return c.rdb.Del(ctx, key(deviceID)).Err()
}
