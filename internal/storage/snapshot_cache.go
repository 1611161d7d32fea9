package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracker/internal/models"
)

// SnapshotCache keeps the last known RideState per ride in redis so a ride
// can still be shown after its tracker has been closed or the process restarted.
type SnapshotCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewSnapshotCache(rdb redis.Cmdable, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SnapshotCache{rdb: rdb, ttl: ttl}
}

func snapshotKey(rideID string) string { return "ride:snapshot:" + rideID }

func (c *SnapshotCache) Put(ctx context.Context, s models.RideState) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, snapshotKey(s.RideID), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache snapshot %s: %w", s.RideID, err)
	}
	return nil
}

// Get returns ErrNotFound when nothing is cached for the ride.
func (c *SnapshotCache) Get(ctx context.Context, rideID string) (models.RideState, error) {
	b, err := c.rdb.Get(ctx, snapshotKey(rideID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.RideState{}, ErrNotFound
	}
	if err != nil {
		return models.RideState{}, fmt.Errorf("load snapshot %s: %w", rideID, err)
	}
	var s models.RideState
	if err := json.Unmarshal(b, &s); err != nil {
		return models.RideState{}, fmt.Errorf("decode snapshot %s: %w", rideID, err)
	}
	return s, nil
}
