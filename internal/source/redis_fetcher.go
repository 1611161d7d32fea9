package source

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/ride-tracker/internal/models"
	"github.com/redis/go-redis/v9"
)

// EventsKey is the redis list the relay appends a ride's encoded events to.
func EventsKey(rideID string) string {
	return "ride:events:" + rideID
}

// ListReader is the subset of redis.Cmdable the fetcher needs.
type ListReader interface {
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// RedisFetcher reads a ride's event log from a redis list.
type RedisFetcher struct {
	rdb    ListReader
	logger *slog.Logger
}

func NewRedisFetcher(rdb ListReader, logger *slog.Logger) *RedisFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFetcher{rdb: rdb, logger: logger}
}

// FetchEvents reads the list from position cursor on. The cursor counts list
// entries, not seqs, so an event appended after a higher seq is still
// delivered and left to the tracker's reorder window.
func (f *RedisFetcher) FetchEvents(ctx context.Context, rideID string, cursor uint64) ([]models.RideEvent, uint64, error) {
	raw, err := f.rdb.LRange(ctx, EventsKey(rideID), int64(cursor), -1).Result()
	if err != nil {
		return nil, cursor, fmt.Errorf("lrange %s: %w", EventsKey(rideID), err)
	}
	var out []models.RideEvent
	for _, item := range raw {
		id, ev, err := DecodeEnvelope([]byte(item))
		if err != nil {
			f.logger.Warn("invalid ride event in redis", "ride_id", rideID, "error", err)
			continue
		}
		if id != rideID {
			continue
		}
		out = append(out, ev)
	}
	return out, cursor + uint64(len(raw)), nil
}
