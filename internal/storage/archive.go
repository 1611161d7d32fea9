package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-tracker/internal/models"
)

// ErrNotFound is returned when a ride has no archived or cached record.
var ErrNotFound = errors.New("not found")

// Archive keeps finished rides for the passenger's history screen.
type Archive interface {
	ArchiveRide(ctx context.Context, h models.HistoryEntry) error
	// History returns the most recently archived rides first.
	History(ctx context.Context, limit int) ([]models.HistoryEntry, error)
}

// MemoryArchive is the archive used when no database is configured.
type MemoryArchive struct {
	mu    sync.RWMutex
	rides map[string]models.HistoryEntry
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{rides: make(map[string]models.HistoryEntry)}
}

// ArchiveRide stores h, replacing any earlier entry for the same ride.
func (m *MemoryArchive) ArchiveRide(_ context.Context, h models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[h.RideID] = h
	return nil
}

func (m *MemoryArchive) History(_ context.Context, limit int) ([]models.HistoryEntry, error) {
	m.mu.RLock()
	out := make([]models.HistoryEntry, 0, len(m.rides))
	for _, h := range m.rides {
		out = append(out, h)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ArchivedAt.Equal(out[j].ArchivedAt) {
			return out[i].RideID < out[j].RideID
		}
		return out[i].ArchivedAt.After(out[j].ArchivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryArchive) Get(rideID string) (models.HistoryEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.rides[rideID]
	return h, ok
}
