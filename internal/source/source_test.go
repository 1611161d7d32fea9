package source

import (
	"errors"
	"sync"
	"time"

	"github.com/example/ride-tracker/internal/models"
)

// recorder is a Handler that remembers everything it is told.
type recorder struct {
	mu          sync.Mutex
	events      []models.RideEvent
	disconnects int
	reconnects  int
}

func (r *recorder) HandleEvent(ev models.RideEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) HandleDisconnect(error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
}

func (r *recorder) HandleReconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects++
}

func (r *recorder) snapshot() (events []models.RideEvent, down, up int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.RideEvent(nil), r.events...), r.disconnects, r.reconnects
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

var errBoom = errors.New("boom")

