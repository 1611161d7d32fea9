package source

import (
	"context"
	"sync"

	"github.com/example/ride-tracker/internal/models"
)

// Handler receives everything a source learns about one ride. Calls may come
// from any goroutine owned by the source.
type Handler interface {
	HandleEvent(ev models.RideEvent)
	HandleDisconnect(err error)
	HandleReconnect()
}

// Source delivers ride events for a ride id until the returned unsubscribe
// func is called or ctx is cancelled. Unsubscribe must be idempotent.
type Source interface {
	Subscribe(ctx context.Context, rideID string, h Handler) (unsubscribe func(), err error)
}

// fanout routes events by ride id to subscribed handlers. Shared by the
// single-connection sources (memory, kafka, mqtt).
type fanout struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   uint64
}

func newFanout() *fanout {
	return &fanout{handlers: make(map[string]map[uint64]Handler)}
}

func (f *fanout) add(rideID string, h Handler) (id uint64, first bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	set, ok := f.handlers[rideID]
	if !ok {
		set = make(map[uint64]Handler)
		f.handlers[rideID] = set
	}
	set[f.nextID] = h
	return f.nextID, !ok
}

// remove drops a handler and reports whether the ride has no handlers left.
func (f *fanout) remove(rideID string, id uint64) (last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.handlers[rideID]
	if !ok {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(f.handlers, rideID)
		return true
	}
	return false
}

func (f *fanout) forRide(rideID string) []Handler {
	f.mu.RLock()
	defer f.mu.RUnlock()
	set := f.handlers[rideID]
	out := make([]Handler, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}

func (f *fanout) all() []Handler {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []Handler
	for _, set := range f.handlers {
		for _, h := range set {
			out = append(out, h)
		}
	}
	return out
}

func (f *fanout) rides() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.handlers))
	for id := range f.handlers {
		out = append(out, id)
	}
	return out
}

func (f *fanout) deliver(rideID string, ev models.RideEvent) int {
	hs := f.forRide(rideID)
	for _, h := range hs {
		h.HandleEvent(ev)
	}
	return len(hs)
}

func (f *fanout) disconnect(err error) {
	for _, h := range f.all() {
		h.HandleDisconnect(err)
	}
}

func (f *fanout) reconnect() {
	for _, h := range f.all() {
		h.HandleReconnect()
	}
}

// onceFunc wraps fn so repeated unsubscribe calls are harmless.
func onceFunc(fn func()) func() {
	var once sync.Once
	return func() { once.Do(fn) }
}
