package source

import (
	"context"

	"github.com/example/ride-tracker/internal/models"
)

// Memory is an in-process source. The ingest endpoint publishes into it when
// no broker is configured.
type Memory struct {
	f *fanout
}

func NewMemory() *Memory { return &Memory{f: newFanout()} }

func (m *Memory) Subscribe(ctx context.Context, rideID string, h Handler) (func(), error) {
	id, _ := m.f.add(rideID, h)
	unsub := onceFunc(func() { m.f.remove(rideID, id) })
	go func() {
		<-ctx.Done()
		unsub()
	}()
	return unsub, nil
}

// Publish delivers ev synchronously and reports how many handlers received it.
func (m *Memory) Publish(rideID string, ev models.RideEvent) int {
	return m.f.deliver(rideID, ev)
}

// PublishEvent lets the ingest endpoint use Memory in place of a broker.
func (m *Memory) PublishEvent(_ context.Context, rideID string, ev models.RideEvent) error {
	m.Publish(rideID, ev)
	return nil
}

// Disconnect and Reconnect simulate transport health changes.
func (m *Memory) Disconnect(err error) { m.f.disconnect(err) }

func (m *Memory) Reconnect() { m.f.reconnect() }
