package source

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-tracker/internal/models"
)

type scriptedFetcher struct {
	mu     sync.Mutex
	after  []uint64
	fail   bool
	events []models.RideEvent
}

// FetchEvents uses the position in f.events as its cursor.
func (f *scriptedFetcher) FetchEvents(_ context.Context, _ string, cursor uint64) ([]models.RideEvent, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after = append(f.after, cursor)
	if f.fail {
		return nil, cursor, errBoom
	}
	out := append([]models.RideEvent(nil), f.events[cursor:]...)
	return out, uint64(len(f.events)), nil
}

func (f *scriptedFetcher) set(fail bool, evs ...models.RideEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
	f.events = append(f.events, evs...)
}

func TestPollDeliversNewEventsOnce(t *testing.T) {
	f := &scriptedFetcher{}
	f.set(false, models.RideEvent{Seq: 1, Phase: models.PhaseDriverAssigned}, models.RideEvent{Seq: 2, Phase: models.PhaseDriverArriving})
	rec := &recorder{}
	p := NewPoll(f, 10*time.Millisecond, 3, nil)
	unsub, err := p.Subscribe(context.Background(), "r1", rec)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	if !eventually(func() bool { evs, _, _ := rec.snapshot(); return len(evs) == 2 }) {
		t.Fatalf("events not delivered")
	}
	f.set(false, models.RideEvent{Seq: 3, Phase: models.PhaseDriverArrived})
	if !eventually(func() bool { evs, _, _ := rec.snapshot(); return len(evs) == 3 }) {
		t.Fatalf("new event not delivered")
	}
	time.Sleep(30 * time.Millisecond)
	if evs, _, _ := rec.snapshot(); len(evs) != 3 {
		t.Fatalf("events redelivered: %d", len(evs))
	}
	f.mu.Lock()
	last := f.after[len(f.after)-1]
	f.mu.Unlock()
	if last != 3 {
		t.Fatalf("cursor %d, want 3", last)
	}
}

func TestPollDeliversLateLowerSeq(t *testing.T) {
	f := &scriptedFetcher{}
	f.set(false, models.RideEvent{Seq: 1, Phase: models.PhaseDriverAssigned}, models.RideEvent{Seq: 3, Phase: models.PhaseDriverArrived})
	rec := &recorder{}
	unsub, _ := NewPoll(f, 5*time.Millisecond, 3, nil).Subscribe(context.Background(), "r1", rec)
	defer unsub()

	if !eventually(func() bool { evs, _, _ := rec.snapshot(); return len(evs) == 2 }) {
		t.Fatalf("events not delivered")
	}
	f.set(false, models.RideEvent{Seq: 2, Phase: models.PhaseDriverArriving})
	if !eventually(func() bool { evs, _, _ := rec.snapshot(); return len(evs) == 3 }) {
		t.Fatalf("late seq 2 never delivered")
	}
	if evs, _, _ := rec.snapshot(); evs[2].Seq != 2 {
		t.Fatalf("got %+v", evs)
	}
}

func TestPollFailureThreshold(t *testing.T) {
	f := &scriptedFetcher{fail: true}
	rec := &recorder{}
	p := NewPoll(f, 5*time.Millisecond, 3, nil)
	unsub, _ := p.Subscribe(context.Background(), "r1", rec)
	defer unsub()

	if !eventually(func() bool { _, down, _ := rec.snapshot(); return down == 1 }) {
		t.Fatalf("disconnect not signalled")
	}
	time.Sleep(30 * time.Millisecond)
	if _, down, _ := rec.snapshot(); down != 1 {
		t.Fatalf("disconnect signalled %d times", down)
	}

	f.set(false)
	if !eventually(func() bool { _, _, up := rec.snapshot(); return up == 1 }) {
		t.Fatalf("reconnect not signalled")
	}
}

func TestPollStopsOnUnsubscribe(t *testing.T) {
	f := &scriptedFetcher{}
	p := NewPoll(f, 5*time.Millisecond, 1, nil)
	unsub, _ := p.Subscribe(context.Background(), "r1", &recorder{})
	time.Sleep(20 * time.Millisecond)
	unsub()
	time.Sleep(10 * time.Millisecond)
	f.mu.Lock()
	n := len(f.after)
	f.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.after) != n {
		t.Fatalf("still polling after unsubscribe")
	}
}
