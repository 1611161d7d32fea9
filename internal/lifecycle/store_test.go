package lifecycle

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/example/ride-tracker/internal/models"
)

var (
	pickup  = models.Location{Lat: 40.7128, Lng: -74.0060, Address: "Times Square"}
	dropoff = models.Location{Lat: 40.7580, Lng: -73.9855, Address: "Central Park"}
	driverX = &models.Driver{ID: "X", Name: "Mikhail", Vehicle: "Toyota Camry", Plate: "A123BC", Rating: 4.8, Phone: "+1234567890"}
)

func intPtr(v int) *int { return &v }

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New("ride-1", pickup, dropoff, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

type recordingReporter struct {
	mu   sync.Mutex
	seen []*RejectionError
}

func (r *recordingReporter) ReportViolation(rej *RejectionError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, rej)
}

func TestNewRejectsInvalidInput(t *testing.T) {
	cases := map[string]struct {
		id      string
		pickup  models.Location
		dropoff models.Location
	}{
		"blank id":        {"  ", pickup, dropoff},
		"missing pickup":  {"r", models.Location{}, dropoff},
		"missing dropoff": {"r", pickup, models.Location{}},
		"nan pickup":      {"r", models.Location{Lat: math.NaN(), Lng: 1}, dropoff},
		"out of range":    {"r", pickup, models.Location{Lat: 91, Lng: 0}},
		"infinite":        {"r", pickup, models.Location{Lat: 1, Lng: math.Inf(1)}},
	}
	for name, c := range cases {
		if _, err := New(c.id, c.pickup, c.dropoff); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestNewStartsRequested(t *testing.T) {
	s := newStore(t)
	st := s.Current()
	if st.Phase != models.PhaseRequested || st.LastEventSeq != 0 {
		t.Fatalf("unexpected initial state %+v", st)
	}
	if st.Driver != nil || st.DriverLocation != nil || st.ETASeconds != nil || st.Fare != nil {
		t.Fatalf("initial state should carry no optional data: %+v", st)
	}
	if st.Pickup != pickup || st.Dropoff != dropoff {
		t.Fatalf("locations not kept")
	}
}

// The canonical ride from the passenger app: assigned, arriving, a stale
// duplicate, completion with fare, then a late cancellation.
func TestScenarioStaleAndTerminal(t *testing.T) {
	rep := &recordingReporter{}
	s := newStore(t, WithIntegrityReporter(rep))

	var notified []models.RideState
	s.Subscribe(func(st models.RideState) { notified = append(notified, st) })

	st, err := s.Apply(models.RideEvent{Seq: 1, Phase: models.PhaseDriverAssigned, Driver: driverX, ETASeconds: intPtr(300)})
	if err != nil {
		t.Fatalf("seq1: %v", err)
	}
	if st.Driver == nil || st.Driver.ID != "X" {
		t.Fatalf("driver not set: %+v", st.Driver)
	}

	if _, err := s.Apply(models.RideEvent{Seq: 2, Phase: models.PhaseDriverArriving}); err != nil {
		t.Fatalf("seq2: %v", err)
	}

	_, err = s.Apply(models.RideEvent{Seq: 2, Phase: models.PhaseInProgress})
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Reason != ReasonStale || !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("expected stale rejection, got %v", err)
	}
	if s.Current().Phase != models.PhaseDriverArriving {
		t.Fatalf("stale event changed phase to %s", s.Current().Phase)
	}

	// arriving -> completed skips phases, so go through the happy path first
	if _, err := s.Apply(models.RideEvent{Seq: 3, Phase: models.PhaseCompleted, Fare: &models.Fare{Amount: 15.50}}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition for skipped phases, got %v", err)
	}
	if _, err := s.Apply(models.RideEvent{Seq: 3, Phase: models.PhaseDriverArrived}); err != nil {
		t.Fatalf("seq3 arrived: %v", err)
	}
	if _, err := s.Apply(models.RideEvent{Seq: 4, Phase: models.PhaseInProgress}); err != nil {
		t.Fatalf("seq4 in progress: %v", err)
	}
	st, err = s.Apply(models.RideEvent{Seq: 5, Phase: models.PhaseCompleted, Fare: &models.Fare{Amount: 15.50}})
	if err != nil {
		t.Fatalf("seq5 completed: %v", err)
	}
	if st.Fare == nil || st.Fare.Amount != 15.50 {
		t.Fatalf("fare not recorded: %+v", st.Fare)
	}

	_, err = s.Apply(models.RideEvent{Seq: 6, Phase: models.PhaseCancelled})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition after terminal, got %v", err)
	}
	if s.Current().Phase != models.PhaseCompleted || s.Current().LastEventSeq != 5 {
		t.Fatalf("terminal state changed: %+v", s.Current())
	}

	if len(notified) != 5 {
		t.Fatalf("expected 5 notifications, got %d", len(notified))
	}
	if len(rep.seen) != 2 {
		t.Fatalf("expected 2 integrity violations, got %d", len(rep.seen))
	}
}

func TestScenarioExactSequence(t *testing.T) {
	s := newStore(t)
	steps := []struct {
		ev     models.RideEvent
		reason Reason // empty means accepted
	}{
		{models.RideEvent{Seq: 1, Phase: models.PhaseDriverAssigned, Driver: driverX}, ""},
		{models.RideEvent{Seq: 2, Phase: models.PhaseDriverArriving}, ""},
		{models.RideEvent{Seq: 2, Phase: models.PhaseInProgress}, ReasonStale},
		{models.RideEvent{Seq: 3, Phase: models.PhaseCancelled}, ""},
		{models.RideEvent{Seq: 4, Phase: models.PhaseCompleted}, ReasonIllegal},
	}
	for i, step := range steps {
		_, err := s.Apply(step.ev)
		if step.reason == "" {
			if err != nil {
				t.Fatalf("step %d: unexpected error %v", i, err)
			}
			continue
		}
		var rej *RejectionError
		if !errors.As(err, &rej) || rej.Reason != step.reason {
			t.Fatalf("step %d: expected %s, got %v", i, step.reason, err)
		}
	}
	st := s.Current()
	if st.Phase != models.PhaseCancelled || st.Driver != nil {
		t.Fatalf("cancelled ride should drop the driver: %+v", st)
	}
}

func TestFieldRules(t *testing.T) {
	s := newStore(t)
	loc := &models.Coord{Lat: 40.72, Lng: -74.01}

	st, _ := s.Apply(models.RideEvent{Seq: 1, Phase: models.PhaseDriverAssigned, Driver: driverX, DriverLocation: loc, ETASeconds: intPtr(-5)})
	if st.ETASeconds != nil {
		t.Fatalf("negative eta should be ignored, got %d", *st.ETASeconds)
	}
	if st.DriverLocation == nil || *st.DriverLocation != *loc {
		t.Fatalf("driver location not set")
	}

	st, _ = s.Apply(models.RideEvent{Seq: 2, Phase: models.PhaseDriverArriving, ETASeconds: intPtr(120), DriverLocation: &models.Coord{Lat: math.NaN()}})
	if st.ETASeconds == nil || *st.ETASeconds != 120 {
		t.Fatalf("eta not set")
	}
	if st.DriverLocation == nil || *st.DriverLocation != *loc {
		t.Fatalf("invalid location should keep the previous one")
	}
	if st.Driver == nil || st.Driver.ID != "X" {
		t.Fatalf("driver should carry over")
	}

	st, _ = s.Apply(models.RideEvent{Seq: 3, Phase: models.PhaseDriverArrived})
	if st.ETASeconds == nil || *st.ETASeconds != 0 {
		t.Fatalf("arrival should zero the eta, got %v", st.ETASeconds)
	}

	st, _ = s.Apply(models.RideEvent{Seq: 4, Phase: models.PhaseInProgress, ETASeconds: intPtr(60), DriverLocation: loc, Fare: &models.Fare{Amount: 9}})
	if st.ETASeconds != nil || st.DriverLocation != nil {
		t.Fatalf("eta and driver location must clear once on trip: %+v", st)
	}
	if st.Fare != nil {
		t.Fatalf("fare only comes with completion")
	}
	if st.Driver == nil {
		t.Fatalf("driver stays during the trip")
	}
}

func TestSnapshotsAreIsolatedFromEventPointers(t *testing.T) {
	s := newStore(t)
	d := *driverX
	st, _ := s.Apply(models.RideEvent{Seq: 1, Phase: models.PhaseDriverAssigned, Driver: &d})
	d.Name = "changed"
	if st.Driver.Name == "changed" || s.Current().Driver.Name == "changed" {
		t.Fatalf("snapshot shares memory with the event")
	}
}

func TestRejectionsLeaveStateUntouched(t *testing.T) {
	s := newStore(t)
	s.Apply(models.RideEvent{Seq: 5, Phase: models.PhaseDriverAssigned, Driver: driverX})
	before := s.Current()

	for _, ev := range []models.RideEvent{
		{Seq: 3, Phase: models.PhaseDriverArriving},
		{Seq: 5, Phase: models.PhaseDriverArriving},
		{Seq: 6, Phase: models.PhaseCompleted},
		{Seq: 7, Phase: models.PhaseRequested},
	} {
		if _, err := s.Apply(ev); err == nil {
			t.Fatalf("expected rejection for %+v", ev)
		}
	}
	after := s.Current()
	if after.Phase != before.Phase || after.LastEventSeq != before.LastEventSeq || after.Driver.ID != before.Driver.ID {
		t.Fatalf("state changed: before=%+v after=%+v", before, after)
	}
}

func TestSeqGapsAreAccepted(t *testing.T) {
	s := newStore(t)
	if _, err := s.Apply(models.RideEvent{Seq: 10, Phase: models.PhaseDriverAssigned, Driver: driverX}); err != nil {
		t.Fatalf("gap should be fine: %v", err)
	}
	if s.Current().LastEventSeq != 10 {
		t.Fatalf("last seq not advanced")
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	s := newStore(t)
	var a, b int
	unsubA := s.Subscribe(func(models.RideState) { a++ })
	s.Subscribe(func(models.RideState) { b++ })

	s.Apply(models.RideEvent{Seq: 1, Phase: models.PhaseDriverAssigned, Driver: driverX})
	unsubA()
	unsubA()
	s.Apply(models.RideEvent{Seq: 2, Phase: models.PhaseDriverArriving})

	if a != 1 || b != 2 {
		t.Fatalf("a=%d b=%d", a, b)
	}
}

func TestUnsubscribeFromInsideCallback(t *testing.T) {
	s := newStore(t)
	var first, second int
	var unsubSecond func()
	var unsubFirst func()
	unsubFirst = s.Subscribe(func(models.RideState) {
		first++
		unsubFirst()
		unsubSecond()
	})
	unsubSecond = s.Subscribe(func(models.RideState) { second++ })

	s.Apply(models.RideEvent{Seq: 1, Phase: models.PhaseDriverAssigned, Driver: driverX})
	s.Apply(models.RideEvent{Seq: 2, Phase: models.PhaseDriverArriving})

	if first != 1 {
		t.Fatalf("first called %d times", first)
	}
	if second != 0 {
		t.Fatalf("second was unsubscribed before its turn but ran %d times", second)
	}
}

func TestPanickingSubscriberDoesNotBreakOthers(t *testing.T) {
	s := newStore(t)
	var got int
	s.Subscribe(func(models.RideState) { panic("boom") })
	s.Subscribe(func(models.RideState) { got++ })
	if _, err := s.Apply(models.RideEvent{Seq: 1, Phase: models.PhaseDriverAssigned}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != 1 {
		t.Fatalf("second subscriber not called")
	}
}

func TestMarkStaleAndFresh(t *testing.T) {
	s := newStore(t)
	s.Apply(models.RideEvent{Seq: 1, Phase: models.PhaseDriverAssigned, Driver: driverX})
	var calls int
	s.Subscribe(func(models.RideState) { calls++ })

	s.MarkStale(errors.New("broker down"))
	s.MarkStale(errors.New("broker down"))
	st := s.Current()
	if !st.Stale || st.StaleReason != "broker down" {
		t.Fatalf("expected stale state, got %+v", st)
	}
	if st.Phase != models.PhaseDriverAssigned || st.LastEventSeq != 1 || st.Driver == nil {
		t.Fatalf("last known data must survive: %+v", st)
	}

	s.MarkFresh()
	if s.Current().Stale {
		t.Fatalf("expected fresh")
	}
	if calls != 2 {
		t.Fatalf("expected 2 health notifications, got %d", calls)
	}

	s.MarkStale(nil)
	if s.Current().StaleReason != ErrSourceDisconnected.Error() {
		t.Fatalf("nil reason should default, got %q", s.Current().StaleReason)
	}
}

func TestDispose(t *testing.T) {
	s := newStore(t)
	var calls, closed int
	var order []int
	s.Subscribe(func(models.RideState) { calls++ })
	s.OnDispose(func() { closed++; order = append(order, 1) })
	s.OnDispose(func() { order = append(order, 2) })

	s.Dispose()
	s.Dispose()

	if closed != 1 {
		t.Fatalf("teardown ran %d times", closed)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("teardown should run in reverse order, got %v", order)
	}

	_, err := s.Apply(models.RideEvent{Seq: 1, Phase: models.PhaseDriverAssigned})
	if !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
	s.MarkStale(errors.New("x"))
	if calls != 0 || s.Current().Stale {
		t.Fatalf("disposed store must stay silent")
	}

	late := 0
	s.OnDispose(func() { late++ })
	if late != 1 {
		t.Fatalf("OnDispose after dispose should run immediately")
	}
	s.Subscribe(func(models.RideState) { calls++ })
	if calls != 0 {
		t.Fatalf("subscribing after dispose must not fire")
	}
}

func TestDisposeFromInsideCallback(t *testing.T) {
	s := newStore(t)
	var second int
	s.Subscribe(func(models.RideState) { s.Dispose() })
	s.Subscribe(func(models.RideState) { second++ })
	s.Apply(models.RideEvent{Seq: 1, Phase: models.PhaseDriverAssigned})
	if second != 0 {
		t.Fatalf("subscriber ran after dispose")
	}
}

func TestCurrentIsSafeUnderConcurrentApply(t *testing.T) {
	s := newStore(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(1); i <= 200; i++ {
			s.Apply(models.RideEvent{Seq: i, Phase: models.PhaseDriverAssigned, ETASeconds: intPtr(int(i))})
		}
	}()
	var last uint64
	for {
		select {
		case <-done:
			if s.Current().LastEventSeq != 200 {
				t.Fatalf("last seq %d", s.Current().LastEventSeq)
			}
			return
		default:
			st := s.Current()
			if st.LastEventSeq < last {
				t.Fatalf("seq went backwards: %d < %d", st.LastEventSeq, last)
			}
			last = st.LastEventSeq
		}
	}
}
