package lifecycle

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/example/ride-tracker/internal/models"
	"github.com/example/ride-tracker/internal/observability"
)

// IntegrityReporter receives illegal transitions, which indicate the event
// source broke its contract. Used for operator telemetry, never the passenger.
type IntegrityReporter interface {
	ReportViolation(rej *RejectionError)
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithIntegrityReporter(r IntegrityReporter) Option {
	return func(s *Store) { s.reporter = r }
}

// Store is the single source of truth for one ride. Apply must be driven from
// one goroutine (see Tracker); Current, Subscribe and Dispose are safe from any.
type Store struct {
	rideID   string
	state    atomic.Pointer[models.RideState]
	logger   *slog.Logger
	reporter IntegrityReporter
	disposed atomic.Bool

	mu      sync.Mutex
	subs    []*subscriber
	closers []func()
}

type subscriber struct {
	fn     func(models.RideState)
	active atomic.Bool
}

// New creates the store for a freshly requested ride.
func New(rideID string, pickup, dropoff models.Location, opts ...Option) (*Store, error) {
	rideID = strings.TrimSpace(rideID)
	if rideID == "" {
		return nil, fmt.Errorf("%w: ride id is required", ErrInvalidInput)
	}
	if err := validateLocation("pickup", pickup); err != nil {
		return nil, err
	}
	if err := validateLocation("dropoff", dropoff); err != nil {
		return nil, err
	}
	s := &Store{rideID: rideID, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("ride_id", rideID)
	s.state.Store(&models.RideState{
		RideID:  rideID,
		Phase:   models.PhaseRequested,
		Pickup:  pickup,
		Dropoff: dropoff,
	})
	return s, nil
}

func validateLocation(name string, l models.Location) error {
	if l.IsZero() {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, name)
	}
	if !l.Coord().Valid() {
		return fmt.Errorf("%w: %s coordinates out of range (%v,%v)", ErrInvalidInput, name, l.Lat, l.Lng)
	}
	return nil
}

func (s *Store) RideID() string { return s.rideID }

// Current returns the latest accepted snapshot.
func (s *Store) Current() models.RideState { return *s.state.Load() }

func (s *Store) Disposed() bool { return s.disposed.Load() }

// Apply validates ev against the seq gate and the phase machine. On success
// it publishes a new snapshot and notifies subscribers before returning.
func (s *Store) Apply(ev models.RideEvent) (models.RideState, error) {
	cur := s.state.Load()
	if s.disposed.Load() {
		return *cur, &RejectionError{RideID: s.rideID, Reason: ReasonDisposed, Seq: ev.Seq, LastSeq: cur.LastEventSeq}
	}
	if ev.Seq <= cur.LastEventSeq {
		observability.EventsRejected.WithLabelValues(string(ReasonStale)).Inc()
		s.logger.Debug("stale ride event ignored", "seq", ev.Seq, "last_seq", cur.LastEventSeq, "phase", ev.Phase)
		return *cur, &RejectionError{RideID: s.rideID, Reason: ReasonStale, Seq: ev.Seq, LastSeq: cur.LastEventSeq, From: cur.Phase, To: ev.Phase}
	}
	if !IsLegalTransition(cur.Phase, ev.Phase) {
		rej := &RejectionError{RideID: s.rideID, Reason: ReasonIllegal, Seq: ev.Seq, LastSeq: cur.LastEventSeq, From: cur.Phase, To: ev.Phase}
		observability.EventsRejected.WithLabelValues(string(ReasonIllegal)).Inc()
		observability.IntegrityViolations.Inc()
		s.logger.Warn("ride event breaks phase order", "seq", ev.Seq, "from", cur.Phase, "to", ev.Phase)
		if s.reporter != nil {
			s.reporter.ReportViolation(rej)
		}
		return *cur, rej
	}

	next := advance(*cur, ev)
	s.state.Store(&next)
	observability.EventsAccepted.WithLabelValues(string(next.Phase)).Inc()
	s.publish(next)
	return next, nil
}

// advance builds the snapshot that follows cur once ev is accepted.
func advance(cur models.RideState, ev models.RideEvent) models.RideState {
	next := cur
	next.Phase = ev.Phase
	next.LastEventSeq = ev.Seq

	switch {
	case ev.Phase == models.PhaseRequested || ev.Phase == models.PhaseCancelled:
		next.Driver = nil
	case ev.Driver != nil:
		d := *ev.Driver
		next.Driver = &d
	}

	if !ev.Phase.DriverEnRoute() {
		next.DriverLocation = nil
	} else if ev.DriverLocation != nil && ev.DriverLocation.Valid() {
		loc := *ev.DriverLocation
		next.DriverLocation = &loc
	}

	switch {
	case !ev.Phase.PrePickup():
		next.ETASeconds = nil
	case ev.ETASeconds != nil && *ev.ETASeconds >= 0:
		eta := *ev.ETASeconds
		next.ETASeconds = &eta
	case ev.Phase == models.PhaseDriverArrived && cur.Phase != models.PhaseDriverArrived:
		zero := 0
		next.ETASeconds = &zero
	}

	if ev.Phase == models.PhaseCompleted && ev.Fare != nil && ev.Fare.Amount >= 0 {
		f := *ev.Fare
		next.Fare = &f
	}
	return next
}

// MarkStale flags the snapshot as out of date because the event source is
// unreachable. Last-known data is kept.
func (s *Store) MarkStale(reason error) {
	if reason == nil {
		reason = ErrSourceDisconnected
	}
	s.setHealth(true, reason.Error())
}

// MarkFresh clears the stale flag after the source recovers.
func (s *Store) MarkFresh() {
	s.setHealth(false, "")
}

func (s *Store) setHealth(stale bool, reason string) {
	if s.disposed.Load() {
		return
	}
	cur := s.state.Load()
	if cur.Stale == stale && cur.StaleReason == reason {
		return
	}
	next := *cur
	next.Stale = stale
	next.StaleReason = reason
	s.state.Store(&next)
	s.publish(next)
}

// Subscribe registers fn to run after every accepted event or health change.
// The returned func may be called any number of times, from anywhere,
// including from inside fn.
func (s *Store) Subscribe(fn func(models.RideState)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	sub := &subscriber{fn: fn}
	sub.active.Store(true)

	s.mu.Lock()
	if s.disposed.Load() {
		s.mu.Unlock()
		return func() {}
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	return func() { s.unsubscribe(sub) }
}

func (s *Store) unsubscribe(sub *subscriber) {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.subs {
		if x == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Store) publish(st models.RideState) {
	s.mu.Lock()
	subs := make([]*subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		if !sub.active.Load() || s.disposed.Load() {
			continue
		}
		s.invoke(sub, st)
	}
}

func (s *Store) invoke(sub *subscriber, st models.RideState) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("ride subscriber panicked", "error", rec)
		}
	}()
	sub.fn(st)
}

// OnDispose registers teardown for whatever feeds this store. If the store is
// already disposed fn runs immediately.
func (s *Store) OnDispose(fn func()) {
	s.mu.Lock()
	if s.disposed.Load() {
		s.mu.Unlock()
		fn()
		return
	}
	s.closers = append(s.closers, fn)
	s.mu.Unlock()
}

// Dispose drops all subscribers and tears down the event source connection.
// Idempotent; later Apply calls are rejected as ReasonDisposed.
func (s *Store) Dispose() {
	s.mu.Lock()
	if !s.disposed.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	subs := s.subs
	closers := s.closers
	s.subs = nil
	s.closers = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.active.Store(false)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	s.logger.Debug("ride store disposed")
}
