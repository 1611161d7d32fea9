// Package rides keeps one lifecycle store and tracker per ride the passenger
// is following and executes the actions the presentation offers.
package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-tracker/internal/dispatch"
	"github.com/example/ride-tracker/internal/eta"
	"github.com/example/ride-tracker/internal/lifecycle"
	"github.com/example/ride-tracker/internal/models"
	"github.com/example/ride-tracker/internal/observability"
	"github.com/example/ride-tracker/internal/source"
	"github.com/example/ride-tracker/internal/storage"
	"github.com/example/ride-tracker/internal/view"
)

var (
	// ErrAlreadyTracked is returned by Open for a ride id already being tracked.
	ErrAlreadyTracked = errors.New("ride already tracked")
	// ErrNotTracked is returned for ride ids with no open tracker.
	ErrNotTracked = errors.New("ride not tracked")
	// ErrActionUnavailable is returned when the current presentation does not offer the action.
	ErrActionUnavailable = errors.New("action not available")
	// ErrNotConfigured is returned for actions whose backend is not wired.
	ErrNotConfigured = errors.New("backend not configured")
)

// Charger takes payment for a completed ride.
type Charger interface {
	// Charge takes the fare. Calls with the same idempotency key must not
	// charge twice.
	Charge(ctx context.Context, fare models.Fare, customerID, idempotencyKey string) (string, error)
}

// SnapshotStore persists last-known ride state.
type SnapshotStore interface {
	Put(ctx context.Context, s models.RideState) error
	Get(ctx context.Context, rideID string) (models.RideState, error)
}

// PolicySource returns the cancellation policy in force right now.
type PolicySource interface {
	Policy() view.CancellationPolicy
}

type Config struct {
	Source   source.Source
	Tracker  lifecycle.TrackerConfig // Logger, OnTerminal and Enrich are set per ride
	Reporter lifecycle.IntegrityReporter

	Policy      PolicySource // nil uses view.DefaultPolicy
	WS          *dispatch.WSRegistry
	Notifier    *dispatch.Notifier
	Archive     storage.Archive
	Snapshots   SnapshotStore
	RideService RideService
	Payments    Charger
	ETA         *eta.Estimator // nil disables ETA enrichment

	Logger *slog.Logger
}

type entry struct {
	tracker  *lifecycle.Tracker
	customer string

	// payMu serialises proceed_to_payment so a ride is charged at most once.
	payMu     sync.Mutex
	paymentID string
}

// Registry owns the trackers of every open ride.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	rides map[string]*entry
	wg    sync.WaitGroup
}

func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{cfg: cfg, logger: logger, rides: make(map[string]*entry)}
}

type OpenRequest struct {
	RideID      string          `json:"ride_id"`
	CustomerID  string          `json:"customer_id,omitempty"`
	Pickup      models.Location `json:"pickup"`
	Dropoff     models.Location `json:"dropoff"`
	DeviceToken string          `json:"device_token,omitempty"`
}

// Open starts tracking a ride. A blank ride id gets a generated one.
func (r *Registry) Open(ctx context.Context, req OpenRequest) (models.RideState, error) {
	req.RideID = strings.TrimSpace(req.RideID)
	if req.RideID == "" {
		req.RideID = uuid.NewString()
	}
	opts := []lifecycle.Option{lifecycle.WithLogger(r.logger)}
	if r.cfg.Reporter != nil {
		opts = append(opts, lifecycle.WithIntegrityReporter(r.cfg.Reporter))
	}
	store, err := lifecycle.New(req.RideID, req.Pickup, req.Dropoff, opts...)
	if err != nil {
		return models.RideState{}, err
	}

	rideID := req.RideID
	store.Subscribe(r.presenter(rideID))
	if r.cfg.Notifier != nil {
		store.Subscribe(r.cfg.Notifier.Watch(rideID, req.DeviceToken))
	}
	tcfg := r.cfg.Tracker
	tcfg.Logger = r.logger
	tcfg.OnTerminal = r.archive
	if r.cfg.ETA != nil {
		tcfg.Enrich = source.NewETAEnricher(req.Pickup.Coord(), r.cfg.ETA).Enrich
	}
	e := &entry{customer: req.CustomerID, tracker: lifecycle.NewTracker(store, r.cfg.Source, tcfg)}

	// e is complete before other goroutines can find it
	r.mu.Lock()
	if _, ok := r.rides[rideID]; ok {
		r.mu.Unlock()
		store.Dispose()
		return models.RideState{}, fmt.Errorf("%w: %s", ErrAlreadyTracked, rideID)
	}
	r.rides[rideID] = e
	r.mu.Unlock()

	store.OnDispose(func() {
		r.mu.Lock()
		if cur, ok := r.rides[rideID]; ok && cur == e {
			delete(r.rides, rideID)
		}
		r.mu.Unlock()
		observability.ActiveRides.Dec()
	})
	observability.ActiveRides.Inc()

	if err := e.tracker.Start(context.WithoutCancel(ctx)); err != nil {
		store.Dispose()
		return models.RideState{}, err
	}

	st := store.Current()
	r.cache(st)
	r.logger.Info("ride tracking opened", "ride_id", rideID)
	return st, nil
}

func (r *Registry) policy() view.CancellationPolicy {
	if r.cfg.Policy == nil {
		return view.DefaultPolicy()
	}
	return r.cfg.Policy.Policy()
}

// presenter pushes every new snapshot to the passenger's screens and the
// snapshot cache.
func (r *Registry) presenter(rideID string) func(models.RideState) {
	return func(s models.RideState) {
		if r.cfg.WS != nil {
			p := view.Project(s, r.policy())
			if n, _ := r.cfg.WS.Broadcast(rideID, dispatch.Message{Type: "presentation", Data: p}); n > 0 {
				observability.PresentationPushes.Inc()
			}
		}
		r.cache(s)
	}
}

func (r *Registry) cache(s models.RideState) {
	if r.cfg.Snapshots == nil {
		return
	}
	// synchronous so an older snapshot can never overwrite a newer one
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.cfg.Snapshots.Put(ctx, s); err != nil {
		r.logger.Warn("snapshot cache write failed", "ride_id", s.RideID, "error", err)
	}
}

func (r *Registry) archive(s models.RideState) {
	if r.cfg.Archive == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.cfg.Archive.ArchiveRide(ctx, models.NewHistoryEntry(s, time.Now().UTC())); err != nil {
			r.logger.Error("archive ride failed", "ride_id", s.RideID, "error", err)
			return
		}
		r.logger.Info("ride archived", "ride_id", s.RideID, "phase", s.Phase)
	}()
}

func (r *Registry) lookup(rideID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.rides[rideID]
	r.mu.RUnlock()
	if !ok || e.tracker == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, rideID)
	}
	return e, nil
}

// Get returns the current state of a tracked ride.
func (r *Registry) Get(rideID string) (models.RideState, error) {
	e, err := r.lookup(rideID)
	if err != nil {
		return models.RideState{}, err
	}
	return e.tracker.Store().Current(), nil
}

// Last returns the tracked state or, failing that, the cached snapshot.
func (r *Registry) Last(ctx context.Context, rideID string) (models.RideState, error) {
	if st, err := r.Get(rideID); err == nil {
		return st, nil
	}
	if r.cfg.Snapshots == nil {
		return models.RideState{}, fmt.Errorf("%w: %s", ErrNotTracked, rideID)
	}
	st, err := r.cfg.Snapshots.Get(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.RideState{}, fmt.Errorf("%w: %s", ErrNotTracked, rideID)
	}
	return st, err
}

func (r *Registry) Presentation(rideID string) (view.Presentation, error) {
	st, err := r.Get(rideID)
	if err != nil {
		return view.Presentation{}, err
	}
	return view.Project(st, r.policy()), nil
}

// Close disposes the ride's store, which also drops its source subscription.
func (r *Registry) Close(rideID string) error {
	e, err := r.lookup(rideID)
	if err != nil {
		return err
	}
	e.tracker.Dispose()
	if r.cfg.WS != nil {
		r.cfg.WS.CloseRide(rideID)
	}
	r.logger.Info("ride tracking closed", "ride_id", rideID)
	return nil
}

// CloseAll disposes every tracker and waits for pending archive writes.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.rides))
	for id := range r.rides {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Close(id)
	}
	r.wg.Wait()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rides)
}

// ActionResult is what an executed action hands back to the passenger app.
type ActionResult struct {
	Action    view.Action  `json:"action"`
	RideID    string       `json:"ride_id"`
	PaymentID string       `json:"payment_id,omitempty"`
	Phone     string       `json:"phone,omitempty"`
	Draft     *OpenRequest `json:"draft,omitempty"`
}

// Do runs an action, but only if the ride's presentation offers it now.
func (r *Registry) Do(ctx context.Context, rideID string, action view.Action) (ActionResult, error) {
	e, err := r.lookup(rideID)
	if err != nil {
		return ActionResult{}, err
	}
	st := e.tracker.Store().Current()
	if !view.Project(st, r.policy()).Has(action) {
		return ActionResult{}, fmt.Errorf("%w: %s in %s", ErrActionUnavailable, action, st.Phase)
	}
	res := ActionResult{Action: action, RideID: rideID}

	switch action {
	case view.ActionCancel:
		if r.cfg.RideService == nil {
			return ActionResult{}, fmt.Errorf("%w: ride service", ErrNotConfigured)
		}
		if err := r.cfg.RideService.CancelRide(ctx, rideID); err != nil {
			return ActionResult{}, fmt.Errorf("cancel ride: %w", err)
		}
	case view.ActionProceedToPayment:
		if r.cfg.Payments == nil {
			return ActionResult{}, fmt.Errorf("%w: payments", ErrNotConfigured)
		}
		if st.Fare == nil {
			return ActionResult{}, fmt.Errorf("%w: no fare on completed ride", ErrActionUnavailable)
		}
		id, err := r.charge(ctx, rideID, e, *st.Fare)
		if err != nil {
			return ActionResult{}, err
		}
		res.PaymentID = id
	case view.ActionContactDriver:
		res.Phone = st.Driver.Phone
	case view.ActionReorder:
		res.Draft = &OpenRequest{CustomerID: e.customer, Pickup: st.Pickup, Dropoff: st.Dropoff}
	}
	return res, nil
}

// charge takes the fare once per ride. Repeat calls hand back the first
// payment id; the idempotency key covers retries the process does not see.
func (r *Registry) charge(ctx context.Context, rideID string, e *entry, fare models.Fare) (string, error) {
	e.payMu.Lock()
	defer e.payMu.Unlock()
	if e.paymentID != "" {
		return e.paymentID, nil
	}
	id, err := r.cfg.Payments.Charge(ctx, fare, e.customer, "ride:"+rideID)
	if err != nil {
		return "", err
	}
	e.paymentID = id
	r.logger.Info("ride fare charged", "ride_id", rideID, "payment_id", id)
	return id, nil
}
