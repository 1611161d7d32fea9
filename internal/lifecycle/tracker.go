package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-tracker/internal/models"
	"github.com/example/ride-tracker/internal/observability"
	"github.com/example/ride-tracker/internal/source"
)

type TrackerConfig struct {
	// ReorderWindow is how long events ahead of a seq gap are held. Zero
	// disables reordering and applies events in arrival order.
	ReorderWindow time.Duration
	MaxPending    int

	Logger *slog.Logger

	// OnTerminal runs once, on the tracker goroutine, when the ride reaches
	// completed or cancelled.
	OnTerminal func(models.RideState)

	// Enrich runs on the tracker goroutine before an event is sequenced, so a
	// slow enricher only holds back this ride. ctx ends when the tracker stops.
	Enrich func(ctx context.Context, ev models.RideEvent) models.RideEvent
}

type healthChange int

const (
	healthNone healthChange = iota
	healthDown
	healthUp
)

type ingress struct {
	event  *models.RideEvent
	health healthChange
	err    error
}

// Tracker connects one Store to one Source. Source goroutines hand their
// deliveries to a single loop, which is the only caller of Store.Apply.
type Tracker struct {
	store  *Store
	src    source.Source
	cfg    TrackerConfig
	logger *slog.Logger

	in       chan ingress
	done     chan struct{}
	stopOnce sync.Once
	terminal sync.Once

	mu          sync.Mutex
	cancel      context.CancelFunc
	unsubscribe func()
}

var _ source.Handler = (*Tracker)(nil)

func NewTracker(store *Store, src source.Source, cfg TrackerConfig) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  store,
		src:    src,
		cfg:    cfg,
		logger: logger.With("ride_id", store.RideID()),
		in:     make(chan ingress, 64),
		done:   make(chan struct{}),
	}
}

func (t *Tracker) Store() *Store { return t.store }

// Start runs the ingress loop and subscribes to the source. Disposing the
// store afterwards also closes the subscription.
func (t *Tracker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(ctx)

	unsub, err := t.src.Subscribe(ctx, t.store.RideID(), t)
	if err != nil {
		t.stop()
		return fmt.Errorf("subscribe ride %s: %w", t.store.RideID(), err)
	}
	t.mu.Lock()
	t.unsubscribe = unsub
	t.mu.Unlock()

	t.store.OnDispose(t.stop)
	return nil
}

// Dispose tears down the store and its subscription.
func (t *Tracker) Dispose() {
	t.store.Dispose()
	t.stop()
}

func (t *Tracker) HandleEvent(ev models.RideEvent) { t.enqueue(ingress{event: &ev}) }

func (t *Tracker) HandleDisconnect(err error) {
	t.enqueue(ingress{health: healthDown, err: err})
}

func (t *Tracker) HandleReconnect() { t.enqueue(ingress{health: healthUp}) }

func (t *Tracker) enqueue(in ingress) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.in <- in:
	case <-t.done:
	}
}

func (t *Tracker) stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		cancel, unsub := t.cancel, t.unsubscribe
		t.unsubscribe = nil
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if unsub != nil {
			unsub()
		}
	})
}

func (t *Tracker) run(ctx context.Context) {
	seq := NewSequencer(t.store.Current().LastEventSeq, t.cfg.MaxPending)
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timerC = nil
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-timerC:
			timerC = nil
			released := seq.Flush()
			observability.ReorderFlushes.Inc()
			t.logger.Debug("reorder window expired", "released", len(released), "next_seq", seq.Next())
			t.apply(released)
		case in := <-t.in:
			switch {
			case in.event != nil:
				ev := *in.event
				if t.cfg.Enrich != nil {
					ev = t.cfg.Enrich(ctx, ev)
					if ctx.Err() != nil {
						return
					}
				}
				if t.cfg.ReorderWindow <= 0 {
					t.apply([]models.RideEvent{ev})
					continue
				}
				released, flushed := seq.Push(ev)
				if flushed {
					observability.ReorderFlushes.Inc()
				}
				t.apply(released)
				switch {
				case seq.Pending() == 0:
					stopTimer()
				case timerC == nil:
					timer = time.NewTimer(t.cfg.ReorderWindow)
					timerC = timer.C
				}
			case in.health == healthDown:
				observability.SourceDisconnects.Inc()
				t.logger.Warn("ride event source disconnected", "error", in.err)
				t.store.MarkStale(in.err)
			case in.health == healthUp:
				t.logger.Info("ride event source reconnected")
				t.store.MarkFresh()
			}
		}
	}
}

func (t *Tracker) apply(evs []models.RideEvent) {
	for _, ev := range evs {
		start := time.Now()
		st, err := t.store.Apply(ev)
		observability.ApplyLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			continue
		}
		if st.Phase.Terminal() && t.cfg.OnTerminal != nil {
			t.terminal.Do(func() { t.cfg.OnTerminal(st) })
		}
	}
}
