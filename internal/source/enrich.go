package source

import (
	"context"
	"time"

	"github.com/example/ride-tracker/internal/eta"
	"github.com/example/ride-tracker/internal/models"
)

// DefaultEnrichTimeout bounds one routing lookup. The straight-line estimate
// is used when it runs out.
const DefaultEnrichTimeout = 750 * time.Millisecond

// ETAEnricher fills in the ETA on events that carry a driver position but
// no estimate, for the phases where the driver is heading to the pickup.
// Enrich is meant to run on a ride's own tracker goroutine, never on a
// shared source loop.
type ETAEnricher struct {
	pickup    models.Coord
	estimator *eta.Estimator
	Timeout   time.Duration
}

func NewETAEnricher(pickup models.Coord, est *eta.Estimator) *ETAEnricher {
	return &ETAEnricher{pickup: pickup, estimator: est, Timeout: DefaultEnrichTimeout}
}

func (e *ETAEnricher) Enrich(ctx context.Context, ev models.RideEvent) models.RideEvent {
	if ev.ETASeconds != nil || ev.DriverLocation == nil || !ev.DriverLocation.Valid() {
		return ev
	}
	if ev.Phase != models.PhaseDriverAssigned && ev.Phase != models.PhaseDriverArriving {
		return ev
	}
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()
	secs, _ := e.estimator.Seconds(ctx, *ev.DriverLocation, e.pickup)
	ev.ETASeconds = &secs
	return ev
}
