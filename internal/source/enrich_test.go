package source

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-tracker/internal/eta"
	"github.com/example/ride-tracker/internal/models"
)

type fixedETA struct {
	secs  float64
	err   error
	calls int
}

func (f *fixedETA) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	f.calls++
	return f.secs, f.err
}

// blockingETA waits for its context, like an OSRM server that never answers.
type blockingETA struct{}

func (blockingETA) EstimateSeconds(ctx context.Context, _, _ models.Coord) (float64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestETAEnricherFillsMissingETA(t *testing.T) {
	client := &fixedETA{secs: 95.2}
	e := NewETAEnricher(models.Coord{Lat: 40.7128, Lng: -74.0060}, &eta.Estimator{Client: client})
	ctx := context.Background()

	loc := &models.Coord{Lat: 40.72, Lng: -74.01}
	first := e.Enrich(ctx, models.RideEvent{Seq: 1, Phase: models.PhaseDriverArriving, DriverLocation: loc})
	given := 30
	second := e.Enrich(ctx, models.RideEvent{Seq: 2, Phase: models.PhaseDriverArriving, DriverLocation: loc, ETASeconds: &given})
	third := e.Enrich(ctx, models.RideEvent{Seq: 3, Phase: models.PhaseInProgress, DriverLocation: loc})

	if first.ETASeconds == nil || *first.ETASeconds != 96 {
		t.Fatalf("eta should be filled and rounded up, got %v", first.ETASeconds)
	}
	if *second.ETASeconds != 30 {
		t.Fatalf("existing eta overwritten")
	}
	if third.ETASeconds != nil {
		t.Fatalf("no eta after pickup")
	}
	if client.calls != 1 {
		t.Fatalf("routing called %d times", client.calls)
	}
}

func TestETAEnricherFallsBackToStraightLine(t *testing.T) {
	e := NewETAEnricher(models.Coord{Lat: 0, Lng: 0}, &eta.Estimator{Client: &fixedETA{err: errBoom}, SpeedMps: 10})
	ev := e.Enrich(context.Background(), models.RideEvent{Seq: 1, Phase: models.PhaseDriverAssigned, DriverLocation: &models.Coord{Lat: 0, Lng: 0.01}})
	// ~1112m at 10 m/s
	if ev.ETASeconds == nil || *ev.ETASeconds < 110 || *ev.ETASeconds > 113 {
		t.Fatalf("fallback eta %v", ev.ETASeconds)
	}
}

func TestETAEnricherBoundsSlowRouting(t *testing.T) {
	e := NewETAEnricher(models.Coord{Lat: 0, Lng: 0}, &eta.Estimator{Client: blockingETA{}, SpeedMps: 10})
	e.Timeout = 20 * time.Millisecond

	start := time.Now()
	ev := e.Enrich(context.Background(), models.RideEvent{Seq: 1, Phase: models.PhaseDriverAssigned, DriverLocation: &models.Coord{Lat: 0, Lng: 0.01}})
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("enrich took %s", took)
	}
	if ev.ETASeconds == nil {
		t.Fatalf("expected straight-line eta after timeout")
	}
}
