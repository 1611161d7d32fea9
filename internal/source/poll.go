package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-tracker/internal/models"
)

// Fetcher returns the events recorded for a ride past cursor, plus the
// cursor for the next call. What a cursor counts (list position, seq) is the
// fetcher's business; Poll starts at 0 and only hands back what it got.
type Fetcher interface {
	FetchEvents(ctx context.Context, rideID string, cursor uint64) (events []models.RideEvent, next uint64, err error)
}

// Poll turns a Fetcher into a Source by polling it on a ticker, one loop per
// subscribed ride.
type Poll struct {
	Fetcher  Fetcher
	Interval time.Duration

	// FailureThreshold consecutive fetch errors mark the ride disconnected.
	FailureThreshold int
	Logger           *slog.Logger
}

func NewPoll(f Fetcher, interval time.Duration, failureThreshold int, logger *slog.Logger) *Poll {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poll{Fetcher: f, Interval: interval, FailureThreshold: failureThreshold, Logger: logger}
}

func (p *Poll) Subscribe(ctx context.Context, rideID string, h Handler) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	pl := &poller{src: p, rideID: rideID, h: h, logger: p.Logger.With("ride_id", rideID)}
	go pl.run(ctx)
	return onceFunc(cancel), nil
}

type poller struct {
	src      *Poll
	rideID   string
	h        Handler
	logger   *slog.Logger
	cursor   uint64
	failures int
	down     bool
}

func (pl *poller) run(ctx context.Context) {
	ticker := time.NewTicker(pl.src.Interval)
	defer ticker.Stop()

	pl.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pl.poll(ctx)
		}
	}
}

func (pl *poller) poll(ctx context.Context) {
	events, next, err := pl.src.Fetcher.FetchEvents(ctx, pl.rideID, pl.cursor)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		pl.failures++
		pl.logger.Debug("ride event poll failed", "error", err, "failures", pl.failures)
		if !pl.down && pl.failures >= pl.src.FailureThreshold {
			pl.down = true
			pl.h.HandleDisconnect(err)
		}
		return
	}
	pl.failures = 0
	if pl.down {
		pl.down = false
		pl.h.HandleReconnect()
	}
	pl.cursor = next
	for _, ev := range events {
		pl.h.HandleEvent(ev)
	}
}
