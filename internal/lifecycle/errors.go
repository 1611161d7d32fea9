package lifecycle

import (
	"errors"
	"fmt"

	"github.com/example/ride-tracker/internal/models"
)

var (
	// ErrInvalidInput is returned when a ride is created with a blank id or
	// missing / non-finite pickup or dropoff coordinates.
	ErrInvalidInput = errors.New("invalid ride input")

	// ErrStaleEvent is returned for events whose seq is not above the last accepted seq.
	ErrStaleEvent = errors.New("stale event")

	// ErrIllegalTransition is returned for events that skip phases or follow a terminal phase.
	ErrIllegalTransition = errors.New("illegal phase transition")

	// ErrDisposed is returned for events delivered after the store was disposed.
	ErrDisposed = errors.New("store disposed")

	// ErrSourceDisconnected marks a store whose event source has gone away.
	ErrSourceDisconnected = errors.New("event source disconnected")
)

// Reason identifies why an event was not applied.
type Reason string

const (
	ReasonStale    Reason = "stale_event"
	ReasonIllegal  Reason = "illegal_transition"
	ReasonDisposed Reason = "disposed"
)

// RejectionError describes a rejected event. The store state is unchanged
// whenever one is returned.
type RejectionError struct {
	RideID  string
	Reason  Reason
	Seq     uint64
	LastSeq uint64
	From    models.Phase
	To      models.Phase
}

func (e *RejectionError) Error() string {
	switch e.Reason {
	case ReasonStale:
		return fmt.Sprintf("ride %s: stale event seq=%d (last=%d)", e.RideID, e.Seq, e.LastSeq)
	case ReasonIllegal:
		return fmt.Sprintf("ride %s: illegal transition %s -> %s at seq=%d", e.RideID, e.From, e.To, e.Seq)
	default:
		return fmt.Sprintf("ride %s: event seq=%d dropped: %s", e.RideID, e.Seq, e.Reason)
	}
}

func (e *RejectionError) Unwrap() error {
	switch e.Reason {
	case ReasonStale:
		return ErrStaleEvent
	case ReasonIllegal:
		return ErrIllegalTransition
	case ReasonDisposed:
		return ErrDisposed
	}
	return nil
}
