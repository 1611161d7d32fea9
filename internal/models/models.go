package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Phase is the lifecycle stage of a ride as seen by the passenger.
type Phase string

const (
	PhaseRequested      Phase = "requested"
	PhaseDriverAssigned Phase = "driver_assigned"
	PhaseDriverArriving Phase = "driver_arriving"
	PhaseDriverArrived  Phase = "driver_arrived"
	PhaseInProgress     Phase = "in_progress"
	PhaseCompleted      Phase = "completed"
	PhaseCancelled      Phase = "cancelled"
)

// phaseAliases maps the status strings used by the ride service and the
// older passenger app onto canonical phases.
var phaseAliases = map[string]Phase{
	"requested":       PhaseRequested,
	"pending":         PhaseRequested,
	"driver_assigned": PhaseDriverAssigned,
	"assigned":        PhaseDriverAssigned,
	"matched":         PhaseDriverAssigned,
	"driver_arriving": PhaseDriverArriving,
	"arriving":        PhaseDriverArriving,
	"driver_arrived":  PhaseDriverArrived,
	"arrived":         PhaseDriverArrived,
	"in_progress":     PhaseInProgress,
	"ongoing":         PhaseInProgress,
	"started":         PhaseInProgress,
	"completed":       PhaseCompleted,
	"cancelled":       PhaseCancelled,
	"canceled":        PhaseCancelled,
}

// ParsePhase normalises a wire status into a Phase.
func ParsePhase(s string) (Phase, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	if p, ok := phaseAliases[key]; ok {
		return p, nil
	}
	return "", fmt.Errorf("unknown ride phase %q", s)
}

// Valid reports whether p is one of the canonical phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseRequested, PhaseDriverAssigned, PhaseDriverArriving, PhaseDriverArrived,
		PhaseInProgress, PhaseCompleted, PhaseCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are accepted from p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

// PrePickup reports whether the passenger is still waiting to be picked up.
func (p Phase) PrePickup() bool {
	switch p {
	case PhaseRequested, PhaseDriverAssigned, PhaseDriverArriving, PhaseDriverArrived:
		return true
	}
	return false
}

// DriverEnRoute reports whether the driver's position is meaningful to the passenger.
func (p Phase) DriverEnRoute() bool {
	return p == PhaseDriverAssigned || p == PhaseDriverArriving || p == PhaseDriverArrived
}

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is finite and within WGS84 bounds.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Location is a pickup or dropoff point.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

func (l Location) Coord() Coord { return Coord{Lat: l.Lat, Lng: l.Lng} }

// IsZero reports whether the location was never set.
func (l Location) IsZero() bool { return l == Location{} }

type Driver struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Vehicle string  `json:"vehicle,omitempty"`
	Plate   string  `json:"plate,omitempty"`
	Rating  float64 `json:"rating"` // 0..5
	Phone   string  `json:"phone,omitempty"`
}

type Fare struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

// MinorUnits returns the fare in cents (or the currency's equivalent).
func (f Fare) MinorUnits() int64 {
	return int64(math.Round(f.Amount * 100))
}

// RideEvent is one sequenced update from the ride event source. Nil fields
// leave the corresponding state attribute untouched.
type RideEvent struct {
	Seq            uint64  `json:"seq"`
	Phase          Phase   `json:"phase"`
	Driver         *Driver `json:"driver,omitempty"`
	DriverLocation *Coord  `json:"driver_location,omitempty"`
	ETASeconds     *int    `json:"eta_seconds,omitempty"`
	Fare           *Fare   `json:"fare,omitempty"`
}

// RideState is an immutable snapshot of one ride. Pointer fields are never
// mutated after the snapshot is published.
type RideState struct {
	RideID         string   `json:"ride_id"`
	Phase          Phase    `json:"phase"`
	Driver         *Driver  `json:"driver,omitempty"`
	DriverLocation *Coord   `json:"driver_location,omitempty"`
	ETASeconds     *int     `json:"eta_seconds,omitempty"`
	Pickup         Location `json:"pickup"`
	Dropoff        Location `json:"dropoff"`
	Fare           *Fare    `json:"fare,omitempty"`
	LastEventSeq   uint64   `json:"last_event_seq"`
	Stale          bool     `json:"stale"`
	StaleReason    string   `json:"stale_reason,omitempty"`
}

// HistoryEntry is a terminal ride handed to the history archive.
type HistoryEntry struct {
	RideID     string    `json:"ride_id" db:"ride_id"`
	Phase      Phase     `json:"phase" db:"phase"`
	PickupLat  float64   `json:"pickup_lat" db:"pickup_lat"`
	PickupLng  float64   `json:"pickup_lng" db:"pickup_lng"`
	PickupAddr string    `json:"pickup_address" db:"pickup_address"`
	DropLat    float64   `json:"dropoff_lat" db:"dropoff_lat"`
	DropLng    float64   `json:"dropoff_lng" db:"dropoff_lng"`
	DropAddr   string    `json:"dropoff_address" db:"dropoff_address"`
	DriverID   string    `json:"driver_id,omitempty" db:"driver_id"`
	DriverName string    `json:"driver_name,omitempty" db:"driver_name"`
	FareAmount float64   `json:"fare_amount" db:"fare_amount"`
	Currency   string    `json:"currency,omitempty" db:"currency"`
	ArchivedAt time.Time `json:"archived_at" db:"archived_at"`
}

// NewHistoryEntry flattens a terminal state for archival.
func NewHistoryEntry(s RideState, at time.Time) HistoryEntry {
	h := HistoryEntry{
		RideID:     s.RideID,
		Phase:      s.Phase,
		PickupLat:  s.Pickup.Lat,
		PickupLng:  s.Pickup.Lng,
		PickupAddr: s.Pickup.Address,
		DropLat:    s.Dropoff.Lat,
		DropLng:    s.Dropoff.Lng,
		DropAddr:   s.Dropoff.Address,
		ArchivedAt: at,
	}
	if s.Driver != nil {
		h.DriverID = s.Driver.ID
		h.DriverName = s.Driver.Name
	}
	if s.Fare != nil {
		h.FareAmount = s.Fare.Amount
		h.Currency = s.Fare.Currency
	}
	return h
}
