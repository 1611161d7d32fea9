// Package view projects ride snapshots into what the passenger screen shows.
// Everything here is pure: no I/O, no clocks.
package view

import (
	"fmt"
	"strings"

	"github.com/example/ride-tracker/internal/models"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityActive  Severity = "active"
	SeverityNeutral Severity = "neutral"
	SeverityDanger  Severity = "danger"
)

type Action string

const (
	ActionCancel           Action = "cancel"
	ActionContactDriver    Action = "contact_driver"
	ActionProceedToPayment Action = "proceed_to_payment"
	ActionReorder          Action = "reorder"
)

// ParseAction accepts the action names used in URLs.
func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionCancel, ActionContactDriver, ActionProceedToPayment, ActionReorder:
		return a, true
	}
	return "", false
}

type DriverCard struct {
	Name    string  `json:"name"`
	Vehicle string  `json:"vehicle,omitempty"`
	Plate   string  `json:"plate,omitempty"`
	Rating  string  `json:"rating"`
	Phone   string  `json:"phone,omitempty"`
	Stars   float64 `json:"stars"`
}

type MapModel struct {
	Pickup  models.Location `json:"pickup"`
	Dropoff models.Location `json:"dropoff"`
	Driver  *models.Coord   `json:"driver,omitempty"`
}

// Presentation is the passenger-facing rendering of one RideState.
type Presentation struct {
	RideID      string       `json:"ride_id"`
	Phase       models.Phase `json:"phase"`
	StatusLabel string       `json:"status_label"`
	Message     string       `json:"message"`
	Severity    Severity     `json:"severity"`
	ETAText     string       `json:"eta_text,omitempty"`
	DriverCard  *DriverCard  `json:"driver_card,omitempty"`
	Map         MapModel     `json:"map"`
	FareText    string       `json:"fare_text,omitempty"`
	Actions     []Action     `json:"actions"`
	Stale       bool         `json:"stale"`
	StaleNotice string       `json:"stale_notice,omitempty"`
}

// Has reports whether a is currently offered.
func (p Presentation) Has(a Action) bool {
	for _, x := range p.Actions {
		if x == a {
			return true
		}
	}
	return false
}

type phaseCopy struct {
	label    string
	message  string
	severity Severity
}

var copyByPhase = map[models.Phase]phaseCopy{
	models.PhaseRequested:      {"Finding a driver", "Looking for the nearest driver", SeverityWarning},
	models.PhaseDriverAssigned: {"Driver found", "Your driver is on the way", SeverityInfo},
	models.PhaseDriverArriving: {"Driver on the way", "Your driver is approaching the pickup point", SeverityInfo},
	models.PhaseDriverArrived:  {"Driver arrived", "Your driver is waiting for you", SeveritySuccess},
	models.PhaseInProgress:     {"On trip", "Enjoy your ride", SeverityActive},
	models.PhaseCompleted:      {"Completed", "You have arrived", SeverityNeutral},
	models.PhaseCancelled:      {"Cancelled", "This ride was cancelled", SeverityDanger},
}

const staleNotice = "Connection lost. Showing the last known status."

// Project renders s. A nil policy uses DefaultPolicy.
func Project(s models.RideState, policy CancellationPolicy) Presentation {
	if policy == nil {
		policy = DefaultPolicy()
	}
	c, ok := copyByPhase[s.Phase]
	if !ok {
		c = phaseCopy{"Unknown", "Ride status is unknown", SeverityNeutral}
	}
	p := Presentation{
		RideID:      s.RideID,
		Phase:       s.Phase,
		StatusLabel: c.label,
		Message:     c.message,
		Severity:    c.severity,
		Map:         MapModel{Pickup: s.Pickup, Dropoff: s.Dropoff},
		Actions:     actions(s, policy),
		Stale:       s.Stale,
	}
	if s.Stale {
		p.StaleNotice = staleNotice
	}
	if s.Phase.PrePickup() && s.ETASeconds != nil {
		p.ETAText = FormatETA(*s.ETASeconds)
	}
	if s.Driver != nil && s.Phase != models.PhaseCompleted && s.Phase != models.PhaseCancelled {
		p.DriverCard = driverCard(*s.Driver)
	}
	if s.DriverLocation != nil && s.Phase.DriverEnRoute() {
		loc := *s.DriverLocation
		p.Map.Driver = &loc
	}
	if s.Fare != nil {
		p.FareText = FormatFare(*s.Fare)
	}
	return p
}

func actions(s models.RideState, policy CancellationPolicy) []Action {
	switch s.Phase {
	case models.PhaseCompleted:
		return []Action{ActionProceedToPayment, ActionReorder}
	case models.PhaseCancelled:
		return []Action{ActionReorder}
	}
	out := []Action{}
	if policy.CanCancel(s.Phase) {
		out = append(out, ActionCancel)
	}
	if s.Driver != nil && s.Phase != models.PhaseRequested {
		out = append(out, ActionContactDriver)
	}
	return out
}

func driverCard(d models.Driver) *DriverCard {
	return &DriverCard{
		Name:    d.Name,
		Vehicle: d.Vehicle,
		Plate:   d.Plate,
		Rating:  fmt.Sprintf("%.1f", d.Rating),
		Phone:   d.Phone,
		Stars:   d.Rating,
	}
}

// FormatETA renders seconds as whole minutes, rounded up.
func FormatETA(secs int) string {
	if secs <= 0 {
		return "Arriving now"
	}
	mins := (secs + 59) / 60
	if mins == 1 {
		return "1 min"
	}
	return fmt.Sprintf("%d min", mins)
}

var currencySymbols = map[string]string{"": "$", "USD": "$", "EUR": "€", "GBP": "£"}

func FormatFare(f models.Fare) string {
	cur := strings.ToUpper(f.Currency)
	if sym, ok := currencySymbols[cur]; ok {
		return fmt.Sprintf("%s%.2f", sym, f.Amount)
	}
	return fmt.Sprintf("%.2f %s", f.Amount, cur)
}
