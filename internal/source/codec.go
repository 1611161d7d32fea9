package source

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/ride-tracker/internal/models"
)

// ErrInvalidEnvelope is returned for payloads that cannot be routed to a ride.
var ErrInvalidEnvelope = errors.New("invalid ride event envelope")

// Envelope is the wire shape shared by every transport.
type Envelope struct {
	RideID         string         `json:"ride_id"`
	Seq            uint64         `json:"seq"`
	Phase          string         `json:"phase"`
	Driver         *models.Driver `json:"driver,omitempty"`
	DriverLocation *models.Coord  `json:"driver_location,omitempty"`
	ETASeconds     *int           `json:"eta_seconds,omitempty"`
	Fare           *models.Fare   `json:"fare,omitempty"`
}

// DecodeEnvelope parses a payload and normalises the phase.
func DecodeEnvelope(b []byte) (string, models.RideEvent, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", models.RideEvent{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.RideID == "" {
		return "", models.RideEvent{}, fmt.Errorf("%w: missing ride_id", ErrInvalidEnvelope)
	}
	ev, err := env.Event()
	return env.RideID, ev, err
}

// Event converts the envelope into a RideEvent.
func (env Envelope) Event() (models.RideEvent, error) {
	phase, err := models.ParsePhase(env.Phase)
	if err != nil {
		return models.RideEvent{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return models.RideEvent{
		Seq:            env.Seq,
		Phase:          phase,
		Driver:         env.Driver,
		DriverLocation: env.DriverLocation,
		ETASeconds:     env.ETASeconds,
		Fare:           env.Fare,
	}, nil
}

func EncodeEnvelope(rideID string, ev models.RideEvent) ([]byte, error) {
	return json.Marshal(Envelope{
		RideID:         rideID,
		Seq:            ev.Seq,
		Phase:          string(ev.Phase),
		Driver:         ev.Driver,
		DriverLocation: ev.DriverLocation,
		ETASeconds:     ev.ETASeconds,
		Fare:           ev.Fare,
	})
}
