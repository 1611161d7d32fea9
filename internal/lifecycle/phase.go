package lifecycle

import "github.com/example/ride-tracker/internal/models"

// forward lists each non-terminal phase's only forward successor. Cancelled
// is reachable from all of them and handled separately.
var forward = map[models.Phase]models.Phase{
	models.PhaseRequested:      models.PhaseDriverAssigned,
	models.PhaseDriverAssigned: models.PhaseDriverArriving,
	models.PhaseDriverArriving: models.PhaseDriverArrived,
	models.PhaseDriverArrived:  models.PhaseInProgress,
	models.PhaseInProgress:     models.PhaseCompleted,
}

// NextPhase returns the successor of p along the happy path.
func NextPhase(p models.Phase) (models.Phase, bool) {
	next, ok := forward[p]
	return next, ok
}

// IsLegalTransition reports whether an event carrying phase to may be applied
// to a ride currently in from. Repeating the current phase is a refresh.
func IsLegalTransition(from, to models.Phase) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == from || to == models.PhaseCancelled {
		return true
	}
	next, ok := forward[from]
	return ok && next == to
}
