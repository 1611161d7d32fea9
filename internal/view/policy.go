package view

import "github.com/example/ride-tracker/internal/models"

// CancellationPolicy decides whether the passenger may cancel in a phase.
// Terminal phases never offer cancel regardless of the policy.
type CancellationPolicy interface {
	CanCancel(phase models.Phase) bool
}

// StaticPolicy allows cancelling in the listed phases.
type StaticPolicy struct {
	Allowed map[models.Phase]bool
}

// DefaultPolicy allows cancelling until the passenger is picked up.
func DefaultPolicy() StaticPolicy {
	return StaticPolicy{Allowed: map[models.Phase]bool{
		models.PhaseRequested:      true,
		models.PhaseDriverAssigned: true,
		models.PhaseDriverArriving: true,
		models.PhaseDriverArrived:  true,
	}}
}

func (p StaticPolicy) CanCancel(phase models.Phase) bool {
	return p.Allowed[phase]
}

// PolicyFunc adapts a function to CancellationPolicy.
type PolicyFunc func(models.Phase) bool

func (f PolicyFunc) CanCancel(phase models.Phase) bool { return f(phase) }
