package watch

import (
	"github.com/pkg/errors"
)

// State is the lifecycle state of a watch record.
type State string

const (
	StateProvisioning State = "provisioning"
	StateActive       State = "active"
	StateRenewing     State = "renewing"
	StateErroring     State = "erroring"
	StateStopped      State = "stopped"
)

var transitions = map[State][]State{
	StateProvisioning: {StateActive, StateStopped},
	StateActive:       {StateRenewing, StateErroring, StateStopped},
	StateRenewing:     {StateActive, StateErroring, StateStopped},
	StateErroring:     {StateActive, StateRenewing, StateStopped},
	StateStopped:      {StateProvisioning},
}

// Active reports whether records in state s receive reconciliation.
func (s State) Active() bool {
	switch s {
	case StateActive, StateRenewing, StateErroring:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the lifecycle allows moving from s to
// to.  Staying in the same state is always allowed.
func (s State) CanTransition(to State) bool {
	return s.check(to) == nil
}

func (s State) check(to State) error {
	if s == to {
		return nil
	}
	for _, next := range transitions[s] {
		if next == to {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidTransition, "%s -> %s", s, to)
}
