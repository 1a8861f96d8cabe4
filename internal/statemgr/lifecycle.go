package statemgr

import "github.com/armadaproject/taskscheduler/internal/schederrors"

// LifecycleState is the State Manager's own lifecycle, distinct from any
// task's schedule status (§4.5): CREATED -> INITIALIZED -> STARTED ->
// STOPPED, linear and non-repeating.
type LifecycleState int

const (
	Created LifecycleState = iota
	Initialized
	Started
	Stopped
)

func (s LifecycleState) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Initialized:
		return "INITIALIZED"
	case Started:
		return "STARTED"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN_LIFECYCLE_STATE"
	}
}

// assertState panics with a PreconditionError-carrying message if the
// manager's current state is not one of allowed. Per §4.5 ("violations are
// programmer errors") and §7 ("invalid lifecycle use is a programmer error
// and surfaces as an assertion-class failure"), this is a hard panic, not
// a returned error.
func assertState(operation string, current LifecycleState, allowed ...LifecycleState) {
	for _, s := range allowed {
		if current == s {
			return
		}
	}
	panic(&schederrors.PreconditionError{
		Operation: operation,
		Message:   "manager is in state " + current.String() + ", not allowed for this operation",
	})
}
