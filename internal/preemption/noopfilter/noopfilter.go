// Package noopfilter provides two preemption.SchedulingFilter stand-ins for
// tests and the demonstration binary: a permissive filter that always
// admits, and a threshold filter that vetoes purely on resource capacity.
// The real feasibility/veto engine is an explicit plug-in the core never
// implements (§1), so neither of these is meant to be production-grade —
// they exist so FindVictims has something non-trivial to interact with
// without pulling in a scheduling constraints engine.
package noopfilter

import (
	"github.com/armadaproject/taskscheduler/internal/preemption"
)

// Permissive always returns an empty veto set.
type Permissive struct{}

// Filter implements preemption.SchedulingFilter.
func (Permissive) Filter(preemption.UnusedResource, preemption.ResourceRequest) []preemption.Veto {
	return nil
}

// Threshold vetoes a candidate placement when the unused resource bag
// cannot cover the request's required resources, using
// resources.Bag.IsStrictlyLessOrEqual (§4.1). Only kinds present in the
// unused bag are compared: a required kind the unused bag does not name
// is never vetoed.
type Threshold struct{}

// Filter implements preemption.SchedulingFilter.
func (Threshold) Filter(unused preemption.UnusedResource, request preemption.ResourceRequest) []preemption.Veto {
	if request.RequiredResources.IsStrictlyLessOrEqual(unused.Resources) {
		return nil
	}
	return []preemption.Veto{{Reason: "insufficient resources on host"}}
}
