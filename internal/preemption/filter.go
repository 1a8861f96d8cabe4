package preemption

import (
	"github.com/pkg/errors"

	"github.com/armadaproject/taskscheduler/internal/resources"
	"github.com/armadaproject/taskscheduler/internal/tasks"
)

// MetricsSink is the narrow slice of the metrics surface the filter needs:
// a counter for "host attributes unknown". Kept as an interface, not a
// concrete *metrics.Metrics, so the filter stays testable without pulling
// in a prometheus registry.
type MetricsSink interface {
	RecordMissingHostAttributes()
}

// noopMetrics is used when callers pass a nil MetricsSink.
type noopMetrics struct{}

func (noopMetrics) RecordMissingHostAttributes() {}

// Eligible implements the preemption eligibility rule (§4.2):
//
//	¬P(pending) ∧ P(victim)                          -> eligible
//	P(pending) = P(victim) ∧ same role                -> eligible iff priority(pending) > priority(victim)
//	otherwise                                         -> ineligible
//
// where P(x) is "x's tier is preemptible".
func Eligible(pendingTier, victimTier Tier, pendingRole, victimRole string, pendingPriority, victimPriority int32) bool {
	if !pendingTier.Preemptible && victimTier.Preemptible {
		return true
	}
	if pendingTier.Preemptible == victimTier.Preemptible && pendingRole == victimRole {
		return pendingPriority > victimPriority
	}
	return false
}

// freeableResources is the victim's own bag, with revocable components
// stripped if the victim's tier is revocable, plus the fixed per-task
// executor overhead.
func freeableResources(v Victim, tier Tier, overhead resources.Bag) resources.Bag {
	bag := v.Resources
	if tier.Revocable {
		bag = bag.StripRevocableCPU()
	}
	return bag.Add(overhead)
}

// FindVictims selects a minimal set of victims whose freed resources (plus
// host slack) satisfy pending under filter. ok is false — "no solution" —
// when no prefix of the eligible, sorted victim sequence clears every veto;
// this is never reported as an error per §4.2/§7 ("never throws"). err is
// returned only for malformed input: candidates and offer spanning more
// than one host.
func FindVictims(
	pending tasks.TaskConfig,
	pendingRequired resources.Bag,
	aggregate interface{},
	candidates []Victim,
	offer *HostOffer,
	tierMgr TierManager,
	attrStore AttributeStore,
	filter SchedulingFilter,
	overhead resources.Bag,
	metrics MetricsSink,
) (victims []Victim, ok bool, err error) {
	if metrics == nil {
		metrics = noopMetrics{}
	}

	host, err := singleHost(candidates, offer)
	if err != nil {
		return nil, false, err
	}
	if host == "" {
		// No candidates and no offer: nothing to reason about.
		return nil, false, nil
	}

	slack := resources.Empty()
	if offer != nil {
		slack = offer.Resources
	}

	pendingTier := tierMgr.GetTier(pending)

	type scored struct {
		victim   Victim
		freeable resources.Bag
	}
	var eligible []scored
	for _, v := range candidates {
		victimTier := tierMgr.GetTier(v.Config)
		if !Eligible(pendingTier, victimTier, pending.Role, v.Role, pending.Priority, v.Config.Priority) {
			continue
		}
		eligible = append(eligible, scored{
			victim:   v,
			freeable: freeableResources(v, victimTier, overhead),
		})
	}
	if len(eligible) == 0 {
		return nil, false, nil
	}

	resources.SortDescending(eligible, func(s scored) resources.Bag { return s.freeable }, resources.DominanceComparator)

	attrs, known := attrStore.GetHostAttributes(host)
	if !known {
		metrics.RecordMissingHostAttributes()
		return nil, false, nil
	}

	request := ResourceRequest{
		Config:             pending,
		RequiredResources:  pendingRequired.Add(overhead),
		AttributeAggregate: aggregate,
	}

	accumulated := slack
	prefix := make([]Victim, 0, len(eligible))
	for _, s := range eligible {
		accumulated = accumulated.Add(s.freeable)
		prefix = append(prefix, s.victim)
		vetoes := filter.Filter(UnusedResource{Resources: accumulated, Attributes: attrs}, request)
		if len(vetoes) == 0 {
			out := make([]Victim, len(prefix))
			copy(out, prefix)
			return out, true, nil
		}
	}
	return nil, false, nil
}

// singleHost computes the one host name spanned by candidates and offer,
// per §4.2 step 1. Returns "" if there are neither candidates nor an
// offer. Returns an error if more than one distinct host name is present.
func singleHost(candidates []Victim, offer *HostOffer) (string, error) {
	seen := map[string]bool{}
	if offer != nil {
		seen[offer.Hostname] = true
	}
	for _, v := range candidates {
		seen[v.SlaveHost] = true
	}
	if len(seen) > 1 {
		return "", errors.Errorf("preemption candidates and offer span more than one host: %v", seen)
	}
	for h := range seen {
		return h, nil
	}
	return "", nil
}
