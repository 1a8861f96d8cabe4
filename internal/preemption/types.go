// Package preemption implements the single-host preemption victim filter
// (§4.2): given a pending task and a set of on-host candidates, select a
// minimal set of victims whose freed resources admit the pending task
// under the feasibility filter and eligibility policy. Grounded on the
// teacher's scheduling/eviction.go and preempting_queue_scheduler.go,
// narrowed from multi-node bin packing down to the single-host case the
// specification describes.
package preemption

import (
	"github.com/armadaproject/taskscheduler/internal/resources"
	"github.com/armadaproject/taskscheduler/internal/tasks"
)

// Victim is a projection of a scheduled task sufficient for the preemption
// engine: just enough to rank and evict it.
type Victim struct {
	TaskID       string
	Config       tasks.TaskConfig
	Role         string
	Resources    resources.Bag
	SlaveHost    string
}

// HostOffer is the on-host resource envelope — slack already free on a
// host before any preemption.
type HostOffer struct {
	Hostname  string
	SlaveID   string
	Resources resources.Bag
}

// HostAttributes is an opaque set of key/value attributes attached to a
// host; the concrete shape is owned by the AttributeStore plug-in.
type HostAttributes map[string][]string

// AttributeStore is the read-only collaborator supplying host attributes.
type AttributeStore interface {
	GetHostAttributes(host string) (HostAttributes, bool)
}

// Veto is a reason returned by the scheduling filter indicating
// unplaceability. An empty []Veto means admissible.
type Veto struct {
	Reason string
}

// ResourceRequest is the pending task's placement request handed to the
// scheduling filter: its config, the resources required (including
// executor overhead), and an attribute aggregate describing the job's
// placement state.
type ResourceRequest struct {
	Config          tasks.TaskConfig
	RequiredResources resources.Bag
	AttributeAggregate interface{}
}

// UnusedResource is the candidate placement the scheduling filter is asked
// to veto or admit: the accumulated freed/slack bag plus the host
// attributes it would be placed against.
type UnusedResource struct {
	Resources  resources.Bag
	Attributes HostAttributes
}

// SchedulingFilter is the feasibility/veto plug-in contract (§6): empty
// result means admissible.
type SchedulingFilter interface {
	Filter(unused UnusedResource, request ResourceRequest) []Veto
}

// Tier describes the preemptibility and revocability facets of a task's
// tier, supplied by the tier-manager plug-in (§6).
type Tier struct {
	Name          string
	Preemptible   bool
	Revocable     bool
}

// TierManager resolves the Tier for a given TaskConfig.
type TierManager interface {
	GetTier(config tasks.TaskConfig) Tier
}
