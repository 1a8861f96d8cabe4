package statemachine

import "github.com/armadaproject/taskscheduler/internal/tasks"

// Kind discriminates the work commands a transition can emit.
//
// Per the specification's design notes (§9: "closures carrying mutation as
// values... represent as tagged variants of work commands with typed
// payloads"), WorkCommand is a single struct with a Kind discriminator and
// payload fields rather than an interface hierarchy with one implementation
// per command — there is no dynamic dispatch here, just data.
type Kind int

const (
	// UpdateState persists the task's current status and runs Mutate (if
	// set) against the task row.
	UpdateState Kind = iota
	// Reschedule clones the task, strips its assignment, assigns a new id
	// and ancestor link, and transitions the clone to PENDING.
	Reschedule
	// Kill invokes the externally supplied kill callback for TaskID.
	Kill
	// Update consults the update store for the shard's new config and
	// reschedules the task under it.
	Update
	// Rollback consults the update store for the shard's old config and
	// reschedules the task under it.
	Rollback
	// Delete removes the task row and clears its taskHosts entry.
	Delete
	// IncrementFailures records that the task's failure counter was bumped.
	// The machine increments FailureCount itself before emitting it, and the
	// accompanying UpdateState persists the row.
	IncrementFailures
)

func (k Kind) String() string {
	switch k {
	case UpdateState:
		return "UPDATE_STATE"
	case Reschedule:
		return "RESCHEDULE"
	case Kill:
		return "KILL"
	case Update:
		return "UPDATE"
	case Rollback:
		return "ROLLBACK"
	case Delete:
		return "DELETE"
	case IncrementFailures:
		return "INCREMENT_FAILURES"
	default:
		return "UNKNOWN_WORK_COMMAND"
	}
}

// WorkCommand is a deferred action emitted by a state-machine transition.
// Only the fields relevant to Kind are populated; the rest are zero.
type WorkCommand struct {
	Kind   Kind
	TaskID string
	JobKey string
	// Task is the in-memory row the transition was driven against; a
	// Machine fills it in on every command it emits. Reschedule/Update/
	// Rollback handlers read its Config to build the replacement row.
	Task *tasks.ScheduledTask
	// NewStatus and Mutate are the UpdateState payload.
	NewStatus tasks.ScheduleStatus
	Mutate    func(*tasks.ScheduledTask)
	// PrevStatus is the status the task held immediately before this
	// command's transition, used by UpdateState and Delete handlers to
	// move the per-job-per-status counters and the taskHosts map. Unset
	// (HasPrevStatus false) for a brand-new task's first UpdateState,
	// since INIT is never counted.
	HasPrevStatus bool
	PrevStatus    tasks.ScheduleStatus
	// AuditMessage is attached to the event recorded by UpdateState.
	AuditMessage string
}

// Sink enqueues a work command. The state machine never calls the store or
// the manager directly — it only ever calls Sink, which decouples it from
// both per §9's "no back-pointer" resolution to the
// manager/envelope/state-machine cyclic reference problem.
type Sink func(WorkCommand)
