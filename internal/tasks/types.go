// Package tasks holds the data model shared by the preemption filter, the
// per-task state machine, the transactional storage envelope, and the
// state manager: TaskConfig, ScheduledTask, ScheduleStatus and the query
// object used to select rows out of the store. The fields and statuses
// themselves come from spec.md §3/§4.3; original_source/.../StateManager.java
// imports the equivalent ScheduledTask/TwitterTaskInfo/AssignedTask types
// from a generated package not present in this retrieval pack, so the Go
// shape here is expressed directly from spec.md, the way the teacher
// expresses its own scheduler-internal job records
// (internal/scheduler/jobdb.SchedulerJob): a plain struct with exported
// fields, no getters.
package tasks

import (
	"time"

	"github.com/armadaproject/taskscheduler/internal/resources"
)

// ScheduleStatus is the finite set of states a task record can be in.
type ScheduleStatus int

const (
	// INIT is the pre-persistence state: a task that has been constructed
	// but not yet written to the store.
	INIT ScheduleStatus = iota
	PENDING
	ASSIGNED
	STARTING
	RUNNING
	FAILED
	FINISHED
	PREEMPTING
	RESTARTING
	KILLING
	KILLED
	LOST
	// UNKNOWN marks a task id that does not exist, or that has been
	// abandoned pending deletion.
	UNKNOWN
)

func (s ScheduleStatus) String() string {
	switch s {
	case INIT:
		return "INIT"
	case PENDING:
		return "PENDING"
	case ASSIGNED:
		return "ASSIGNED"
	case STARTING:
		return "STARTING"
	case RUNNING:
		return "RUNNING"
	case FAILED:
		return "FAILED"
	case FINISHED:
		return "FINISHED"
	case PREEMPTING:
		return "PREEMPTING"
	case RESTARTING:
		return "RESTARTING"
	case KILLING:
		return "KILLING"
	case KILLED:
		return "KILLED"
	case LOST:
		return "LOST"
	case UNKNOWN:
		return "UNKNOWN"
	default:
		return "UNKNOWN_STATUS"
	}
}

// TerminalStatuses are the statuses that absorb further status callbacks
// idempotently: once reached, a task row does not move again except via
// deletion or explicit rescheduling into a new task id.
var TerminalStatuses = map[ScheduleStatus]bool{
	FINISHED: true,
	KILLED:   true,
	LOST:     true,
	UNKNOWN:  true,
}

// LiveAssignedStatuses are the statuses for which taskHosts carries an
// entry (§3 invariant: "taskHosts contains an entry iff the task is
// currently assigned (ASSIGNED...KILLING inclusive)").
var LiveAssignedStatuses = map[ScheduleStatus]bool{
	ASSIGNED:   true,
	STARTING:   true,
	RUNNING:    true,
	PREEMPTING: true,
	RESTARTING: true,
	KILLING:    true,
}

// TimeoutStatuses are the statuses §4.3's timeout rule applies to: tasks
// stuck here past the missing-task grace period are presumed lost.
var TimeoutStatuses = map[ScheduleStatus]bool{
	ASSIGNED:   true,
	STARTING:   true,
	PREEMPTING: true,
	RESTARTING: true,
	KILLING:    true,
}

// IsTerminal reports whether s is one of the terminal statuses.
func (s ScheduleStatus) IsTerminal() bool {
	return TerminalStatuses[s]
}

// IsActive reports whether s is neither INIT, FAILED nor terminal — the set
// ActiveQuery(jobKey) selects.
func (s ScheduleStatus) IsActive() bool {
	return s != INIT && s != FAILED && !s.IsTerminal()
}

// Constraint is an opaque placement constraint carried on a TaskConfig but
// not interpreted by this core; the scheduling filter plug-in may consult
// it. Supplemental to spec.md's base TaskConfig, not grounded in a specific
// retrieved file.
type Constraint struct {
	Name   string
	Values []string
}

// TaskConfig is the immutable description of a workload unit.
type TaskConfig struct {
	Role     string
	Job      string
	Shard    int32
	Owner    string
	Resources resources.Bag
	Priority int32
	Tier     string
	Command  string
	// RequestedPorts are named port slots the command template expands at
	// assignment time.
	RequestedPorts []string
	Constraints    []Constraint
}

// JobKey returns the canonical role/name identifier for c's job.
func (c TaskConfig) JobKey() string {
	return c.Role + "/" + c.Job
}

// TaskEvent records one historical transition: the timestamp, the status
// entered, and an optional audit message.
type TaskEvent struct {
	Timestamp time.Time
	Status    ScheduleStatus
	Message   string
}

// Assignment records the slave a task has been placed on and the ports it
// was granted.
type Assignment struct {
	SlaveID      string
	SlaveHost    string
	AssignedPorts map[string]int32
}

// ScheduledTask is the mutable record wrapping a TaskConfig with identity
// and runtime metadata.
type ScheduledTask struct {
	ID           string
	Config       TaskConfig
	Status       ScheduleStatus
	Events       []TaskEvent
	FailureCount int32
	Assignment   *Assignment
	AncestorID   string
}

// DeepCopy returns an independent copy of t, the snapshot handed to readers
// per §5 ("consumers receive snapshots (immutable copies)").
func (t *ScheduledTask) DeepCopy() *ScheduledTask {
	if t == nil {
		return nil
	}
	out := *t
	out.Config.Resources = t.Config.Resources.DeepCopy()
	out.Events = append([]TaskEvent(nil), t.Events...)
	if t.Assignment != nil {
		a := *t.Assignment
		a.AssignedPorts = make(map[string]int32, len(t.Assignment.AssignedPorts))
		for k, v := range t.Assignment.AssignedPorts {
			a.AssignedPorts[k] = v
		}
		out.Assignment = &a
	}
	if t.Config.RequestedPorts != nil {
		out.Config.RequestedPorts = append([]string(nil), t.Config.RequestedPorts...)
	}
	if t.Config.Constraints != nil {
		out.Config.Constraints = append([]Constraint(nil), t.Config.Constraints...)
	}
	return &out
}

// LastEventTime returns the timestamp of the most recent event, or the
// zero time if the task has no events yet.
func (t *ScheduledTask) LastEventTime() time.Time {
	if len(t.Events) == 0 {
		return time.Time{}
	}
	return t.Events[len(t.Events)-1].Timestamp
}

// ShardUpdateConfiguration pairs the old and new config for one shard of an
// in-progress rolling update, plus the token guarding that update.
type ShardUpdateConfiguration struct {
	Role      string
	Job       string
	Shard     int32
	Token     string
	OldConfig *TaskConfig
	NewConfig *TaskConfig
}

// UpdateResult is the outcome a caller reports to finishUpdate.
type UpdateResult int

const (
	UpdateResultSuccess UpdateResult = iota
	UpdateResultFailed
)

// Query is an immutable filter over tasks: by id, by status set, or by
// (job, shard). Modelled on the Query/TaskQuery call sites in
// original_source/.../StateManager.java (Query.byId, OUTSTANDING_TASK_QUERY);
// neither Query nor TaskQuery itself is defined in the retrieved file set.
type Query struct {
	TaskIDs  map[string]bool
	JobKey   string
	Statuses map[ScheduleStatus]bool
	Shards   map[int32]bool
}

// ByID returns a Query matching exactly the given task ids.
func ByID(ids ...string) Query {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return Query{TaskIDs: m}
}

// ByJobKey returns a Query matching every task belonging to jobKey.
func ByJobKey(jobKey string) Query {
	return Query{JobKey: jobKey}
}

// ByJobShard returns a Query matching the given shards of jobKey.
func ByJobShard(jobKey string, shards ...int32) Query {
	m := make(map[int32]bool, len(shards))
	for _, s := range shards {
		m[s] = true
	}
	return Query{JobKey: jobKey, Shards: m}
}

// ActiveQuery returns a Query matching every task in jobKey that is neither
// terminal nor FAILED.
func ActiveQuery(jobKey string) Query {
	statuses := make(map[ScheduleStatus]bool)
	for _, s := range []ScheduleStatus{PENDING, ASSIGNED, STARTING, RUNNING, PREEMPTING, RESTARTING, KILLING} {
		statuses[s] = true
	}
	return Query{JobKey: jobKey, Statuses: statuses}
}

// Matches reports whether t satisfies q.
func (q Query) Matches(t *ScheduledTask) bool {
	if len(q.TaskIDs) > 0 && !q.TaskIDs[t.ID] {
		return false
	}
	if q.JobKey != "" && t.Config.JobKey() != q.JobKey {
		return false
	}
	if len(q.Statuses) > 0 && !q.Statuses[t.Status] {
		return false
	}
	if len(q.Shards) > 0 && !q.Shards[t.Config.Shard] {
		return false
	}
	return true
}
