// Package statemachine implements the per-task finite state machine (§4.3):
// legal transitions of a schedule status, each emitting work commands as a
// side effect. No Go example in the retrieval pack implements a finite
// state machine; the table-driven shape here (a map keyed by (from, to)
// rather than a type switch or interface hierarchy) is built from
// spec.md §4.3's transition table directly, expressed with the teacher's
// stated preference for explicit data over dispatch hierarchies (§9 design
// notes). original_source/.../StateManager.java references a
// TaskStateMachine collaborator throughout but does not define it in the
// retrieved file set, so the transition matrix itself is grounded on
// spec.md, not on a Java source file.
package statemachine

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/armadaproject/taskscheduler/internal/tasks"
)

// Live is the set of statuses "any live" transitions (kill, abandon) apply
// to: every status except the terminal ones and INIT/UNKNOWN.
var Live = map[tasks.ScheduleStatus]bool{
	tasks.PENDING:    true,
	tasks.ASSIGNED:   true,
	tasks.STARTING:   true,
	tasks.RUNNING:    true,
	tasks.PREEMPTING: true,
	tasks.RESTARTING: true,
	tasks.KILLING:    true,
}

// legalStatusCallbacks enumerates the (from, to) pairs a status callback
// (i.e. an external report of executor state) may legally drive, beyond
// the insert/assign/kill/abandon transitions that have their own methods.
//
// Every status in tasks.TimeoutStatuses must have a LOST exit here: §4.3's
// timeout rule invokes the external kill callback for tasks stuck in
// {ASSIGNED, STARTING, PREEMPTING, RESTARTING, KILLING} past the grace
// period, and that callback is expected to resolve with a LOST status
// update (original_source's StateManager.java: "assumes mesos core will
// send a TASK_LOST status update if we attempt to kill any tasks the core
// has no knowledge of"). PREEMPTING and KILLING can also resolve to KILLED
// when the kill succeeds normally rather than timing out.
var legalStatusCallbacks = map[tasks.ScheduleStatus]map[tasks.ScheduleStatus]bool{
	tasks.ASSIGNED:   {tasks.STARTING: true, tasks.LOST: true},
	tasks.STARTING:   {tasks.RUNNING: true, tasks.LOST: true},
	tasks.RUNNING:    {tasks.FAILED: true, tasks.FINISHED: true, tasks.LOST: true},
	tasks.PREEMPTING: {tasks.KILLED: true, tasks.LOST: true},
	tasks.RESTARTING: {tasks.LOST: true},
	tasks.KILLING:    {tasks.KILLED: true, tasks.LOST: true},
}

// IllegalTransitionError is returned when a caller attempts a transition
// the matrix does not allow. Per §4.3 ("illegal transitions are rejected
// and logged; they must not corrupt the row") this is never a panic — the
// row is left untouched and the error is for the caller to log/count.
type IllegalTransitionError struct {
	TaskID string
	From   tasks.ScheduleStatus
	To     tasks.ScheduleStatus
}

func (e *IllegalTransitionError) Error() string {
	return "illegal transition for task " + e.TaskID + ": " + e.From.String() + " -> " + e.To.String()
}

// Deps are the collaborators a Machine needs, all supplied by the caller
// (the state manager) so the machine itself stays free of a manager
// back-pointer.
type Deps struct {
	// UpdateInProgress reports whether jobKey has an active rolling update.
	UpdateInProgress func(jobKey string) bool
	// Sink receives every work command this machine emits.
	Sink Sink
	// Clock returns the current time; tests supply a fixed clock.
	Clock func() time.Time
	// MaxFailures is the retry limit: a task whose FailureCount after
	// incrementing is still <= MaxFailures gets rescheduled; beyond that
	// it is left FAILED with no retry.
	MaxFailures int32
	// Log receives one entry per illegal-transition rejection.
	Log *logrus.Entry
}

// Machine drives one task's schedule status through the transition matrix.
// It holds a pointer to the task row it mutates in place; callers own the
// row's lifetime (it is a pointer into the active transaction's working
// set, per §4.4).
type Machine struct {
	TaskID string
	JobKey string
	Task   *tasks.ScheduledTask
	Status tasks.ScheduleStatus
	deps   Deps
}

// New constructs a Machine for taskID/jobKey at the given initial status.
// task may be nil only when status is INIT (the row has not been
// persisted yet).
func New(taskID, jobKey string, task *tasks.ScheduledTask, status tasks.ScheduleStatus, deps Deps) *Machine {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.New())
	}
	return &Machine{TaskID: taskID, JobKey: jobKey, Task: task, Status: status, deps: deps}
}

func (m *Machine) emit(cmd WorkCommand) {
	cmd.TaskID = m.TaskID
	cmd.JobKey = m.JobKey
	if cmd.Task == nil {
		cmd.Task = m.Task
	}
	m.deps.Sink(cmd)
}

func (m *Machine) recordEvent(status tasks.ScheduleStatus, message string) {
	if m.Task == nil {
		return
	}
	m.Task.Events = append(m.Task.Events, tasks.TaskEvent{
		Timestamp: m.deps.Clock(),
		Status:    status,
		Message:   message,
	})
	m.Task.Status = status
	m.Status = status
}

// Insert drives INIT -> PENDING, the transition performed immediately
// after a task row is first persisted.
func (m *Machine) Insert() error {
	if m.Status != tasks.INIT {
		return &IllegalTransitionError{TaskID: m.TaskID, From: m.Status, To: tasks.PENDING}
	}
	m.recordEvent(tasks.PENDING, "")
	m.emit(WorkCommand{Kind: UpdateState, NewStatus: tasks.PENDING})
	return nil
}

// AssignTask drives PENDING -> ASSIGNED. mutate stamps the slave host/id
// and expands ports into the command template; it runs as part of the
// UPDATE_STATE work command's mutation closure, exactly as any other
// status-change mutation would.
func (m *Machine) AssignTask(mutate func(*tasks.ScheduledTask)) error {
	if m.Status != tasks.PENDING {
		return &IllegalTransitionError{TaskID: m.TaskID, From: m.Status, To: tasks.ASSIGNED}
	}
	from := m.Status
	m.recordEvent(tasks.ASSIGNED, "")
	m.emit(WorkCommand{Kind: UpdateState, NewStatus: tasks.ASSIGNED, Mutate: mutate, HasPrevStatus: true, PrevStatus: from})
	return nil
}

// StatusUpdate drives a status callback from an executor/driver report. It
// is idempotent on a terminal current status (absorbed silently, no
// mutation, no work) and rejects any pair not in legalStatusCallbacks.
func (m *Machine) StatusUpdate(newStatus tasks.ScheduleStatus, auditMessage string) error {
	if m.Status.IsTerminal() {
		return nil
	}
	allowed := legalStatusCallbacks[m.Status]
	if !allowed[newStatus] {
		err := &IllegalTransitionError{TaskID: m.TaskID, From: m.Status, To: newStatus}
		m.deps.Log.WithError(err).Warn("rejected illegal task transition")
		return err
	}

	from := m.Status
	switch newStatus {
	case tasks.STARTING, tasks.RUNNING, tasks.FINISHED, tasks.KILLED:
		m.recordEvent(newStatus, auditMessage)
		m.emit(WorkCommand{Kind: UpdateState, NewStatus: newStatus, AuditMessage: auditMessage, HasPrevStatus: true, PrevStatus: from})
	case tasks.FAILED:
		m.recordEvent(newStatus, auditMessage)
		if m.Task != nil {
			m.Task.FailureCount++
		}
		m.emit(WorkCommand{Kind: IncrementFailures})
		m.emit(WorkCommand{Kind: UpdateState, NewStatus: newStatus, AuditMessage: auditMessage, HasPrevStatus: true, PrevStatus: from})
		if m.Task == nil || m.Task.FailureCount <= m.deps.MaxFailures {
			m.emit(WorkCommand{Kind: Reschedule})
		}
	case tasks.LOST:
		m.recordEvent(newStatus, auditMessage)
		m.emit(WorkCommand{Kind: Reschedule})
		m.emit(WorkCommand{Kind: UpdateState, NewStatus: newStatus, AuditMessage: auditMessage, HasPrevStatus: true, PrevStatus: from})
	}
	return nil
}

// Kill drives any live status to KILLING, whether requested by a user or
// by an in-progress update.
func (m *Machine) Kill(auditMessage string) error {
	if !Live[m.Status] {
		return &IllegalTransitionError{TaskID: m.TaskID, From: m.Status, To: tasks.KILLING}
	}
	from := m.Status
	m.recordEvent(tasks.KILLING, auditMessage)
	m.emit(WorkCommand{Kind: Kill, AuditMessage: auditMessage})
	m.emit(WorkCommand{Kind: UpdateState, NewStatus: tasks.KILLING, AuditMessage: auditMessage, HasPrevStatus: true, PrevStatus: from})
	return nil
}

// Preempt drives any live status to PREEMPTING, used by the state manager
// when the preemption engine (§4.2) has selected this task as a victim.
// Distinct from a plain user Kill only in the status recorded and audited;
// it still invokes the external kill callback immediately, since a
// preemption victim is killed as soon as it is chosen, not held pending
// executor confirmation first.
func (m *Machine) Preempt(auditMessage string) error {
	if !Live[m.Status] {
		return &IllegalTransitionError{TaskID: m.TaskID, From: m.Status, To: tasks.PREEMPTING}
	}
	from := m.Status
	m.recordEvent(tasks.PREEMPTING, auditMessage)
	m.emit(WorkCommand{Kind: Kill, AuditMessage: auditMessage})
	m.emit(WorkCommand{Kind: UpdateState, NewStatus: tasks.PREEMPTING, AuditMessage: auditMessage, HasPrevStatus: true, PrevStatus: from})
	return nil
}

// Abandon drives any status to UNKNOWN, used when a task is missing or
// explicitly abandoned. It always emits DELETE — there is no legal
// transition this method can reject, since UNKNOWN is reachable from
// anywhere (§4.3: "any -> UNKNOWN").
func (m *Machine) Abandon() error {
	from := m.Status
	hadStatus := from != tasks.INIT
	m.recordEvent(tasks.UNKNOWN, "")
	m.emit(WorkCommand{Kind: Delete, HasPrevStatus: hadStatus, PrevStatus: from})
	return nil
}

// UpdateTick drives the update-in-progress tick on a RUNNING task: if
// jobKey has an active update, it transitions to RESTARTING and emits UPDATE
// (new config present) or ROLLBACK (new config absent, i.e. the shard is
// being removed) plus UPDATE_STATE. The task's current config is not
// compared with the desired one. newConfigPresent is supplied by the
// caller, which has already consulted the update store.
func (m *Machine) UpdateTick(newConfigPresent bool) error {
	if m.Status != tasks.RUNNING {
		return &IllegalTransitionError{TaskID: m.TaskID, From: m.Status, To: tasks.RESTARTING}
	}
	if !m.deps.UpdateInProgress(m.JobKey) {
		return nil
	}
	from := m.Status
	m.recordEvent(tasks.RESTARTING, "update in progress")
	if newConfigPresent {
		m.emit(WorkCommand{Kind: Update})
	} else {
		m.emit(WorkCommand{Kind: Rollback})
	}
	m.emit(WorkCommand{Kind: UpdateState, NewStatus: tasks.RESTARTING, HasPrevStatus: true, PrevStatus: from})
	return nil
}

// TimedOut reports whether this machine's current status is in the set §4.3
// applies the missing-task grace period to, and whether now minus the
// task's last event time exceeds grace.
func (m *Machine) TimedOut(now time.Time, grace time.Duration) bool {
	if !tasks.TimeoutStatuses[m.Status] || m.Task == nil {
		return false
	}
	last := m.Task.LastEventTime()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > grace
}
