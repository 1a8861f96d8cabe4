package statemgr

import (
	"fmt"
	"regexp"

	"github.com/pkg/errors"

	"github.com/armadaproject/taskscheduler/internal/schedctx"
	"github.com/armadaproject/taskscheduler/internal/schederrors"
	"github.com/armadaproject/taskscheduler/internal/statemachine"
	"github.com/armadaproject/taskscheduler/internal/storage"
	"github.com/armadaproject/taskscheduler/internal/tasks"
)

// InsertTasks creates records in INIT, persists them, and drives each to
// PENDING, returning the ids assigned.
func (m *StateManager) InsertTasks(ctx *schedctx.Context, configs []tasks.TaskConfig) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("InsertTasks", m.state, Started)
	if len(configs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(configs))
	err := m.envelope.RunInTransaction(func(sp storage.StoreProvider) error {
		for i, cfg := range configs {
			id := m.newTaskID(cfg)
			ids[i] = id
			row := &tasks.ScheduledTask{ID: id, Config: cfg, Status: tasks.INIT}
			sp.Tasks().SaveTasks([]*tasks.ScheduledTask{row})

			mach := m.newMachine(sp, m.envelope.Sink, id, cfg.JobKey(), row, tasks.INIT)
			if err := mach.Insert(); err != nil {
				return errors.Wrapf(err, "inserting task %s", id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ctx.Log.WithField("count", len(ids)).Debug("inserted tasks")
	return ids, nil
}

var portPattern = regexp.MustCompile(`%port:([A-Za-z0-9_]+)%`)

// expandPorts replaces %port:NAME% placeholders in command with the
// assigned port number for NAME.
func expandPorts(command string, ports map[string]int32) string {
	if command == "" {
		return command
	}
	return portPattern.ReplaceAllStringFunc(command, func(match string) string {
		name := portPattern.FindStringSubmatch(match)[1]
		if p, ok := ports[name]; ok {
			return fmt.Sprintf("%d", p)
		}
		return match
	})
}

// AssignTask advances a PENDING task to ASSIGNED, stamping the slave host/
// id and expanding RequestedPorts into the command template. Returns the
// assigned record, or (nil, nil) if taskId does not name a PENDING task.
func (m *StateManager) AssignTask(ctx *schedctx.Context, taskID, slaveHost, slaveID string, ports map[string]int32) (*tasks.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("AssignTask", m.state, Started)
	if taskID == "" || slaveHost == "" || slaveID == "" {
		panic(&schederrors.PreconditionError{Operation: "AssignTask", Message: "taskID, slaveHost and slaveID must not be blank"})
	}

	var assigned *tasks.ScheduledTask
	err := m.envelope.RunInTransaction(func(sp storage.StoreProvider) error {
		rows := sp.Tasks().FetchTasks(tasks.ByID(taskID))
		if len(rows) == 0 {
			return nil
		}
		row := rows[0]
		if row.Status != tasks.PENDING {
			return nil
		}

		mach := m.newMachine(sp, m.envelope.Sink, row.ID, row.Config.JobKey(), row, row.Status)
		err := mach.AssignTask(func(t *tasks.ScheduledTask) {
			if t.Assignment != nil {
				panic(&schederrors.PreconditionError{
					Operation: "AssignTask",
					Message:   fmt.Sprintf("task %s already has an assignment, duplicate match", t.ID),
				})
			}
			assignedPorts := make(map[string]int32, len(ports))
			for k, v := range ports {
				assignedPorts[k] = v
			}
			t.Assignment = &tasks.Assignment{SlaveID: slaveID, SlaveHost: slaveHost, AssignedPorts: assignedPorts}
			t.Config.Command = expandPorts(t.Config.Command, assignedPorts)
		})
		if err != nil {
			return err
		}
		assigned = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	// The assignment mutation runs when the queued UPDATE_STATE command is
	// drained, so the snapshot is taken only after the transaction returns.
	return assigned.DeepCopy(), nil
}

// ChangeState transitions every task matching q to newStatus, returning how
// many rows were actually transitioned. Idempotent: a matching task already
// at newStatus is skipped (no mutation, no side effects, not counted).
func (m *StateManager) ChangeState(ctx *schedctx.Context, q tasks.Query, newStatus tasks.ScheduleStatus, auditMessage string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("ChangeState", m.state, Started)

	count := 0
	err := m.envelope.RunInTransaction(func(sp storage.StoreProvider) error {
		rows := sp.Tasks().FetchTasks(q)
		for _, row := range rows {
			if row.Status == newStatus {
				continue
			}
			mach := m.newMachine(sp, m.envelope.Sink, row.ID, row.Config.JobKey(), row, row.Status)
			if err := applyStatusChange(mach, newStatus, auditMessage); err != nil {
				ctx.Log.WithError(err).WithField("taskId", row.ID).Warn("rejected state change")
				continue
			}
			if mach.Status != newStatus {
				// Absorbed by a terminal status: nothing was transitioned.
				continue
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// applyStatusChange dispatches to the Machine method matching newStatus.
func applyStatusChange(mach *statemachine.Machine, newStatus tasks.ScheduleStatus, auditMessage string) error {
	switch newStatus {
	case tasks.KILLING:
		return mach.Kill(auditMessage)
	case tasks.PREEMPTING:
		return mach.Preempt(auditMessage)
	case tasks.UNKNOWN:
		return mach.Abandon()
	case tasks.STARTING, tasks.RUNNING, tasks.FINISHED, tasks.FAILED, tasks.LOST, tasks.KILLED:
		return mach.StatusUpdate(newStatus, auditMessage)
	default:
		return &statemachine.IllegalTransitionError{TaskID: mach.TaskID, From: mach.Status, To: newStatus}
	}
}

// FetchTasks returns a snapshot of every task row matching q.
func (m *StateManager) FetchTasks(ctx *schedctx.Context, q tasks.Query) []*tasks.ScheduledTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("FetchTasks", m.state, Started)

	var out []*tasks.ScheduledTask
	_ = m.envelope.RunInTransaction(func(sp storage.StoreProvider) error {
		for _, t := range sp.Tasks().FetchTasks(q) {
			out = append(out, t.DeepCopy())
		}
		return nil
	})
	return out
}

// FetchTaskIDs returns the ids of every task row matching q.
func (m *StateManager) FetchTaskIDs(ctx *schedctx.Context, q tasks.Query) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("FetchTaskIDs", m.state, Started)

	var out []string
	_ = m.envelope.RunInTransaction(func(sp storage.StoreProvider) error {
		out = sp.Tasks().FetchTaskIDs(q)
		return nil
	})
	return out
}

// AbandonTasks transitions each id to UNKNOWN, which emits DELETE work
// commands that remove the rows as the queue drains within the same
// transaction — deletion never happens before a task's DELETE command has
// had a chance to use the row.
func (m *StateManager) AbandonTasks(ctx *schedctx.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("AbandonTasks", m.state, Started)
	if len(ids) == 0 {
		return nil
	}

	return m.envelope.RunInTransaction(func(sp storage.StoreProvider) error {
		rows := sp.Tasks().FetchTasks(tasks.ByID(ids...))
		for _, row := range rows {
			mach := m.newMachine(sp, m.envelope.Sink, row.ID, row.Config.JobKey(), row, row.Status)
			if err := mach.Abandon(); err != nil {
				return err
			}
		}
		return nil
	})
}

// RestartShards transitions the named live shards of role/job through
// KILLING and enqueues a RESCHEDULE for each, re-entering PENDING under
// the same config rather than terminating for good.
func (m *StateManager) RestartShards(ctx *schedctx.Context, role, job string, shards []int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("RestartShards", m.state, Started)

	jobKey := role + "/" + job
	shardSet := make(map[int32]bool, len(shards))
	for _, s := range shards {
		shardSet[s] = true
	}

	return m.envelope.RunInTransaction(func(sp storage.StoreProvider) error {
		rows := sp.Tasks().FetchTasks(tasks.ActiveQuery(jobKey))
		for _, row := range rows {
			if len(shardSet) > 0 && !shardSet[row.Config.Shard] {
				continue
			}
			mach := m.newMachine(sp, m.envelope.Sink, row.ID, jobKey, row, row.Status)
			if err := mach.Kill("restart requested"); err != nil {
				ctx.Log.WithError(err).WithField("taskId", row.ID).Warn("cannot restart shard")
				continue
			}
			m.envelope.Sink(statemachine.WorkCommand{Kind: statemachine.Reschedule, TaskID: row.ID, JobKey: jobKey, Task: row})
		}
		return nil
	})
}

// GetTasksByHost returns a snapshot of every task currently assigned to
// hostname.
func (m *StateManager) GetTasksByHost(ctx *schedctx.Context, hostname string) []*tasks.ScheduledTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("GetTasksByHost", m.state, Started)

	hosts := m.envelope.State().HostsSnapshot()
	var ids []string
	for id, h := range hosts {
		if h == hostname {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	var out []*tasks.ScheduledTask
	_ = m.envelope.RunInTransaction(func(sp storage.StoreProvider) error {
		for _, t := range sp.Tasks().FetchTasks(tasks.ByID(ids...)) {
			out = append(out, t.DeepCopy())
		}
		return nil
	})
	return out
}

// GetHostAssignedTasks returns the inverse view hostname -> {taskIds} of
// the process-wide taskHosts map.
func (m *StateManager) GetHostAssignedTasks(ctx *schedctx.Context) map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("GetHostAssignedTasks", m.state, Started)

	out := make(map[string][]string)
	for id, host := range m.envelope.State().HostsSnapshot() {
		out[host] = append(out[host], id)
	}
	return out
}

// ScanOutstandingTasks applies the §4.3 timeout rule and calls killTask for
// each offender.
func (m *StateManager) ScanOutstandingTasks(ctx *schedctx.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("ScanOutstandingTasks", m.state, Started)

	now := m.clock()
	var timedOut []string
	err := m.envelope.RunInTransaction(func(sp storage.StoreProvider) error {
		rows := sp.Tasks().FetchTasks(tasks.Query{Statuses: tasks.TimeoutStatuses})
		for _, row := range rows {
			mach := m.newMachine(sp, func(statemachine.WorkCommand) {}, row.ID, row.Config.JobKey(), row, row.Status)
			if mach.TimedOut(now, m.cfg.MissingTaskGracePeriod) {
				timedOut = append(timedOut, row.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range timedOut {
		ctx.Log.WithField("taskId", id).Info("missing task grace period exceeded, invoking kill callback")
		m.killTask(id)
	}
	return nil
}
