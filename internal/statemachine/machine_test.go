package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/taskscheduler/internal/tasks"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestMachine(task *tasks.ScheduledTask, status tasks.ScheduleStatus, sink Sink) *Machine {
	if sink == nil {
		sink = func(WorkCommand) {}
	}
	return New(task.ID, task.Config.JobKey(), task, status, Deps{
		UpdateInProgress: func(string) bool { return false },
		Sink:             sink,
		Clock:            fixedClock(time.Unix(1000, 0)),
		MaxFailures:      2,
	})
}

func newTask() *tasks.ScheduledTask {
	return &tasks.ScheduledTask{
		ID:     "task-1",
		Config: tasks.TaskConfig{Role: "www-data", Job: "hello", Shard: 0},
	}
}

func TestInsertDrivesInitToPending(t *testing.T) {
	task := newTask()
	var commands []WorkCommand
	m := newTestMachine(task, tasks.INIT, func(c WorkCommand) { commands = append(commands, c) })

	require.NoError(t, m.Insert())

	assert.Equal(t, tasks.PENDING, m.Status)
	assert.Equal(t, tasks.PENDING, task.Status)
	require.Len(t, commands, 1)
	assert.Equal(t, UpdateState, commands[0].Kind)
	assert.False(t, commands[0].HasPrevStatus)
	assert.Equal(t, tasks.PENDING, commands[0].NewStatus)
}

func TestInsertRejectsNonInit(t *testing.T) {
	task := newTask()
	m := newTestMachine(task, tasks.PENDING, nil)
	err := m.Insert()
	require.Error(t, err)
	var transErr *IllegalTransitionError
	assert.ErrorAs(t, err, &transErr)
}

func TestAssignTaskAppliesMutationAndTracksPrevStatus(t *testing.T) {
	task := newTask()
	var commands []WorkCommand
	m := newTestMachine(task, tasks.PENDING, func(c WorkCommand) { commands = append(commands, c) })

	err := m.AssignTask(func(t *tasks.ScheduledTask) {
		t.Assignment = &tasks.Assignment{SlaveHost: "node-1"}
	})
	require.NoError(t, err)

	require.Len(t, commands, 1)
	cmd := commands[0]
	assert.Equal(t, tasks.ASSIGNED, cmd.NewStatus)
	assert.True(t, cmd.HasPrevStatus)
	assert.Equal(t, tasks.PENDING, cmd.PrevStatus)
	assert.NotNil(t, cmd.Mutate)
	cmd.Mutate(task)
	assert.Equal(t, "node-1", task.Assignment.SlaveHost)
}

func TestStatusUpdateRejectsIllegalTransition(t *testing.T) {
	task := newTask()
	m := newTestMachine(task, tasks.PENDING, nil)
	err := m.StatusUpdate(tasks.RUNNING, "")
	require.Error(t, err)
}

func TestStatusUpdateIsIdempotentOnTerminal(t *testing.T) {
	task := newTask()
	called := false
	m := newTestMachine(task, tasks.FINISHED, func(WorkCommand) { called = true })
	err := m.StatusUpdate(tasks.RUNNING, "late callback")
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, tasks.FINISHED, m.Status)
}

func TestStatusUpdateFailedUnderRetryLimitReschedules(t *testing.T) {
	task := newTask()
	task.FailureCount = 0
	var kinds []Kind
	m := newTestMachine(task, tasks.RUNNING, func(c WorkCommand) { kinds = append(kinds, c.Kind) })

	require.NoError(t, m.StatusUpdate(tasks.FAILED, "crashed"))

	assert.Equal(t, int32(1), task.FailureCount)
	assert.Contains(t, kinds, IncrementFailures)
	assert.Contains(t, kinds, Reschedule)
	assert.Contains(t, kinds, UpdateState)
}

func TestStatusUpdateFailedBeyondRetryLimitDoesNotReschedule(t *testing.T) {
	task := newTask()
	task.FailureCount = 2 // already at MaxFailures
	var kinds []Kind
	m := newTestMachine(task, tasks.RUNNING, func(c WorkCommand) { kinds = append(kinds, c.Kind) })

	require.NoError(t, m.StatusUpdate(tasks.FAILED, "crashed again"))

	assert.Equal(t, int32(3), task.FailureCount)
	assert.NotContains(t, kinds, Reschedule)
}

func TestStatusUpdateLostAlwaysReschedules(t *testing.T) {
	task := newTask()
	var kinds []Kind
	m := newTestMachine(task, tasks.ASSIGNED, func(c WorkCommand) { kinds = append(kinds, c.Kind) })

	require.NoError(t, m.StatusUpdate(tasks.LOST, "executor lost"))
	assert.Contains(t, kinds, Reschedule)
	assert.Contains(t, kinds, UpdateState)
}

func TestKillRequiresLiveStatus(t *testing.T) {
	task := newTask()
	m := newTestMachine(task, tasks.FINISHED, nil)
	err := m.Kill("user requested")
	require.Error(t, err)
}

func TestKillEmitsKillThenUpdateState(t *testing.T) {
	task := newTask()
	var commands []WorkCommand
	m := newTestMachine(task, tasks.RUNNING, func(c WorkCommand) { commands = append(commands, c) })

	require.NoError(t, m.Kill("operator request"))
	require.Len(t, commands, 2)
	assert.Equal(t, Kill, commands[0].Kind)
	assert.Equal(t, UpdateState, commands[1].Kind)
	assert.Equal(t, tasks.KILLING, commands[1].NewStatus)
	assert.True(t, commands[1].HasPrevStatus)
	assert.Equal(t, tasks.RUNNING, commands[1].PrevStatus)
}

func TestPreemptRequiresLiveStatus(t *testing.T) {
	task := newTask()
	m := newTestMachine(task, tasks.FINISHED, nil)
	err := m.Preempt("victim selected")
	require.Error(t, err)
}

func TestPreemptEmitsKillThenUpdateStateToPreempting(t *testing.T) {
	task := newTask()
	var commands []WorkCommand
	m := newTestMachine(task, tasks.RUNNING, func(c WorkCommand) { commands = append(commands, c) })

	require.NoError(t, m.Preempt("victim selected"))
	require.Len(t, commands, 2)
	assert.Equal(t, Kill, commands[0].Kind)
	assert.Equal(t, UpdateState, commands[1].Kind)
	assert.Equal(t, tasks.PREEMPTING, commands[1].NewStatus)
	assert.True(t, commands[1].HasPrevStatus)
	assert.Equal(t, tasks.RUNNING, commands[1].PrevStatus)
}

func TestStatusUpdateResolvesTimedOutPreemptingToLost(t *testing.T) {
	task := newTask()
	var kinds []Kind
	m := newTestMachine(task, tasks.PREEMPTING, func(c WorkCommand) { kinds = append(kinds, c.Kind) })

	require.NoError(t, m.StatusUpdate(tasks.LOST, "timed out waiting for kill confirmation"))
	assert.Equal(t, tasks.LOST, m.Status)
	assert.Contains(t, kinds, Reschedule)
	assert.Contains(t, kinds, UpdateState)
}

func TestStatusUpdateResolvesTimedOutKillingToLost(t *testing.T) {
	task := newTask()
	var kinds []Kind
	m := newTestMachine(task, tasks.KILLING, func(c WorkCommand) { kinds = append(kinds, c.Kind) })

	require.NoError(t, m.StatusUpdate(tasks.LOST, "timed out waiting for kill confirmation"))
	assert.Equal(t, tasks.LOST, m.Status)
	assert.Contains(t, kinds, Reschedule)
}

func TestStatusUpdateResolvesTimedOutRestartingToLost(t *testing.T) {
	task := newTask()
	m := newTestMachine(task, tasks.RESTARTING, nil)

	require.NoError(t, m.StatusUpdate(tasks.LOST, "timed out mid-update"))
	assert.Equal(t, tasks.LOST, m.Status)
}

func TestAbandonAlwaysEmitsDelete(t *testing.T) {
	task := newTask()
	var commands []WorkCommand
	m := newTestMachine(task, tasks.ASSIGNED, func(c WorkCommand) { commands = append(commands, c) })

	require.NoError(t, m.Abandon())
	require.Len(t, commands, 1)
	assert.Equal(t, Delete, commands[0].Kind)
	assert.True(t, commands[0].HasPrevStatus)
	assert.Equal(t, tasks.ASSIGNED, commands[0].PrevStatus)
}

func TestAbandonFromInitHasNoPrevStatus(t *testing.T) {
	task := &tasks.ScheduledTask{ID: "task-2"}
	var commands []WorkCommand
	m := newTestMachine(task, tasks.INIT, func(c WorkCommand) { commands = append(commands, c) })

	require.NoError(t, m.Abandon())
	require.Len(t, commands, 1)
	assert.False(t, commands[0].HasPrevStatus)
}

func TestUpdateTickRequiresRunningStatus(t *testing.T) {
	task := newTask()
	m := newTestMachine(task, tasks.PENDING, nil)
	err := m.UpdateTick(true)
	require.Error(t, err)
}

func TestUpdateTickNoopWithoutActiveUpdate(t *testing.T) {
	task := newTask()
	called := false
	m := New(task.ID, task.Config.JobKey(), task, tasks.RUNNING, Deps{
		UpdateInProgress: func(string) bool { return false },
		Sink:             func(WorkCommand) { called = true },
		Clock:            fixedClock(time.Unix(1000, 0)),
	})
	require.NoError(t, m.UpdateTick(true))
	assert.False(t, called)
	assert.Equal(t, tasks.RUNNING, m.Status)
}

func TestUpdateTickWithNewConfigEmitsUpdate(t *testing.T) {
	task := newTask()
	var kinds []Kind
	m := New(task.ID, task.Config.JobKey(), task, tasks.RUNNING, Deps{
		UpdateInProgress: func(string) bool { return true },
		Sink:             func(c WorkCommand) { kinds = append(kinds, c.Kind) },
		Clock:            fixedClock(time.Unix(1000, 0)),
	})
	require.NoError(t, m.UpdateTick(true))
	assert.Equal(t, tasks.RESTARTING, m.Status)
	assert.Equal(t, []Kind{Update, UpdateState}, kinds)
}

func TestUpdateTickWithoutNewConfigEmitsRollback(t *testing.T) {
	task := newTask()
	var kinds []Kind
	m := New(task.ID, task.Config.JobKey(), task, tasks.RUNNING, Deps{
		UpdateInProgress: func(string) bool { return true },
		Sink:             func(c WorkCommand) { kinds = append(kinds, c.Kind) },
		Clock:            fixedClock(time.Unix(1000, 0)),
	})
	require.NoError(t, m.UpdateTick(false))
	assert.Equal(t, []Kind{Rollback, UpdateState}, kinds)
}

func TestTimedOutHonorsGracePeriod(t *testing.T) {
	task := newTask()
	task.Status = tasks.ASSIGNED
	task.Events = []tasks.TaskEvent{{Timestamp: time.Unix(1000, 0), Status: tasks.ASSIGNED}}
	m := newTestMachine(task, tasks.ASSIGNED, nil)

	assert.False(t, m.TimedOut(time.Unix(1100, 0), 5*time.Minute))
	assert.True(t, m.TimedOut(time.Unix(1400, 0), 5*time.Minute))
}

func TestTimedOutIgnoresStatusesOutsideTheTimeoutSet(t *testing.T) {
	task := newTask()
	task.Status = tasks.RUNNING
	task.Events = []tasks.TaskEvent{{Timestamp: time.Unix(0, 0), Status: tasks.RUNNING}}
	m := newTestMachine(task, tasks.RUNNING, nil)
	assert.False(t, m.TimedOut(time.Unix(1_000_000, 0), time.Second))
}
