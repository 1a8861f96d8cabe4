package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/armadaproject/taskscheduler/internal/tasks"
)

func TestProcessStateApplyCountMoveAndHostTracking(t *testing.T) {
	state := NewProcessState(nil)

	state.apply([]SideEffect{
		CountIncrement("r/j", tasks.PENDING),
	})
	assert.Equal(t, 1, state.CountsSnapshot("r/j")[tasks.PENDING])

	state.apply([]SideEffect{
		CountMove("r/j", tasks.PENDING, tasks.ASSIGNED),
		HostAdded("task-1", "node-1"),
	})
	counts := state.CountsSnapshot("r/j")
	assert.Equal(t, 0, counts[tasks.PENDING])
	assert.Equal(t, 1, counts[tasks.ASSIGNED])
	host, ok := state.HostOf("task-1")
	assert.True(t, ok)
	assert.Equal(t, "node-1", host)

	state.apply([]SideEffect{
		CountDecrement("r/j", tasks.ASSIGNED),
		HostRemoved("task-1"),
	})
	assert.Empty(t, state.CountsSnapshot("r/j"))
	_, ok = state.HostOf("task-1")
	assert.False(t, ok)
}

func TestProcessStateSeedPopulatesFromPersistedRows(t *testing.T) {
	state := NewProcessState(nil)
	rows := []*tasks.ScheduledTask{
		{ID: "t1", Config: tasks.TaskConfig{Role: "r", Job: "j"}, Status: tasks.RUNNING, Assignment: &tasks.Assignment{SlaveHost: "node-1"}},
		{ID: "t2", Config: tasks.TaskConfig{Role: "r", Job: "j"}, Status: tasks.PENDING},
	}

	state.Seed(rows)

	counts := state.CountsSnapshot("r/j")
	assert.Equal(t, 1, counts[tasks.RUNNING])
	assert.Equal(t, 1, counts[tasks.PENDING])
	hosts := state.HostsSnapshot()
	assert.Equal(t, "node-1", hosts["t1"])
	_, ok := hosts["t2"]
	assert.False(t, ok, "a PENDING task has no host entry")
}
