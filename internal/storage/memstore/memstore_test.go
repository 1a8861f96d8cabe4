package memstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/taskscheduler/internal/storage"
	"github.com/armadaproject/taskscheduler/internal/tasks"
)

func newPreparedBackend(t *testing.T) *Backend {
	t.Helper()
	b := NewBackend()
	require.NoError(t, b.Prepare())
	return b
}

func TestSaveFetchAndRemoveTasks(t *testing.T) {
	b := newPreparedBackend(t)
	task := &tasks.ScheduledTask{ID: "t1", Config: tasks.TaskConfig{Role: "r", Job: "j"}, Status: tasks.PENDING}

	err := b.DoInTransaction(func(sp storage.StoreProvider) error {
		sp.Tasks().SaveTasks([]*tasks.ScheduledTask{task})
		return nil
	})
	require.NoError(t, err)

	var fetched []*tasks.ScheduledTask
	err = b.DoInTransaction(func(sp storage.StoreProvider) error {
		fetched = sp.Tasks().FetchTasks(tasks.ByID("t1"))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, tasks.PENDING, fetched[0].Status)

	err = b.DoInTransaction(func(sp storage.StoreProvider) error {
		sp.Tasks().RemoveTasks([]string{"t1"})
		return nil
	})
	require.NoError(t, err)

	err = b.DoInTransaction(func(sp storage.StoreProvider) error {
		fetched = sp.Tasks().FetchTasks(tasks.ByID("t1"))
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, fetched)
}

func TestDoInTransactionAbortsOnError(t *testing.T) {
	b := newPreparedBackend(t)

	err := b.DoInTransaction(func(sp storage.StoreProvider) error {
		sp.Tasks().SaveTasks([]*tasks.ScheduledTask{{ID: "t1", Config: tasks.TaskConfig{Role: "r", Job: "j"}}})
		return assertError{}
	})
	require.Error(t, err)

	var fetched []*tasks.ScheduledTask
	_ = b.DoInTransaction(func(sp storage.StoreProvider) error {
		fetched = sp.Tasks().FetchTasks(tasks.ByID("t1"))
		return nil
	})
	assert.Empty(t, fetched, "a rolled-back write must not be visible")
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestShardUpdateConfigRoundTrip(t *testing.T) {
	b := newPreparedBackend(t)
	newCfg := tasks.TaskConfig{Role: "r", Job: "j", Shard: 0, Command: "new"}

	err := b.DoInTransaction(func(sp storage.StoreProvider) error {
		sp.Updates().SaveShardUpdateConfigs("r", "j", "token-1", []*tasks.ShardUpdateConfiguration{
			{Shard: 0, NewConfig: &newCfg},
		})
		return nil
	})
	require.NoError(t, err)

	err = b.DoInTransaction(func(sp storage.StoreProvider) error {
		cfg, ok := sp.Updates().FetchShardUpdateConfig("r", "j", 0)
		require.True(t, ok)
		assert.Equal(t, "token-1", cfg.Token)
		assert.Equal(t, "new", cfg.NewConfig.Command)

		all := sp.Updates().FetchShardUpdateConfigs("r", "j", nil)
		assert.Len(t, all, 1)
		return nil
	})
	require.NoError(t, err)

	err = b.DoInTransaction(func(sp storage.StoreProvider) error {
		sp.Updates().RemoveShardUpdateConfigs("r", "j")
		return nil
	})
	require.NoError(t, err)

	err = b.DoInTransaction(func(sp storage.StoreProvider) error {
		_, ok := sp.Updates().FetchShardUpdateConfig("r", "j", 0)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestFrameworkIDRoundTrip(t *testing.T) {
	b := newPreparedBackend(t)

	err := b.DoInTransaction(func(sp storage.StoreProvider) error {
		_, ok := sp.Scheduler().FetchFrameworkID()
		assert.False(t, ok)
		sp.Scheduler().SaveFrameworkID("fw-1")
		return nil
	})
	require.NoError(t, err)

	err = b.DoInTransaction(func(sp storage.StoreProvider) error {
		id, ok := sp.Scheduler().FetchFrameworkID()
		assert.True(t, ok)
		assert.Equal(t, "fw-1", id)
		return nil
	})
	require.NoError(t, err)
}
