package statemgr

import (
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/armadaproject/taskscheduler/internal/schedctx"
	"github.com/armadaproject/taskscheduler/internal/schederrors"
	"github.com/armadaproject/taskscheduler/internal/storage"
	"github.com/armadaproject/taskscheduler/internal/tasks"
)

// RegisterUpdate starts a rolling update of role/job: newConfigs maps shard
// number to its desired config. Rejects a second concurrent update for the
// same job. Returns the token guarding the update.
func (m *StateManager) RegisterUpdate(ctx *schedctx.Context, role, job string, newConfigs map[int32]tasks.TaskConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("RegisterUpdate", m.state, Started)
	jobKey := role + "/" + job

	var token string
	err := m.envelope.RunInTransaction(func(sp storage.StoreProvider) error {
		if existing := sp.Updates().FetchShardUpdateConfigs(role, job, nil); len(existing) > 0 {
			return schederrors.NewUpdateInProgress(role, job)
		}

		rows := sp.Tasks().FetchTasks(tasks.ActiveQuery(jobKey))
		if len(rows) == 0 {
			return schederrors.NewNoActiveTasks(role, job)
		}

		token = uuid.New().String()
		configs := make([]*tasks.ShardUpdateConfiguration, 0, len(newConfigs))
		oldByShard := make(map[int32]tasks.TaskConfig, len(rows))
		for _, row := range rows {
			oldByShard[row.Config.Shard] = row.Config
		}
		shards := make(map[int32]bool, len(newConfigs)+len(oldByShard))
		for s := range newConfigs {
			shards[s] = true
		}
		for s := range oldByShard {
			shards[s] = true
		}
		for shard := range shards {
			cfg := &tasks.ShardUpdateConfiguration{Role: role, Job: job, Shard: shard, Token: token}
			if old, ok := oldByShard[shard]; ok {
				c := old
				cfg.OldConfig = &c
			}
			if nc, ok := newConfigs[shard]; ok {
				c := nc
				cfg.NewConfig = &c
			}
			configs = append(configs, cfg)
		}
		sp.Updates().SaveShardUpdateConfigs(role, job, token, configs)
		return nil
	})
	if err != nil {
		return "", err
	}
	ctx.Log.WithField("jobKey", jobKey).WithField("token", token).Info("registered update")
	return token, nil
}

// FinishUpdate completes an in-progress update. token, if non-nil, must
// match the registered token or the call is rejected. On
// UpdateResultFailed every shard is kicked through ROLLBACK before the
// update record is cleared; on UpdateResultSuccess shards whose NewConfig
// is absent (i.e. scaled down) are killed outright.
func (m *StateManager) FinishUpdate(ctx *schedctx.Context, role, job string, token *string, result tasks.UpdateResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("FinishUpdate", m.state, Started)
	jobKey := role + "/" + job

	return m.envelope.RunInTransaction(func(sp storage.StoreProvider) error {
		configs := sp.Updates().FetchShardUpdateConfigs(role, job, nil)
		if len(configs) == 0 {
			return schederrors.NewUpdateDoesNotExist(role, job)
		}
		if token != nil && configs[0].Token != *token {
			return schederrors.NewTokenMismatch(role, job)
		}

		var mErr *multierror.Error
		for _, cfg := range configs {
			rows := sp.Tasks().FetchTasks(tasks.ByJobShard(jobKey, cfg.Shard))
			for _, row := range rows {
				mach := m.newMachine(sp, m.envelope.Sink, row.ID, jobKey, row, row.Status)
				switch {
				case result == tasks.UpdateResultFailed:
					if err := mach.Kill("update rolled back"); err != nil {
						mErr = multierror.Append(mErr, errors.Wrapf(err, "rolling back task %s", row.ID))
					}
				case cfg.NewConfig == nil:
					if err := mach.Kill("shard removed by update"); err != nil {
						mErr = multierror.Append(mErr, errors.Wrapf(err, "removing task %s", row.ID))
					}
				}
			}
		}
		sp.Updates().RemoveShardUpdateConfigs(role, job)
		if err := mErr.ErrorOrNil(); err != nil {
			ctx.Log.WithError(err).Warn("some shards could not be killed while finishing update")
		}
		return nil
	})
}

// FetchUpdatedTaskConfigs returns the desired new config for each of the
// named shards under an in-progress update, skipping any shard with no
// registered update or no new config (i.e. being removed).
func (m *StateManager) FetchUpdatedTaskConfigs(ctx *schedctx.Context, role, job string, shards []int32) map[int32]tasks.TaskConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("FetchUpdatedTaskConfigs", m.state, Started)

	out := make(map[int32]tasks.TaskConfig)
	_ = m.envelope.RunInTransaction(func(sp storage.StoreProvider) error {
		configs := sp.Updates().FetchShardUpdateConfigs(role, job, shards)
		for _, cfg := range configs {
			if cfg.NewConfig != nil {
				out[cfg.Shard] = *cfg.NewConfig
			}
		}
		return nil
	})
	return out
}

// TickUpdates drives UpdateTick on every RUNNING task of role/job whose
// shard has an update row, used by the caller's update-progress loop to
// advance shards into RESTARTING. It does not check whether a task already
// runs the shard's new config: every such RUNNING task is restarted.
func (m *StateManager) TickUpdates(ctx *schedctx.Context, role, job string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("TickUpdates", m.state, Started)
	jobKey := role + "/" + job

	return m.envelope.RunInTransaction(func(sp storage.StoreProvider) error {
		configs := sp.Updates().FetchShardUpdateConfigs(role, job, nil)
		if len(configs) == 0 {
			return nil
		}
		byShard := make(map[int32]*tasks.ShardUpdateConfiguration, len(configs))
		for _, c := range configs {
			byShard[c.Shard] = c
		}

		rows := sp.Tasks().FetchTasks(tasks.Query{JobKey: jobKey, Statuses: map[tasks.ScheduleStatus]bool{tasks.RUNNING: true}})
		for _, row := range rows {
			cfg, ok := byShard[row.Config.Shard]
			if !ok {
				continue
			}
			mach := m.newMachine(sp, m.envelope.Sink, row.ID, jobKey, row, row.Status)
			if err := mach.UpdateTick(cfg.NewConfig != nil); err != nil {
				return errors.Wrapf(err, "ticking update for task %s", row.ID)
			}
		}
		return nil
	})
}
