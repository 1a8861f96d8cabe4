// Package statemgr implements the State Manager (§4.5): the single
// authority for task-record mutation. It owns task creation, assignment,
// updates/rollbacks, timeout scanning, and abandonment, composing the
// per-task state machine (internal/statemachine) and the transactional
// envelope (internal/storage) behind its own CREATED/INITIALIZED/STARTED/
// STOPPED lifecycle.
//
// Grounded on original_source/.../StateManager.java for the operation set
// and ordering guarantees (its insertTasks/assignTask/changeState/
// registerUpdate/finishUpdate/fetchUpdatedTaskConfigs methods), expressed
// with the teacher's armadacontext-style logging context, armadaerrors-style
// typed errors, and prometheus metrics idiom.
package statemgr

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/armadaproject/taskscheduler/internal/config"
	"github.com/armadaproject/taskscheduler/internal/metrics"
	"github.com/armadaproject/taskscheduler/internal/schederrors"
	"github.com/armadaproject/taskscheduler/internal/statemachine"
	"github.com/armadaproject/taskscheduler/internal/storage"
	"github.com/armadaproject/taskscheduler/internal/tasks"
)

// KillTaskFunc is the external collaborator the manager calls to actually
// tear down an executor's task — registered by Start, invoked by KILL work
// commands and by the timeout scan.
type KillTaskFunc func(taskID string)

// StateManager is the single authority for task-record mutation.
type StateManager struct {
	envelope *storage.Envelope
	cfg      config.Configuration
	clock    func() time.Time
	log      *logrus.Entry
	metrics  *metrics.Metrics

	mu       sync.Mutex
	state    LifecycleState
	killTask KillTaskFunc
}

// New constructs a StateManager in the CREATED state. backend is the
// pluggable storage.Backend; cfg supplies grace periods and retry limits.
func New(backend storage.Backend, cfg config.Configuration, log *logrus.Entry, mtr *metrics.Metrics) *StateManager {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	if mtr == nil {
		mtr = metrics.New()
	}
	m := &StateManager{cfg: cfg, clock: time.Now, log: log, metrics: mtr, state: Created}
	m.envelope = storage.New(backend, m.handleWork, storage.NewProcessState(mtr), mtr)
	return m
}

// Prepare boots the backing store. Idempotent.
func (m *StateManager) Prepare() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("Prepare", m.state, Created)
	if err := m.envelope.Prepare(); err != nil {
		return errors.Wrap(err, "preparing storage backend")
	}
	return nil
}

// Initialize starts the backend, loads every persisted task and seeds the
// process-wide counters and taskHosts map from them. No defaults are
// applied to the loaded rows, and no long-lived state machine is kept per
// row: machines are constructed per operation. Returns the persisted
// framework id, if any.
func (m *StateManager) Initialize() (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("Initialize", m.state, Created)

	if err := m.envelope.StartBackend(); err != nil {
		return "", false, errors.Wrap(err, "starting storage backend")
	}

	var frameworkID string
	var ok bool
	err := m.envelope.RunInTransaction(func(sp storage.StoreProvider) error {
		frameworkID, ok = sp.Scheduler().FetchFrameworkID()
		rows := sp.Tasks().FetchTasks(tasks.Query{})
		m.envelope.State().Seed(rows)
		return nil
	})
	if err != nil {
		return "", false, errors.Wrap(err, "loading persisted tasks")
	}
	m.state = Initialized
	return frameworkID, ok, nil
}

// Start registers killTask and enables runtime operations.
func (m *StateManager) Start(killTask KillTaskFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("Start", m.state, Initialized)
	if killTask == nil {
		panic(&schederrors.PreconditionError{Operation: "Start", Message: "killTask must not be nil"})
	}
	m.killTask = killTask
	m.state = Started
	return nil
}

// Stop releases backend resources. No transaction may be in flight.
func (m *StateManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	assertState("Stop", m.state, Started)
	m.state = Stopped
	return m.envelope.StopBackend()
}

var nonWord = regexp.MustCompile(`\W+`)

// newTaskID builds `<epoch_ms>-<jobKey>-<shardId>-<uuid>` with non-word
// characters collapsed to a single "-", per §4.5.
func (m *StateManager) newTaskID(cfg tasks.TaskConfig) string {
	raw := fmt.Sprintf("%d-%s-%d-%s", m.clock().UnixMilli(), cfg.JobKey(), cfg.Shard, uuid.New().String())
	return nonWord.ReplaceAllString(raw, "-")
}

// newMachine builds a statemachine.Machine wired to this manager's clock,
// logger, retry limit, and the supplied transaction's update-in-progress
// predicate and sink.
func (m *StateManager) newMachine(sp storage.StoreProvider, sink statemachine.Sink, taskID, jobKey string, task *tasks.ScheduledTask, status tasks.ScheduleStatus) *statemachine.Machine {
	return statemachine.New(taskID, jobKey, task, status, statemachine.Deps{
		UpdateInProgress: func(jobKey string) bool {
			role, job := splitJobKey(jobKey)
			return len(sp.Updates().FetchShardUpdateConfigs(role, job, nil)) > 0
		},
		Sink:        sink,
		Clock:       m.clock,
		MaxFailures: m.cfg.MaxTaskFailures,
		Log:         m.log,
	})
}

func splitJobKey(jobKey string) (role, job string) {
	for i := 0; i < len(jobKey); i++ {
		if jobKey[i] == '/' {
			return jobKey[:i], jobKey[i+1:]
		}
	}
	return jobKey, ""
}

// handleWork is the storage.WorkHandler interpreting every work command
// the state machines emit, inside the active transaction. It is the only
// place that touches TaskStore/UpdateStore/killTask on the machines'
// behalf, per §9's "no back-pointer" resolution.
func (m *StateManager) handleWork(sp storage.StoreProvider, sink statemachine.Sink, cmd statemachine.WorkCommand) ([]storage.SideEffect, error) {
	switch cmd.Kind {
	case statemachine.UpdateState:
		if cmd.Mutate != nil && cmd.Task != nil {
			cmd.Mutate(cmd.Task)
		}
		if cmd.Task != nil {
			sp.Tasks().SaveTasks([]*tasks.ScheduledTask{cmd.Task})
		}
		return updateStateEffects(cmd), nil

	case statemachine.IncrementFailures:
		return nil, nil

	case statemachine.Kill:
		if m.killTask != nil {
			m.killTask(cmd.TaskID)
		}
		return nil, nil

	case statemachine.Delete:
		sp.Tasks().RemoveTasks([]string{cmd.TaskID})
		return deleteEffects(cmd), nil

	case statemachine.Reschedule:
		return nil, m.reschedule(sp, sink, cmd, cmd.Task.Config)

	case statemachine.Update, statemachine.Rollback:
		role, job := splitJobKey(cmd.JobKey)
		shardCfg, ok := sp.Updates().FetchShardUpdateConfig(role, job, cmd.Task.Config.Shard)
		if !ok {
			return nil, errors.Errorf("no shard update configuration for %s shard %d", cmd.JobKey, cmd.Task.Config.Shard)
		}
		var newConfig *tasks.TaskConfig
		if cmd.Kind == statemachine.Update {
			newConfig = shardCfg.NewConfig
		} else {
			newConfig = shardCfg.OldConfig
		}
		if newConfig == nil {
			// Nothing to reschedule under — the shard is being removed
			// entirely; the RESTARTING -> KILLING path handles that via
			// finishUpdate, not here.
			return nil, nil
		}
		return nil, m.reschedule(sp, sink, cmd, *newConfig)

	default:
		return nil, errors.Errorf("unhandled work command kind %s", cmd.Kind)
	}
}

// reschedule clones cmd.Task under newConfig: a new id, an ancestor link
// back to the old task, assignment stripped, driven to PENDING.
func (m *StateManager) reschedule(sp storage.StoreProvider, sink statemachine.Sink, cmd statemachine.WorkCommand, newConfig tasks.TaskConfig) error {
	newTask := &tasks.ScheduledTask{
		ID:         m.newTaskID(newConfig),
		Config:     newConfig,
		Status:     tasks.INIT,
		AncestorID: cmd.TaskID,
	}
	sp.Tasks().SaveTasks([]*tasks.ScheduledTask{newTask})
	mach := statemachine.New(newTask.ID, newConfig.JobKey(), newTask, tasks.INIT, statemachine.Deps{
		UpdateInProgress: func(jobKey string) bool {
			role, job := splitJobKey(jobKey)
			return len(sp.Updates().FetchShardUpdateConfigs(role, job, nil)) > 0
		},
		Sink:        sink,
		Clock:       m.clock,
		MaxFailures: m.cfg.MaxTaskFailures,
		Log:         m.log,
	})
	return mach.Insert()
}

// updateStateEffects derives the counter-move and taskHosts side effects
// an UPDATE_STATE command produces, per §3's invariants.
func updateStateEffects(cmd statemachine.WorkCommand) []storage.SideEffect {
	var effects []storage.SideEffect
	if cmd.HasPrevStatus {
		effects = append(effects, storage.CountMove(cmd.JobKey, cmd.PrevStatus, cmd.NewStatus))
	} else {
		effects = append(effects, storage.CountIncrement(cmd.JobKey, cmd.NewStatus))
	}
	wasLive := cmd.HasPrevStatus && tasks.LiveAssignedStatuses[cmd.PrevStatus]
	isLive := tasks.LiveAssignedStatuses[cmd.NewStatus]
	switch {
	case !wasLive && isLive:
		host := ""
		if cmd.Task != nil && cmd.Task.Assignment != nil {
			host = cmd.Task.Assignment.SlaveHost
		}
		effects = append(effects, storage.HostAdded(cmd.TaskID, host))
	case wasLive && !isLive:
		effects = append(effects, storage.HostRemoved(cmd.TaskID))
	}
	return effects
}

// deleteEffects derives the counter-decrement and taskHosts-removal side
// effects a DELETE command produces.
func deleteEffects(cmd statemachine.WorkCommand) []storage.SideEffect {
	var effects []storage.SideEffect
	if cmd.HasPrevStatus {
		effects = append(effects, storage.CountDecrement(cmd.JobKey, cmd.PrevStatus))
		if tasks.LiveAssignedStatuses[cmd.PrevStatus] {
			effects = append(effects, storage.HostRemoved(cmd.TaskID))
		}
	}
	return effects
}
