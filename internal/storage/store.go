// Package storage defines the store contract the state manager consumes
// (§6) and the transactional envelope that wraps it (§4.4). The envelope is
// the only thing the rest of the core ever talks to; the concrete backend
// (in-memory, log-based, or otherwise) is a plug-in supplied at
// construction, exactly as §1 scopes "the concrete storage backend" out of
// this core.
package storage

import (
	"github.com/armadaproject/taskscheduler/internal/tasks"
)

// TaskStore is the sub-store backing task rows. All methods run inside the
// active transaction; implementations must not perform I/O outside one.
type TaskStore interface {
	FetchTasks(q tasks.Query) []*tasks.ScheduledTask
	FetchTaskIDs(q tasks.Query) []string
	SaveTasks(rows []*tasks.ScheduledTask)
	// MutateTasks applies mutator to every row matching q, in place, and
	// returns how many rows were touched.
	MutateTasks(q tasks.Query, mutator func(*tasks.ScheduledTask)) int
	RemoveTasks(ids []string)
}

// SchedulerStore is the sub-store backing the single framework-id row.
type SchedulerStore interface {
	FetchFrameworkID() (string, bool)
	SaveFrameworkID(id string)
}

// UpdateStore is the sub-store backing in-progress rolling updates.
type UpdateStore interface {
	FetchShardUpdateConfig(role, job string, shard int32) (*tasks.ShardUpdateConfiguration, bool)
	FetchShardUpdateConfigs(role, job string, shards []int32) []*tasks.ShardUpdateConfiguration
	SaveShardUpdateConfigs(role, job, token string, configs []*tasks.ShardUpdateConfiguration)
	RemoveShardUpdateConfigs(role, job string)
}

// StoreProvider supplies the three sub-stores above within the scope of one
// transaction. A new instance (or the same instance, backend's choice) is
// valid only for the lifetime of the enclosing DoInTransaction call.
type StoreProvider interface {
	Tasks() TaskStore
	Scheduler() SchedulerStore
	Updates() UpdateStore
}

// Backend is the pluggable storage backend the envelope drives. It mirrors
// §4.4(e): "the envelope itself performs no I/O beyond delegating to the
// backing store's prepare/start/stop/do_in_transaction primitives."
type Backend interface {
	// Prepare performs one-time, idempotent backend setup (e.g. opening a
	// database file, running migrations). Called once from Envelope.Prepare.
	Prepare() error
	// Start begins serving transactions.
	Start() error
	// Stop releases backend resources. No transaction may be in flight.
	Stop() error
	// DoInTransaction runs work against a StoreProvider scoped to one
	// transaction, committing on a nil return and rolling back otherwise.
	DoInTransaction(work func(StoreProvider) error) error
}
