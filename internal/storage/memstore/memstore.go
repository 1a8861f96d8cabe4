// Package memstore is the default in-memory storage backend: a
// github.com/hashicorp/go-memdb database with one table per sub-store.
// Grounded directly on the teacher's (pre-immutable-map) internal/scheduler/jobdb.go,
// which backs the scheduler's own job table the same way.
package memstore

import (
	"strconv"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/armadaproject/taskscheduler/internal/storage"
	"github.com/armadaproject/taskscheduler/internal/tasks"
)

const (
	tasksTable     = "tasks"
	schedulerTable = "scheduler"
	updatesTable   = "updates"

	idIndex     = "id"
	statusIndex = "status"
	jobIndex    = "job"
	shardIndex  = "shard"
)

// taskRow and updateRow are the memdb-indexed records; ScheduledTask and
// ShardUpdateConfiguration themselves are stored as the object but memdb
// indexing needs plain string/int fields, so these wrap them the way the
// teacher's SchedulerJob wraps scheduling state for its order index.
type taskRow struct {
	ID     string
	JobKey string
	Status int
	Task   *tasks.ScheduledTask
}

type updateRow struct {
	RoleJobShard string
	RoleJob      string
	Row          *tasks.ShardUpdateConfiguration
}

type schedulerRow struct {
	Key         string
	FrameworkID string
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tasksTable: {
				Name: tasksTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					statusIndex: {
						Name:    statusIndex,
						Unique:  false,
						Indexer: &memdb.IntFieldIndex{Field: "Status"},
					},
					jobIndex: {
						Name:    jobIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "JobKey"},
					},
				},
			},
			schedulerTable: {
				Name: schedulerTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
				},
			},
			updatesTable: {
				Name: updatesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "RoleJobShard"},
					},
					jobIndex: {
						Name:    jobIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "RoleJob"},
					},
				},
			},
		},
	}
}

// Backend is the storage.Backend implementation backing the default
// in-memory store.
type Backend struct {
	db *memdb.MemDB
}

// NewBackend constructs an unprepared Backend. Call Prepare before Start.
func NewBackend() *Backend {
	return &Backend{}
}

func (b *Backend) Prepare() error {
	if b.db != nil {
		return nil
	}
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return errors.WithStack(err)
	}
	b.db = db
	return nil
}

func (b *Backend) Start() error { return nil }
func (b *Backend) Stop() error  { return nil }

// DoInTransaction opens a write transaction against the memdb database,
// runs work, and commits on a nil return or aborts otherwise, matching the
// teacher's jobdb.go WriteTxn/Commit/Abort pattern. There is no read-only
// path here: the spec's single-writer model means even "reads" (fetchTasks)
// flow through the same serialized envelope, so a write handle is always
// sufficient and simplest.
func (b *Backend) DoInTransaction(work func(storage.StoreProvider) error) error {
	txn := b.db.Txn(true)
	provider := &provider{txn: txn}
	if err := work(provider); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	return nil
}

type provider struct {
	txn *memdb.Txn
}

func (p *provider) Tasks() storage.TaskStore         { return taskStore{txn: p.txn} }
func (p *provider) Scheduler() storage.SchedulerStore { return schedulerStore{txn: p.txn} }
func (p *provider) Updates() storage.UpdateStore     { return updateStore{txn: p.txn} }

type taskStore struct {
	txn *memdb.Txn
}

func (s taskStore) FetchTasks(q tasks.Query) []*tasks.ScheduledTask {
	out := make([]*tasks.ScheduledTask, 0)
	iter, err := s.txn.Get(tasksTable, idIndex)
	if err != nil {
		return out
	}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		row := obj.(*taskRow)
		if q.Matches(row.Task) {
			out = append(out, row.Task)
		}
	}
	return out
}

func (s taskStore) FetchTaskIDs(q tasks.Query) []string {
	rows := s.FetchTasks(q)
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids
}

func (s taskStore) SaveTasks(rows []*tasks.ScheduledTask) {
	for _, t := range rows {
		_ = s.txn.Insert(tasksTable, &taskRow{
			ID:     t.ID,
			JobKey: t.Config.JobKey(),
			Status: int(t.Status),
			Task:   t,
		})
	}
}

func (s taskStore) MutateTasks(q tasks.Query, mutator func(*tasks.ScheduledTask)) int {
	rows := s.FetchTasks(q)
	for _, t := range rows {
		mutator(t)
	}
	s.SaveTasks(rows)
	return len(rows)
}

func (s taskStore) RemoveTasks(ids []string) {
	for _, id := range ids {
		_ = s.txn.Delete(tasksTable, &taskRow{ID: id})
	}
}

type schedulerStore struct {
	txn *memdb.Txn
}

const schedulerKey = "framework-id"

func (s schedulerStore) FetchFrameworkID() (string, bool) {
	obj, err := s.txn.First(schedulerTable, idIndex, schedulerKey)
	if err != nil || obj == nil {
		return "", false
	}
	return obj.(*schedulerRow).FrameworkID, true
}

func (s schedulerStore) SaveFrameworkID(id string) {
	_ = s.txn.Insert(schedulerTable, &schedulerRow{Key: schedulerKey, FrameworkID: id})
}

type updateStore struct {
	txn *memdb.Txn
}

func shardKey(role, job string, shard int32) string {
	return role + "/" + job + "/" + strconv.FormatInt(int64(shard), 10)
}

func roleJobKey(role, job string) string {
	return role + "/" + job
}

func (s updateStore) FetchShardUpdateConfig(role, job string, shard int32) (*tasks.ShardUpdateConfiguration, bool) {
	obj, err := s.txn.First(updatesTable, idIndex, shardKey(role, job, shard))
	if err != nil || obj == nil {
		return nil, false
	}
	return obj.(*updateRow).Row, true
}

func (s updateStore) FetchShardUpdateConfigs(role, job string, shards []int32) []*tasks.ShardUpdateConfiguration {
	if len(shards) > 0 {
		out := make([]*tasks.ShardUpdateConfiguration, 0, len(shards))
		for _, sh := range shards {
			if cfg, ok := s.FetchShardUpdateConfig(role, job, sh); ok {
				out = append(out, cfg)
			}
		}
		return out
	}
	out := make([]*tasks.ShardUpdateConfiguration, 0)
	iter, err := s.txn.Get(updatesTable, jobIndex, roleJobKey(role, job))
	if err != nil {
		return out
	}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		out = append(out, obj.(*updateRow).Row)
	}
	return out
}

func (s updateStore) SaveShardUpdateConfigs(role, job, token string, configs []*tasks.ShardUpdateConfiguration) {
	for _, cfg := range configs {
		cfg.Role, cfg.Job, cfg.Token = role, job, token
		_ = s.txn.Insert(updatesTable, &updateRow{
			RoleJobShard: shardKey(role, job, cfg.Shard),
			RoleJob:      roleJobKey(role, job),
			Row:          cfg,
		})
	}
}

func (s updateStore) RemoveShardUpdateConfigs(role, job string) {
	iter, err := s.txn.Get(updatesTable, jobIndex, roleJobKey(role, job))
	if err != nil {
		return
	}
	var toDelete []*updateRow
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		toDelete = append(toDelete, obj.(*updateRow))
	}
	for _, row := range toDelete {
		_ = s.txn.Delete(updatesTable, row)
	}
}
