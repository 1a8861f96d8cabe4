package storage

import (
	"sync"

	"github.com/benbjohnson/immutable"
	"golang.org/x/exp/maps"

	"github.com/armadaproject/taskscheduler/internal/tasks"
)

// SideEffectKind discriminates the in-memory mutations a committed
// transaction can apply to ProcessState. Per §9 ("model the side-effect
// list as a vector of tagged variants... applied atomically post-commit")
// this is plain data, not an interface hierarchy.
type SideEffectKind int

const (
	AdjustCount SideEffectKind = iota
	AddHost
	RemoveHost
)

// SideEffect is one queued in-memory mutation. Only the fields relevant to
// Kind are populated.
//
// For AdjustCount, HasFrom/HasTo say which halves of the move apply: a
// fresh insert only has a "to" (nothing to decrement out of, since INIT is
// never counted), a deletion only has a "from", and an ordinary transition
// has both.
type SideEffect struct {
	Kind    SideEffectKind
	JobKey  string
	HasFrom bool
	From    tasks.ScheduleStatus
	HasTo   bool
	To      tasks.ScheduleStatus
	TaskID  string
	Host    string
}

// CountIncrement returns the SideEffect recording a brand-new task entering
// jobKey's histogram at status to.
func CountIncrement(jobKey string, to tasks.ScheduleStatus) SideEffect {
	return SideEffect{Kind: AdjustCount, JobKey: jobKey, HasTo: true, To: to}
}

// CountMove returns the SideEffect recording a task moving from one status
// to another within jobKey's histogram.
func CountMove(jobKey string, from, to tasks.ScheduleStatus) SideEffect {
	return SideEffect{Kind: AdjustCount, JobKey: jobKey, HasFrom: true, From: from, HasTo: true, To: to}
}

// CountDecrement returns the SideEffect recording a task leaving jobKey's
// histogram entirely (deletion/abandonment) out of status from.
func CountDecrement(jobKey string, from tasks.ScheduleStatus) SideEffect {
	return SideEffect{Kind: AdjustCount, JobKey: jobKey, HasFrom: true, From: from}
}

// HostAdded returns the SideEffect recording taskHosts[taskID] = host.
func HostAdded(taskID, host string) SideEffect {
	return SideEffect{Kind: AddHost, TaskID: taskID, Host: host}
}

// HostRemoved returns the SideEffect recording the removal of taskHosts[taskID].
func HostRemoved(taskID string) SideEffect {
	return SideEffect{Kind: RemoveHost, TaskID: taskID}
}

// MetricsSink is the narrow slice of the metrics surface ProcessState and
// Envelope need, kept as an interface so this package stays testable
// without a prometheus registry.
type MetricsSink interface {
	SetWorkQueueDepth(depth int)
	SetTaskCount(jobKey, status string, count float64)
}

type noopMetrics struct{}

func (noopMetrics) SetWorkQueueDepth(int)            {}
func (noopMetrics) SetTaskCount(string, string, float64) {}

// ProcessState is the process-wide mutable state of §3: per-job/per-status
// population counters and the task id -> host map. It is mutated by
// Envelope once per committed transaction and by Seed at startup, under a
// write lock; readers
// take a read lock only long enough to clone a snapshot — matching the
// teacher's jobdb.Txn copyMutex/writerMutex split (§5 "new").
type ProcessState struct {
	mu        sync.RWMutex
	counts    map[string]map[tasks.ScheduleStatus]int
	taskHosts *immutable.Map[string, string]
	metrics   MetricsSink
}

// NewProcessState builds an empty ProcessState. metrics may be nil.
func NewProcessState(metrics MetricsSink) *ProcessState {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &ProcessState{
		counts:    make(map[string]map[tasks.ScheduleStatus]int),
		taskHosts: immutable.NewMap[string, string](nil),
		metrics:   metrics,
	}
}

func (p *ProcessState) adjust(jobKey string, status tasks.ScheduleStatus, delta int) {
	m, ok := p.counts[jobKey]
	if !ok {
		m = make(map[tasks.ScheduleStatus]int)
		p.counts[jobKey] = m
	}
	m[status] += delta
	if m[status] <= 0 {
		delete(m, status)
	}
	p.metrics.SetTaskCount(jobKey, status.String(), float64(m[status]))
}

// apply mutates ProcessState according to effects, in enqueue order, under
// a single write lock. Called by Envelope exactly once per committed
// transaction (§4.4: "side effects are only visible to the outside after
// successful commit").
func (p *ProcessState) apply(effects []SideEffect) {
	if len(effects) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range effects {
		switch e.Kind {
		case AdjustCount:
			if e.HasFrom {
				p.adjust(e.JobKey, e.From, -1)
			}
			if e.HasTo {
				p.adjust(e.JobKey, e.To, 1)
			}
		case AddHost:
			p.taskHosts = p.taskHosts.Set(e.TaskID, e.Host)
		case RemoveHost:
			p.taskHosts = p.taskHosts.Delete(e.TaskID)
		}
	}
}

// Seed populates the histogram and taskHosts map from a full snapshot of
// persisted tasks, used once at startup to make process-wide state
// consistent with the store without waiting for the next mutation.
func (p *ProcessState) Seed(rows []*tasks.ScheduledTask) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range rows {
		p.adjust(t.Config.JobKey(), t.Status, 1)
		if tasks.LiveAssignedStatuses[t.Status] && t.Assignment != nil {
			p.taskHosts = p.taskHosts.Set(t.ID, t.Assignment.SlaveHost)
		}
	}
}

// HostOf returns the host a task is currently assigned to, per the
// taskHosts invariant of §3.
func (p *ProcessState) HostOf(taskID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.taskHosts.Get(taskID)
}

// HostsSnapshot returns an independent copy of the task id -> host map.
func (p *ProcessState) HostsSnapshot() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, p.taskHosts.Len())
	it := p.taskHosts.Iterator()
	for !it.Done() {
		k, v, _ := it.Next()
		out[k] = v
	}
	return out
}

// CountsSnapshot returns an independent copy of jobKey's status histogram.
func (p *ProcessState) CountsSnapshot(jobKey string) map[tasks.ScheduleStatus]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.counts[jobKey])
}
