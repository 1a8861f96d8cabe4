package storage

import (
	"github.com/armadaproject/taskscheduler/internal/statemachine"
)

// WorkHandler interprets one drained WorkCommand against the active
// transaction's StoreProvider, returning the in-memory SideEffects it
// produces. A handler that itself needs to emit further work commands
// (e.g. RESCHEDULE driving a new task's state machine through Insert)
// does so via the supplied Sink, which feeds back into the same queue the
// Envelope is draining — this is how §4.3's Reschedule command can itself
// cause an UPDATE_STATE command to be queued and drained within the same
// transaction.
type WorkHandler func(sp StoreProvider, sink statemachine.Sink, cmd statemachine.WorkCommand) ([]SideEffect, error)

// Envelope is the transactional storage envelope of §4.4: it exposes
// RunInTransaction, collapses re-entrant calls into the enclosing
// transaction, drains the state-machine work queue before commit, and
// defers in-memory side effects until commit succeeds.
//
// Grounded directly on the teacher's internal/scheduler/jobdb/jobdb.go
// transaction pattern (writerMutex-style serialization, re-entrancy
// collapsing) and internal/scheduler/jobdb.go's go-memdb Txn usage for the
// backing-store delegation. Unlike jobdb.go, the Envelope assumes its
// caller (the State Manager) already serializes all public operations
// with its own mutex per §5 — so the only concurrency concern here is
// correctly collapsing same-goroutine re-entrancy, not excluding other
// writer goroutines.
type Envelope struct {
	backend Backend
	handler WorkHandler
	state   *ProcessState
	metrics MetricsSink

	depth  int
	active StoreProvider
	queue  []statemachine.WorkCommand
	// effects accumulates side effects produced while draining queue,
	// across every nested call within the current outermost transaction.
	effects []SideEffect
}

// New builds an Envelope over backend, interpreting drained work commands
// with handler and applying their side effects to state.
func New(backend Backend, handler WorkHandler, state *ProcessState, metrics MetricsSink) *Envelope {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Envelope{backend: backend, handler: handler, state: state, metrics: metrics}
}

// State returns the ProcessState this envelope applies committed side
// effects to.
func (e *Envelope) State() *ProcessState {
	return e.state
}

// Prepare delegates to the backend's idempotent one-time setup.
func (e *Envelope) Prepare() error { return e.backend.Prepare() }

// StartBackend delegates to the backend's Start primitive.
func (e *Envelope) StartBackend() error { return e.backend.Start() }

// StopBackend delegates to the backend's Stop primitive. No transaction
// may be in flight when this is called.
func (e *Envelope) StopBackend() error { return e.backend.Stop() }

// Sink returns a statemachine.Sink that enqueues onto this envelope's
// active work queue. Valid only while inside RunInTransaction; state
// machines constructed inside a transaction's work function should be
// given this as their Deps.Sink.
func (e *Envelope) Sink(cmd statemachine.WorkCommand) {
	e.queue = append(e.queue, cmd)
	e.metrics.SetWorkQueueDepth(len(e.queue))
}

// RunInTransaction runs fn against a StoreProvider scoped to one
// transaction. If called while already inside a transaction (detected via
// depth, which is only ever touched from the single serialized caller
// goroutine per §5), fn runs directly against the enclosing transaction's
// StoreProvider and no new backend transaction is opened — §4.4(b)/§9's
// nested-transaction collapse. Only the outermost call drains the work
// queue and applies side effects; on any error (from fn or from draining)
// the backend rolls back and pending side effects are discarded together,
// per §4.4(e).
func (e *Envelope) RunInTransaction(fn func(StoreProvider) error) error {
	if e.depth > 0 {
		e.depth++
		defer func() { e.depth-- }()
		return fn(e.active)
	}

	e.depth++
	defer func() { e.depth-- }()

	err := e.backend.DoInTransaction(func(sp StoreProvider) error {
		e.active = sp
		if ferr := fn(sp); ferr != nil {
			return ferr
		}
		return e.drain(sp)
	})

	effects := e.effects
	e.active = nil
	e.queue = nil
	e.effects = nil
	e.metrics.SetWorkQueueDepth(0)

	if err != nil {
		return err
	}
	e.state.apply(effects)
	return nil
}

// drain repeatedly pops the front of the work queue and interprets it with
// handler until the queue is empty, accumulating side effects. Handlers
// may enqueue further work (e.g. RESCHEDULE inserting a new task), which
// this loop continues to process — so the queue is guaranteed empty at
// the transaction boundary per §4.4's invariant.
func (e *Envelope) drain(sp StoreProvider) error {
	for len(e.queue) > 0 {
		cmd := e.queue[0]
		e.queue = e.queue[1:]
		e.metrics.SetWorkQueueDepth(len(e.queue))
		effects, err := e.handler(sp, e.Sink, cmd)
		if err != nil {
			return err
		}
		e.effects = append(e.effects, effects...)
	}
	return nil
}
