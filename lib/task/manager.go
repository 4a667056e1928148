// Package task implements the broker's task manager: the authoritative
// in-memory state of jobs, queues, worker abilities, sleeping workers, and
// running jobs, and the operations that mutate it.
//
// All exported Manager methods execute under a single mutex, short enough
// to never perform socket I/O themselves; outbound frames are delivered
// through the Outbox interface, which is expected to buffer and return
// immediately.
package task

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"jobbroker/lib/core"
	"jobbroker/lib/wire"
)

// Manager is the broker's task manager: the single authoritative owner of
// job queues, worker registrations, and running-job state. The zero
// value is not usable; construct with New.
//
// Invariants maintained after every exported method call:
//  1. A Job is in exactly one of: a function's queue, or running.
//  2. jobsByHandle is exactly the union of queued and running jobs.
//  3. Job.AssignedWorkerID is set iff the job is running.
//  4. Every job in a ConnectionState's SubmittedJobs/RunningJobs points back
//     to that same connection as owner/worker.
//  5. workersByFunction has a key only while some connection advertises it.
//  6. Handles are never reused within the process lifetime.
//  7. A sleeping worker has empty RunningJobs, and Sleeping flips to false
//     atomically with a wake-up or a grab.
type Manager struct {
	mu sync.Mutex

	outbox   Outbox
	reporter Reporter

	nextHandle atomic.Int64

	states            map[core.ConnectionID]*ConnectionState
	jobQueues         map[string]*jobQueue
	jobsByHandle      map[core.Handle]*core.Job
	uniqueIndex       map[core.UniqueKey]core.Handle
	workersByFunction map[string]map[core.ConnectionID]struct{}
	running           map[core.Handle]struct{}
}

// New constructs an empty Manager. If reporter is nil, NoopReporter is used.
func New(outbox Outbox, reporter Reporter) *Manager {
	if reporter == nil {
		reporter = NoopReporter{}
	}
	return &Manager{
		outbox:            outbox,
		reporter:          reporter,
		states:            make(map[core.ConnectionID]*ConnectionState),
		jobQueues:         make(map[string]*jobQueue),
		jobsByHandle:      make(map[core.Handle]*core.Job),
		uniqueIndex:       make(map[core.UniqueKey]core.Handle),
		workersByFunction: make(map[string]map[core.ConnectionID]struct{}),
		running:           make(map[core.Handle]struct{}),
	}
}

func (m *Manager) send(id core.ConnectionID, cmd wire.Command) {
	if m.outbox == nil || id == core.NoConnection {
		return
	}
	// Errors mean the peer is already gone; a reply attempted to a dead
	// or slow connection is silently dropped.
	_ = m.outbox.Send(id, cmd)
}

func (m *Manager) queueFor(function string) *jobQueue {
	q, ok := m.jobQueues[function]
	if !ok {
		q = newJobQueue()
		m.jobQueues[function] = q
	}
	return q
}

func (m *Manager) reportQueueDepth(function string) {
	m.reporter.ObserveQueueDepth(function, m.queueFor(function).Len())
}

func (m *Manager) reportWorkers(function string) {
	m.reporter.ObserveWorkers(function, len(m.workersByFunction[function]))
}

func (m *Manager) reportRunning(function string) {
	count := 0
	for h := range m.running {
		if j, ok := m.jobsByHandle[h]; ok && j.Function == function {
			count++
		}
	}
	m.reporter.ObserveRunning(function, count)
}

// RegisterClient inserts a fresh ConnectionState for id. Must be called
// exactly once per connection, before any other Manager method is called
// with that id.
func (m *Manager) RegisterClient(id core.ConnectionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = newConnectionState()
}

// DeregisterClient removes id's ConnectionState and performs its cleanup:
//   - it is unregistered from every function it advertised as a worker
//   - every job it submitted as a client is destroyed (queued ones are
//     removed from their queue; already-running ones are orphaned, per
//     the background-semantics drop-reply rule)
//   - every job it was running as a worker is re-queued at the front of
//     its function's queue, so another worker can pick it up promptly
func (m *Manager) DeregisterClient(id core.ConnectionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok {
		return
	}
	delete(m.states, id)

	for function := range state.Abilities {
		m.unregisterWorkerLocked(id, function)
	}

	for _, h := range append([]core.Handle(nil), state.SubmittedJobs...) {
		job, ok := m.jobsByHandle[h]
		if !ok {
			continue
		}
		if _, running := m.running[h]; running {
			// Orphaned: leave it running so the worker's eventual
			// WORK_COMPLETE/WORK_FAIL still tears it down; no owner
			// remains to notify.
			job.OwnerID = core.NoConnection
			continue
		}
		delete(m.jobsByHandle, h)
		m.queueFor(job.Function).Remove(h)
		if job.Unique != "" {
			delete(m.uniqueIndex, job.UniqueKey())
		}
		m.reportQueueDepth(job.Function)
	}

	for _, h := range append([]core.Handle(nil), state.RunningJobs...) {
		job, ok := m.jobsByHandle[h]
		if !ok {
			continue
		}
		job.AssignedWorkerID = core.NoConnection
		job.Deadline = time.Time{}
		delete(m.running, h)
		m.queueFor(job.Function).PushFront(job)
		m.reportQueueDepth(job.Function)
		m.reportRunning(job.Function)
		m.wakeSleepingWorkersLocked(job.Function)
	}
}

func (m *Manager) unregisterWorkerLocked(id core.ConnectionID, function string) {
	workers := m.workersByFunction[function]
	if workers == nil {
		return
	}
	delete(workers, id)
	if len(workers) == 0 {
		delete(m.workersByFunction, function)
	}
	m.reportWorkers(function)
}

// AddJob implements add_job. If unique is non-empty and a live job
// already exists for (function, unique), its handle is returned unchanged
// and no new job is created.
func (m *Manager) AddJob(id core.ConnectionID, function string, payload []byte, unique string, highPriority, background bool) core.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if unique != "" {
		key := core.UniqueKey{Function: function, Unique: unique}
		if existing, ok := m.uniqueIndex[key]; ok {
			return existing
		}
	}

	handle := core.HandleFromCounter(m.nextHandle.Add(1))
	job := &core.Job{
		Handle:       handle,
		Function:     function,
		Payload:      payload,
		Unique:       unique,
		HighPriority: highPriority,
		Background:   background,
	}

	if background {
		job.OwnerID = core.NoConnection
	} else {
		job.OwnerID = id
		if owner, ok := m.states[id]; ok {
			owner.SubmittedJobs = append(owner.SubmittedJobs, handle)
		}
	}

	queue := m.queueFor(function)
	if highPriority {
		queue.PushFront(job)
	} else {
		queue.PushBack(job)
	}

	m.jobsByHandle[handle] = job
	if unique != "" {
		m.uniqueIndex[job.UniqueKey()] = handle
	}

	m.reportQueueDepth(function)
	m.reporter.CountSubmitted(function, highPriority)

	m.wakeSleepingWorkersLocked(function)

	return handle
}

// wakeSleepingWorkersLocked wakes every sleeping worker registered for
// function with a NOOP. Waking is at-most-once: the first worker to reply
// with GRAB_JOB wins the race, decided inside grab_job itself. Must be
// called with m.mu held.
func (m *Manager) wakeSleepingWorkersLocked(function string) {
	for workerID := range m.workersByFunction[function] {
		state := m.states[workerID]
		if state == nil || !state.Sleeping {
			continue
		}
		state.Sleeping = false
		m.send(workerID, wire.EncodeNoop())
	}
}

// CanDo implements can_do / CAN_DO_TIMEOUT: a nil timeout means no
// per-function execution deadline.
func (m *Manager) CanDo(id core.ConnectionID, function string, timeout *time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok {
		return
	}
	state.Abilities[function] = timeout

	workers, ok := m.workersByFunction[function]
	if !ok {
		workers = make(map[core.ConnectionID]struct{})
		m.workersByFunction[function] = workers
	}
	workers[id] = struct{}{}
	m.reportWorkers(function)
}

// CantDo implements cant_do. Removing a connection that was never
// registered for function is a no-op.
func (m *Manager) CantDo(id core.ConnectionID, function string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.states[id]; ok {
		delete(state.Abilities, function)
	}
	m.unregisterWorkerLocked(id, function)
}

// GrabJob implements grab_job. It shuffles the caller's advertised
// abilities (fairness across concurrent workers with overlapping skill
// sets, never a sort) and returns the first available job found, or false
// if none of the caller's functions have queued work.
func (m *Manager) GrabJob(id core.ConnectionID) (*core.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grabJobLocked(id, true)
}

// PeekJob implements the non-mutating peek_job variant used by PRE_SLEEP.
func (m *Manager) PeekJob(id core.ConnectionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.grabJobLocked(id, false)
	return ok
}

func (m *Manager) grabJobLocked(id core.ConnectionID, commit bool) (*core.Job, bool) {
	state, ok := m.states[id]
	if !ok {
		return nil, false
	}

	functions := make([]string, 0, len(state.Abilities))
	for f := range state.Abilities {
		functions = append(functions, f)
	}
	rand.Shuffle(len(functions), func(i, j int) {
		functions[i], functions[j] = functions[j], functions[i]
	})

	for _, f := range functions {
		queue, ok := m.jobQueues[f]
		if !ok || queue.Len() == 0 {
			continue
		}
		if !commit {
			return nil, true
		}

		job := queue.PopFront()
		job.AssignedWorkerID = id
		if timeout := state.Abilities[f]; timeout != nil {
			job.Deadline = time.Now().Add(*timeout)
		} else {
			job.Deadline = time.Time{}
		}
		m.running[job.Handle] = struct{}{}
		state.RunningJobs = append(state.RunningJobs, job.Handle)
		state.Sleeping = false

		m.reportQueueDepth(f)
		m.reportRunning(f)
		m.reporter.CountDispatched(f)

		return job, true
	}
	return nil, false
}

// Sleep implements sleep: if a job is already available for one of the
// caller's abilities, it returns false and the caller (lib/broker.Connection)
// must send NOOP immediately instead of marking itself asleep.
func (m *Manager) Sleep(id core.ConnectionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.grabJobLocked(id, false); ok {
		return false
	}
	if state, ok := m.states[id]; ok {
		state.Sleeping = true
	}
	return true
}

// WorkComplete implements work_complete: an unknown handle is silently
// ignored, so completion is idempotent under retry or duplicate delivery.
func (m *Manager) WorkComplete(id core.ConnectionID, handle core.Handle, result []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishJobLocked(handle, func(ownerID core.ConnectionID) {
		m.send(ownerID, wire.EncodeWorkComplete(wire.WorkCompleteFields{Handle: string(handle), Result: result}))
	}, OutcomeComplete)
}

// WorkFail implements work_fail, symmetric to WorkComplete. The reporting
// worker's id is accepted for dispatch-table symmetry but not otherwise
// needed: the job's AssignedWorkerID is already authoritative.
func (m *Manager) WorkFail(id core.ConnectionID, handle core.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishJobLocked(handle, func(ownerID core.ConnectionID) {
		m.send(ownerID, wire.EncodeWorkFail(string(handle)))
	}, OutcomeFail)
}

func (m *Manager) finishJobLocked(handle core.Handle, notify func(ownerID core.ConnectionID), outcome string) {
	job, ok := m.jobsByHandle[handle]
	if !ok {
		return
	}

	if job.OwnerID != core.NoConnection {
		notify(job.OwnerID)
		if owner, ok := m.states[job.OwnerID]; ok {
			owner.SubmittedJobs = removeHandle(owner.SubmittedJobs, handle)
		}
	}
	if job.AssignedWorkerID != core.NoConnection {
		if worker, ok := m.states[job.AssignedWorkerID]; ok {
			worker.RunningJobs = removeHandle(worker.RunningJobs, handle)
		}
	}
	delete(m.running, handle)
	delete(m.jobsByHandle, handle)
	if job.Unique != "" {
		delete(m.uniqueIndex, job.UniqueKey())
	}

	m.reportRunning(job.Function)
	m.reporter.CountCompleted(job.Function, outcome)
}

// CheckTimeouts implements check_timeouts: every running job whose
// deadline has passed is failed, exactly as if its worker had sent
// WORK_FAIL. The set of handles to fail is
// snapshotted first since WorkFail mutates m.running while iterating.
func (m *Manager) CheckTimeouts(now time.Time) {
	m.mu.Lock()
	expired := make([]core.Handle, 0)
	for h := range m.running {
		job, ok := m.jobsByHandle[h]
		if !ok {
			continue
		}
		if job.HasDeadline() && job.Deadline.Before(now) {
			expired = append(expired, h)
		}
	}
	m.mu.Unlock()

	for _, h := range expired {
		m.mu.Lock()
		m.finishJobLocked(h, func(ownerID core.ConnectionID) {
			m.send(ownerID, wire.EncodeWorkFail(string(h)))
		}, OutcomeTimeout)
		m.mu.Unlock()
	}
}

// FunctionStatus is one row of the `status` admin reply.
type FunctionStatus struct {
	Function   string
	NumJobs    int
	NumWorking int
	NumWorkers int
}

// GetStatus implements get_status, computing NumWorking per function by
// counting running jobs whose function matches rather than reporting a
// single global running-job count.
func (m *Manager) GetStatus() []FunctionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	functionSet := make(map[string]struct{})
	for f := range m.workersByFunction {
		functionSet[f] = struct{}{}
	}
	for f := range m.jobQueues {
		functionSet[f] = struct{}{}
	}

	functions := make([]string, 0, len(functionSet))
	for f := range functionSet {
		functions = append(functions, f)
	}
	sort.Strings(functions)

	statuses := make([]FunctionStatus, 0, len(functions))
	for _, f := range functions {
		numWorking := 0
		for h := range m.running {
			if job, ok := m.jobsByHandle[h]; ok && job.Function == f {
				numWorking++
			}
		}
		numJobs := 0
		if q, ok := m.jobQueues[f]; ok {
			numJobs = q.Len()
		}
		statuses = append(statuses, FunctionStatus{
			Function:   f,
			NumJobs:    numJobs,
			NumWorking: numWorking,
			NumWorkers: len(m.workersByFunction[f]),
		})
	}
	return statuses
}

// WorkerRow is one row of the `workers` admin reply.
type WorkerRow struct {
	ConnectionID core.ConnectionID
	ClientID     string
	Abilities    []string
}

// ListWorkers returns a WorkerRow for every registered connection (not
// only those with abilities), matching the source's `workers` command
// which iterates every client state (original_source/gearman/server.py).
func (m *Manager) ListWorkers() []WorkerRow {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]WorkerRow, 0, len(m.states))
	for id, state := range m.states {
		abilities := make([]string, 0, len(state.Abilities))
		for f := range state.Abilities {
			abilities = append(abilities, f)
		}
		sort.Strings(abilities)
		rows = append(rows, WorkerRow{ConnectionID: id, ClientID: state.ClientID, Abilities: abilities})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ConnectionID < rows[j].ConnectionID })
	return rows
}
