package task

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobbroker/lib/core"
	"jobbroker/lib/wire"
)

// recordingOutbox captures every Command sent to each ConnectionID, so
// tests can assert on what the Manager tried to deliver without any real
// socket involved.
type recordingOutbox struct {
	mu   sync.Mutex
	sent map[core.ConnectionID][]wire.Command
}

func newRecordingOutbox() *recordingOutbox {
	return &recordingOutbox{sent: make(map[core.ConnectionID][]wire.Command)}
}

func (o *recordingOutbox) Send(id core.ConnectionID, cmd wire.Command) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent[id] = append(o.sent[id], cmd)
	return nil
}

func (o *recordingOutbox) commandsFor(id core.ConnectionID) []wire.Command {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]wire.Command(nil), o.sent[id]...)
}

const (
	clientA core.ConnectionID = 1
	workerA core.ConnectionID = 2
	workerB core.ConnectionID = 3
)

func newTestManager() (*Manager, *recordingOutbox) {
	outbox := newRecordingOutbox()
	return New(outbox, nil), outbox
}

func TestAddJobThenGrabJobDeliversToWorker(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterClient(clientA)
	m.RegisterClient(workerA)

	handle := m.AddJob(clientA, "reverse", []byte("hello"), "", false, false)
	require.NotEmpty(t, handle)

	m.CanDo(workerA, "reverse", nil)
	job, ok := m.GrabJob(workerA)
	require.True(t, ok)
	require.Equal(t, handle, job.Handle)
	require.Equal(t, []byte("hello"), job.Payload)
	require.Equal(t, workerA, job.AssignedWorkerID)
}

func TestGrabJobReturnsFalseWhenNoMatchingWork(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterClient(workerA)
	m.CanDo(workerA, "reverse", nil)

	_, ok := m.GrabJob(workerA)
	require.False(t, ok)
}

func TestAddJobHighPriorityQueuesAtFront(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterClient(clientA)
	m.RegisterClient(workerA)
	m.CanDo(workerA, "reverse", nil)

	normal := m.AddJob(clientA, "reverse", []byte("normal"), "", false, false)
	high := m.AddJob(clientA, "reverse", []byte("high"), "", true, false)

	job, ok := m.GrabJob(workerA)
	require.True(t, ok)
	require.Equal(t, high, job.Handle, "high priority job must be dispatched before the earlier normal one")

	job2, ok := m.GrabJob(workerA)
	require.True(t, ok)
	require.Equal(t, normal, job2.Handle)
}

func TestAddJobUniqueKeyDedupesConcurrentSubmissions(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterClient(clientA)

	first := m.AddJob(clientA, "reverse", []byte("a"), "token-1", false, false)
	second := m.AddJob(clientA, "reverse", []byte("b"), "token-1", false, false)
	require.Equal(t, first, second, "resubmitting the same (function, unique) pair must return the existing handle")

	statuses := m.GetStatus()
	require.Len(t, statuses, 1)
	require.Equal(t, 1, statuses[0].NumJobs, "only one job should exist for the deduped unique key")
}

func TestAddJobBackgroundJobHasNoOwner(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterClient(clientA)
	m.RegisterClient(workerA)
	m.CanDo(workerA, "cleanup", nil)

	handle := m.AddJob(clientA, "cleanup", nil, "", false, true)

	job, ok := m.GrabJob(workerA)
	require.True(t, ok)
	require.Equal(t, handle, job.Handle)
	require.Equal(t, core.NoConnection, job.OwnerID)

	// Completing a background job must not attempt to notify anyone, and
	// must not panic despite there being no owner connection.
	m.WorkComplete(workerA, handle, []byte("done"))
}

func TestAddJobWakesSleepingWorkerOnNewJob(t *testing.T) {
	m, outbox := newTestManager()
	m.RegisterClient(clientA)
	m.RegisterClient(workerA)
	m.CanDo(workerA, "reverse", nil)

	wasAskedToWait := m.Sleep(workerA)
	require.True(t, wasAskedToWait, "no job is queued yet, so the worker should be told to sleep")

	m.AddJob(clientA, "reverse", []byte("hi"), "", false, false)

	cmds := outbox.commandsFor(workerA)
	require.Len(t, cmds, 1)
	require.Equal(t, wire.OpNoop, cmds[0].Opcode)
}

func TestSleepReturnsFalseWhenJobAlreadyAvailable(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterClient(clientA)
	m.RegisterClient(workerA)
	m.CanDo(workerA, "reverse", nil)

	m.AddJob(clientA, "reverse", []byte("hi"), "", false, false)

	wasAskedToWait := m.Sleep(workerA)
	require.False(t, wasAskedToWait, "a job is already available, so the caller must grab it instead of sleeping")
}

func TestDeregisterClientRequeuesRunningJobAtFront(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterClient(clientA)
	m.RegisterClient(workerA)
	m.RegisterClient(workerB)
	m.CanDo(workerA, "reverse", nil)
	m.CanDo(workerB, "reverse", nil)

	handle := m.AddJob(clientA, "reverse", []byte("hi"), "", false, false)
	job, ok := m.GrabJob(workerA)
	require.True(t, ok)
	require.Equal(t, handle, job.Handle)

	m.DeregisterClient(workerA)

	// The interrupted job must be requeued and immediately grabbable by
	// another worker, at the front of its function's queue.
	job2, ok := m.GrabJob(workerB)
	require.True(t, ok)
	require.Equal(t, handle, job2.Handle)
	require.Equal(t, workerB, job2.AssignedWorkerID)
}

func TestDeregisterClientOrphansRunningJobOwnedByDisconnectedSubmitter(t *testing.T) {
	m, outbox := newTestManager()
	m.RegisterClient(clientA)
	m.RegisterClient(workerA)
	m.CanDo(workerA, "reverse", nil)

	handle := m.AddJob(clientA, "reverse", []byte("hi"), "", false, false)
	_, ok := m.GrabJob(workerA)
	require.True(t, ok)

	m.DeregisterClient(clientA)

	// The worker is still running the job; completing it must not panic
	// even though its owner is long gone, and nothing should be sent to
	// the now-unregistered client.
	m.WorkComplete(workerA, handle, []byte("done"))
	require.Empty(t, outbox.commandsFor(clientA))
}

func TestDeregisterClientRemovesStillQueuedSubmittedJobs(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterClient(clientA)
	m.AddJob(clientA, "reverse", []byte("hi"), "", false, false)

	m.DeregisterClient(clientA)

	statuses := m.GetStatus()
	for _, st := range statuses {
		require.Zero(t, st.NumJobs, "a queued job must be removed once its submitting client disconnects")
	}
}

func TestCantDoOnUnregisteredFunctionIsNoop(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterClient(workerA)

	require.NotPanics(t, func() {
		m.CantDo(workerA, "never-advertised")
	})

	rows := m.ListWorkers()
	require.Len(t, rows, 1)
	require.Empty(t, rows[0].Abilities)
}

func TestGetStatusReportsNumWorkingPerFunction(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterClient(clientA)
	m.RegisterClient(workerA)
	m.CanDo(workerA, "reverse", nil)
	m.CanDo(workerA, "uppercase", nil)

	m.AddJob(clientA, "reverse", []byte("hi"), "", false, false)
	_, ok := m.GrabJob(workerA)
	require.True(t, ok)

	byFunction := make(map[string]FunctionStatus)
	for _, st := range m.GetStatus() {
		byFunction[st.Function] = st
	}

	require.Equal(t, 1, byFunction["reverse"].NumWorking)
	require.Equal(t, 0, byFunction["uppercase"].NumWorking, "a function with no running jobs of its own must not borrow another function's running count")
}

func TestGetStatusNumJobsCountsOnlyTheQueueNotRunningJobsToo(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterClient(clientA)
	m.RegisterClient(workerA)
	m.CanDo(workerA, "reverse", nil)

	m.AddJob(clientA, "reverse", []byte("running"), "", false, false)
	_, ok := m.GrabJob(workerA)
	require.True(t, ok)

	m.AddJob(clientA, "reverse", []byte("queued"), "", false, false)

	var status FunctionStatus
	for _, st := range m.GetStatus() {
		if st.Function == "reverse" {
			status = st
		}
	}

	require.Equal(t, 1, status.NumWorking)
	require.Equal(t, 1, status.NumJobs, "num_jobs must count only the queue, not queue+running")
}

func TestCheckTimeoutsFailsExpiredRunningJobs(t *testing.T) {
	m, outbox := newTestManager()
	m.RegisterClient(clientA)
	m.RegisterClient(workerA)

	timeout := time.Millisecond
	m.CanDo(workerA, "reverse", &timeout)
	handle := m.AddJob(clientA, "reverse", []byte("hi"), "", false, false)
	_, ok := m.GrabJob(workerA)
	require.True(t, ok)

	m.CheckTimeouts(time.Now().Add(time.Second))

	cmds := outbox.commandsFor(clientA)
	require.Len(t, cmds, 1)
	require.Equal(t, wire.OpWorkFail, cmds[0].Opcode)
	require.Equal(t, string(handle), string(cmds[0].Payload))

	for _, st := range m.GetStatus() {
		require.Zero(t, st.NumWorking)
	}
}

func TestCheckTimeoutsIgnoresJobsWithNoDeclaredTimeout(t *testing.T) {
	m, outbox := newTestManager()
	m.RegisterClient(clientA)
	m.RegisterClient(workerA)

	m.CanDo(workerA, "reverse", nil)
	m.AddJob(clientA, "reverse", []byte("hi"), "", false, false)
	_, ok := m.GrabJob(workerA)
	require.True(t, ok)

	m.CheckTimeouts(time.Now().Add(time.Hour))

	require.Empty(t, outbox.commandsFor(clientA))
}

func TestWorkCompleteIsIdempotentForUnknownHandle(t *testing.T) {
	m, _ := newTestManager()
	require.NotPanics(t, func() {
		m.WorkComplete(workerA, core.Handle("does-not-exist"), nil)
	})
}

func TestWorkFailNotifiesOwnerAndFreesWorker(t *testing.T) {
	m, outbox := newTestManager()
	m.RegisterClient(clientA)
	m.RegisterClient(workerA)
	m.CanDo(workerA, "reverse", nil)

	handle := m.AddJob(clientA, "reverse", []byte("hi"), "", false, false)
	_, ok := m.GrabJob(workerA)
	require.True(t, ok)

	m.WorkFail(workerA, handle)

	cmds := outbox.commandsFor(clientA)
	require.Len(t, cmds, 1)
	require.Equal(t, wire.OpWorkFail, cmds[0].Opcode)

	for _, st := range m.GetStatus() {
		require.Zero(t, st.NumWorking)
		require.Zero(t, st.NumJobs)
	}
}
