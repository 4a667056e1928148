package core

import (
	"strconv"
	"time"
)

// Handle is a broker-assigned job identifier, unique for the lifetime of
// the process. It is rendered on the wire as a decimal string.
type Handle string

// HandleFromCounter renders a monotonically increasing counter as the
// decimal-string Handle the wire protocol expects.
func HandleFromCounter(n int64) Handle {
	return Handle(strconv.FormatInt(n, 10))
}

// UniqueKey identifies a (function, client-supplied unique token) pair used
// to deduplicate SUBMIT_JOB requests.
type UniqueKey struct {
	Function string
	Unique   string
}

// Job is one submitted unit of work, queued or running.
//
// A Job is owned by exactly one of: a function's queue, or the running set.
// See lib/task.Manager for the invariants that hold across its lifecycle.
type Job struct {
	Handle       Handle
	Function     string
	Payload      []byte
	Unique       string // empty if the client did not supply a dedup key
	HighPriority bool
	Background   bool

	OwnerID          ConnectionID // NoConnection if Background
	AssignedWorkerID ConnectionID // NoConnection while queued

	// Deadline is the absolute time after which a running Job must be
	// failed by the TimeoutTicker. Zero means no timeout was advertised
	// for this function by the worker that grabbed it.
	Deadline time.Time
}

// HasDeadline reports whether this Job is subject to a worker-declared
// execution timeout.
func (j *Job) HasDeadline() bool {
	return !j.Deadline.IsZero()
}

// UniqueKey returns the deduplication key for this Job, valid only when
// Unique is non-empty.
func (j *Job) UniqueKey() UniqueKey {
	return UniqueKey{Function: j.Function, Unique: j.Unique}
}
