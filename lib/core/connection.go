// Package core holds the value types shared across the broker: connection
// identity and the job record. ConnectionID, Handle and UniqueKey have value
// semantics and support the comparison operators so they can be used as map
// keys; Job is handled by pointer.
package core

import "fmt"

// ConnectionID identifies a single TCP connection for the lifetime of the
// broker process. It stands in for a pointer back to the owning Connection,
// so that Job and ConnectionState can reference each other by value without
// forming an ownership cycle between Go heap objects.
type ConnectionID uint64

// String renders the ConnectionID as "#<n>". The `workers` admin reply and
// JSON log records show the bare number instead.
func (id ConnectionID) String() string {
	return fmt.Sprintf("#%d", uint64(id))
}

// NoConnection is the zero value, used for Job.OwnerID on background jobs
// and for Job.AssignedWorkerID while a job is still queued.
const NoConnection ConnectionID = 0
