package task

import (
	"time"

	"jobbroker/lib/core"
)

// defaultClientID is the self-reported label a connection has before it
// sends anything to change it.
const defaultClientID = "-"

// ConnectionState is the per-connection broker-side state: a Manager owns
// exactly one ConnectionState per registered connection; it is never
// shared or copied once registered.
type ConnectionState struct {
	ClientID string

	// Sleeping is only meaningful for worker-role connections: true once
	// PRE_SLEEP has been accepted and no NOOP/grab has happened since.
	Sleeping bool

	// SubmittedJobs are jobs this connection submitted (as a client) that
	// are still live -- queued or running.
	SubmittedJobs []core.Handle

	// Abilities maps a function name this connection can execute (as a
	// worker) to its declared timeout. A nil value means "no timeout".
	Abilities map[string]*time.Duration

	// RunningJobs are jobs this connection is currently executing (as a
	// worker).
	RunningJobs []core.Handle
}

func newConnectionState() *ConnectionState {
	return &ConnectionState{
		ClientID:  defaultClientID,
		Abilities: make(map[string]*time.Duration),
	}
}

func removeHandle(handles []core.Handle, h core.Handle) []core.Handle {
	for i, candidate := range handles {
		if candidate == h {
			return append(handles[:i], handles[i+1:]...)
		}
	}
	return handles
}
