// Package broker wires lib/task's Manager to real TCP connections: it owns
// the accept loop, the per-connection protocol state machine, and the
// timeout ticker.
package broker

import (
	"errors"
	"sync"

	"go.uber.org/atomic"

	"jobbroker/lib/core"
	"jobbroker/lib/task"
	"jobbroker/lib/wire"
)

// ErrConnectionGone is returned by Router.Send when the named connection is
// no longer registered; the Manager treats this identically to any other
// delivery failure and drops the reply (see lib/task.Manager.send).
var ErrConnectionGone = errors.New("broker: connection is gone")

// Router is the Manager's Outbox: it maps a core.ConnectionID back to the
// live Connection that owns it, without the Manager ever holding a net.Conn.
//
// Multiple goroutines may invoke methods on a Router simultaneously.
type Router struct {
	counter atomic.Uint64

	mu    sync.Mutex
	conns map[core.ConnectionID]*Connection
}

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	return &Router{conns: make(map[core.ConnectionID]*Connection)}
}

// nextID allocates a ConnectionID never reused for the lifetime of the
// process, mirroring lib/task.Manager.nextHandle's counter idiom.
func (r *Router) nextID() core.ConnectionID {
	return core.ConnectionID(r.counter.Add(1))
}

func (r *Router) register(id core.ConnectionID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = c
}

// lookup returns the live Connection registered under id, if any.
func (r *Router) lookup(id core.ConnectionID) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Router) unregister(id core.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Send enqueues cmd on the connection named by id. It never blocks on
// socket I/O: it is called by the Manager while holding its own lock.
func (r *Router) Send(id core.ConnectionID, cmd wire.Command) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return ErrConnectionGone
	}
	return c.enqueue(cmd)
}

var _ task.Outbox = (*Router)(nil) // type check
