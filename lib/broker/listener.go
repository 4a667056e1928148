package broker

import (
	"errors"
	"net"
	"sync"
	"time"

	"jobbroker/lib/slog"
	"jobbroker/lib/task"
)

// defaultAcceptErrorCooldown throttles the accept loop after a transient
// Accept error.
const defaultAcceptErrorCooldown = 100 * time.Millisecond

// Listener runs the broker's accept loop: one Connection goroutine per
// accepted socket, all sharing a single Manager and Router.
type Listener struct {
	Logger              slog.Logger
	Listener            net.Listener
	Manager             *task.Manager
	Router              *Router
	AcceptErrorCooldown time.Duration
	AdminEnabled        bool

	closeOnce sync.Once
}

// Serve accepts connections until Listener.Listener is closed, through
// Shutdown or otherwise, at which point it returns nil. Any other Accept
// error is logged and retried after AcceptErrorCooldown.
func (s *Listener) Serve() error {
	cooldown := s.AcceptErrorCooldown
	if cooldown <= 0 {
		cooldown = defaultAcceptErrorCooldown
	}
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Logger.Error(&slog.LogRecord{Msg: "broker: listener.Accept error", Error: err})
			time.Sleep(cooldown)
			continue
		}
		id := s.Router.nextID()
		c := newConnection(id, conn, s.Manager, s.Router, s.Logger, s.Shutdown, s.AdminEnabled)
		go c.serve()
	}
}

// Shutdown stops Serve from accepting further connections by closing the
// underlying net.Listener. It does not close connections already accepted;
// graceful draining of in-flight work is out of scope. Safe to call more
// than once and from any goroutine, including a Connection's own.
func (s *Listener) Shutdown() {
	s.closeOnce.Do(func() {
		_ = s.Listener.Close()
	})
}
