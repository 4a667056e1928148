package broker

import (
	"net"
	"strings"

	"jobbroker/lib/core"
	"jobbroker/lib/wire"
)

// AdminVersion is the version string returned by the `version` admin
// command. It is not tied to any module release process; it only needs to
// be stable enough for operator tooling to log.
const AdminVersion = "jobbrokerd-1.0"

// dispatchAdmin handles one line of the admin text protocol. It returns
// false when the connection should be closed afterward.
func (c *Connection) dispatchAdmin(line string) bool {
	cmd, ok := wire.ParseAdminLine(line)
	if !ok {
		c.writeRaw("ERR unknown_command Unrecognized server command.\n")
		return true
	}

	switch cmd {
	case wire.AdminStatus:
		c.writeRaw(c.renderStatus())
	case wire.AdminWorkers:
		c.writeRaw(c.renderWorkers())
	case wire.AdminVersion:
		c.writeRaw(AdminVersion + "\n")
	case wire.AdminShutdown:
		if c.shutdown != nil {
			c.shutdown()
		}
		return false
	}
	return true
}

func (c *Connection) writeRaw(s string) {
	if _, err := c.conn.Write([]byte(s)); err != nil {
		c.closeConn()
	}
}

func (c *Connection) renderStatus() string {
	var b strings.Builder
	for _, st := range c.manager.GetStatus() {
		b.WriteString(wire.StatusLine(st.Function, st.NumJobs, st.NumWorking, st.NumWorkers))
	}
	b.WriteString(wire.EndOfMultilineReply)
	return b.String()
}

func (c *Connection) renderWorkers() string {
	var b strings.Builder
	for _, w := range c.manager.ListWorkers() {
		ip := "-"
		if addr := c.remoteAddrOf(w.ConnectionID); addr != "" {
			ip = addr
		}
		b.WriteString(wire.WorkersLine(int(w.ConnectionID), ip, w.ClientID, w.Abilities))
	}
	b.WriteString(wire.EndOfMultilineReply)
	return b.String()
}

// remoteAddrOf looks up the peer IP of another live connection through
// the shared Router, falling back to the empty string once it has gone.
//
// The `workers` admin reply conventionally shows the remote IP of the
// listed connection, not the caller's own. Resolving it through the Router
// keeps net.Addr out of lib/task, which has no business knowing about
// sockets.
func (c *Connection) remoteAddrOf(id core.ConnectionID) string {
	conn, ok := c.router.lookup(id)
	if !ok {
		return ""
	}
	addr := conn.conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
