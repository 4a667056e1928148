package broker

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"jobbroker/lib/core"
	"jobbroker/lib/slog"
	"jobbroker/lib/task"
	"jobbroker/lib/wire"
)

// outboundBacklog bounds how many unread reply frames a Connection will
// buffer before newer ones start being dropped. A slow or wedged peer must
// never be allowed to stall the Manager, which calls Router.Send while
// holding its lock.
const outboundBacklog = 64

// reqMagicBytes are the three leading bytes of every binary request frame's
// header (see lib/wire.reqMagic). A connection whose first bytes don't
// match this is treated as speaking the admin text protocol instead.
var reqMagicBytes = []byte("REQ")

// Connection is one accepted TCP connection, handled as a single state
// machine: the same Connection type plays client or worker role, or both,
// depending only on which commands it sends. There is
// no client/worker subtype.
type Connection struct {
	id      core.ConnectionID
	conn    net.Conn
	manager *task.Manager
	router  *Router
	logger  slog.Logger

	// shutdown is called once for an admin `shutdown` command. It stops
	// the Listener from accepting further connections; per the broker's
	// Non-goal of graceful shutdown, it does not drain in-flight work.
	shutdown func()

	// adminEnabled gates whether a non-loopback peer may use the admin
	// text protocol at all. A loopback peer always may, regardless.
	adminEnabled bool

	outbound  chan wire.Command
	closeOnce sync.Once
}

func newConnection(id core.ConnectionID, conn net.Conn, manager *task.Manager, router *Router, logger slog.Logger, shutdown func(), adminEnabled bool) *Connection {
	return &Connection{
		id:           id,
		conn:         conn,
		manager:      manager,
		router:       router,
		logger:       logger,
		shutdown:     shutdown,
		adminEnabled: adminEnabled,
		outbound:     make(chan wire.Command, outboundBacklog),
	}
}

// remoteIsLoopback reports whether the connection's peer address is
// loopback (127.0.0.0/8 or ::1). A peer address that can't be parsed as a
// TCP address is treated as non-loopback, the more restrictive choice.
func (c *Connection) remoteIsLoopback() bool {
	addr, ok := c.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return false
	}
	return addr.IP.IsLoopback()
}

// enqueue buffers cmd for delivery without blocking. If the backlog is
// full, the frame is dropped -- the same "reply to a dead or wedged
// connection is silently lost" contract the Manager already assumes of
// its Outbox.
func (c *Connection) enqueue(cmd wire.Command) error {
	select {
	case c.outbound <- cmd:
		return nil
	default:
		return errors.New("broker: outbound backlog full, frame dropped")
	}
}

// serve runs the connection's full lifecycle: registration, the writer
// goroutine, the read loop, then teardown. It returns once the connection
// is closed, by either party.
func (c *Connection) serve() {
	c.manager.RegisterClient(c.id)
	c.router.register(c.id, c)

	defer func() {
		c.manager.DeregisterClient(c.id)
		c.router.unregister(c.id)
		c.closeConn()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.readLoop()

	close(c.outbound)
	wg.Wait()
}

func (c *Connection) closeConn() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

func (c *Connection) writeLoop() {
	for cmd := range c.outbound {
		if _, err := c.conn.Write(wire.Encode(cmd)); err != nil {
			c.logger.Warn(&slog.LogRecord{Msg: "broker: write error", Error: err, ConnectionID: &c.id})
			c.closeConn()
			return
		}
	}
}

// readLoop sniffs the connection's first bytes to decide whether it speaks
// the binary job protocol or the newline-delimited admin protocol, then
// hands off to the matching loop.
func (c *Connection) readLoop() {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)

	for len(buf) < len(reqMagicBytes) {
		n, err := c.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return
		}
	}

	if bytes.Equal(buf[:len(reqMagicBytes)], reqMagicBytes) {
		c.serveBinary(buf, tmp)
		return
	}
	c.serveAdmin(buf)
}

func (c *Connection) serveBinary(buf, tmp []byte) {
	for {
		cmd, n, err := wire.Decode(buf)
		if err != nil {
			c.logger.Warn(&slog.LogRecord{Msg: "broker: protocol error, closing connection", Error: err, ConnectionID: &c.id})
			return
		}
		if cmd == nil {
			read, rerr := c.conn.Read(tmp)
			if read > 0 {
				buf = append(buf, tmp[:read]...)
			}
			if rerr != nil {
				return
			}
			continue
		}
		buf = buf[n:]
		c.dispatch(*cmd)
	}
}

func (c *Connection) serveAdmin(buf []byte) {
	if !c.adminEnabled && !c.remoteIsLoopback() {
		c.writeRaw("ERR admin_disabled Admin commands are only permitted from loopback connections.\n")
		return
	}
	reader := bufio.NewReader(io.MultiReader(bytes.NewReader(buf), c.conn))
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if !c.dispatchAdmin(line) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch routes one decoded binary command to the matching Manager
// operation. A panic while handling a single command is recovered and
// logged rather than killing the connection's goroutine, since one
// Connection serves many commands in sequence over its lifetime and a
// single bad command should not take the rest down with it.
func (c *Connection) dispatch(cmd wire.Command) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(&slog.LogRecord{Msg: "broker: unexpected panic handling command", Details: r, ConnectionID: &c.id})
		}
	}()

	switch cmd.Opcode {
	case wire.OpEchoReq:
		_ = c.enqueue(wire.EncodeEchoRes(cmd.Payload))

	case wire.OpSubmitJob, wire.OpSubmitJobHigh, wire.OpSubmitJobBg:
		c.handleSubmitJob(cmd)

	case wire.OpCanDo:
		c.manager.CanDo(c.id, wire.ParseCanDo(cmd.Payload), nil)

	case wire.OpCanDoTimeout:
		fields, err := wire.ParseCanDoTimeout(cmd.Payload)
		if err != nil {
			c.malformed(err)
			return
		}
		var timeout *time.Duration
		if fields.Timeout != 0 {
			d := time.Duration(fields.Timeout) * time.Second
			timeout = &d
		}
		c.manager.CanDo(c.id, fields.Function, timeout)

	case wire.OpCantDo:
		c.manager.CantDo(c.id, wire.ParseCantDo(cmd.Payload))

	case wire.OpGrabJob:
		c.handleGrabJob()

	case wire.OpPreSleep:
		if !c.manager.Sleep(c.id) {
			_ = c.enqueue(wire.EncodeNoop())
		}

	case wire.OpWorkComplete:
		fields, err := wire.ParseWorkComplete(cmd.Payload)
		if err != nil {
			c.malformed(err)
			return
		}
		c.manager.WorkComplete(c.id, core.Handle(fields.Handle), fields.Result)

	case wire.OpWorkFail:
		c.manager.WorkFail(c.id, core.Handle(wire.ParseWorkFail(cmd.Payload)))

	default:
		c.logger.Warn(&slog.LogRecord{Msg: "broker: unsupported opcode", Details: cmd.Opcode.String(), ConnectionID: &c.id})
	}
}

func (c *Connection) handleSubmitJob(cmd wire.Command) {
	fields, err := wire.ParseSubmitJob(cmd.Payload)
	if err != nil {
		c.malformed(err)
		return
	}
	handle := c.manager.AddJob(c.id, fields.Function, fields.Data, fields.Unique,
		cmd.Opcode == wire.OpSubmitJobHigh, cmd.Opcode == wire.OpSubmitJobBg)
	_ = c.enqueue(wire.EncodeJobCreated(string(handle)))
}

func (c *Connection) handleGrabJob() {
	job, ok := c.manager.GrabJob(c.id)
	if !ok {
		_ = c.enqueue(wire.EncodeNoJob())
		return
	}
	_ = c.enqueue(wire.EncodeJobAssign(wire.JobAssignFields{
		Handle:   string(job.Handle),
		Function: job.Function,
		Data:     job.Payload,
	}))
}

func (c *Connection) malformed(err error) {
	c.logger.Warn(&slog.LogRecord{Msg: "broker: malformed command payload", Error: err, ConnectionID: &c.id})
}
