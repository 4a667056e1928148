package broker

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobbroker/lib/slog"
	"jobbroker/lib/task"
	"jobbroker/lib/wire"
)

// This suite exercises the whole broker stack (Router, Connection,
// Manager) over real loopback TCP connections bound to an arbitrary
// free port.

func newTestBroker(t *testing.T) (addr string, manager *task.Manager, stop func()) {
	router := NewRouter()
	manager = task.New(router, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	l := &Listener{
		Logger:              slog.GetDefaultLogger(),
		Listener:            ln,
		Manager:             manager,
		Router:              router,
		AcceptErrorCooldown: 10 * time.Millisecond,
		AdminEnabled:        true,
	}
	go func() {
		_ = l.Serve()
	}()

	return ln.Addr().String(), manager, func() { _ = ln.Close() }
}

func dial(t *testing.T, addr string) net.Conn {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return conn
}

// readFrame reads bytes off conn until a complete binary frame is decoded.
func readFrame(t *testing.T, conn net.Conn) *wire.Command {
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 256)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		cmd, _, err := wire.Decode(buf)
		require.NoError(t, err)
		if cmd != nil {
			return cmd
		}
		n, err := conn.Read(tmp)
		require.NoError(t, err)
		buf = append(buf, tmp[:n]...)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	addr, _, stop := newTestBroker(t)
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()

	_, err := conn.Write(wire.Encode(wire.EncodeEchoReq([]byte("ping"))))
	require.NoError(t, err)

	reply := readFrame(t, conn)
	require.Equal(t, wire.OpEchoRes, reply.Opcode)
	require.Equal(t, []byte("ping"), reply.Payload)
}

func TestSubmitJobThenGrabJobAcrossConnections(t *testing.T) {
	addr, _, stop := newTestBroker(t)
	defer stop()

	clientConn := dial(t, addr)
	defer clientConn.Close()
	workerConn := dial(t, addr)
	defer workerConn.Close()

	_, err := workerConn.Write(wire.Encode(wire.EncodeCanDo("reverse")))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond) // let CAN_DO register before the grab below

	_, err = clientConn.Write(wire.Encode(wire.EncodeSubmitJob(wire.OpSubmitJob, wire.SubmitJobFields{
		Function: "reverse",
		Data:     []byte("hello"),
	})))
	require.NoError(t, err)

	created := readFrame(t, clientConn)
	require.Equal(t, wire.OpJobCreated, created.Opcode)
	handle := wire.ParseJobCreated(created.Payload)
	require.NotEmpty(t, handle)

	_, err = workerConn.Write(wire.Encode(wire.EncodeGrabJob()))
	require.NoError(t, err)

	assigned := readFrame(t, workerConn)
	require.Equal(t, wire.OpJobAssign, assigned.Opcode)
	fields, err := wire.ParseJobAssign(assigned.Payload)
	require.NoError(t, err)
	require.Equal(t, handle, fields.Handle)
	require.Equal(t, []byte("hello"), fields.Data)
}

func TestWorkerReceivesNoopWhileSleepingWhenJobArrives(t *testing.T) {
	addr, _, stop := newTestBroker(t)
	defer stop()

	clientConn := dial(t, addr)
	defer clientConn.Close()
	workerConn := dial(t, addr)
	defer workerConn.Close()

	_, err := workerConn.Write(wire.Encode(wire.EncodeCanDo("reverse")))
	require.NoError(t, err)
	_, err = workerConn.Write(wire.Encode(wire.EncodePreSleep()))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, err = clientConn.Write(wire.Encode(wire.EncodeSubmitJob(wire.OpSubmitJob, wire.SubmitJobFields{
		Function: "reverse",
		Data:     []byte("hi"),
	})))
	require.NoError(t, err)
	_ = readFrame(t, clientConn) // JOB_CREATED

	noop := readFrame(t, workerConn)
	require.Equal(t, wire.OpNoop, noop.Opcode)
}

func TestAdminStatusReportsSubmittedJob(t *testing.T) {
	addr, _, stop := newTestBroker(t)
	defer stop()

	client := dial(t, addr)
	defer client.Close()
	_, err := client.Write(wire.Encode(wire.EncodeSubmitJob(wire.OpSubmitJob, wire.SubmitJobFields{
		Function: "reverse",
		Data:     []byte("x"),
	})))
	require.NoError(t, err)
	_ = readFrame(t, client) // JOB_CREATED

	admin := dial(t, addr)
	defer admin.Close()
	require.NoError(t, admin.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = admin.Write([]byte("status\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(admin)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "reverse")

	end, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, wire.EndOfMultilineReply, end)
}

func TestCanDoTimeoutZeroMeansNoTimeout(t *testing.T) {
	addr, manager, stop := newTestBroker(t)
	defer stop()

	clientConn := dial(t, addr)
	defer clientConn.Close()
	workerConn := dial(t, addr)
	defer workerConn.Close()

	_, err := workerConn.Write(wire.Encode(wire.EncodeCanDoTimeout(wire.CanDoTimeoutFields{Function: "reverse", Timeout: 0})))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, err = clientConn.Write(wire.Encode(wire.EncodeSubmitJob(wire.OpSubmitJob, wire.SubmitJobFields{
		Function: "reverse",
		Data:     []byte("hi"),
	})))
	require.NoError(t, err)
	_ = readFrame(t, clientConn) // JOB_CREATED

	_, err = workerConn.Write(wire.Encode(wire.EncodeGrabJob()))
	require.NoError(t, err)
	_ = readFrame(t, workerConn) // JOB_ASSIGN

	manager.CheckTimeouts(time.Now().Add(24 * time.Hour))

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	buf := make([]byte, 16)
	_, err = clientConn.Read(buf)
	require.Error(t, err, "a CAN_DO_TIMEOUT of 0 must be treated as no timeout, so no WORK_FAIL should ever arrive")
}

func TestAdminShutdownStopsListenerFromAcceptingFurtherConnections(t *testing.T) {
	addr, _, stop := newTestBroker(t)
	defer stop()

	admin := dial(t, addr)
	defer admin.Close()
	_, err := admin.Write([]byte("shutdown\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

// fakeRemoteAddrConn wraps a net.Conn to report an arbitrary RemoteAddr,
// so tests can exercise the non-loopback admin gate without actually
// dialing from a non-loopback address.
type fakeRemoteAddrConn struct {
	net.Conn
	remote net.Addr
}

func (c fakeRemoteAddrConn) RemoteAddr() net.Addr { return c.remote }

func TestAdminDisabledRejectsNonLoopbackConnection(t *testing.T) {
	router := NewRouter()
	manager := task.New(router, nil)

	serverSide, clientSide := net.Pipe()
	wrapped := fakeRemoteAddrConn{
		Conn:   serverSide,
		remote: &net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: 4730},
	}

	c := newConnection(1, wrapped, manager, router, slog.GetDefaultLogger(), func() {}, false)
	go c.serve()
	defer clientSide.Close()

	_, err := clientSide.Write([]byte("status\n"))
	require.NoError(t, err)

	require.NoError(t, clientSide.SetReadDeadline(time.Now().Add(2*time.Second)))
	reader := bufio.NewReader(clientSide)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "admin_disabled")
}

func TestAdminEnabledFalseStillAllowsLoopbackConnection(t *testing.T) {
	router := NewRouter()
	manager := task.New(router, nil)

	serverSide, clientSide := net.Pipe()
	wrapped := fakeRemoteAddrConn{
		Conn:   serverSide,
		remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4730},
	}

	c := newConnection(1, wrapped, manager, router, slog.GetDefaultLogger(), func() {}, false)
	go c.serve()
	defer clientSide.Close()

	_, err := clientSide.Write([]byte("version\n"))
	require.NoError(t, err)

	require.NoError(t, clientSide.SetReadDeadline(time.Now().Add(2*time.Second)))
	reader := bufio.NewReader(clientSide)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, AdminVersion+"\n", line)
}

func TestAdminVersionReply(t *testing.T) {
	addr, _, stop := newTestBroker(t)
	defer stop()

	admin := dial(t, addr)
	defer admin.Close()
	require.NoError(t, admin.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := admin.Write([]byte("version\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(admin)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, AdminVersion+"\n", line)
}
