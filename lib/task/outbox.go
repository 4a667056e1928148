package task

import (
	"jobbroker/lib/core"
	"jobbroker/lib/wire"
)

// Outbox delivers an outbound wire command to a specific connection
// without the Manager holding a net.Conn reference itself. lib/broker's
// Connection implements Outbox by enqueueing onto its buffered writer;
// tests implement it as an in-memory recorder.
//
// Send must not block on socket I/O; implementations are expected to
// enqueue into a buffer and return immediately, since Send is always
// called while the Manager holds its lock.
type Outbox interface {
	Send(id core.ConnectionID, cmd wire.Command) error
}
