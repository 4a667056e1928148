package wire

import (
	"encoding/binary"
	"errors"
)

// ErrProtocol is returned when a frame's header carries neither the request
// nor the response magic. Opcodes are not checked here. The caller (lib/broker.Connection)
// treats this as a protocol decode failure and closes the connection.
var ErrProtocol = errors.New("wire: protocol error")

const (
	headerSize  = 8 // uint64
	lengthSize  = 2 // uint16
	frameHeader = headerSize + lengthSize
)

// Command is one decoded framed command: its Opcode plus the raw,
// still-NUL-delimited payload bytes. Field-level parsing lives in
// commands.go, kept separate from framing.
type Command struct {
	Dir     Direction
	Opcode  Opcode
	Payload []byte
}

// Decode attempts to decode a single frame from the front of buf.
//
// If buf does not yet contain a complete frame, Decode returns a nil
// Command, 0 consumed bytes, and a nil error -- the caller must wait for
// more bytes to arrive, mirroring the source's parse_command returning
// cmd_type=None to mean "not enough data yet" (original_source/gearman/server.py).
//
// If buf's header does not look like a request or response frame, ErrProtocol
// is returned and the caller must close the connection.
func Decode(buf []byte) (cmd *Command, consumed int, err error) {
	if len(buf) < frameHeader {
		return nil, 0, nil
	}
	h := header(binary.BigEndian.Uint64(buf[:headerSize]))
	dataLen := binary.BigEndian.Uint16(buf[headerSize:frameHeader])

	dir := h.direction()
	if h&reqMagic != reqMagic && h&resMagic != resMagic {
		return nil, 0, ErrProtocol
	}

	total := frameHeader + int(dataLen)
	if len(buf) < total {
		return nil, 0, nil
	}

	payload := make([]byte, dataLen)
	copy(payload, buf[frameHeader:total])

	return &Command{Dir: dir, Opcode: h.opcode(), Payload: payload}, total, nil
}

// Encode renders cmd as a complete frame ready to write to the wire.
func Encode(cmd Command) []byte {
	buf := make([]byte, frameHeader+len(cmd.Payload))
	h := makeHeader(cmd.Dir, cmd.Opcode)
	binary.BigEndian.PutUint64(buf[:headerSize], uint64(h))
	binary.BigEndian.PutUint16(buf[headerSize:frameHeader], uint16(len(cmd.Payload)))
	copy(buf[frameHeader:], cmd.Payload)
	return buf
}
