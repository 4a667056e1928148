package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrMalformedPayload is returned by the field-level parsers below when a
// Command's Payload does not contain the NUL-delimited fields its Opcode
// requires.
var ErrMalformedPayload = errors.New("wire: malformed command payload")

func joinNUL(fields ...[]byte) []byte {
	return bytes.Join(fields, []byte{0})
}

func splitNUL(payload []byte, n int) ([][]byte, error) {
	fields := bytes.SplitN(payload, []byte{0}, n)
	if len(fields) != n {
		return nil, ErrMalformedPayload
	}
	return fields, nil
}

// SubmitJobFields holds the decoded fields common to SUBMIT_JOB,
// SUBMIT_JOB_HIGH and SUBMIT_JOB_BG; the Opcode itself distinguishes
// priority/background, not the payload shape.
type SubmitJobFields struct {
	Function string
	Unique   string
	Data     []byte
}

func EncodeSubmitJob(op Opcode, f SubmitJobFields) Command {
	return Command{
		Dir:     Request,
		Opcode:  op,
		Payload: joinNUL([]byte(f.Function), []byte(f.Unique), f.Data),
	}
}

func ParseSubmitJob(payload []byte) (SubmitJobFields, error) {
	parts, err := splitNUL(payload, 3)
	if err != nil {
		return SubmitJobFields{}, err
	}
	return SubmitJobFields{Function: string(parts[0]), Unique: string(parts[1]), Data: parts[2]}, nil
}

// EncodeCanDo builds a CAN_DO command: a bare function name, no NUL fields.
func EncodeCanDo(function string) Command {
	return Command{Dir: Request, Opcode: OpCanDo, Payload: []byte(function)}
}

func ParseCanDo(payload []byte) string {
	return string(payload)
}

// CanDoTimeoutFields holds the fields of a CAN_DO_TIMEOUT command: a
// NUL-terminated function name followed by a 4-byte big-endian timeout in
// seconds.
type CanDoTimeoutFields struct {
	Function string
	Timeout  uint32
}

func EncodeCanDoTimeout(f CanDoTimeoutFields) Command {
	buf := new(bytes.Buffer)
	buf.WriteString(f.Function)
	buf.WriteByte(0)
	_ = binary.Write(buf, binary.BigEndian, f.Timeout)
	return Command{Dir: Request, Opcode: OpCanDoTimeout, Payload: buf.Bytes()}
}

func ParseCanDoTimeout(payload []byte) (CanDoTimeoutFields, error) {
	idx := bytes.IndexByte(payload, 0)
	if idx < 0 || len(payload)-idx-1 != 4 {
		return CanDoTimeoutFields{}, ErrMalformedPayload
	}
	timeout := binary.BigEndian.Uint32(payload[idx+1:])
	return CanDoTimeoutFields{Function: string(payload[:idx]), Timeout: timeout}, nil
}

// EncodeCantDo builds a CANT_DO command: a bare function name.
func EncodeCantDo(function string) Command {
	return Command{Dir: Request, Opcode: OpCantDo, Payload: []byte(function)}
}

func ParseCantDo(payload []byte) string {
	return string(payload)
}

func EncodeGrabJob() Command {
	return Command{Dir: Request, Opcode: OpGrabJob}
}

func EncodePreSleep() Command {
	return Command{Dir: Request, Opcode: OpPreSleep}
}

// WorkCompleteFields holds the decoded fields of a WORK_COMPLETE command.
type WorkCompleteFields struct {
	Handle string
	Result []byte
}

func EncodeWorkComplete(f WorkCompleteFields) Command {
	return Command{Dir: Request, Opcode: OpWorkComplete, Payload: joinNUL([]byte(f.Handle), f.Result)}
}

func ParseWorkComplete(payload []byte) (WorkCompleteFields, error) {
	parts, err := splitNUL(payload, 2)
	if err != nil {
		return WorkCompleteFields{}, err
	}
	return WorkCompleteFields{Handle: string(parts[0]), Result: parts[1]}, nil
}

// EncodeWorkFail builds a WORK_FAIL command: a bare job handle.
func EncodeWorkFail(handle string) Command {
	return Command{Dir: Request, Opcode: OpWorkFail, Payload: []byte(handle)}
}

func ParseWorkFail(payload []byte) string {
	return string(payload)
}

func EncodeEchoReq(data []byte) Command {
	return Command{Dir: Request, Opcode: OpEchoReq, Payload: data}
}

func EncodeEchoRes(data []byte) Command {
	return Command{Dir: Response, Opcode: OpEchoRes, Payload: data}
}

// EncodeJobCreated builds a JOB_CREATED reply: a bare job handle.
func EncodeJobCreated(handle string) Command {
	return Command{Dir: Response, Opcode: OpJobCreated, Payload: []byte(handle)}
}

func ParseJobCreated(payload []byte) string {
	return string(payload)
}

// JobAssignFields holds the decoded fields of a JOB_ASSIGN reply.
type JobAssignFields struct {
	Handle   string
	Function string
	Data     []byte
}

func EncodeJobAssign(f JobAssignFields) Command {
	return Command{
		Dir:     Response,
		Opcode:  OpJobAssign,
		Payload: joinNUL([]byte(f.Handle), []byte(f.Function), f.Data),
	}
}

func ParseJobAssign(payload []byte) (JobAssignFields, error) {
	parts, err := splitNUL(payload, 3)
	if err != nil {
		return JobAssignFields{}, err
	}
	return JobAssignFields{Handle: string(parts[0]), Function: string(parts[1]), Data: parts[2]}, nil
}

func EncodeNoJob() Command {
	return Command{Dir: Response, Opcode: OpNoJob}
}

func EncodeNoop() Command {
	return Command{Dir: Response, Opcode: OpNoop}
}
