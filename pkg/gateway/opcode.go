package gateway

import (
	"fmt"

	"github.com/cypher-asi/zero-os-sub004/pkg/eventlog"
)

// Opcode is the fixed numeric operation code. Codes sit in contiguous
// blocks by category: misc 0x00, capability 0x10, IPC 0x20, process 0x30.
// Values are part of the wire contract and never renumbered.
type Opcode uint16

const (
	OpDebugWrite Opcode = 0x00
	OpGetTime    Opcode = 0x01
	OpGetPid     Opcode = 0x02

	OpGrant  Opcode = 0x10
	OpRevoke Opcode = 0x11
	OpDelete Opcode = 0x12
	OpDerive Opcode = 0x13
	OpUpdate Opcode = 0x14

	OpEndpointCreate Opcode = 0x20
	OpSend           Opcode = 0x21
	OpSendCap        Opcode = 0x22
	OpReceive        Opcode = 0x23

	OpSpawn Opcode = 0x30
	OpExit  Opcode = 0x31
	OpYield Opcode = 0x32
)

var opNames = map[Opcode]eventlog.Op{
	OpDebugWrite:     eventlog.OpDebug,
	OpGetTime:        eventlog.OpGetTime,
	OpGetPid:         eventlog.OpGetPid,
	OpGrant:          eventlog.OpGrant,
	OpRevoke:         eventlog.OpRevoke,
	OpDelete:         eventlog.OpDelete,
	OpDerive:         eventlog.OpDerive,
	OpUpdate:         eventlog.OpUpdate,
	OpEndpointCreate: eventlog.OpEndpointCreate,
	OpSend:           eventlog.OpSend,
	OpSendCap:        eventlog.OpSendCap,
	OpReceive:        eventlog.OpReceive,
	OpSpawn:          eventlog.OpSpawn,
	OpExit:           eventlog.OpExit,
	OpYield:          eventlog.OpYield,
}

// EventOp maps the numeric opcode to its audit-trail name.
func (o Opcode) EventOp() (eventlog.Op, bool) {
	n, ok := opNames[o]
	return n, ok
}

func (o Opcode) String() string {
	if n, ok := opNames[o]; ok {
		return string(n)
	}
	return fmt.Sprintf("op_0x%02x", uint16(o))
}

// Mutating reports whether a successful dispatch of this opcode must
// produce at least one commit. Send and receive move transient messages
// only; send-with-transfer moves a token and therefore commits.
func (o Opcode) Mutating() bool {
	switch o {
	case OpGrant, OpRevoke, OpDelete, OpDerive, OpUpdate, OpEndpointCreate, OpSendCap, OpSpawn, OpExit:
		return true
	default:
		return false
	}
}
