package gateway

import (
	"time"

	"github.com/cypher-asi/zero-os-sub004/pkg/canonical"
	"github.com/cypher-asi/zero-os-sub004/pkg/captable"
	"github.com/cypher-asi/zero-os-sub004/pkg/exechost"
	"github.com/cypher-asi/zero-os-sub004/pkg/ipc"
)

// CallerContext is the opaque identity capability supplied by the
// execution host at call time. The sender pid comes exclusively from
// here; anything a request payload claims about identity is ignored.
type CallerContext struct {
	pid    uint64
	handle exechost.Handle
}

// NewCallerContext is called by the execution-hosting layer when it
// delivers a request on behalf of a process it tracks.
func NewCallerContext(pid uint64, handle exechost.Handle) CallerContext {
	return CallerContext{pid: pid, handle: handle}
}

// PID returns the trusted sender process id.
func (c CallerContext) PID() uint64 { return c.pid }

// GrantArgs grants a reduced-or-equal token from the sender's ParentSlot
// into the grantee's space.
type GrantArgs struct {
	ParentSlot uint32         `json:"parent_slot"`
	Grantee    uint64         `json:"grantee"`
	Perms      captable.Perms `json:"perms"`
}

// DeriveArgs is grant-to-self with reduced permissions.
type DeriveArgs struct {
	ParentSlot uint32         `json:"parent_slot"`
	Perms      captable.Perms `json:"perms"`
}

// RevokeArgs revokes the (object, generation) domain of the token in Slot.
type RevokeArgs struct {
	Slot uint32 `json:"slot"`
}

// DeleteArgs removes the single token in Slot.
type DeleteArgs struct {
	Slot uint32 `json:"slot"`
}

// UpdateArgs narrows a held token's permissions or expiry in place.
type UpdateArgs struct {
	Slot      uint32         `json:"slot"`
	Perms     captable.Perms `json:"perms"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// EndpointCreateArgs creates an endpoint owned by the sender. Bound 0
// selects the configured default.
type EndpointCreateArgs struct {
	Bound int `json:"bound"`
}

// SendArgs sends an opaque message through the endpoint token in
// EndpointSlot.
type SendArgs struct {
	EndpointSlot uint32 `json:"endpoint_slot"`
	Tag          uint32 `json:"tag"`
	Data         []byte `json:"data"`
}

// SendCapArgs additionally moves the token in CapSlot into the endpoint
// owner's space. The token is moved, never aliased.
type SendCapArgs struct {
	EndpointSlot uint32 `json:"endpoint_slot"`
	Tag          uint32 `json:"tag"`
	Data         []byte `json:"data"`
	CapSlot      uint32 `json:"cap_slot"`
}

// ReceiveArgs pops the oldest message from the endpoint token in
// EndpointSlot.
type ReceiveArgs struct {
	EndpointSlot uint32 `json:"endpoint_slot"`
}

// SpawnArgs creates a process hosted by the execution substrate.
type SpawnArgs struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// DebugArgs writes a message to the kernel debug log.
type DebugArgs struct {
	Message string `json:"message"`
}

// Args is the closed union of operation arguments; exactly the field
// matching the opcode is set.
type Args struct {
	Grant          *GrantArgs          `json:"grant,omitempty"`
	Derive         *DeriveArgs         `json:"derive,omitempty"`
	Revoke         *RevokeArgs         `json:"revoke,omitempty"`
	Delete         *DeleteArgs         `json:"delete,omitempty"`
	Update         *UpdateArgs         `json:"update,omitempty"`
	EndpointCreate *EndpointCreateArgs `json:"endpoint_create,omitempty"`
	Send           *SendArgs           `json:"send,omitempty"`
	SendCap        *SendCapArgs        `json:"send_cap,omitempty"`
	Receive        *ReceiveArgs        `json:"receive,omitempty"`
	Spawn          *SpawnArgs          `json:"spawn,omitempty"`
	Debug          *DebugArgs          `json:"debug,omitempty"`
}

// Result carries a successful dispatch outcome: the response payload
// recorded in the audit trail and the commits the operation produced.
type Result struct {
	Data      []byte
	CommitIDs []canonical.ID
}

// GrantResult reports where the new token landed.
type GrantResult struct {
	Slot         uint32       `json:"slot"`
	CapabilityID canonical.ID `json:"capability_id"`
}

// EndpointCreateResult reports the new endpoint and the owner's token.
type EndpointCreateResult struct {
	EndpointID   uint64       `json:"endpoint_id"`
	Slot         uint32       `json:"slot"`
	CapabilityID canonical.ID `json:"capability_id"`
}

// ReceiveResult carries the popped message.
type ReceiveResult struct {
	Message ipc.Message `json:"message"`
}

// SpawnResult reports the new process id.
type SpawnResult struct {
	PID uint64 `json:"pid"`
}

// GetTimeResult reports host monotonic time.
type GetTimeResult struct {
	UnixNano int64 `json:"unix_nano"`
}

// GetPidResult echoes the trusted sender pid.
type GetPidResult struct {
	PID uint64 `json:"pid"`
}
