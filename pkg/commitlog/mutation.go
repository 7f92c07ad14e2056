package commitlog

import (
	"time"

	"github.com/cypher-asi/zero-os-sub004/pkg/canonical"
	"github.com/cypher-asi/zero-os-sub004/pkg/captable"
)

// MutationKind discriminates the closed mutation union. The state reducer
// matches every kind exhaustively; an unknown kind during replay is log
// corruption and fatal.
type MutationKind string

const (
	MutGenesis            MutationKind = "genesis"
	MutProcessCreated     MutationKind = "process_created"
	MutProcessExited      MutationKind = "process_exited"
	MutCapabilityInserted MutationKind = "capability_inserted"
	MutCapabilityRemoved  MutationKind = "capability_removed"
	MutCapabilityUpdated  MutationKind = "capability_updated"
	MutGenerationRevoked  MutationKind = "generation_revoked"
	MutEndpointCreated    MutationKind = "endpoint_created"
	MutEndpointDestroyed  MutationKind = "endpoint_destroyed"
	MutCheckpoint         MutationKind = "checkpoint"
)

// GenesisConfig seeds the initial state: the root process and its initial
// tokens. It is embedded in the genesis commit so replay needs no
// out-of-band bootstrap input.
type GenesisConfig struct {
	RootName string    `json:"root_name"`
	RootCaps []RootCap `json:"root_caps,omitempty"`
}

// RootCap places a token into the root process's space at genesis.
type RootCap struct {
	Slot       uint32              `json:"slot"`
	Capability captable.Capability `json:"capability"`
}

// ProcessCreated records a new process and its empty capability space.
type ProcessCreated struct {
	PID  uint64 `json:"pid"`
	Name string `json:"name"`
}

// ProcessExited records a process entering the terminal zombie state. The
// reducer clears its capability space atomically with this mutation.
type ProcessExited struct {
	PID uint64 `json:"pid"`
}

// CapabilityInserted installs a token into a space slot.
type CapabilityInserted struct {
	PID        uint64              `json:"pid"`
	Slot       uint32              `json:"slot"`
	Capability captable.Capability `json:"capability"`
}

// CapabilityRemoved deletes a single token from a single slot.
type CapabilityRemoved struct {
	PID  uint64 `json:"pid"`
	Slot uint32 `json:"slot"`
}

// CapabilityUpdated replaces a token's permissions and expiry in place.
type CapabilityUpdated struct {
	PID       uint64         `json:"pid"`
	Slot      uint32         `json:"slot"`
	Perms     captable.Perms `json:"perms"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// GenerationRevoked marks a (object, generation) revocation domain revoked
// for all tokens everywhere, permanently.
type GenerationRevoked struct {
	ObjectID   uint64 `json:"object_id"`
	Generation uint64 `json:"generation"`
}

// EndpointCreated records endpoint existence, ownership and queue bound.
// Queue contents are transient and never appear in commits.
type EndpointCreated struct {
	EndpointID uint64 `json:"endpoint_id"`
	Owner      uint64 `json:"owner"`
	Bound      int    `json:"bound"`
}

// EndpointDestroyed removes an endpoint from state.
type EndpointDestroyed struct {
	EndpointID uint64 `json:"endpoint_id"`
}

// Checkpoint anchors a signed state hash into the chain without altering
// state. The snapshot blob itself lives out of band, keyed by sequence.
type Checkpoint struct {
	StateHash canonical.ID `json:"state_hash"`
	Signature string       `json:"signature"`
	SignerKey string       `json:"signer_key"`
}

// Mutation is the closed tagged union of state transitions. Exactly the
// payload matching Kind is non-nil.
type Mutation struct {
	Kind               MutationKind        `json:"kind"`
	Genesis            *GenesisConfig      `json:"genesis,omitempty"`
	ProcessCreated     *ProcessCreated     `json:"process_created,omitempty"`
	ProcessExited      *ProcessExited      `json:"process_exited,omitempty"`
	CapabilityInserted *CapabilityInserted `json:"capability_inserted,omitempty"`
	CapabilityRemoved  *CapabilityRemoved  `json:"capability_removed,omitempty"`
	CapabilityUpdated  *CapabilityUpdated  `json:"capability_updated,omitempty"`
	GenerationRevoked  *GenerationRevoked  `json:"generation_revoked,omitempty"`
	EndpointCreated    *EndpointCreated    `json:"endpoint_created,omitempty"`
	EndpointDestroyed  *EndpointDestroyed  `json:"endpoint_destroyed,omitempty"`
	Checkpoint         *Checkpoint         `json:"checkpoint,omitempty"`
}

// AffectedPID returns the process a mutation touches, if any.
func (m Mutation) AffectedPID() (uint64, bool) {
	switch m.Kind {
	case MutProcessCreated:
		return m.ProcessCreated.PID, true
	case MutProcessExited:
		return m.ProcessExited.PID, true
	case MutCapabilityInserted:
		return m.CapabilityInserted.PID, true
	case MutCapabilityRemoved:
		return m.CapabilityRemoved.PID, true
	case MutCapabilityUpdated:
		return m.CapabilityUpdated.PID, true
	case MutEndpointCreated:
		return m.EndpointCreated.Owner, true
	default:
		return 0, false
	}
}
