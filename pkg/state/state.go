// Package state defines the kernel state aggregate and the deterministic
// reducer that derives it from the commit log. State is never mutated
// directly: every field changes exclusively via Apply, and the aggregate
// is threaded by ownership (no ambient singletons).
package state

import (
	"github.com/cypher-asi/zero-os-sub004/pkg/captable"
)

// Process is one process-table row. Alive is false once the process has
// exited; exited processes are terminal zombies.
type Process struct {
	PID   uint64 `json:"pid"`
	Name  string `json:"name"`
	Alive bool   `json:"alive"`
}

// Endpoint records endpoint existence, ownership and queue bound. Queue
// contents are transient (audit-only) and live in the IPC router, not
// here.
type Endpoint struct {
	ID    uint64 `json:"id"`
	Owner uint64 `json:"owner"`
	Bound int    `json:"bound"`
}

// State is the aggregate the replay engine produces: process table,
// capability spaces, endpoint table, the global revocation set and the
// monotonic id generators.
type State struct {
	Processes map[uint64]Process
	Spaces    map[uint64]*captable.Space
	Endpoints map[uint64]Endpoint
	Revoked   captable.RevokedSet

	// Generators advance only inside Apply, from the values recorded in
	// commits. Executors peek them to name new entities, then record the
	// allocation in the mutation they emit.
	NextPID        uint64
	NextObjectID   uint64
	NextGeneration uint64

	// AppliedSeq is the sequence of the last applied commit. Bookkeeping
	// for checkpoint resume; not part of the semantic state hash.
	AppliedSeq uint64
}

// Empty returns the pre-genesis state.
func Empty() *State {
	return &State{
		Processes:      make(map[uint64]Process),
		Spaces:         make(map[uint64]*captable.Space),
		Endpoints:      make(map[uint64]Endpoint),
		Revoked:        make(captable.RevokedSet),
		NextPID:        1,
		NextObjectID:   1,
		NextGeneration: 1,
	}
}

// Space returns the capability space of a process.
func (s *State) Space(pid uint64) (*captable.Space, bool) {
	sp, ok := s.Spaces[pid]
	return sp, ok
}

// ProcessAlive reports whether pid exists and has not exited.
func (s *State) ProcessAlive(pid uint64) bool {
	p, ok := s.Processes[pid]
	return ok && p.Alive
}

// Clone returns a deep copy. Used by checkpointing so the snapshot is
// taken from a stable view.
func (s *State) Clone() *State {
	out := Empty()
	for k, v := range s.Processes {
		out.Processes[k] = v
	}
	for k, v := range s.Spaces {
		out.Spaces[k] = v.Clone()
	}
	for k, v := range s.Endpoints {
		out.Endpoints[k] = v
	}
	for k := range s.Revoked {
		out.Revoked[k] = struct{}{}
	}
	out.NextPID = s.NextPID
	out.NextObjectID = s.NextObjectID
	out.NextGeneration = s.NextGeneration
	out.AppliedSeq = s.AppliedSeq
	return out
}
