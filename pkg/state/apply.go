package state

import (
	"errors"
	"fmt"

	"github.com/cypher-asi/zero-os-sub004/pkg/captable"
	"github.com/cypher-asi/zero-os-sub004/pkg/commitlog"
)

// ErrUnknownMutation is fatal: an unmappable mutation kind during replay
// means the log is corrupt or written by a newer kernel, and any state
// derived past it would be unverifiable.
var ErrUnknownMutation = errors.New("state: unknown mutation kind")

// ApplyError wraps a structural inconsistency between a commit and the
// state it is applied to. Like ErrUnknownMutation it halts replay.
type ApplyError struct {
	Seq uint64
	Err error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply failed at seq %d: %v", e.Seq, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Apply is the total reduction step from (State, Commit) to the next
// State. It matches every mutation kind exhaustively, mutates s in place
// (the caller owns s exclusively) and has no other side effects.
func Apply(s *State, c commitlog.Commit) error {
	if err := applyMutation(s, c.Mutation); err != nil {
		if errors.Is(err, ErrUnknownMutation) {
			return err
		}
		return &ApplyError{Seq: c.Seq, Err: err}
	}
	s.AppliedSeq = c.Seq
	return nil
}

func applyMutation(s *State, m commitlog.Mutation) error {
	switch m.Kind {
	case commitlog.MutGenesis:
		return applyGenesis(s, m.Genesis)

	case commitlog.MutProcessCreated:
		p := m.ProcessCreated
		if _, ok := s.Processes[p.PID]; ok {
			return fmt.Errorf("process %d already exists", p.PID)
		}
		s.Processes[p.PID] = Process{PID: p.PID, Name: p.Name, Alive: true}
		s.Spaces[p.PID] = captable.NewSpace()
		bumpGen(&s.NextPID, p.PID)
		return nil

	case commitlog.MutProcessExited:
		p := m.ProcessExited
		proc, ok := s.Processes[p.PID]
		if !ok {
			return fmt.Errorf("process %d not found", p.PID)
		}
		proc.Alive = false
		s.Processes[p.PID] = proc
		// Zombies hold zero capabilities, permanently.
		if sp, ok := s.Spaces[p.PID]; ok {
			sp.Clear()
		}
		return nil

	case commitlog.MutCapabilityInserted:
		ci := m.CapabilityInserted
		sp, ok := s.Spaces[ci.PID]
		if !ok {
			return fmt.Errorf("no space for process %d", ci.PID)
		}
		if err := sp.Put(ci.Slot, ci.Capability); err != nil {
			return err
		}
		bumpGen(&s.NextGeneration, ci.Capability.Generation)
		bumpGen(&s.NextObjectID, ci.Capability.ObjectID)
		return nil

	case commitlog.MutCapabilityRemoved:
		cr := m.CapabilityRemoved
		sp, ok := s.Spaces[cr.PID]
		if !ok {
			return fmt.Errorf("no space for process %d", cr.PID)
		}
		return sp.Remove(cr.Slot)

	case commitlog.MutCapabilityUpdated:
		cu := m.CapabilityUpdated
		sp, ok := s.Spaces[cu.PID]
		if !ok {
			return fmt.Errorf("no space for process %d", cu.PID)
		}
		return sp.Update(cu.Slot, cu.Perms, cu.ExpiresAt)

	case commitlog.MutGenerationRevoked:
		gr := m.GenerationRevoked
		s.Revoked.Add(gr.ObjectID, gr.Generation)
		return nil

	case commitlog.MutEndpointCreated:
		ec := m.EndpointCreated
		if _, ok := s.Endpoints[ec.EndpointID]; ok {
			return fmt.Errorf("endpoint %d already exists", ec.EndpointID)
		}
		s.Endpoints[ec.EndpointID] = Endpoint{ID: ec.EndpointID, Owner: ec.Owner, Bound: ec.Bound}
		bumpGen(&s.NextObjectID, ec.EndpointID)
		return nil

	case commitlog.MutEndpointDestroyed:
		ed := m.EndpointDestroyed
		if _, ok := s.Endpoints[ed.EndpointID]; !ok {
			return fmt.Errorf("endpoint %d not found", ed.EndpointID)
		}
		delete(s.Endpoints, ed.EndpointID)
		return nil

	case commitlog.MutCheckpoint:
		// Anchors a state hash into the chain; alters nothing.
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownMutation, m.Kind)
	}
}

func applyGenesis(s *State, cfg *commitlog.GenesisConfig) error {
	if len(s.Processes) != 0 {
		return errors.New("genesis applied to non-empty state")
	}
	const rootPID = 1
	s.Processes[rootPID] = Process{PID: rootPID, Name: cfg.RootName, Alive: true}
	sp := captable.NewSpace()
	for _, rc := range cfg.RootCaps {
		if err := sp.Put(rc.Slot, rc.Capability); err != nil {
			return err
		}
		bumpGen(&s.NextGeneration, rc.Capability.Generation)
		bumpGen(&s.NextObjectID, rc.Capability.ObjectID)
	}
	s.Spaces[rootPID] = sp
	bumpGen(&s.NextPID, rootPID)
	return nil
}

// bumpGen advances a monotonic generator past a recorded allocation.
func bumpGen(gen *uint64, used uint64) {
	if used >= *gen {
		*gen = used + 1
	}
}
