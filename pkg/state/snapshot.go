package state

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cypher-asi/zero-os-sub004/pkg/canonical"
	"github.com/cypher-asi/zero-os-sub004/pkg/captable"
)

// CapEntry is one (slot, token) pair in a snapshot document.
type CapEntry struct {
	Slot       uint32              `json:"slot"`
	Capability captable.Capability `json:"capability"`
}

// SpaceDoc is one process's capability table in snapshot form.
type SpaceDoc struct {
	PID  uint64     `json:"pid"`
	Caps []CapEntry `json:"caps"`
}

// Doc is the normalized, order-stable form of State. Every collection is
// sorted by a stable key, never by map iteration order, so hash equality
// implies semantic equality regardless of internal representation.
type Doc struct {
	Processes      []Process         `json:"processes"`
	Spaces         []SpaceDoc        `json:"spaces"`
	Endpoints      []Endpoint        `json:"endpoints"`
	Revoked        []captable.RevKey `json:"revoked"`
	NextPID        uint64            `json:"next_pid"`
	NextObjectID   uint64            `json:"next_object_id"`
	NextGeneration uint64            `json:"next_generation"`
}

// SnapshotDoc is the out-of-band checkpoint artifact: the normalized state
// plus the sequence it was taken at. The checkpoint commit records
// Hash(doc.State); the blob is trusted only after that hash matches.
type SnapshotDoc struct {
	Seq   uint64 `json:"seq"`
	State Doc    `json:"state"`
}

// DocOf normalizes s into its order-stable form.
func DocOf(s *State) Doc {
	doc := Doc{
		NextPID:        s.NextPID,
		NextObjectID:   s.NextObjectID,
		NextGeneration: s.NextGeneration,
	}

	for _, p := range s.Processes {
		doc.Processes = append(doc.Processes, p)
	}
	sort.Slice(doc.Processes, func(i, j int) bool { return doc.Processes[i].PID < doc.Processes[j].PID })

	for pid, sp := range s.Spaces {
		sd := SpaceDoc{PID: pid, Caps: []CapEntry{}}
		for _, slot := range sp.Slots() {
			c, _ := sp.Get(slot)
			sd.Caps = append(sd.Caps, CapEntry{Slot: slot, Capability: c})
		}
		doc.Spaces = append(doc.Spaces, sd)
	}
	sort.Slice(doc.Spaces, func(i, j int) bool { return doc.Spaces[i].PID < doc.Spaces[j].PID })

	for _, e := range s.Endpoints {
		doc.Endpoints = append(doc.Endpoints, e)
	}
	sort.Slice(doc.Endpoints, func(i, j int) bool { return doc.Endpoints[i].ID < doc.Endpoints[j].ID })

	for k := range s.Revoked {
		doc.Revoked = append(doc.Revoked, k)
	}
	sort.Slice(doc.Revoked, func(i, j int) bool {
		if doc.Revoked[i].ObjectID != doc.Revoked[j].ObjectID {
			return doc.Revoked[i].ObjectID < doc.Revoked[j].ObjectID
		}
		return doc.Revoked[i].Generation < doc.Revoked[j].Generation
	})

	return doc
}

// Hash returns the deterministic state hash. AppliedSeq and transient
// endpoint queue contents are excluded.
func Hash(s *State) (canonical.ID, error) {
	return canonical.Hash(DocOf(s))
}

// Snapshot captures s as a checkpoint artifact.
func Snapshot(s *State) SnapshotDoc {
	return SnapshotDoc{Seq: s.AppliedSeq, State: DocOf(s)}
}

// EncodeSnapshot renders the artifact canonically.
func EncodeSnapshot(doc SnapshotDoc) ([]byte, error) {
	return canonical.Encode(doc)
}

// DecodeSnapshot parses a stored snapshot blob.
func DecodeSnapshot(b []byte) (SnapshotDoc, error) {
	var doc SnapshotDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return SnapshotDoc{}, fmt.Errorf("state: decode snapshot: %w", err)
	}
	return doc, nil
}

// FromSnapshot rebuilds a State from its normalized form.
func FromSnapshot(doc SnapshotDoc) (*State, error) {
	s := Empty()
	for _, p := range doc.State.Processes {
		s.Processes[p.PID] = p
	}
	for _, sd := range doc.State.Spaces {
		sp := captable.NewSpace()
		for _, ce := range sd.Caps {
			if err := sp.Put(ce.Slot, ce.Capability); err != nil {
				return nil, fmt.Errorf("state: snapshot space %d: %w", sd.PID, err)
			}
		}
		s.Spaces[sd.PID] = sp
	}
	for _, e := range doc.State.Endpoints {
		s.Endpoints[e.ID] = e
	}
	for _, k := range doc.State.Revoked {
		s.Revoked[k] = struct{}{}
	}
	s.NextPID = doc.State.NextPID
	s.NextObjectID = doc.State.NextObjectID
	s.NextGeneration = doc.State.NextGeneration
	s.AppliedSeq = doc.Seq
	return s, nil
}
