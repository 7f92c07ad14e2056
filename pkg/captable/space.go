package captable

import (
	"sort"
	"time"

	"github.com/cypher-asi/zero-os-sub004/pkg/errcode"
)

// Space is one process's capability table: slot number to token. A space
// is created by the process-created commit and cleared by process-exit.
// Mutation happens only through commits applied by the state reducer.
type Space struct {
	slots map[uint32]Capability
}

// NewSpace returns an empty capability space.
func NewSpace() *Space {
	return &Space{slots: make(map[uint32]Capability)}
}

// Get returns the token in slot, if any.
func (s *Space) Get(slot uint32) (Capability, bool) {
	c, ok := s.slots[slot]
	return c, ok
}

// Put installs a token in slot. Fails with AlreadyExists if occupied.
func (s *Space) Put(slot uint32, c Capability) error {
	if _, ok := s.slots[slot]; ok {
		return errcode.New(errcode.AlreadyExists, "slot %d occupied", slot)
	}
	s.slots[slot] = c
	return nil
}

// Remove deletes the token in slot without touching its generation's
// validity anywhere else.
func (s *Space) Remove(slot uint32) error {
	if _, ok := s.slots[slot]; !ok {
		return errcode.New(errcode.InvalidSlot, "slot %d empty", slot)
	}
	delete(s.slots, slot)
	return nil
}

// Update replaces the permissions and expiry of the token in slot.
func (s *Space) Update(slot uint32, perms Perms, expires *time.Time) error {
	c, ok := s.slots[slot]
	if !ok {
		return errcode.New(errcode.InvalidSlot, "slot %d empty", slot)
	}
	c.Perms = perms
	c.ExpiresAt = expires
	s.slots[slot] = c
	return nil
}

// Clear drops every token. Used when a process exits: zombies hold zero
// capabilities, permanently.
func (s *Space) Clear() {
	s.slots = make(map[uint32]Capability)
}

// Len returns the number of held tokens.
func (s *Space) Len() int {
	return len(s.slots)
}

// FreeSlot returns the lowest unoccupied slot number.
func (s *Space) FreeSlot() uint32 {
	var slot uint32
	for {
		if _, ok := s.slots[slot]; !ok {
			return slot
		}
		slot++
	}
}

// Slots returns slot numbers in ascending order.
func (s *Space) Slots() []uint32 {
	out := make([]uint32, 0, len(s.slots))
	for k := range s.slots {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Check performs the full capability validity check: slot occupied, object
// type matches wantType (when non-empty), needed bits are a subset of the
// token's, revocation domain live, expiry not passed. Error codes are
// precise rather than oracle-hardened.
func (s *Space) Check(slot uint32, wantType string, need Perms, revoked RevokedSet, now time.Time) (Capability, error) {
	c, ok := s.slots[slot]
	if !ok {
		return Capability{}, errcode.New(errcode.InvalidSlot, "slot %d empty", slot)
	}
	if wantType != "" && c.ObjectType != wantType {
		return Capability{}, errcode.New(errcode.InvalidArgument, "slot %d holds %s, want %s", slot, c.ObjectType, wantType)
	}
	if !need.Subset(c.Perms) {
		return Capability{}, errcode.New(errcode.PermissionDenied, "slot %d lacks required permissions", slot)
	}
	if revoked.Revoked(c) {
		return Capability{}, errcode.New(errcode.PermissionDenied, "capability generation revoked")
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return Capability{}, errcode.New(errcode.PermissionDenied, "capability expired")
	}
	return c, nil
}

// Clone returns a deep copy of the space.
func (s *Space) Clone() *Space {
	out := NewSpace()
	for k, v := range s.slots {
		out.slots[k] = v
	}
	return out
}
