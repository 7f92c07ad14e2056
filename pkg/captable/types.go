// Package captable implements the capability model: unforgeable tokens,
// per-process capability spaces, the grant/derive subset rule and
// generation-based revocation.
//
// Tokens are plain values owned by exactly one slot in exactly one space;
// parent links are ids re-resolved by lookup, never shared references, so
// revocation is a set-membership test on (object, generation) rather than
// a graph walk.
package captable

import (
	"time"

	"github.com/cypher-asi/zero-os-sub004/pkg/canonical"
	"github.com/cypher-asi/zero-os-sub004/pkg/errcode"
)

// Perms is the capability permission bit set.
type Perms struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
	Grant bool `json:"grant"`
}

// Subset reports whether every bit of p is also set in of. This is the
// core non-escalation rule for grant and derive.
func (p Perms) Subset(of Perms) bool {
	if p.Read && !of.Read {
		return false
	}
	if p.Write && !of.Write {
		return false
	}
	if p.Grant && !of.Grant {
		return false
	}
	return true
}

// FullPerms returns all bits set.
func FullPerms() Perms {
	return Perms{Read: true, Write: true, Grant: true}
}

// Capability is a token naming an object, permission bits, a revocation
// generation and an optional expiry. Parent is the id of the token this
// one was granted or derived from; empty for root tokens.
type Capability struct {
	ID         canonical.ID `json:"id"`
	ObjectType string       `json:"object_type"`
	ObjectID   uint64       `json:"object_id"`
	Perms      Perms        `json:"perms"`
	Generation uint64       `json:"generation"`
	ExpiresAt  *time.Time   `json:"expires_at,omitempty"`
	Parent     canonical.ID `json:"parent,omitempty"`
}

// New mints a token with a fresh id. The salt ties the id to the
// authorizing request event, so identical grants issued by different
// requests still produce distinct, replay-stable ids.
func New(objectType string, objectID uint64, perms Perms, generation uint64, expires *time.Time, parent canonical.ID, salt canonical.ID) (Capability, error) {
	c := Capability{
		ObjectType: objectType,
		ObjectID:   objectID,
		Perms:      perms,
		Generation: generation,
		ExpiresAt:  expires,
		Parent:     parent,
	}
	id, err := canonical.Hash(struct {
		Capability
		Salt canonical.ID `json:"salt"`
	}{c, salt})
	if err != nil {
		return Capability{}, err
	}
	c.ID = id
	return c, nil
}

// RevKey identifies a revocation domain: a capability and all of its
// transitive derivations share the same (object, generation) pair.
type RevKey struct {
	ObjectID   uint64 `json:"object_id"`
	Generation uint64 `json:"generation"`
}

// RevokedSet is the global set of revoked (object, generation) pairs.
type RevokedSet map[RevKey]struct{}

// Revoked reports whether the token's revocation domain has been revoked.
func (s RevokedSet) Revoked(c Capability) bool {
	_, ok := s[RevKey{ObjectID: c.ObjectID, Generation: c.Generation}]
	return ok
}

// Add marks a revocation domain revoked. Revocation is permanent.
func (s RevokedSet) Add(objectID, generation uint64) {
	s[RevKey{ObjectID: objectID, Generation: generation}] = struct{}{}
}

// CheckDerive validates the subset rule for a grant or derive of requested
// bits from parent. It does not consult revocation or the grant bit; those
// are the caller's checks against the holding space.
func CheckDerive(parent Capability, requested Perms) error {
	if !requested.Subset(parent.Perms) {
		return errcode.New(errcode.InvalidArgument, "requested permissions exceed parent")
	}
	return nil
}
