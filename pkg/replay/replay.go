// Package replay derives kernel state from the commit log: a pure left
// fold of the state reducer, optionally resuming from a verified signed
// checkpoint.
package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/cypher-asi/zero-os-sub004/pkg/canonical"
	"github.com/cypher-asi/zero-os-sub004/pkg/commitlog"
	"github.com/cypher-asi/zero-os-sub004/pkg/signer"
	"github.com/cypher-asi/zero-os-sub004/pkg/state"
)

// Fatal boot conditions. A checkpoint that fails verification means the
// log or snapshot store is corrupt; boot halts rather than degrading.
var (
	ErrBadCheckpointSignature = errors.New("replay: checkpoint signature invalid")
	ErrUntrustedCheckpointKey = errors.New("replay: checkpoint signer key not trusted")
	ErrSnapshotHashMismatch   = errors.New("replay: snapshot hash does not match checkpoint")
)

// Replay folds the reducer over the whole log from the empty state.
// Deterministic and side-effect free: the same log always yields the same
// state hash.
func Replay(log *commitlog.Log) (*state.State, error) {
	return ReplayFrom(log, state.Empty(), 0)
}

// ReplayFrom folds the reducer over commits with Seq >= fromSeq onto a
// supplied state. Used with checkpoints to avoid re-deriving from genesis.
func ReplayFrom(log *commitlog.Log, st *state.State, fromSeq uint64) (*state.State, error) {
	for _, c := range log.Commits() {
		if c.Seq < fromSeq {
			continue
		}
		if err := state.Apply(st, c); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// SnapshotSource supplies stored commits and checkpoint snapshot blobs.
// The durable store implements it; Boot needs nothing wider.
type SnapshotSource interface {
	LoadCommits(ctx context.Context) ([]commitlog.Commit, error)
	LoadSnapshot(ctx context.Context, seq uint64) ([]byte, error)
}

// Boot loads the commit log from storage, verifies its integrity, and
// derives state, resuming from the latest verified checkpoint when its
// snapshot is available, else replaying from genesis. Any structural
// failure is fatal.
//
// trustedKeys are the hex ed25519 public keys accepted as checkpoint
// signers. The key embedded in a checkpoint commit authenticates nothing
// on its own, so with an empty set checkpoints are not resumed at all and
// the log is replayed from genesis; with a non-empty set a checkpoint
// signed by any other key is fatal.
func Boot(ctx context.Context, src SnapshotSource, trustedKeys ...string) (*state.State, *commitlog.Log, error) {
	commits, err := src.LoadCommits(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("replay: load commits: %w", err)
	}
	log, err := commitlog.FromCommits(commits)
	if err != nil {
		return nil, nil, err
	}
	if err := log.VerifyIntegrity(); err != nil {
		return nil, nil, err
	}

	cp, ok := log.LatestCheckpoint()
	if !ok || len(trustedKeys) == 0 {
		st, err := Replay(log)
		if err != nil {
			return nil, nil, err
		}
		return st, log, nil
	}

	chk := cp.Mutation.Checkpoint
	trusted := false
	for _, k := range trustedKeys {
		if k == chk.SignerKey {
			trusted = true
			break
		}
	}
	if !trusted {
		return nil, nil, ErrUntrustedCheckpointKey
	}
	if !signer.VerifyHex([]byte(chk.StateHash), chk.Signature, chk.SignerKey) {
		return nil, nil, ErrBadCheckpointSignature
	}

	blob, err := src.LoadSnapshot(ctx, cp.Seq)
	if err != nil || len(blob) == 0 {
		// Checkpoint without a resident snapshot: the chain is still
		// intact, so derive from genesis instead.
		st, rerr := Replay(log)
		if rerr != nil {
			return nil, nil, rerr
		}
		return st, log, nil
	}

	doc, err := state.DecodeSnapshot(blob)
	if err != nil {
		return nil, nil, err
	}
	gotHash, err := canonical.Hash(doc.State)
	if err != nil {
		return nil, nil, err
	}
	if gotHash != chk.StateHash {
		return nil, nil, ErrSnapshotHashMismatch
	}

	st, err := state.FromSnapshot(doc)
	if err != nil {
		return nil, nil, err
	}
	st, err = ReplayFrom(log, st, cp.Seq+1)
	if err != nil {
		return nil, nil, err
	}
	return st, log, nil
}
