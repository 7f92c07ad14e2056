// Package commitlog implements the hash-chained, sequence-numbered record
// of state mutations. It is the sole source of truth for kernel state:
// state is only ever derived by folding this log. Append is the single
// serialization point of the whole system; one strict total order of
// commits exists system-wide.
package commitlog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cypher-asi/zero-os-sub004/pkg/canonical"
)

// Structural errors are fatal: they indicate log corruption or a bug, and
// any state derived past them would be unverifiable.
var (
	ErrChainBroken  = errors.New("commitlog: prev_commit does not match predecessor id")
	ErrSequenceGap  = errors.New("commitlog: sequence gap")
	ErrHashMismatch = errors.New("commitlog: commit id does not match recomputed hash")
	ErrEmptyLog     = errors.New("commitlog: log has no genesis")
)

// IntegrityError reports the first offending sequence number found by a
// verification walk.
type IntegrityError struct {
	Seq uint64
	Err error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity failure at seq %d: %v", e.Seq, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Commit is one immutable state-mutation record. ID is the content hash of
// the header and body excluding itself; PrevCommit chains to the previous
// commit's ID (ZeroID for genesis). CausedBy links to the authorizing
// request event, empty for genesis and system-internal mutations.
type Commit struct {
	ID         canonical.ID `json:"id"`
	PrevCommit canonical.ID `json:"prev_commit"`
	Seq        uint64       `json:"seq"`
	Timestamp  time.Time    `json:"timestamp"`
	Mutation   Mutation     `json:"mutation"`
	CausedBy   canonical.ID `json:"caused_by,omitempty"`
}

type commitHashInput struct {
	PrevCommit canonical.ID `json:"prev_commit"`
	Seq        uint64       `json:"seq"`
	Timestamp  string       `json:"timestamp"`
	Mutation   Mutation     `json:"mutation"`
	CausedBy   canonical.ID `json:"caused_by,omitempty"`
}

func commitID(c *Commit) (canonical.ID, error) {
	return canonical.Hash(commitHashInput{
		PrevCommit: c.PrevCommit,
		Seq:        c.Seq,
		Timestamp:  c.Timestamp.UTC().Format(time.RFC3339Nano),
		Mutation:   c.Mutation,
		CausedBy:   c.CausedBy,
	})
}

// Log is the append-only commit log. Appends hold the write lock for the
// full id computation so readers only ever observe a consistent prefix.
type Log struct {
	mu      sync.RWMutex
	commits []Commit
	byID    map[canonical.ID]int
	lastTS  time.Time
}

// New seeds a log with the genesis commit at sequence 0, chained to the
// defined zero id.
func New(cfg GenesisConfig, ts time.Time) (*Log, error) {
	l := &Log{byID: make(map[canonical.ID]int)}
	_, err := l.Append(Mutation{Kind: MutGenesis, Genesis: &cfg}, "", ts)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// FromCommits rebuilds a log from a stored ordered commit slice. The
// result is indexed but unverified; callers boot through VerifyIntegrity.
func FromCommits(commits []Commit) (*Log, error) {
	if len(commits) == 0 {
		return nil, ErrEmptyLog
	}
	l := &Log{
		commits: append([]Commit(nil), commits...),
		byID:    make(map[canonical.ID]int, len(commits)),
	}
	for i := range l.commits {
		l.byID[l.commits[i].ID] = i
	}
	l.lastTS = l.commits[len(l.commits)-1].Timestamp
	return l, nil
}

// Append adds one mutation with an optional causal link and returns the
// new commit id.
func (l *Log) Append(mut Mutation, causedBy canonical.ID, ts time.Time) (canonical.ID, error) {
	ids, err := l.AppendBatch([]Mutation{mut}, causedBy, ts)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AppendBatch appends several mutations atomically under one causal link.
// Either every commit is appended or none is; the commits occupy
// consecutive sequence numbers with no interleaving.
func (l *Log) AppendBatch(muts []Mutation, causedBy canonical.ID, ts time.Time) ([]canonical.ID, error) {
	if len(muts) == 0 {
		return nil, errors.New("commitlog: empty batch")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	when := ts.UTC()
	if when.Before(l.lastTS) {
		when = l.lastTS
	}

	prev := canonical.ZeroID
	seq := uint64(0)
	if n := len(l.commits); n > 0 {
		prev = l.commits[n-1].ID
		seq = l.commits[n-1].Seq + 1
	}

	staged := make([]Commit, 0, len(muts))
	ids := make([]canonical.ID, 0, len(muts))
	for i, mut := range muts {
		c := Commit{
			PrevCommit: prev,
			Seq:        seq + uint64(i),
			Timestamp:  when,
			Mutation:   mut,
			CausedBy:   causedBy,
		}
		id, err := commitID(&c)
		if err != nil {
			return nil, fmt.Errorf("commitlog: hash commit: %w", err)
		}
		c.ID = id
		staged = append(staged, c)
		ids = append(ids, id)
		prev = id
	}

	for _, c := range staged {
		l.byID[c.ID] = len(l.commits)
		l.commits = append(l.commits, c)
	}
	l.lastTS = when
	return ids, nil
}

// AppendCheckpoint commits a signed state hash without altering state.
func (l *Log) AppendCheckpoint(stateHash canonical.ID, signature, signerKey string, ts time.Time) (canonical.ID, error) {
	return l.Append(Mutation{Kind: MutCheckpoint, Checkpoint: &Checkpoint{
		StateHash: stateHash,
		Signature: signature,
		SignerKey: signerKey,
	}}, "", ts)
}

// Head returns the id of the latest commit.
func (l *Log) Head() canonical.ID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.commits) == 0 {
		return canonical.ZeroID
	}
	return l.commits[len(l.commits)-1].ID
}

// HeadSeq returns the latest sequence number.
func (l *Log) HeadSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.commits) == 0 {
		return 0
	}
	return l.commits[len(l.commits)-1].Seq
}

// Len returns the number of commits.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.commits)
}

// VerifyIntegrity walks the full log recomputing every hash and checking
// chain linkage and sequence continuity. O(n). Returns nil on success or
// an *IntegrityError naming the first offending sequence.
func (l *Log) VerifyIntegrity() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verifyRange(0, canonical.ZeroID)
}

// VerifyFromCheckpoint verifies the suffix starting at a trusted anchor:
// the commit at seq must carry the anchor hash as its id, and everything
// after it must chain correctly.
func (l *Log) VerifyFromCheckpoint(seq uint64, hash canonical.ID) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.indexOfSeq(seq)
	if !ok {
		return &IntegrityError{Seq: seq, Err: ErrSequenceGap}
	}
	if l.commits[idx].ID != hash {
		return &IntegrityError{Seq: seq, Err: ErrHashMismatch}
	}
	if idx+1 < len(l.commits) {
		return l.verifyRange(idx+1, hash)
	}
	return nil
}

// verifyRange assumes l.mu is held. prev is the expected PrevCommit of the
// entry at start.
func (l *Log) verifyRange(start int, prev canonical.ID) error {
	if len(l.commits) == 0 {
		return ErrEmptyLog
	}
	expectSeq := uint64(start)
	if start > 0 {
		expectSeq = l.commits[start-1].Seq + 1
	}
	for i := start; i < len(l.commits); i++ {
		c := l.commits[i]
		if c.Seq != expectSeq {
			return &IntegrityError{Seq: c.Seq, Err: ErrSequenceGap}
		}
		if c.PrevCommit != prev {
			return &IntegrityError{Seq: c.Seq, Err: ErrChainBroken}
		}
		recomputed, err := commitID(&c)
		if err != nil {
			return &IntegrityError{Seq: c.Seq, Err: err}
		}
		if recomputed != c.ID {
			return &IntegrityError{Seq: c.Seq, Err: ErrHashMismatch}
		}
		prev = c.ID
		expectSeq++
	}
	return nil
}

// indexOfSeq assumes l.mu is held. Sequence numbers are dense, so after a
// retention-free load index == seq; the scan tolerates truncated prefixes.
func (l *Log) indexOfSeq(seq uint64) (int, bool) {
	if len(l.commits) == 0 {
		return 0, false
	}
	first := l.commits[0].Seq
	if seq < first {
		return 0, false
	}
	idx := int(seq - first)
	if idx >= len(l.commits) {
		return 0, false
	}
	return idx, true
}
