package commitlog

import (
	"time"

	"github.com/cypher-asi/zero-os-sub004/pkg/canonical"
)

// ByID returns the commit with the given id.
func (l *Log) ByID(id canonical.ID) (Commit, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[id]
	if !ok {
		return Commit{}, false
	}
	return l.commits[i], true
}

// Get returns the commit at a sequence number.
func (l *Log) Get(seq uint64) (Commit, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.indexOfSeq(seq)
	if !ok {
		return Commit{}, false
	}
	return l.commits[i], true
}

// SeqRange returns commits with start <= Seq < end, in order.
func (l *Log) SeqRange(start, end uint64) []Commit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Commit
	for _, c := range l.commits {
		if c.Seq >= start && c.Seq < end {
			out = append(out, c)
		}
	}
	return out
}

// ByCausingEvent returns every commit produced under the given request
// event, in order. A batch shares one causal link.
func (l *Log) ByCausingEvent(eventID canonical.ID) []Commit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Commit
	for _, c := range l.commits {
		if c.CausedBy == eventID {
			out = append(out, c)
		}
	}
	return out
}

// ByProcess returns commits whose mutation affects the given process.
func (l *Log) ByProcess(pid uint64) []Commit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Commit
	for _, c := range l.commits {
		if p, ok := c.Mutation.AffectedPID(); ok && p == pid {
			out = append(out, c)
		}
	}
	return out
}

// ByTime returns commits with from <= Timestamp < to, in order.
func (l *Log) ByTime(from, to time.Time) []Commit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Commit
	for _, c := range l.commits {
		if !c.Timestamp.Before(from) && c.Timestamp.Before(to) {
			out = append(out, c)
		}
	}
	return out
}

// Commits returns a copy of the full log in order.
func (l *Log) Commits() []Commit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Commit, len(l.commits))
	copy(out, l.commits)
	return out
}

// CommitsSince returns commits with Seq > seq, in order. This is the
// persistence cadence surface: the durable store asks for everything past
// its high-water mark.
func (l *Log) CommitsSince(seq uint64) []Commit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Commit
	for _, c := range l.commits {
		if c.Seq > seq {
			out = append(out, c)
		}
	}
	return out
}

// LatestCheckpoint returns the most recent checkpoint commit, if any.
func (l *Log) LatestCheckpoint() (Commit, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.commits) - 1; i >= 0; i-- {
		if l.commits[i].Mutation.Kind == MutCheckpoint {
			return l.commits[i], true
		}
	}
	return Commit{}, false
}

// Checkpoints returns every checkpoint commit in order.
func (l *Log) Checkpoints() []Commit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Commit
	for _, c := range l.commits {
		if c.Mutation.Kind == MutCheckpoint {
			out = append(out, c)
		}
	}
	return out
}
