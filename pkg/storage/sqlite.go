// Package storage implements the durable-store collaborator for the
// commit log, audit trail and checkpoint snapshots. Durability is
// asynchronous by default: the host decides the persist cadence, and the
// gateway may opt into waiting for the ack on sensitive operations.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/cypher-asi/zero-os-sub004/pkg/commitlog"
	"github.com/cypher-asi/zero-os-sub004/pkg/eventlog"
)

// SQLiteStore persists records in a single sqlite database. Records are
// stored as their JSON encodings with the chain keys broken out into
// indexed columns.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at path. Use ":memory:" for
// an ephemeral store in tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS commits (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		prev_commit TEXT NOT NULL,
		caused_by TEXT,
		body JSON NOT NULL
	);
	CREATE TABLE IF NOT EXISTS events (
		ord INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		sender INTEGER NOT NULL,
		kind TEXT NOT NULL,
		body JSON NOT NULL
	);
	CREATE TABLE IF NOT EXISTS snapshots (
		seq INTEGER PRIMARY KEY,
		blob BLOB NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PersistCommits writes commits in one transaction. Already-persisted
// sequences are skipped, so callers can hand over overlapping ranges.
func (s *SQLiteStore) PersistCommits(ctx context.Context, commits []commitlog.Commit) error {
	if len(commits) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := `INSERT OR IGNORE INTO commits (seq, id, prev_commit, caused_by, body) VALUES (?, ?, ?, ?, ?)`
	for _, c := range commits {
		body, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("storage: marshal commit %d: %w", c.Seq, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, c.Seq, c.ID, c.PrevCommit, c.CausedBy, string(body)); err != nil {
			return fmt.Errorf("storage: insert commit %d: %w", c.Seq, err)
		}
	}
	return tx.Commit()
}

// LoadCommits returns every stored commit ordered by sequence.
func (s *SQLiteStore) LoadCommits(ctx context.Context) ([]commitlog.Commit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM commits ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: query commits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []commitlog.Commit
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var c commitlog.Commit
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, fmt.Errorf("storage: decode commit: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MaxCommitSeq returns the persistence high-water mark.
func (s *SQLiteStore) MaxCommitSeq(ctx context.Context) (uint64, bool, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM commits`).Scan(&seq)
	if err != nil {
		return 0, false, fmt.Errorf("storage: max seq: %w", err)
	}
	if !seq.Valid {
		return 0, false, nil
	}
	return uint64(seq.Int64), true, nil
}

// PersistEvents appends audit events. Duplicate ids are skipped.
func (s *SQLiteStore) PersistEvents(ctx context.Context, events []eventlog.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := `INSERT OR IGNORE INTO events (id, sender, kind, body) VALUES (?, ?, ?, ?)`
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("storage: marshal event %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, e.ID, e.Sender, string(e.Kind), string(body)); err != nil {
			return fmt.Errorf("storage: insert event %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// LoadEvents returns every stored audit event in append order.
func (s *SQLiteStore) LoadEvents(ctx context.Context) ([]eventlog.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM events ORDER BY ord ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []eventlog.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e eventlog.Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("storage: decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveSnapshot stores a checkpoint snapshot blob keyed by sequence.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, seq uint64, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (seq, blob) VALUES (?, ?)`, seq, blob)
	if err != nil {
		return fmt.Errorf("storage: save snapshot %d: %w", seq, err)
	}
	return nil
}

// LoadSnapshot returns the snapshot blob for a sequence, or nil when none
// is stored.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, seq uint64) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM snapshots WHERE seq = ?`, seq).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load snapshot %d: %w", seq, err)
	}
	return blob, nil
}
