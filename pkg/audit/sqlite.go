package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink mirrors the chain into an append-only table. The sequence
// number is the primary key, so a racing second writer trips a constraint
// violation instead of silently forking the chain.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink wraps an open database handle and ensures the schema.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		sequence  INTEGER PRIMARY KEY,
		entry_id  TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		kind      TEXT NOT NULL,
		payload   TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash      TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append inserts one entry. A duplicate sequence number surfaces as
// ErrConcurrentWrite, fatal to the writer by contract.
func (s *SQLiteSink) Append(e Entry) error {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO audit_entries (sequence, entry_id, timestamp, kind, payload, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Sequence, e.EntryID, e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Kind), string(e.Payload), e.PrevHash, e.Hash,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return fmt.Errorf("%w: sequence %d", ErrConcurrentWrite, e.Sequence)
		}
		return fmt.Errorf("audit sqlite: insert: %w", err)
	}
	return nil
}

// ReadAll returns every persisted entry in sequence order.
func (s *SQLiteSink) ReadAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, entry_id, timestamp, kind, payload, prev_hash, hash
		 FROM audit_entries ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("audit sqlite: read: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      string
			kind    string
			payload string
		)
		if err := rows.Scan(&e.Sequence, &e.EntryID, &ts, &kind, &payload, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("audit sqlite: scan: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("audit sqlite: timestamp for sequence %d: %w", e.Sequence, err)
		}
		e.Timestamp = t
		e.Kind = Kind(kind)
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit sqlite: read: %w", err)
	}
	return entries, nil
}

// OpenSQLite reads the persisted chain, verifies it, and returns a log
// that keeps appending through the same table.
func OpenSQLite(db *sql.DB, opts ...Option) (*Log, error) {
	sink, err := NewSQLiteSink(db)
	if err != nil {
		return nil, err
	}
	entries, err := sink.ReadAll(context.Background())
	if err != nil {
		return nil, err
	}
	return Replay(entries, append(opts, WithSink(sink))...)
}
