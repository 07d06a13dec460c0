package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store keeping the raw definition JSON plus
// bookkeeping timestamps, surviving process restart.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle and ensures the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS policies (
		id         TEXT PRIMARY KEY,
		body       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create inserts unconditionally and lets the primary key arbitrate
// racing creates, so the loser always sees ErrDuplicatePolicy.
func (s *SQLiteStore) Create(ctx context.Context, p *Policy) error {
	if err := Validate(p); err != nil {
		return err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("policy create: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies (id, body, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		p.ID, string(body), now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return fmt.Errorf("%w: %q", ErrDuplicatePolicy, p.ID)
		}
		return fmt.Errorf("policy create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Policy, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM policies WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %q", ErrPolicyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("policy get: %w", err)
	}
	var p Policy
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("policy get: corrupt body for %q: %w", id, err)
	}
	return &p, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM policies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("policy list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Policy
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("policy list: %w", err)
		}
		var p Policy
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("policy list: corrupt body: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("policy list: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Update(ctx context.Context, p *Policy) error {
	if err := Validate(p); err != nil {
		return err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("policy update: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET body = ?, updated_at = ? WHERE id = ?`,
		string(body), now, p.ID,
	)
	if err != nil {
		return fmt.Errorf("policy update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("policy update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrPolicyNotFound, p.ID)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("policy delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("policy delete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrPolicyNotFound, id)
	}
	return nil
}
