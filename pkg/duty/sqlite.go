package duty

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so lexicographic comparison in SQL matches
// chronological order for UTC timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is a durable duty Store surviving process restart.
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
	CREATE TABLE IF NOT EXISTS duties (
		id          TEXT PRIMARY KEY,
		policy_id   TEXT NOT NULL,
		data_target TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		expires_at  TEXT NOT NULL,
		status      TEXT NOT NULL CHECK(status IN ('PENDING','IN_PROGRESS','COMPLETED','FAILED')),
		attempts    INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT '',
		updated_at  TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, d *Duty) error {
	if d.ID == "" {
		return fmt.Errorf("duty save: empty id")
	}
	query := `
	INSERT INTO duties (id, policy_id, data_target, created_at, expires_at, status, attempts, last_error, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		attempts = excluded.attempts,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.PolicyID, d.DataTarget,
		d.CreatedAt.UTC().Format(timeLayout),
		d.ExpiresAt.UTC().Format(timeLayout),
		string(d.Status), d.Attempts, d.LastError,
		d.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("duty save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Duty, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, policy_id, data_target, created_at, expires_at, status, attempts, last_error, updated_at
		 FROM duties WHERE id = ?`, id)
	d, err := scanDuty(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %q", ErrDutyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("duty get: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Duty, error) {
	return s.query(ctx,
		`SELECT id, policy_id, data_target, created_at, expires_at, status, attempts, last_error, updated_at
		 FROM duties ORDER BY created_at, id`)
}

func (s *SQLiteStore) FindDue(ctx context.Context, now time.Time) ([]*Duty, error) {
	return s.query(ctx,
		`SELECT id, policy_id, data_target, created_at, expires_at, status, attempts, last_error, updated_at
		 FROM duties WHERE status IN ('PENDING','IN_PROGRESS') AND expires_at <= ? ORDER BY created_at, id`,
		now.UTC().Format(timeLayout))
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*Duty, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("duty query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Duty
	for rows.Next() {
		d, err := scanDuty(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("duty query: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("duty query: %w", err)
	}
	return out, nil
}

func scanDuty(scan func(...any) error) (*Duty, error) {
	var (
		d         Duty
		status    string
		createdAt string
		expiresAt string
		updatedAt string
	)
	if err := scan(&d.ID, &d.PolicyID, &d.DataTarget, &createdAt, &expiresAt, &status, &d.Attempts, &d.LastError, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if d.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, err
	}
	if d.ExpiresAt, err = time.Parse(timeLayout, expiresAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	return &d, nil
}
