package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StateRecord is the persisted slice of a module descriptor that must survive
// a host restart.
type StateRecord struct {
	ID        string
	Enabled   bool
	Version   string
	State     string
	LastError string
	UpdatedAt time.Time
}

// StateStore reads and writes module_state rows.
type StateStore struct {
	db *DB
}

// NewStateStore returns a StateStore backed by db.
func NewStateStore(db *DB) *StateStore {
	return &StateStore{db: db}
}

// Save upserts rec.
func (s *StateStore) Save(ctx context.Context, rec StateRecord) error {
	if s == nil || s.db == nil {
		return ErrNoDatabase
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO module_state (id, enabled, version, state, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			version = excluded.version,
			state = excluded.state,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Enabled, rec.Version, rec.State, rec.LastError, rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save module state %q: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record for id or ErrNotFound.
func (s *StateStore) Get(ctx context.Context, id string) (StateRecord, error) {
	if s == nil || s.db == nil {
		return StateRecord{}, ErrNoDatabase
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, enabled, version, state, last_error, updated_at FROM module_state WHERE id = ?`, id)
	rec, err := scanState(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return StateRecord{}, fmt.Errorf("module state %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return StateRecord{}, fmt.Errorf("get module state %q: %w", id, err)
	}
	return rec, nil
}

// List returns all records ordered by id.
func (s *StateStore) List(ctx context.Context) ([]StateRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrNoDatabase
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, enabled, version, state, last_error, updated_at FROM module_state ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query module_state: %w", err)
	}
	defer rows.Close()

	var out []StateRecord
	for rows.Next() {
		rec, err := scanState(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan module_state row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate module_state rows: %w", err)
	}
	return out, nil
}

// Delete removes the record for id. Deleting a missing record is not an error.
func (s *StateStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrNoDatabase
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM module_state WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete module state %q: %w", id, err)
	}
	return nil
}

func scanState(scan func(dest ...any) error) (StateRecord, error) {
	var (
		rec       StateRecord
		updatedAt string
	)
	if err := scan(&rec.ID, &rec.Enabled, &rec.Version, &rec.State, &rec.LastError, &updatedAt); err != nil {
		return StateRecord{}, err
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}
