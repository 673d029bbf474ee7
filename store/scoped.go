package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Scoped is the persistence handle given to one module. Key/value operations
// are confined to the module's own key space in the host database. Exec,
// Query and QueryRow run against the module's private database, which holds
// no host tables; Table returns module-prefixed table names for it.
type Scoped interface {
	ModuleID() string
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Table(name string) string
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) (*sql.Row, error)
}

// ForModule returns the scoped handle for moduleID. A nil db fails key/value
// operations with ErrNoDatabase and nil sqlDBs does the same for SQL.
func ForModule(db *DB, sqlDBs *ModuleDatabases, moduleID string) Scoped {
	return &moduleStore{db: db, sqlDBs: sqlDBs, id: moduleID}
}

type moduleStore struct {
	db     *DB
	sqlDBs *ModuleDatabases
	id     string
}

func (s *moduleStore) ModuleID() string { return s.id }

func (s *moduleStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s.db == nil {
		return "", false, ErrNoDatabase
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM module_kv WHERE module_id = ? AND key = ?`, s.id, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s/%s: %w", s.id, key, err)
	}
	return value, true, nil
}

func (s *moduleStore) Put(ctx context.Context, key, value string) error {
	if s.db == nil {
		return ErrNoDatabase
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO module_kv (module_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(module_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.id, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("kv put %s/%s: %w", s.id, key, err)
	}
	return nil
}

func (s *moduleStore) Delete(ctx context.Context, key string) error {
	if s.db == nil {
		return ErrNoDatabase
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM module_kv WHERE module_id = ? AND key = ?`, s.id, key); err != nil {
		return fmt.Errorf("kv delete %s/%s: %w", s.id, key, err)
	}
	return nil
}

func (s *moduleStore) Keys(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, ErrNoDatabase
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM module_kv WHERE module_id = ? ORDER BY key`, s.id)
	if err != nil {
		return nil, fmt.Errorf("kv keys %s: %w", s.id, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kv keys %s: %w", s.id, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *moduleStore) Table(name string) string {
	return "mod_" + identifier(s.id) + "_" + identifier(name)
}

func (s *moduleStore) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c, err := s.sqlDBs.conn(ctx, s.id)
	if err != nil {
		return nil, err
	}
	return c.conn.ExecContext(ctx, rebind(c.driver, query), args...)
}

func (s *moduleStore) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c, err := s.sqlDBs.conn(ctx, s.id)
	if err != nil {
		return nil, err
	}
	return c.conn.QueryContext(ctx, rebind(c.driver, query), args...)
}

func (s *moduleStore) QueryRow(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	c, err := s.sqlDBs.conn(ctx, s.id)
	if err != nil {
		return nil, err
	}
	return c.conn.QueryRowContext(ctx, rebind(c.driver, query), args...), nil
}

// identifier lower-cases s and replaces anything outside [a-z0-9_] with '_'.
func identifier(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, s)
}
