// Package store is the persistence collaborator of the plugin runtime: it
// records module state across restarts and hands each module a scoped
// key/value and SQL handle.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver ("pgx")
	_ "modernc.org/sqlite"             // SQLite driver ("sqlite")
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// Config selects the database backend.
type Config struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
	// Modules locates the databases module SQL runs against.
	Modules ModuleConfig `yaml:"modules" envPrefix:"MODULES_"`
}

// DB wraps a *sql.DB and the placeholder dialect of its driver. Queries are
// written with "?" placeholders and rebound for PostgreSQL.
type DB struct {
	db     *sql.DB
	driver string
}

// Open connects to the configured backend and creates the runtime tables.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driver := cfg.Driver
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
	case DriverPostgres, "postgres":
		driver = DriverPostgres
	default:
		return nil, fmt.Errorf("open %q: %w", cfg.Driver, ErrUnknownDriver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("open %s: dsn is required", driver)
	}

	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	d := &DB{db: sqlDB, driver: driver}
	if err := NewMigrator(d).Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// SQL returns the underlying connection pool.
func (d *DB) SQL() *sql.DB { return d.db }

// Driver returns the normalized driver name.
func (d *DB) Driver() string { return d.driver }

// Close closes the connection pool.
func (d *DB) Close() error { return d.db.Close() }

// Rebind rewrites "?" placeholders into the driver's native form.
func (d *DB) Rebind(query string) string { return rebind(d.driver, query) }

func rebind(driver, query string) string {
	if driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ExecContext runs a statement after rebinding placeholders.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.Rebind(query), args...)
}

// QueryContext runs a query after rebinding placeholders.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.Rebind(query), args...)
}

// QueryRowContext runs a single-row query after rebinding placeholders.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.Rebind(query), args...)
}
