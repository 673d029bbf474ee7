package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ModuleConfig locates the private databases modules run SQL against. They
// never share a database with the host tables.
type ModuleConfig struct {
	// Dir holds one SQLite file per module.
	Dir string `yaml:"dir" env:"DIR"`
	// DSN is the PostgreSQL database holding one schema per module. It must
	// not be the host database.
	DSN string `yaml:"dsn" env:"DSN"`
}

// ModuleDatabases opens and caches each module's private SQL connection.
// With SQLite every module gets its own file and ATTACH is disabled, so a
// module cannot open the host database or another module's file. With
// PostgreSQL every module gets its own schema as search_path in a database
// separate from the host's.
type ModuleDatabases struct {
	driver string
	cfg    ModuleConfig

	mu     sync.Mutex
	conns  map[string]*moduleConn
	closed bool
}

// NewModuleDatabases returns the module database provider for driver.
func NewModuleDatabases(driver string, cfg ModuleConfig) (*ModuleDatabases, error) {
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
	case DriverPostgres, "postgres":
		driver = DriverPostgres
	default:
		return nil, fmt.Errorf("module databases %q: %w", driver, ErrUnknownDriver)
	}
	return &ModuleDatabases{driver: driver, cfg: cfg, conns: make(map[string]*moduleConn)}, nil
}

// Driver returns the normalized driver name.
func (m *ModuleDatabases) Driver() string { return m.driver }

// Path returns the SQLite file of moduleID.
func (m *ModuleDatabases) Path(moduleID string) string {
	return filepath.Join(m.cfg.Dir, identifier(moduleID)+".db")
}

// Schema returns the PostgreSQL schema of moduleID.
func (m *ModuleDatabases) Schema(moduleID string) string {
	return "mod_" + identifier(moduleID)
}

// conn returns moduleID's connection, opening it on first use.
func (m *ModuleDatabases) conn(ctx context.Context, moduleID string) (*moduleConn, error) {
	if m == nil {
		return nil, ErrNoDatabase
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrNoDatabase
	}
	if c, ok := m.conns[moduleID]; ok {
		return c, nil
	}

	var (
		c   *moduleConn
		err error
	)
	switch m.driver {
	case DriverSQLite:
		c, err = m.openSQLite(ctx, moduleID)
	default:
		c, err = m.openPostgres(ctx, moduleID)
	}
	if err != nil {
		return nil, err
	}
	m.conns[moduleID] = c
	return c, nil
}

func (m *ModuleDatabases) openSQLite(ctx context.Context, moduleID string) (*moduleConn, error) {
	if m.cfg.Dir == "" {
		return nil, fmt.Errorf("module %s: %w", moduleID, ErrNoDatabase)
	}
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("module %s: create database dir: %w", moduleID, err)
	}
	db, err := sql.Open(DriverSQLite, m.Path(moduleID))
	if err != nil {
		return nil, fmt.Errorf("module %s: open: %w", moduleID, err)
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("module %s: connect: %w", moduleID, err)
	}
	// Limits belong to one connection, which is why every statement of the
	// module runs on this pinned one.
	if _, err := sqlite.Limit(conn, sqlite3.SQLITE_LIMIT_ATTACHED, 0); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, fmt.Errorf("module %s: disable attach: %w", moduleID, err)
	}
	return &moduleConn{db: db, conn: conn, driver: DriverSQLite}, nil
}

func (m *ModuleDatabases) openPostgres(ctx context.Context, moduleID string) (*moduleConn, error) {
	if m.cfg.DSN == "" {
		return nil, fmt.Errorf("module %s: %w", moduleID, ErrNoDatabase)
	}
	cfg, err := pgx.ParseConfig(m.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("module %s: parse dsn: %w", moduleID, err)
	}
	schema := m.Schema(moduleID)
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = make(map[string]string)
	}
	cfg.RuntimeParams["search_path"] = schema
	db := stdlib.OpenDB(*cfg)
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("module %s: connect: %w", moduleID, err)
	}
	if _, err := conn.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, fmt.Errorf("module %s: create schema: %w", moduleID, err)
	}
	return &moduleConn{db: db, conn: conn, driver: DriverPostgres}, nil
}

// Release closes moduleID's connection. The module's data stays in place.
func (m *ModuleDatabases) Release(moduleID string) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	c, ok := m.conns[moduleID]
	delete(m.conns, moduleID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.close()
}

// Close closes every module connection and refuses new ones.
func (m *ModuleDatabases) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*moduleConn)
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for id, c := range conns {
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("module %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

type moduleConn struct {
	db     *sql.DB
	conn   *sql.Conn
	driver string
}

func (c *moduleConn) close() error {
	return errors.Join(c.conn.Close(), c.db.Close())
}
