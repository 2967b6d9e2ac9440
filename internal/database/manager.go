package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	// ARCHITECTURAL DISCOVERY: Drivers register themselves; the configured
	// driver name picks one at Open time
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	dbconfig "pigeon/pkg/database"
	"pigeon/pkg/interfaces"
)

// Manager owns the connection pool and hands out dedicated connections
type Manager struct {
	db     *sql.DB
	config *dbconfig.Config
	log    *slog.Logger
	closed bool
	mu     sync.RWMutex // TECHNICAL: Protect closed status
}

// NewManager opens the configured database and checks it answers
func NewManager(config *dbconfig.Config, log *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	dsn, err := config.DataSourceName()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent workflows,
	// every running pipeline holds one connection until it commits or rolls back
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	log.Info("Database opened", "driver", config.Driver, "max_connections", config.MaxConnections)
	return &Manager{db: db, config: config, log: log}, nil
}

// Acquire takes a dedicated connection from the pool. The caller must
// Release it.
func (m *Manager) Acquire(ctx context.Context) (interfaces.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &Conn{conn: conn, driver: m.config.Driver, log: m.log}, nil
}

// Driver returns the configured driver name
func (m *Manager) Driver() string {
	return m.config.Driver
}

// GetDB returns the underlying pool for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	// Test read operation to verify the schema is reachable
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetStats returns pool counters for the stats endpoint
func (m *Manager) GetStats() map[string]int {
	stats := m.db.Stats()
	return map[string]int{
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       int(stats.WaitCount),
	}
}

// Close shuts down the pool
func (m *Manager) Close() error {
	// TECHNICAL DISCOVERY: Prevent multiple close operations
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	m.log.Info("Database closed")
	return nil
}

// Conn is one dedicated connection with at most one open transaction.
// It is used by a single pipeline at a time and is not safe for concurrent use.
type Conn struct {
	conn     *sql.Conn
	tx       *sql.Tx
	driver   string
	log      *slog.Logger
	released bool
}

// Begin opens a transaction on the connection
// TECHNICAL DISCOVERY: On SQLite the DSN's _txlock=immediate turns this into
// BEGIN IMMEDIATE, taking the write lock before the first read
func (c *Conn) Begin(ctx context.Context) error {
	if c.released {
		return ErrConnReleased
	}
	if c.tx != nil {
		return ErrTxInProgress
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	c.tx = tx
	return nil
}

// Commit commits the open transaction
func (c *Conn) Commit() error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the open transaction
func (c *Conn) Rollback() error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// Release returns the connection to the pool, rolling back a transaction
// left open
func (c *Conn) Release() error {
	if c.released {
		return ErrConnReleased
	}
	c.released = true
	if c.tx != nil {
		c.log.Warn("Releasing connection with an open transaction")
		_ = c.Rollback()
	}
	return c.conn.Close()
}

// Query runs a read, appending the row lock of hint in the engine's dialect
func (c *Conn) Query(ctx context.Context, lock interfaces.LockHint, query string, args ...any) (*sql.Rows, error) {
	if c.released {
		return nil, ErrConnReleased
	}
	q, err := WithLock(c.driver, query, lock)
	if err != nil {
		return nil, err
	}
	if c.tx != nil {
		return c.tx.QueryContext(ctx, q, args...)
	}
	return c.conn.QueryContext(ctx, q, args...)
}

// QueryRow is Query for single-row reads. An unknown lock hint surfaces as
// the row's Scan error.
func (c *Conn) QueryRow(ctx context.Context, lock interfaces.LockHint, query string, args ...any) *sql.Row {
	q, err := WithLock(c.driver, query, lock)
	if err != nil {
		q = query
	}
	if c.tx != nil {
		return c.tx.QueryRowContext(ctx, q, args...)
	}
	return c.conn.QueryRowContext(ctx, q, args...)
}

// Exec runs a write
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.released {
		return nil, ErrConnReleased
	}
	if c.tx != nil {
		return c.tx.ExecContext(ctx, query, args...)
	}
	return c.conn.ExecContext(ctx, query, args...)
}

// WithLock renders a lock hint for driver.
// ARCHITECTURAL DISCOVERY: SQLite has no row locks; its writers are already
// serialised by BEGIN IMMEDIATE, so every hint renders as the bare query
func WithLock(driver, query string, lock interfaces.LockHint) (string, error) {
	switch lock {
	case interfaces.LockNone:
		return query, nil
	case interfaces.LockShared, interfaces.LockExclusive:
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownLock, int(lock))
	}
	if driver != dbconfig.DriverMySQL {
		return query, nil
	}
	if lock == interfaces.LockShared {
		return query + " LOCK IN SHARE MODE", nil
	}
	return query + " FOR UPDATE", nil
}
