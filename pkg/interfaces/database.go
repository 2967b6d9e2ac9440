package interfaces

import (
	"context"
	"database/sql"
)

// LockHint selects the row lock taken by a read
// ARCHITECTURAL DISCOVERY: Lock hints are part of the read call, not the SQL
// text, so the same repository query runs on engines with and without row locks
type LockHint int

const (
	LockNone LockHint = iota
	LockShared
	LockExclusive
)

func (h LockHint) String() string {
	switch h {
	case LockNone:
		return "none"
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// Executor runs parameterized statements on one connection
type Executor interface {
	// Query returns rows of a read; lock is appended in the engine's dialect
	Query(ctx context.Context, lock LockHint, query string, args ...any) (*sql.Rows, error)

	// QueryRow is Query for single-row reads
	QueryRow(ctx context.Context, lock LockHint, query string, args ...any) *sql.Row

	// Exec runs a write and returns its result (affected rows, last insert id)
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Conn is one pooled database connection with explicit transaction control.
// FUNCTIONAL DISCOVERY: Release returns the connection to the pool and must
// be called exactly once by whoever acquired it
type Conn interface {
	Executor
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
	Release() error
}

// Pool hands out connections
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
}
