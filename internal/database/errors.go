package database

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	"pigeon/pkg/interfaces"
)

var (
	ErrManagerClosed = fmt.Errorf("database manager: %w", interfaces.ErrPoolClosed)
	ErrConnReleased  = errors.New("connection already released")
	ErrNoTransaction = errors.New("no transaction in progress")
	ErrTxInProgress  = errors.New("transaction already in progress")
	ErrTransient     = errors.New("transient database error")
	ErrUnknownLock   = errors.New("unknown lock hint")
)

// MySQL server error numbers worth a retry
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// IsTransient reports whether err is a lock condition that a fresh attempt
// may not hit again: deadlocks and lock wait timeouts on MySQL, busy and
// locked databases on SQLite.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimeout
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}
