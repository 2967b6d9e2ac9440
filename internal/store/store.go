// Package store holds the parameterized SQL of every aggregate.
//
// Functions take the executor of the running pipeline so they compose inside
// one transaction. Reads that guard a later write take a lock hint; callers
// lock the group_members row before any messages or message_acks rows.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	"pigeon/pkg/types"
)

var ErrDuplicate = errors.New("duplicate row")

const mysqlDuplicateEntry = 1062

// scanner is the common part of *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// notFound maps a missing row to types.ErrNotFound
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, types.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// duplicate maps unique key violations of both engines to ErrDuplicate
func duplicate(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.Code == sqlite3.ErrConstraint &&
		(liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || liteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func isDuplicate(err error) bool { return errors.Is(err, ErrDuplicate) }

func isNotFound(err error) bool { return errors.Is(err, types.ErrNotFound) }

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func location(lat, lng sql.NullFloat64) *types.Location {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &types.Location{Lat: lat.Float64, Lng: lng.Float64}
}

func latLng(loc *types.Location) (any, any) {
	if loc == nil {
		return nil, nil
	}
	return loc.Lat, loc.Lng
}
