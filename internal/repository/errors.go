// Package repository defines the storage contracts used by the reservation
// core together with their MySQL and in-memory implementations. The
// sentinel errors below let higher layers distinguish failure scenarios
// without knowing which store produced them.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when a product stock row or reservation does not
// exist. Handlers translate it into an HTTP 404 response.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by conditional writes whose expected
// version no longer matches the stored row. It is the only error the retry
// executor retries.
var ErrVersionConflict = errors.New("version conflict")

// ErrConflict is returned when an insert collides with an existing row,
// such as creating stock for a product that already has a row.
var ErrConflict = errors.New("conflict")

// ErrForbidden is returned when the caller attempts an operation on a
// resource they do not own. Handlers translate it into an HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// MySQL server error numbers that mean "another writer got there first".
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
	mysqlErrDuplicateEntry  = 1062
)

// IsVersionConflict is the conflict predicate handed to the retry executor.
// Besides ErrVersionConflict it classifies InnoDB deadlocks and lock wait
// timeouts as conflicts, since re-reading and retrying resolves both.
func IsVersionConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrVersionConflict) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlErrDeadlock || me.Number == mysqlErrLockWaitTimeout
	}
	return false
}

func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlErrDuplicateEntry
}
