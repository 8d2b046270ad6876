package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// MySQL server error numbers the seat transactions react to.
const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
	mysqlLockNowait      = 3572
)

// withTx runs fn inside a transaction and commits when fn returns nil. Any
// error, including a panic unwinding through fn, rolls back.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func mysqlErrNumber(err error) uint16 {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}

func isDuplicateKey(err error) bool { return mysqlErrNumber(err) == mysqlDuplicateEntry }

// isContention reports errors caused by another transaction holding the rows
// we need: NOWAIT refusals, lock wait timeouts, deadlocks and our own
// deadline expiring while the driver waited.
func isContention(err error) bool {
	switch mysqlErrNumber(err) {
	case mysqlLockWaitTimeout, mysqlDeadlock, mysqlLockNowait:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// classifyTxErr maps contention to a retryable ConflictError and leaves
// everything else untouched.
func classifyTxErr(err error) error {
	if err == nil {
		return nil
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce
	}
	if isContention(err) {
		return NewConflictError(ConflictContention)
	}
	return err
}

// in expands slice arguments of an IN (?) query for the MySQL driver.
func in(query string, args ...interface{}) (string, []interface{}, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("expand query: %w", err)
	}
	return q, a, nil
}

func sortedUint64(ids []uint64) []uint64 {
	out := append([]uint64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
