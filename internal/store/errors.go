package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// sqlState extracts the SQLSTATE code from lib/pq and pgx errors.
func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isRowError reports whether err was caused by the row's data, so the rest of
// the batch can still commit. Connection, resource and transaction-rollback
// failures, and errors without a SQLSTATE, fail the whole batch.
func isRowError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return false
	}

	state := sqlState(err)
	if len(state) < 2 {
		return false
	}
	switch state[:2] {
	case "08", // connection exception
		"40", // transaction rollback
		"53", // insufficient resources
		"57", // operator intervention
		"58", // system error
		"XX": // internal error
		return false
	}
	return true
}
