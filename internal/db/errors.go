package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// isRetryableError determines if an error is infrastructure-related (should retry)
// vs data-related (bad input that will fail again)
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, sql.ErrNoRows) {
		return false
	}

	if class, ok := sqlStateClass(err); ok {
		switch class {
		case "08": // Connection exceptions
			return true
		case "40": // Transaction rollback (serialisation failure, deadlock)
			return true
		case "53": // Insufficient resources
			return true
		case "57": // Operator intervention
			return true
		case "58": // System errors
			return true
		default:
			// Integrity (23), data (22) and syntax (42) errors will not heal on retry
			return false
		}
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errMsg := err.Error()
	for _, connErr := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"too many clients",
	} {
		if strings.Contains(errMsg, connErr) {
			return true
		}
	}

	return false
}

// sqlStateClass extracts the two character SQLSTATE class from either driver's error type.
// The pool runs on pgx while the LISTEN connection runs on lib/pq.
func sqlStateClass(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code.Class()), true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		return pgErr.Code[:2], true
	}

	return "", false
}
