package db

import (
	"strconv"
	"strings"
)

// DefaultStatementTimeoutMs bounds a single statement when no timeout is configured.
// Bulk parcel resolution is the slowest query the service issues.
const DefaultStatementTimeoutMs = 60000

// WithStatementTimeout adds statement_timeout to a DSN unless one is already
// present. Both URL and key=value DSNs are supported.
func WithStatementTimeout(dsn string, timeoutMs int) string {
	if dsn == "" || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}
	if timeoutMs <= 0 {
		timeoutMs = DefaultStatementTimeoutMs
	}
	param := "statement_timeout=" + strconv.Itoa(timeoutMs)

	if strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://") {
		if strings.Contains(dsn, "?") {
			return dsn + "&" + param
		}
		return dsn + "?" + param
	}
	return dsn + " " + param
}
