package sqliteutil

import (
	"fmt"
	"strings"
)

// IsMemory reports whether dsn names an in-memory database. Each connection to
// such a database sees its own copy, so callers pin the pool to one connection.
func IsMemory(dsn string) bool {
	lower := strings.ToLower(dsn)
	return dsn == ":memory:" || strings.HasPrefix(lower, "file::memory:") || strings.Contains(lower, "mode=memory")
}

// EnsurePragmas appends WAL and busy timeout pragmas to a file DSN when missing.
func EnsurePragmas(dsn string, wal bool, busyTimeoutMS int) string {
	if dsn == "" || IsMemory(dsn) {
		return dsn
	}
	lower := strings.ToLower(dsn)
	if wal && !strings.Contains(lower, "_pragma=journal_mode") {
		dsn = addPragma(dsn, "journal_mode(WAL)")
	}
	if busyTimeoutMS > 0 && !strings.Contains(lower, "_pragma=busy_timeout") {
		dsn = addPragma(dsn, fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	}
	return dsn
}

func addPragma(dsn, pragma string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=" + pragma
}
