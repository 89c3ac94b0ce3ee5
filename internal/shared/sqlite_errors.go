// Package shared holds small helpers with no better home, currently the
// SQLite error classification used by the store's retry loop.
//
//nolint:revive // cross-cutting helpers, the generic name is deliberate.
package shared

import "strings"

// IsSQLiteBusyError reports whether err is a SQLITE_BUSY failure, raised
// when another connection holds the write lock.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError reports whether err is a "database is locked"
// failure. modernc.org/sqlite surfaces lock contention in this form too.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports whether err is lock contention in either
// form. Callers treat a conflict as transient and retry the statement.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}
