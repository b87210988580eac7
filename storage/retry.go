package storage

import (
	"strings"
	"time"

	"bastion/metrics"
)

// Retry policy for transient write conflicts: bounded at 5 attempts with
// exponential backoff capped at 500ms. All other failures propagate
// immediately.
const (
	conflictMaxAttempts = 5
	conflictBaseDelay   = 50 * time.Millisecond
	conflictMaxDelay    = 500 * time.Millisecond
)

// isWriteConflict reports whether an error is a transient SQLite write
// conflict worth retrying. The driver surfaces these as busy/locked text;
// anything else is a real failure.
func isWriteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "deadlock")
}

// withConflictRetry re-executes fn transparently when the storage backend
// reports a transient write conflict. Retries are never silent: each one is
// logged with the failing operation's identity and counted.
func (s *SQLite) withConflictRetry(operation string, fn func() error) error {
	delay := conflictBaseDelay

	var err error
	for attempt := 1; attempt <= conflictMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !isWriteConflict(err) {
			return err
		}
		if attempt == conflictMaxAttempts {
			break
		}

		s.Logger.Warnf("Write conflict detected when running %s (attempt %d/%d): retrying in %s",
			operation, attempt, conflictMaxAttempts, delay)
		metrics.DBConflictRetries.WithLabelValues(operation).Inc()

		time.Sleep(delay)
		delay *= 2
		if delay > conflictMaxDelay {
			delay = conflictMaxDelay
		}
	}

	return err
}
