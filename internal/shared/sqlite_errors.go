// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError checks if the error is either a SQLITE_BUSY
// or "database is locked" error.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// RetryOnConflict runs op up to attempts times, backing off exponentially
// from baseDelay while op fails with a SQLite conflict. Any other error is
// returned immediately.
func RetryOnConflict(ctx context.Context, attempts int, baseDelay time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = baseDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsSQLiteConflictError(err) {
			return backoff.Permanent(err)
		}
		slog.Debug("Database locked, retrying", "attempt", attempt, "error", err)
		return err
	}, bo)
}
