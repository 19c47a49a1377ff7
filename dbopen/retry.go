package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// WAL readers rarely block writers, but concurrent writers still see BUSY
// under load. Three attempts with 100/200 ms pauses absorb the common case.
const (
	busyAttempts = 3
	busyBackoff  = 100 * time.Millisecond
)

// IsBusy reports whether err indicates an SQLite BUSY condition. The driver
// surfaces these as strings, so that is what we match on.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx executes fn inside a transaction, retrying the whole transaction on
// SQLITE_BUSY. fn must be safe to run more than once.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retryBusy(ctx, "tx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec executes a single statement, retrying on SQLITE_BUSY.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryBusy(ctx, "exec", func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func retryBusy(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsBusy(err) || attempt == busyAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dbopen: %s interrupted during retry: %w", op, ctx.Err())
		case <-time.After(busyBackoff * time.Duration(attempt)):
		}
	}
}
