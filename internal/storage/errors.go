package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrSourceUnavailable means the backing store could not be reached
	// or did not answer in time. Callers retry the whole unit of work.
	ErrSourceUnavailable = errors.New("source unavailable")

	ErrNotFound = errors.New("not found")

	// ErrLockHeld is returned by SliceLocker when the lease is taken.
	ErrLockHeld = errors.New("lock held by another worker")
)

// classifyPostgres wraps errors that did not come back from the server as
// ErrSourceUnavailable. Server-side errors are returned as is.
func classifyPostgres(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w: %w", op, ErrSourceUnavailable, err)
}
