package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Defaults for the contended write paths. Deploy creation, finalize, and
// request reservation all touch the agent row or a shared counter row;
// under concurrent traffic Postgres may refuse one side with a transient
// conflict that is safe to re-run from the top.
const (
	txRetries        = 3
	txRetryBaseDelay = 25 * time.Millisecond
)

// retriable reports whether err is a transient Postgres conflict
// (serialization_failure or deadlock_detected).
func retriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// WithRetry runs fn, re-running it up to maxRetries times when it fails
// with a transient conflict. Delays double from baseDelay with jitter.
// fn must be a complete transaction that is safe to re-run from the top.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil || !retriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
