package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
)

// MySQL error numbers for which a whole transaction is retried.
const (
	errLockDeadlock    = 1213
	errLockWaitTimeout = 1205
)

const (
	defaultRetryMaxElapsed = 30 * time.Second
	txRetryMaxElapsed      = 5 * time.Second
)

func newRetryBackoff(maxElapsed time.Duration) backoff.BackOff {
	// BackOff values are stateful; always hand out a fresh one.
	if maxElapsed <= 0 {
		maxElapsed = defaultRetryMaxElapsed
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = maxElapsed
	return bo
}

// isRetryableError reports transient connection failures worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		// 2006
		"gone away",
		// 2013
		"lost connection",
		"i/o timeout",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// isRetryableTxError reports whether a failed transaction may be run again
// from the start. A failed commit is never retried: its outcome is unknown.
func isRetryableTxError(err error) bool {
	var ce *commitError
	if errors.As(err, &ce) {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == errLockDeadlock || myErr.Number == errLockWaitTimeout
	}
	return isRetryableError(err)
}

type commitError struct{ err error }

func (e *commitError) Error() string { return "commit: " + e.err.Error() }

func (e *commitError) Unwrap() error { return e.err }

// retry runs op until it succeeds, fails with a non-retryable error, or the
// backoff gives up.
func retry(ctx context.Context, bo backoff.BackOff, retryable func(error) bool, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}
