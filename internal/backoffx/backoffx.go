// Package backoffx centralizes the bounded-retry policy the central-store
// client (remotestore.Store.WithRetry) applies to transient store errors,
// built on github.com/cenkalti/backoff/v4. The sync engine does not use it.
package backoffx

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewExponential returns an exponential backoff bounded by maxElapsed, the
// policy shape the central-store client uses for transient connection
// errors (stale pool connections, brief network blips, server restarts).
func NewExponential(maxElapsed time.Duration) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	return bo
}

// IsRetryableStoreError reports whether err looks like a transient
// connection error against the central relational store, as opposed to a
// permanent rejection (constraint violation, auth failure, bad SQL).
func IsRetryableStoreError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"database is read only",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

// Retry runs op under bo, retrying only while classify(err) reports true,
// and returns the last error otherwise. attempts tracks how many times op
// was actually invoked, for callers that want to surface retry counts.
func Retry(ctx context.Context, bo backoff.BackOff, classify func(error) bool, op func() error) (attempts int, err error) {
	err = backoff.Retry(func() error {
		attempts++
		opErr := op()
		if opErr == nil {
			return nil
		}
		if classify(opErr) {
			return opErr
		}
		return backoff.Permanent(opErr)
	}, backoff.WithContext(bo, ctx))
	return attempts, err
}
