package forge

import (
	"context"
	"errors"
	"net"
	"time"

	gogitlab "gitlab.com/gitlab-org/api/client-go"
)

// transportRetryBudget bounds the *transport* retry — a small, fixed number
// of attempts for a single forge call on 5xx/network failures. This is
// distinct from the Project Worker's *semantic* retry (restarting the state
// machine from PREPARE on a stale sha); the two must never be conflated
// (spec §9).
const transportRetryBudget = 3

const transportRetryBaseDelay = 250 * time.Millisecond

// withRetry runs fn up to transportRetryBudget times, backing off
// exponentially between attempts, stopping early on a non-retryable error
// or context cancellation. The backoff applies to transport only; the
// Project Worker's CI poll waits a fixed interval between polls.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := transportRetryBaseDelay

	for attempt := 1; attempt <= transportRetryBudget; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isRetryableTransportError(err) || attempt == transportRetryBudget {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// isRetryableTransportError reports whether err looks like a 5xx response
// or a network-level failure, as opposed to a 4xx the caller must surface
// as a typed, non-retryable error.
func isRetryableTransportError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var glErr *gogitlab.ErrorResponse
	if errors.As(err, &glErr) && glErr.Response != nil {
		return glErr.Response.StatusCode >= 500
	}

	return false
}
