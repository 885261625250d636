package grpcbroker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type retryPolicy struct {
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		maxRetries:   3,
		baseDelay:    100 * time.Millisecond,
		maxDelay:     5 * time.Second,
		jitterFactor: 0.2,
	}
}

// do runs fn until it succeeds, returns a non-retryable error, or the
// attempts run out.
func (r retryPolicy) do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err

		if attempt < r.maxRetries-1 {
			select {
			case <-time.After(r.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// backoff is baseDelay * 2^attempt, capped at maxDelay, with +/- jitter.
func (r retryPolicy) backoff(attempt int) time.Duration {
	delay := float64(r.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(r.maxDelay) {
		delay = float64(r.maxDelay)
	}
	delay += delay * r.jitterFactor * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(r.baseDelay)
	}
	return time.Duration(delay)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.DeadlineExceeded,
		codes.Internal,
		codes.Unknown:
		return true
	default:
		return false
	}
}
