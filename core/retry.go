package core

import (
	"context"
	"errors"
	"time"
)

// storeCall bounds one backing-store operation with a timeout and retries it
// once after backoff. Conflict and duplicate errors are results, not outages,
// and are returned without a retry.
func storeCall[T any](ctx context.Context, timeout, backoff time.Duration, op func(context.Context) (T, error)) (T, error) {
	result, err := storeAttempt(ctx, timeout, op)
	if err == nil || !retryable(ctx, err) {
		return result, err
	}

	if backoff > 0 {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, err
		case <-timer.C:
		}
	}
	return storeAttempt(ctx, timeout, op)
}

// storeAttempt runs op once under timeout. Non-idempotent writes use it
// instead of storeCall.
func storeAttempt[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(callCtx)
}

// storeExec is storeCall for operations without a result.
func storeExec(ctx context.Context, timeout, backoff time.Duration, op func(context.Context) error) error {
	_, err := storeCall(ctx, timeout, backoff, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, ErrConcurrentUpdate),
		errors.Is(err, ErrDuplicateToken),
		errors.Is(err, ErrAccountExists),
		errors.Is(err, ErrTwoFactorNotEnabled):
		return false
	}
	return true
}
