package materialize

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

const maxRetries = 5

// retryBase is the first backoff delay; later attempts double it
var retryBase = 100 * time.Millisecond

// retry runs fn until it succeeds, fails with a permanent error or the
// attempts are used up
func retry(ctx context.Context, opName string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return fmt.Errorf("%s: %w", opName, err)
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBase * (1 << (attempt - 1))):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", opName, maxRetries, lastErr)
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, errSourceChanged)
}
