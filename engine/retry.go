package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

const (
	// statusOverloaded is the backend's transient capacity status. Only this
	// status is retried; everything else fails immediately.
	statusOverloaded = 529

	// overloadedAttempts is the total number of tries per call.
	overloadedAttempts = 3
)

// createMessage calls the backend with a bounded per-call timeout and retries
// overloaded responses with a doubling delay. The SDK's own retry layer is
// expected to be disabled at client construction (option.WithMaxRetries(0))
// so attempts are counted here and nowhere else.
func (e *Engine) createMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	var lastErr error
	delay := e.retryBaseDelay

	for attempt := 1; attempt <= overloadedAttempts; attempt++ {
		if attempt > 1 {
			log.Printf("[ENGINE] Backend overloaded, retrying in %s (attempt %d/%d)", delay, attempt, overloadedAttempts)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		resp, err := e.callOnce(ctx, params)
		if err == nil {
			return resp, nil
		}
		if !isOverloaded(err) {
			return nil, fmt.Errorf("model backend error: %w", err)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("model backend overloaded after %d attempts: %w", overloadedAttempts, lastErr)
}

func (e *Engine) callOnce(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	if e.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.requestTimeout)
		defer cancel()
	}
	return e.backend.New(ctx, params)
}

// isOverloaded reports whether err is the backend's transient capacity error.
func isOverloaded(err error) bool {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == statusOverloaded
	}
	return false
}
