// Package retry provides the bounded retry loop used for every outbound call
// to the durable store and the payment provider.
package retry

import (
	"context"
	"time"

	"github.com/PortNumber53/subsync/internal/apperr"
)

// Policy configures Do. The zero value runs fn exactly once.
type Policy struct {
	// Retries is the number of additional attempts after the first call.
	Retries int
	// BaseDelay is multiplied by the retry number: BaseDelay, 2*BaseDelay, ...
	BaseDelay time.Duration
	// Retryable decides whether an error is worth another attempt. Defaults
	// to apperr.IsRetryable.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(retry int, delay time.Duration, err error)
}

// Default is three retries at 1s, 2s and 3s.
func Default() Policy {
	return Policy{Retries: 3, BaseDelay: time.Second}
}

// Delay returns the wait before the given retry (1-based).
func (p Policy) Delay(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}
	return time.Duration(retry) * p.BaseDelay
}

// Do calls fn until it succeeds, returns a non-retryable error, the retry
// budget is spent, or ctx is done. The last error from fn is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = apperr.IsRetryable
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.Retries || !retryable(err) {
			return err
		}

		delay := p.Delay(attempt + 1)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
