package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how often an operation is re-run after
// ErrConcurrencyConflict. Other errors are returned immediately.
type RetryPolicy struct {
	MaxRetries uint64
	Base       time.Duration
	// OnRetry, if set, is called before every re-run.
	OnRetry func(err error)
}

var DefaultRetryPolicy = RetryPolicy{MaxRetries: 4, Base: 50 * time.Millisecond}

// Do runs fn, retrying with exponential backoff while it reports a
// concurrency conflict. The last conflict is returned once retries run out.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	base := p.Base
	if base <= 0 {
		base = DefaultRetryPolicy.Base
	}
	b := retry.WithMaxRetries(p.MaxRetries, retry.NewExponential(base))

	var last error
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if last != nil && p.OnRetry != nil {
			p.OnRetry(last)
		}
		err := fn(ctx)
		if errors.Is(err, ErrConcurrencyConflict) {
			last = err
			return retry.RetryableError(err)
		}
		return err
	})
}
