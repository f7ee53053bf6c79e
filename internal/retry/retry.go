// Package retry runs operations against hosted models with bounded
// exponential backoff. It is shared by the embedder and the generator so both
// honour the same attempt ceiling.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures retry behaviour.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// InitialWait is the delay before the second attempt.
	InitialWait time.Duration
	// MaxWait caps any single delay.
	MaxWait time.Duration
}

// Default is three attempts starting at half a second.
var Default = Policy{
	MaxAttempts: 3,
	InitialWait: 500 * time.Millisecond,
	MaxWait:     10 * time.Second,
}

// withDefaults fills zero fields from Default.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = Default.MaxAttempts
	}
	if p.InitialWait <= 0 {
		p.InitialWait = Default.InitialWait
	}
	if p.MaxWait <= 0 {
		p.MaxWait = Default.MaxWait
	}
	if p.MaxWait < p.InitialWait {
		p.MaxWait = p.InitialWait
	}
	return p
}

// Notify is called before each wait with the attempt that just failed.
type Notify func(attempt int, err error, wait time.Duration)

// Do calls op until it succeeds, returns an error that retryable rejects, or
// MaxAttempts calls have been made. It returns the number of calls made and
// the last error. Cancelling ctx stops the loop between attempts.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error, retryable func(error) bool, notify Notify) (int, error) {
	p = p.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialWait
	eb.MaxInterval = p.MaxWait
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx, attempts)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempts, err, wait)
		}
	})

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return attempts, err
}
