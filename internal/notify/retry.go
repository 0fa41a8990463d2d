package notify

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy retries a delivery with capped exponential backoff. Each delay
// is scaled by a random factor in [0.7, 1.3).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Do calls fn until it succeeds, fails permanently, runs out of attempts or
// ctx ends. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	p = p.withDefaults()

	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if IsPermanent(err) || attempt >= p.MaxAttempts {
			return attempt, err
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
