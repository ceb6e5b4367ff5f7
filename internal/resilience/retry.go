package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds a retried operation: at most MaxAttempts tries, with a
// delay that doubles each attempt from InitialDelay up to MaxDelay.
// Retryable decides whether an error is worth another attempt; nil means
// every error is transient.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Retryable    func(error) bool
	Log          *logrus.Entry
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Log == nil {
		p.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return p
}

// Retry runs op until it succeeds, the retryable predicate rejects its error,
// or the attempt ceiling is reached. It never panics and never returns an
// error: exhaustion yields the zero value and false. Each attempt's outcome
// is logged under name.
func Retry[T any](policy RetryPolicy, name string, op func() (T, error)) (T, bool) {
	return RetryContext(context.Background(), policy, name, func(context.Context) (T, error) {
		return op()
	})
}

// RetryContext is the cancellable variant of Retry. Cancellation between
// attempts (or inside op, if op honors ctx) stops retrying immediately.
func RetryContext[T any](ctx context.Context, policy RetryPolicy, name string, op func(context.Context) (T, error)) (T, bool) {
	p := policy.normalized()
	log := p.Log.WithField("op", name)

	var zero T
	delay := p.InitialDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		v, err := runAttempt(ctx, op)
		if err == nil {
			if attempt > 1 {
				log.WithField("attempt", attempt).Debug("retry succeeded")
			}
			return v, true
		}

		log.WithError(err).WithField("attempt", attempt).Debug("attempt failed")
		if p.Retryable != nil && !p.Retryable(err) {
			log.WithError(err).Debug("error not retryable, giving up")
			return zero, false
		}
		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			log.Debug("retry cancelled")
			return zero, false
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	log.WithField("attempts", p.MaxAttempts).Warn("retries exhausted")
	return zero, false
}

func runAttempt[T any](ctx context.Context, op func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in retried operation: %v", r)
		}
	}()
	return op(ctx)
}
