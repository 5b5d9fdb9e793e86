package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Classification tells the executor whether a failed attempt may be retried
type Classification int

const (
	Terminal Classification = iota
	Retryable
)

// Classifier decides how an error is handled
type Classifier func(err error) Classification

// ErrDeadline is returned (wrapped with the last attempt's error) when the
// next retry would start after the caller's deadline
var ErrDeadline = errors.New("retry would exceed deadline")

// Config holds the backoff settings
type Config struct {
	Base        time.Duration // delay before the second attempt
	MaxAttempts int           // total attempts, including the first
}

// DefaultConfig returns the default backoff: 1s base, 3 attempts
func DefaultConfig() Config {
	return Config{
		Base:        time.Second,
		MaxAttempts: 3,
	}
}

// Executor runs an operation with bounded exponential backoff. The delay
// before attempt n+1 is Base * 2^(n-1).
type Executor struct {
	config Config
	now    func() time.Time
}

// NewExecutor creates a new executor
func NewExecutor(config Config) *Executor {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Base <= 0 {
		config.Base = DefaultConfig().Base
	}
	return &Executor{config: config, now: time.Now}
}

// Config returns the executor's settings
func (e *Executor) Config() Config {
	return e.config
}

// Do runs op until it succeeds, returns a terminal error, runs out of
// attempts, or the next delay would cross ctx's deadline. In the last case the
// returned error wraps both ErrDeadline and the last attempt's error.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error, classify Classifier) error {
	var (
		lastErr  error
		deadline bool
	)

	backoff := goretry.NewExponential(e.config.Base)
	backoff = goretry.WithMaxRetries(uint64(e.config.MaxAttempts-1), backoff)
	backoff = e.withDeadline(ctx, backoff, &deadline)

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if classify != nil && classify(err) == Retryable {
			return goretry.RetryableError(err)
		}
		return err
	})

	if deadline {
		return &DeadlineError{Last: lastErr}
	}
	if err != nil && lastErr != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(lastErr, context.DeadlineExceeded) {
		return &DeadlineError{Last: lastErr}
	}
	return err
}

// withDeadline stops the backoff when the next delay would end after ctx's
// deadline
func (e *Executor) withDeadline(ctx context.Context, next goretry.Backoff, hit *bool) goretry.Backoff {
	return goretry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := next.Next()
		if stop {
			return 0, true
		}
		if dl, ok := ctx.Deadline(); ok && e.now().Add(delay).After(dl) {
			*hit = true
			return 0, true
		}
		return delay, false
	})
}

// DeadlineError reports that retrying stopped because of the caller's
// deadline
type DeadlineError struct {
	Last error
}

func (e *DeadlineError) Error() string {
	if e.Last == nil {
		return ErrDeadline.Error()
	}
	return fmt.Sprintf("%s: %v", ErrDeadline.Error(), e.Last)
}

// Is matches ErrDeadline
func (e *DeadlineError) Is(target error) bool {
	return target == ErrDeadline
}

func (e *DeadlineError) Unwrap() error {
	return e.Last
}
