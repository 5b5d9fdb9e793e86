package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func classify(err error) Classification {
	if errors.Is(err, errTransient) {
		return Retryable
	}
	return Terminal
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	exec := NewExecutor(Config{Base: time.Millisecond, MaxAttempts: 3})

	attempts := 0
	err := exec.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	}, classify)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_TerminalErrorIsNotRetried(t *testing.T) {
	exec := NewExecutor(Config{Base: time.Millisecond, MaxAttempts: 3})

	attempts := 0
	err := exec.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errFatal
	}, classify)

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, attempts)
}

func TestDo_AttemptsAreCapped(t *testing.T) {
	exec := NewExecutor(Config{Base: time.Millisecond, MaxAttempts: 2})

	attempts := 0
	err := exec.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errTransient
	}, classify)

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, attempts)
}

func TestDo_ExponentialDelay(t *testing.T) {
	exec := NewExecutor(Config{Base: 10 * time.Millisecond, MaxAttempts: 3})

	start := time.Now()
	err := exec.Do(context.Background(), func(ctx context.Context) error {
		return errTransient
	}, classify)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, errTransient)
	// 10ms before the second attempt, 20ms before the third
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestDo_AbortsWhenRetryWouldExceedDeadline(t *testing.T) {
	exec := NewExecutor(Config{Base: 200 * time.Millisecond, MaxAttempts: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	start := time.Now()
	err := exec.Do(ctx, func(ctx context.Context) error {
		attempts++
		return errTransient
	}, classify)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeadline)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestDo_NilClassifierNeverRetries(t *testing.T) {
	exec := NewExecutor(Config{Base: time.Millisecond, MaxAttempts: 3})

	attempts := 0
	err := exec.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errTransient
	}, nil)

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestNewExecutor_Defaults(t *testing.T) {
	exec := NewExecutor(Config{})
	assert.Equal(t, 1, exec.Config().MaxAttempts)
	assert.Equal(t, time.Second, exec.Config().Base)
}
